// Package server_test exercises the HTTP server end to end over a real
// engine backed by in-memory SQLite.
package server_test

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket" //nolint:staticcheck // TODO: migrate to github.com/coder/websocket

	"github.com/scrypster/persona/internal/config"
	"github.com/scrypster/persona/internal/engine"
	"github.com/scrypster/persona/internal/llm"
	"github.com/scrypster/persona/internal/server"
	"github.com/scrypster/persona/internal/storage/sqlite"
)

const testDim = 64

// stubGenerator answers extraction prompts with one fact and everything
// else with a fixed reply.
type stubGenerator struct{}

func (stubGenerator) Complete(_ context.Context, prompt string) (string, error) {
	if strings.Contains(prompt, "extracts structured information") {
		return "I like jazz\tmusic,jazz\nmusic recommendations\tmusic", nil
	}
	return "Try some Coltrane.", nil
}

func (stubGenerator) GetModel() string { return "stub" }

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Embedding.Dimension = testDim
	return cfg
}

func newEngine(t *testing.T) *engine.Engine {
	t.Helper()
	store, err := sqlite.NewStore(":memory:", sqlite.WithDimension(testDim))
	require.NoError(t, err, "failed to create in-memory SQLite store")
	t.Cleanup(func() { _ = store.Close() })

	eng, err := engine.New(store, stubGenerator{}, llm.NewHashEmbedder(testDim), engine.DefaultConfig())
	require.NoError(t, err)
	return eng
}

// startTestServer starts a server on a random port and returns its base URL.
func startTestServer(t *testing.T, cfg *config.Config) string {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	addr, _, err := server.Start(ctx, cfg, newEngine(t), nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		cancel()
		time.Sleep(50 * time.Millisecond)
	})
	return "http://" + addr
}

func postJSON(t *testing.T, url, body string, header ...string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func readJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestServer_StartsOnRandomPort(t *testing.T) {
	baseURL := startTestServer(t, testConfig())

	addr := strings.TrimPrefix(baseURL, "http://")
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)
	assert.NotEqual(t, "0", port)
}

func TestServer_StartFailsOnBusyPort(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = l.Close() }()

	cfg := testConfig()
	cfg.Server.Port = l.Addr().(*net.TCPAddr).Port

	_, _, err = server.Start(context.Background(), cfg, newEngine(t), nil)
	assert.Error(t, err)
}

func TestServer_HealthEndpoint(t *testing.T) {
	baseURL := startTestServer(t, testConfig())

	resp, err := http.Get(baseURL + "/api/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	body := readJSON(t, resp)
	assert.Equal(t, "healthy", body["status"])
}

func TestServer_SecurityHeaders(t *testing.T) {
	baseURL := startTestServer(t, testConfig())

	resp, err := http.Get(baseURL + "/api/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Equal(t, "1; mode=block", resp.Header.Get("X-XSS-Protection"))
	assert.Equal(t, "strict-origin-when-cross-origin", resp.Header.Get("Referrer-Policy"))
}

func TestServer_HTTPMethods(t *testing.T) {
	baseURL := startTestServer(t, testConfig())

	resp, err := http.Get(baseURL + "/query-llm")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp = postJSON(t, baseURL+"/api/health", `{}`)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp = postJSON(t, baseURL+"/no-such-route", `{}`)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_ProfileAndAnswerRoundTrip(t *testing.T) {
	baseURL := startTestServer(t, testConfig())

	resp := postJSON(t, baseURL+"/api/save_user",
		`{"user_id":"u1","name":"Ada","email":"ada@example.com","interests":["math"]}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "success", readJSON(t, resp)["status"])

	resp = postJSON(t, baseURL+"/api/fetch_user_data", `{"user_id":"u1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, readJSON(t, resp)["data"], "Ada")

	resp = postJSON(t, baseURL+"/api/fetch_user_answer", `{"user_id":"u1"}`)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = postJSON(t, baseURL+"/api/save_answer", `{"user_id":"u1","answer":"I swim"}`)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, baseURL+"/api/fetch_user_answer", `{"user_id":"u1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "I swim", readJSON(t, resp)["data"])
}

func TestServer_QueryFlow(t *testing.T) {
	baseURL := startTestServer(t, testConfig())

	resp := postJSON(t, baseURL+"/query-llm", `{"user_id":"u1","session_id":"s1","query":"recommend music"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Try some Coltrane.", readJSON(t, resp)["response"])

	resp = postJSON(t, baseURL+"/api/fetch_user_sessions", `{"user_id":"u1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := readJSON(t, resp)
	sessions := body["data"].([]interface{})
	require.Len(t, sessions, 1)
	history := sessions[0].(map[string]interface{})["history"].(string)
	assert.Contains(t, history, "recommend music")
	assert.Contains(t, history, "Try some Coltrane.")

	resp = postJSON(t, baseURL+"/switch-session", `{"user_id":"u1","session_id":"s1"}`)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, baseURL+"/manage-personal-info", `{"user_id":"u1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Nothing to remove", readJSON(t, resp)["message"])
}

func TestServer_WebSocketReceivesEvents(t *testing.T) {
	baseURL := startTestServer(t, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(baseURL, "http")+"/ws", nil) //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	require.NoError(t, err)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }() //nolint:staticcheck // TODO: migrate to github.com/coder/websocket

	// Registration is asynchronous; keep writing until an event arrives.
	events := make(chan engine.Event, 8)
	go func() {
		for {
			_, data, err := conn.Read(ctx) //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
			if err != nil {
				return
			}
			var ev engine.Event
			if json.Unmarshal(data, &ev) != nil {
				continue
			}
			select {
			case events <- ev:
			default:
			}
		}
	}()

	deadline := time.After(3 * time.Second)
	for {
		resp := postJSON(t, baseURL+"/api/save_answer", `{"user_id":"u1","answer":"I swim"}`)
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()

		select {
		case ev := <-events:
			assert.Equal(t, engine.EventEntriesCreated, ev.Type)
			assert.Equal(t, "u1", ev.UserID)
			assert.Equal(t, 1, ev.Count)
			return
		case <-time.After(100 * time.Millisecond):
		case <-deadline:
			t.Fatal("no event received over websocket")
		}
	}
}

func TestServer_DevelopmentMode_NoAuth(t *testing.T) {
	baseURL := startTestServer(t, testConfig())

	resp := postJSON(t, baseURL+"/api/save_answer", `{"user_id":"u1","answer":"hi"}`)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_ProductionMode_RequiresAuth(t *testing.T) {
	cfg := testConfig()
	cfg.Server.SecurityMode = "production"
	cfg.Server.APIToken = "test-secret-token"
	baseURL := startTestServer(t, cfg)

	t.Run("without_auth_header", func(t *testing.T) {
		resp := postJSON(t, baseURL+"/query-llm", `{}`)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("with_valid_auth_header", func(t *testing.T) {
		resp := postJSON(t, baseURL+"/api/save_answer", `{"user_id":"u1","answer":"hi"}`,
			"Authorization", "Bearer test-secret-token")
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("with_invalid_auth_header", func(t *testing.T) {
		resp := postJSON(t, baseURL+"/api/save_answer", `{"user_id":"u1","answer":"hi"}`,
			"Authorization", "Bearer wrong-token")
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("health_without_auth", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/api/health")
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestServer_GracefulShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr, _, err := server.Start(ctx, testConfig(), newEngine(t), nil)
	require.NoError(t, err)
	baseURL := "http://" + addr

	resp, err := http.Get(baseURL + "/api/health")
	require.NoError(t, err, "server should be responding before shutdown")
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()

	assert.Eventually(t, func() bool {
		c := &http.Client{Timeout: 200 * time.Millisecond, Transport: &http.Transport{DisableKeepAlives: true}}
		resp, err := c.Get(baseURL + "/api/health")
		if err == nil {
			_ = resp.Body.Close()
		}
		return err != nil
	}, 3*time.Second, 50*time.Millisecond, "server should stop responding after shutdown")
}

func TestNewHandler_RateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.Server.RateLimit = 1
	cfg.Server.RateBurst = 1
	h := server.NewHandler(cfg, newEngine(t), nil, nil)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
		codes = append(codes, w.Code)
	}
	assert.Equal(t, http.StatusOK, codes[0])
	assert.Contains(t, codes[1:], http.StatusTooManyRequests)
}
