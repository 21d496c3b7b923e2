package handlers_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/scrypster/persona/internal/config"
	"github.com/scrypster/persona/web/handlers"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func securityConfig(mode, token string) *config.Config {
	cfg := config.Default()
	cfg.Server.SecurityMode = mode
	cfg.Server.APIToken = token
	return cfg
}

func TestRequireAuth_SkipInDevelopmentMode(t *testing.T) {
	handler := handlers.RequireAuth(okHandler(), securityConfig("development", "secret"))

	req := httptest.NewRequest("POST", "/api/save_answer", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequireAuth_RejectMissingToken(t *testing.T) {
	handler := handlers.RequireAuth(okHandler(), securityConfig("production", "secret"))

	req := httptest.NewRequest("POST", "/api/save_answer", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "unauthorized")
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
}

func TestRequireAuth_RejectWrongToken(t *testing.T) {
	handler := handlers.RequireAuth(okHandler(), securityConfig("production", "secret"))

	req := httptest.NewRequest("POST", "/api/save_answer", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireAuth_RejectTokenWithoutBearerPrefix(t *testing.T) {
	handler := handlers.RequireAuth(okHandler(), securityConfig("production", "secret"))

	req := httptest.NewRequest("POST", "/api/save_answer", nil)
	req.Header.Set("Authorization", "secret")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireAuth_AcceptValidToken(t *testing.T) {
	handler := handlers.RequireAuth(okHandler(), securityConfig("production", "secret-token"))

	req := httptest.NewRequest("POST", "/api/save_answer", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimitMiddleware_AllowsNormalRate(t *testing.T) {
	handler := handlers.RateLimitMiddleware(okHandler(), handlers.NewRateLimiter(10, 20))

	for i := 0; i < 10; i++ {
		req := httptest.NewRequest("POST", "/query-llm", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestRateLimitMiddleware_RejectsExcessiveRate(t *testing.T) {
	handler := handlers.RateLimitMiddleware(okHandler(), handlers.NewRateLimiter(1, 2))

	// burst
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("POST", "/query-llm", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	}

	req := httptest.NewRequest("POST", "/query-llm", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "rate limit exceeded")
}

func TestRateLimitMiddleware_ZeroRateDisables(t *testing.T) {
	handler := handlers.RateLimitMiddleware(okHandler(), handlers.NewRateLimiter(0, 0))

	for i := 0; i < 100; i++ {
		req := httptest.NewRequest("POST", "/query-llm", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	}
}
