package handlers_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/persona/internal/engine"
	"github.com/scrypster/persona/web/handlers"
)

func upgradeRequest(origin string) *http.Request {
	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Origin", origin)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	return req
}

func TestWebSocketHub_ValidatesOrigin(t *testing.T) {
	hub := handlers.NewWebSocketHub(nil, "localhost:5000")
	defer hub.Stop()

	w := httptest.NewRecorder()
	hub.ServeHTTP(w, upgradeRequest("http://evil.com"))

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "Forbidden")
}

func TestWebSocketHub_Broadcast(t *testing.T) {
	hub := handlers.NewWebSocketHub(nil)
	go hub.Run()
	defer hub.Stop()

	received := make(chan []byte, 1)
	hub.Register(&handlers.MockClient{SendChan: received})
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.Broadcast(map[string]interface{}{
		"type": "test",
		"data": "hello",
	})

	select {
	case msg := <-received:
		assert.Contains(t, string(msg), "test")
		assert.Contains(t, string(msg), "hello")
	case <-time.After(1 * time.Second):
		t.Fatal("Timeout waiting for broadcast message")
	}
}

func TestWebSocketHub_PublishEncodesEvent(t *testing.T) {
	hub := handlers.NewWebSocketHub(nil)
	go hub.Run()
	defer hub.Stop()

	received := make(chan []byte, 1)
	hub.Register(&handlers.MockClient{SendChan: received})
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	var handler engine.EventHandler = hub.Publish
	handler(engine.Event{ID: "ev-1", Type: engine.EventEntriesEvicted, UserID: "u1", Count: 20})

	select {
	case msg := <-received:
		var ev engine.Event
		require.NoError(t, json.Unmarshal(msg, &ev))
		assert.Equal(t, engine.EventEntriesEvicted, ev.Type)
		assert.Equal(t, "u1", ev.UserID)
		assert.Equal(t, 20, ev.Count)
	case <-time.After(1 * time.Second):
		t.Fatal("Timeout waiting for event")
	}
}

func TestWebSocketHub_DropsSlowClient(t *testing.T) {
	hub := handlers.NewWebSocketHub(nil)
	go hub.Run()
	defer hub.Stop()

	slow := make(chan []byte) // unbuffered, never read
	hub.Register(&handlers.MockClient{SendChan: slow})
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.Broadcast("ping")

	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
	_, open := <-slow
	assert.False(t, open)
}

func TestWebSocketHub_RegisterAfterStopDoesNotBlock(t *testing.T) {
	hub := handlers.NewWebSocketHub(nil)
	hub.Stop()

	done := make(chan struct{})
	go func() {
		hub.Register(&handlers.MockClient{SendChan: make(chan []byte, 1)})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Register blocked after Stop")
	}
}
