// Package server provides HTTP server initialization and lifecycle management
// for persona.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/scrypster/persona/internal/config"
	"github.com/scrypster/persona/internal/engine"
	"github.com/scrypster/persona/web/handlers"
)

// eventSource is implemented by engines that can report memory changes.
type eventSource interface {
	SetEventHandler(engine.EventHandler)
}

// securityHeadersMiddleware adds security headers to all HTTP responses.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// allow rejects requests whose method is not method.
func allow(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

// NewHandler builds the full HTTP handler: routes, authentication, rate
// limiting and security headers. hub may be nil, in which case /ws is not
// served.
func NewHandler(cfg *config.Config, eng handlers.Engine, hub *handlers.WebSocketHub, logger *slog.Logger) http.Handler {
	api := handlers.NewAPIHandlers(eng, logger)

	// Routes behind authentication.
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("/query-llm", allow(http.MethodPost, api.QueryLLM))
	apiMux.HandleFunc("/switch-session", allow(http.MethodPost, api.SwitchSession))
	apiMux.HandleFunc("/manage-personal-info", allow(http.MethodPost, api.ManagePersonalInfo))
	apiMux.HandleFunc("/extract-info", allow(http.MethodPost, api.ExtractInfo))
	apiMux.HandleFunc("/api/save_user", allow(http.MethodPost, api.SaveUser))
	apiMux.HandleFunc("/api/save_answer", allow(http.MethodPost, api.SaveAnswer))
	apiMux.HandleFunc("/api/fetch_user_data", allow(http.MethodPost, api.FetchUserData))
	apiMux.HandleFunc("/api/fetch_user_answer", allow(http.MethodPost, api.FetchUserAnswer))
	apiMux.HandleFunc("/api/fetch_user_sessions", allow(http.MethodPost, api.FetchUserSessions))

	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", allow(http.MethodGet, api.Health))
	if hub != nil {
		mux.Handle("/ws", hub)
	}
	mux.Handle("/", handlers.RequireAuth(apiMux, cfg))

	rateLimiter := handlers.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)
	handler := handlers.RateLimitMiddleware(mux, rateLimiter)
	return securityHeadersMiddleware(handler)
}

// Start initializes and starts the HTTP server. It returns the actual address
// being listened on (useful for testing with port 0) and the WebSocketHub
// carrying engine events. The server shuts down when ctx is cancelled.
func Start(ctx context.Context, cfg *config.Config, eng handlers.Engine, logger *slog.Logger) (string, *handlers.WebSocketHub, error) {
	if logger == nil {
		logger = slog.Default()
	}

	listener, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return "", nil, fmt.Errorf("failed to listen on %s: %w", cfg.Addr(), err)
	}
	actualAddr := listener.Addr().String()

	_, port, _ := net.SplitHostPort(actualAddr)
	wsHub := handlers.NewWebSocketHub(logger,
		"localhost:"+port, "127.0.0.1:"+port, net.JoinHostPort(cfg.Server.Host, port))
	go wsHub.Run()

	if src, ok := eng.(eventSource); ok {
		src.SetEventHandler(wsHub.Publish)
	}

	server := &http.Server{
		Handler:      NewHandler(cfg, eng, wsHub, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * cfg.LLM.Timeout,
		IdleTimeout:  60 * time.Second,
	}
	if server.WriteTimeout < 30*time.Second {
		server.WriteTimeout = 30 * time.Second
	}

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
		if src, ok := eng.(eventSource); ok {
			src.SetEventHandler(nil)
		}
		wsHub.Stop()
	}()

	logger.Info("server listening", "addr", actualAddr)
	return actualAddr, wsHub, nil
}
