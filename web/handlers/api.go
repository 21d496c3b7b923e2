// Package handlers provides the HTTP handlers and middleware for persona.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/scrypster/persona/internal/engine"
	"github.com/scrypster/persona/internal/storage"
	"github.com/scrypster/persona/pkg/types"
)

// Version is reported by GET /api/health.
const Version = "1.0.0"

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Engine is the part of engine.Engine the handlers use.
type Engine interface {
	Query(ctx context.Context, userID, sessionID, query string) (string, error)
	Extract(ctx context.Context, userID, sessionID, query string) (*engine.Extraction, error)
	SwitchSession(ctx context.Context, userID, sessionID string) error
	MaintainBound(ctx context.Context, userID string) (engine.Report, error)
	SaveProfile(ctx context.Context, userID string, p types.Profile) (*types.MemoryEntry, error)
	SaveAnswer(ctx context.Context, userID, answer string) (*types.MemoryEntry, error)
	Entries(ctx context.Context, userID string, source types.EntrySource) ([]types.MemoryEntry, error)
	Sessions(ctx context.Context, userID string) ([]types.SessionRecord, error)
	Ping(ctx context.Context) error
}

// APIHandlers contains the HTTP handlers for the persona API.
type APIHandlers struct {
	engine Engine
	logger *slog.Logger
}

// NewAPIHandlers creates a new APIHandlers instance. A nil logger means
// slog.Default().
func NewAPIHandlers(e Engine, logger *slog.Logger) *APIHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &APIHandlers{engine: e, logger: logger}
}

// QueryLLM handles POST /query-llm.
//
// A generation failure is not an HTTP error: the response is empty and the
// session is unchanged, so clients can simply retry.
func (h *APIHandlers) QueryLLM(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UserID == "" || req.SessionID == "" {
		respondError(w, http.StatusBadRequest, "user_id and session_id are required", nil)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		respondError(w, http.StatusBadRequest, "query is required", nil)
		return
	}

	response, err := h.engine.Query(r.Context(), req.UserID, req.SessionID, req.Query)
	if err != nil {
		if errors.Is(err, engine.ErrGenerationFailure) {
			h.logger.Warn("generation failed", "user_id", req.UserID, "session_id", req.SessionID, "error", err)
			respondJSON(w, http.StatusOK, QueryResponse{Response: ""})
			return
		}
		h.respondEngineError(w, "failed to answer query", err)
		return
	}
	respondJSON(w, http.StatusOK, QueryResponse{Response: response})
}

// SwitchSession handles POST /switch-session.
func (h *APIHandlers) SwitchSession(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.engine.SwitchSession(r.Context(), req.UserID, req.SessionID); err != nil {
		h.respondEngineError(w, "failed to switch session", err)
		return
	}
	respondJSON(w, http.StatusOK, StatusResponse{Status: "success", Message: "Session switched"})
}

// ManagePersonalInfo handles POST /manage-personal-info.
func (h *APIHandlers) ManagePersonalInfo(w http.ResponseWriter, r *http.Request) {
	var req UserRequest
	if !decodeJSON(w, r, &req) || !requireUser(w, req.UserID) {
		return
	}
	report, err := h.engine.MaintainBound(r.Context(), req.UserID)
	if err != nil {
		h.respondEngineError(w, "failed to maintain personal info", err)
		return
	}
	respondJSON(w, http.StatusOK, ManageResponse{Message: report.String(), Report: report})
}

// ExtractInfo handles POST /extract-info.
func (h *APIHandlers) ExtractInfo(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if !decodeJSON(w, r, &req) || !requireUser(w, req.UserID) {
		return
	}
	ext, err := h.engine.Extract(r.Context(), req.UserID, req.SessionID, req.Query)
	if err != nil {
		h.respondEngineError(w, "failed to extract info", err)
		return
	}
	respondJSON(w, http.StatusOK, ExtractResponse{ExtractedInfo: ext})
}

// SaveUser handles POST /api/save_user.
func (h *APIHandlers) SaveUser(w http.ResponseWriter, r *http.Request) {
	var req SaveUserRequest
	if !decodeJSON(w, r, &req) || !requireUser(w, req.UserID) {
		return
	}
	entry, err := h.engine.SaveProfile(r.Context(), req.UserID, req.Profile)
	if err != nil {
		h.respondEngineError(w, "failed to save user", err)
		return
	}
	respondJSON(w, http.StatusOK, StatusResponse{Status: "success", EntryID: entry.ID})
}

// SaveAnswer handles POST /api/save_answer.
func (h *APIHandlers) SaveAnswer(w http.ResponseWriter, r *http.Request) {
	var req SaveAnswerRequest
	if !decodeJSON(w, r, &req) || !requireUser(w, req.UserID) {
		return
	}
	entry, err := h.engine.SaveAnswer(r.Context(), req.UserID, req.Answer)
	if err != nil {
		h.respondEngineError(w, "failed to save answer", err)
		return
	}
	respondJSON(w, http.StatusOK, StatusResponse{Status: "success", EntryID: entry.ID})
}

// FetchUserData handles POST /api/fetch_user_data and returns the stored
// profile text.
func (h *APIHandlers) FetchUserData(w http.ResponseWriter, r *http.Request) {
	h.fetchLatest(w, r, types.SourceProfile, "user data not found")
}

// FetchUserAnswer handles POST /api/fetch_user_answer and returns the most
// recent answer.
func (h *APIHandlers) FetchUserAnswer(w http.ResponseWriter, r *http.Request) {
	h.fetchLatest(w, r, types.SourceAnswer, "user answers not found")
}

func (h *APIHandlers) fetchLatest(w http.ResponseWriter, r *http.Request, source types.EntrySource, notFound string) {
	var req UserRequest
	if !decodeJSON(w, r, &req) || !requireUser(w, req.UserID) {
		return
	}
	entries, err := h.engine.Entries(r.Context(), req.UserID, source)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			respondError(w, http.StatusNotFound, notFound, nil)
			return
		}
		h.respondEngineError(w, "failed to fetch "+string(source), err)
		return
	}
	respondJSON(w, http.StatusOK, DataResponse{Status: "success", Data: entries[len(entries)-1].Text})
}

// FetchUserSessions handles POST /api/fetch_user_sessions.
func (h *APIHandlers) FetchUserSessions(w http.ResponseWriter, r *http.Request) {
	var req UserRequest
	if !decodeJSON(w, r, &req) || !requireUser(w, req.UserID) {
		return
	}
	sessions, err := h.engine.Sessions(r.Context(), req.UserID)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			respondError(w, http.StatusNotFound, "user sessions not found", nil)
			return
		}
		h.respondEngineError(w, "failed to fetch sessions", err)
		return
	}
	respondJSON(w, http.StatusOK, SessionsResponse{Status: "success", Data: sessions})
}

// Health handles GET /api/health.
func (h *APIHandlers) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Ping(r.Context()); err != nil {
		h.logger.Warn("health check failed", "error", err)
		respondError(w, http.StatusServiceUnavailable, "unhealthy", err)
		return
	}
	respondJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Version: Version})
}

// respondEngineError maps engine errors onto HTTP status codes.
func (h *APIHandlers) respondEngineError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, "error", err)
	}
	respondError(w, status, message, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrEmptyExtraction), errors.Is(err, engine.ErrMalformedExtraction):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrEmbeddingFailure), errors.Is(err, engine.ErrGenerationFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func requireUser(w http.ResponseWriter, userID string) bool {
	if strings.TrimSpace(userID) == "" {
		respondError(w, http.StatusBadRequest, "user_id is required", nil)
		return false
	}
	return true
}

// decodeJSON reads the request body into v, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	return true
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// headers already sent
		slog.Default().Error("failed to encode JSON response", "error", err)
	}
}

// respondError writes an error response with the given status code.
func respondError(w http.ResponseWriter, statusCode int, message string, err error) {
	errResp := ErrorResponse{
		Error: message,
		Code:  http.StatusText(statusCode),
	}

	if err != nil {
		errResp.Details = map[string]interface{}{
			"error": err.Error(),
		}
	}

	respondJSON(w, statusCode, errResp)
}
