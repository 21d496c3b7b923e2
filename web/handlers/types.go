package handlers

import (
	"github.com/scrypster/persona/internal/engine"
	"github.com/scrypster/persona/pkg/types"
)

// ErrorResponse is the standard error response format for the API.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// QueryRequest is the body of POST /query-llm and POST /extract-info.
type QueryRequest struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Query     string `json:"query"`
}

// QueryResponse is the response of POST /query-llm. Response is empty when
// the model produced nothing.
type QueryResponse struct {
	Response string `json:"response"`
}

// ExtractResponse is the response of POST /extract-info.
type ExtractResponse struct {
	ExtractedInfo *engine.Extraction `json:"extracted_info"`
}

// SessionRequest is the body of POST /switch-session.
type SessionRequest struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

// UserRequest carries only a user ID.
type UserRequest struct {
	UserID string `json:"user_id"`
}

// ManageResponse is the response of POST /manage-personal-info.
type ManageResponse struct {
	Message string        `json:"message"`
	Report  engine.Report `json:"report"`
}

// SaveUserRequest is the body of POST /api/save_user.
type SaveUserRequest struct {
	UserID string `json:"user_id"`
	types.Profile
}

// SaveAnswerRequest is the body of POST /api/save_answer.
type SaveAnswerRequest struct {
	UserID string `json:"user_id"`
	Answer string `json:"answer"`
}

// StatusResponse reports the outcome of a write.
type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	EntryID string `json:"entry_id,omitempty"`
}

// DataResponse is the response of the fetch endpoints.
type DataResponse struct {
	Status string `json:"status"`
	Data   string `json:"data"`
}

// SessionsResponse is the response of POST /api/fetch_user_sessions.
type SessionsResponse struct {
	Status string                `json:"status"`
	Data   []types.SessionRecord `json:"data"`
}

// HealthResponse is the response of GET /api/health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}
