package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/scrypster/persona/internal/engine"
	"github.com/scrypster/persona/pkg/types"
)

// ProtocolVersion is the MCP revision this server speaks.
const ProtocolVersion = "2024-11-05"

// personaEngine is the part of engine.Engine the MCP server uses.
type personaEngine interface {
	Query(ctx context.Context, userID, sessionID, query string) (string, error)
	Extract(ctx context.Context, userID, sessionID, query string) (*engine.Extraction, error)
	SwitchSession(ctx context.Context, userID, sessionID string) error
	MaintainBound(ctx context.Context, userID string) (engine.Report, error)
	SaveProfile(ctx context.Context, userID string, p types.Profile) (*types.MemoryEntry, error)
	SaveAnswer(ctx context.Context, userID, answer string) (*types.MemoryEntry, error)
	Entries(ctx context.Context, userID string, source types.EntrySource) ([]types.MemoryEntry, error)
}

type toolHandler func(ctx context.Context, params interface{}) (interface{}, error)

// Server handles MCP JSON-RPC requests against a persona engine.
type Server struct {
	engine  personaEngine
	version string
	tools   map[string]toolHandler
}

// NewServer creates a Server over e. version is reported in serverInfo.
func NewServer(e personaEngine, version string) *Server {
	s := &Server{engine: e, version: version}
	s.tools = map[string]toolHandler{
		"query":                s.handleQuery,
		"extract_info":         s.handleExtractInfo,
		"switch_session":       s.handleSwitchSession,
		"manage_personal_info": s.handleManagePersonalInfo,
		"save_user":            s.handleSaveUser,
		"save_answer":          s.handleSaveAnswer,
		"fetch_user_data":      s.handleFetchUserData,
	}
	return s
}

// HandleRequest processes a JSON-RPC 2.0 request and returns a response.
// Tool names are also accepted as direct JSON-RPC methods.
func (s *Server) HandleRequest(ctx context.Context, requestJSON []byte) ([]byte, error) {
	var req JSONRPCRequest
	if err := json.Unmarshal(requestJSON, &req); err != nil {
		return s.errorResponse(nil, ErrCodeParseError, "Parse error", err.Error())
	}
	if req.JSONRPC != "2.0" {
		return s.errorResponse(req.ID, ErrCodeInvalidRequest, "Invalid JSON-RPC version", nil)
	}

	var result interface{}
	var err error

	switch req.Method {
	case "initialize":
		result = MCPInitializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities:    MCPServerCapabilities{Tools: &MCPToolsCapability{}},
			ServerInfo:      MCPServerInfo{Name: "persona", Version: s.version},
		}
	case "initialized", "notifications/initialized":
		result = map[string]interface{}{}
	case "tools/list":
		result = MCPToolsListResult{Tools: buildToolsList()}
	case "tools/call":
		result, err = s.handleToolsCall(ctx, req.Params)
	default:
		h, ok := s.tools[req.Method]
		if !ok {
			return s.errorResponse(req.ID, ErrCodeMethodNotFound, fmt.Sprintf("Method not found: %s", req.Method), nil)
		}
		result, err = h(ctx, req.Params)
	}

	if err != nil {
		var pe *paramsError
		if errors.As(err, &pe) {
			return s.errorResponse(req.ID, ErrCodeInvalidParams, err.Error(), nil)
		}
		return s.errorResponse(req.ID, ErrCodeInternalError, err.Error(), nil)
	}
	return s.successResponse(req.ID, result)
}

// handleToolsCall dispatches a tools/call request and wraps the result in
// the MCP content envelope. Tool failures are reported in-band.
func (s *Server) handleToolsCall(ctx context.Context, params interface{}) (interface{}, error) {
	var p MCPToolCallParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}

	h, ok := s.tools[p.Name]
	if !ok {
		return toolError(fmt.Sprintf("unknown tool: %s", p.Name)), nil
	}
	result, err := h(ctx, p.Arguments)
	if err != nil {
		return toolError(err.Error()), nil
	}

	text, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &MCPToolCallResult{
		Content: []MCPToolCallContent{{Type: "text", Text: string(text)}},
	}, nil
}

func toolError(msg string) *MCPToolCallResult {
	return &MCPToolCallResult{
		Content: []MCPToolCallContent{{Type: "text", Text: msg}},
		IsError: true,
	}
}

func (s *Server) handleQuery(ctx context.Context, params interface{}) (interface{}, error) {
	var args QueryArgs
	if err := unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	if err := requireArgs("user_id", args.UserID, "session_id", args.SessionID, "query", args.Query); err != nil {
		return nil, err
	}
	response, err := s.engine.Query(ctx, args.UserID, args.SessionID, args.Query)
	if err != nil && !errors.Is(err, engine.ErrGenerationFailure) {
		return nil, err
	}
	return QueryResult{Response: response}, nil
}

func (s *Server) handleExtractInfo(ctx context.Context, params interface{}) (interface{}, error) {
	var args QueryArgs
	if err := unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	if err := requireArgs("user_id", args.UserID, "query", args.Query); err != nil {
		return nil, err
	}
	ext, err := s.engine.Extract(ctx, args.UserID, args.SessionID, args.Query)
	if err != nil {
		return nil, err
	}
	return ExtractResult{CondensedQuery: ext.Condensed, Tags: ext.Tags, Stored: len(ext.Entries)}, nil
}

func (s *Server) handleSwitchSession(ctx context.Context, params interface{}) (interface{}, error) {
	var args SessionArgs
	if err := unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	if err := s.engine.SwitchSession(ctx, args.UserID, args.SessionID); err != nil {
		return nil, err
	}
	return StatusResult{Status: "success"}, nil
}

func (s *Server) handleManagePersonalInfo(ctx context.Context, params interface{}) (interface{}, error) {
	var args UserArgs
	if err := unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	if err := requireArgs("user_id", args.UserID); err != nil {
		return nil, err
	}
	report, err := s.engine.MaintainBound(ctx, args.UserID)
	if err != nil {
		return nil, err
	}
	return MaintainResult{Message: report.String(), Report: report}, nil
}

func (s *Server) handleSaveUser(ctx context.Context, params interface{}) (interface{}, error) {
	var args SaveUserArgs
	if err := unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	if err := requireArgs("user_id", args.UserID); err != nil {
		return nil, err
	}
	entry, err := s.engine.SaveProfile(ctx, args.UserID, args.Profile)
	if err != nil {
		return nil, err
	}
	return SaveResult{ID: entry.ID, Status: "success"}, nil
}

func (s *Server) handleSaveAnswer(ctx context.Context, params interface{}) (interface{}, error) {
	var args SaveAnswerArgs
	if err := unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	if err := requireArgs("user_id", args.UserID, "answer", args.Answer); err != nil {
		return nil, err
	}
	entry, err := s.engine.SaveAnswer(ctx, args.UserID, args.Answer)
	if err != nil {
		return nil, err
	}
	return SaveResult{ID: entry.ID, Status: "success"}, nil
}

func (s *Server) handleFetchUserData(ctx context.Context, params interface{}) (interface{}, error) {
	var args UserArgs
	if err := unmarshalParams(params, &args); err != nil {
		return nil, err
	}
	if err := requireArgs("user_id", args.UserID); err != nil {
		return nil, err
	}

	var out UserDataResult
	profile, err := s.engine.Entries(ctx, args.UserID, types.SourceProfile)
	switch {
	case err == nil:
		out.Profile = profile[len(profile)-1].Text
	case !errors.Is(err, engine.ErrNotFound):
		return nil, err
	}
	answers, err := s.engine.Entries(ctx, args.UserID, types.SourceAnswer)
	switch {
	case err == nil:
		for _, a := range answers {
			out.Answers = append(out.Answers, a.Text)
		}
	case !errors.Is(err, engine.ErrNotFound):
		return nil, err
	}
	if out.Profile == "" && len(out.Answers) == 0 {
		return nil, fmt.Errorf("no data stored for user %s", args.UserID)
	}
	return out, nil
}

// paramsError marks malformed or incomplete tool arguments.
type paramsError struct{ msg string }

func (e *paramsError) Error() string { return e.msg }

// requireArgs checks name/value pairs and reports the first blank value.
func requireArgs(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			return &paramsError{msg: pairs[i] + " is required"}
		}
	}
	return nil
}

// unmarshalParams converts generic JSON params into dest.
func unmarshalParams(params interface{}, dest interface{}) error {
	data, err := json.Marshal(params)
	if err != nil {
		return &paramsError{msg: fmt.Sprintf("failed to marshal params: %v", err)}
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return &paramsError{msg: fmt.Sprintf("failed to unmarshal params: %v", err)}
	}
	return nil
}

func (s *Server) successResponse(id interface{}, result interface{}) ([]byte, error) {
	return json.Marshal(JSONRPCResponse{JSONRPC: "2.0", Result: result, ID: id})
}

func (s *Server) errorResponse(id interface{}, code int, message string, data interface{}) ([]byte, error) {
	return json.Marshal(JSONRPCResponse{
		JSONRPC: "2.0",
		Error:   &JSONRPCError{Code: code, Message: message, Data: data},
		ID:      id,
	})
}

func userProp() map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": "User the memory belongs to"}
}

// buildToolsList returns the MCP tool definitions.
func buildToolsList() []MCPTool {
	str := func(desc string) map[string]interface{} {
		return map[string]interface{}{"type": "string", "description": desc}
	}
	obj := func(props map[string]interface{}, required ...string) map[string]interface{} {
		return map[string]interface{}{"type": "object", "properties": props, "required": required}
	}

	return []MCPTool{
		{
			Name:        "query",
			Description: "Answer a query for a user. Personal facts in the query are remembered, relevant stored facts and the session transcript are added to the prompt, and the exchange is appended to the session.",
			InputSchema: obj(map[string]interface{}{
				"user_id":    userProp(),
				"session_id": str("Conversation session"),
				"query":      str("The user's message"),
			}, "user_id", "session_id", "query"),
		},
		{
			Name:        "extract_info",
			Description: "Extract personal facts from a query and store them, without answering it. Returns the condensed query and its tags.",
			InputSchema: obj(map[string]interface{}{
				"user_id":    userProp(),
				"session_id": str("Conversation session (optional)"),
				"query":      str("The user's message"),
			}, "user_id", "query"),
		},
		{
			Name:        "switch_session",
			Description: "Signal that the user left a session. Compacts session storage.",
			InputSchema: obj(map[string]interface{}{
				"user_id":    userProp(),
				"session_id": str("Session being left"),
			}, "user_id"),
		},
		{
			Name:        "manage_personal_info",
			Description: "Keep the user's memory bounded, removing rarely used facts once it is nearly full.",
			InputSchema: obj(map[string]interface{}{"user_id": userProp()}, "user_id"),
		},
		{
			Name:        "save_user",
			Description: "Store or replace the user's profile.",
			InputSchema: obj(map[string]interface{}{
				"user_id":    userProp(),
				"name":       str("Full name"),
				"email":      str("Email address"),
				"gender":     str("Gender"),
				"location":   str("Where the user lives"),
				"occupation": str("What the user does"),
				"interests": map[string]interface{}{
					"type":        "array",
					"items":       map[string]interface{}{"type": "string"},
					"description": "Interests, stored as tags",
				},
			}, "user_id"),
		},
		{
			Name:        "save_answer",
			Description: "Store a free-text answer the user gave about themselves.",
			InputSchema: obj(map[string]interface{}{
				"user_id": userProp(),
				"answer":  str("Answer text"),
			}, "user_id", "answer"),
		},
		{
			Name:        "fetch_user_data",
			Description: "Return the user's stored profile and answers.",
			InputSchema: obj(map[string]interface{}{"user_id": userProp()}, "user_id"),
		},
	}
}
