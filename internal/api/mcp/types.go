// Package mcp implements a Model Context Protocol (MCP) server for persona.
// It exposes the memory operations as JSON-RPC 2.0 tools so that an MCP
// client can answer queries with a user's memory and record what it learns.
package mcp

import (
	"encoding/json"
	"strings"

	"github.com/scrypster/persona/internal/engine"
	"github.com/scrypster/persona/pkg/types"
)

// QueryArgs contains arguments for the query and extract_info tools.
type QueryArgs struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Query     string `json:"query"`
}

// QueryResult contains the model's answer.
type QueryResult struct {
	Response string `json:"response"`
}

// ExtractResult contains the outcome of extract_info.
type ExtractResult struct {
	CondensedQuery string   `json:"condensed_query"`
	Tags           []string `json:"tags"`
	Stored         int      `json:"stored"`
}

// SessionArgs contains arguments for the switch_session tool.
type SessionArgs struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

// UserArgs contains arguments for tools keyed only by user.
type UserArgs struct {
	UserID string `json:"user_id"`
}

// SaveUserArgs contains arguments for the save_user tool.
type SaveUserArgs struct {
	UserID string `json:"user_id"`
	types.Profile
}

// UnmarshalJSON handles the case where some MCP clients send array fields
// like "interests" as a JSON-encoded string ("[\"a\",\"b\"]") or a
// comma-separated string rather than a proper JSON array.
func (a *SaveUserArgs) UnmarshalJSON(data []byte) error {
	var aux struct {
		UserID     string          `json:"user_id"`
		Name       string          `json:"name"`
		Email      string          `json:"email"`
		Gender     string          `json:"gender"`
		Location   string          `json:"location"`
		Occupation string          `json:"occupation"`
		Interests  json.RawMessage `json:"interests,omitempty"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	a.UserID = aux.UserID
	a.Profile = types.Profile{
		Name:       aux.Name,
		Email:      aux.Email,
		Gender:     aux.Gender,
		Location:   aux.Location,
		Occupation: aux.Occupation,
		Interests:  parseStringList(aux.Interests),
	}
	return nil
}

func parseStringList(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil // unrecognised formats are ignored
	}
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[") {
		_ = json.Unmarshal([]byte(s), &list)
		return list
	}
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			list = append(list, t)
		}
	}
	return list
}

// SaveAnswerArgs contains arguments for the save_answer tool.
type SaveAnswerArgs struct {
	UserID string `json:"user_id"`
	Answer string `json:"answer"`
}

// SaveResult reports the stored entry.
type SaveResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// StatusResult is a plain acknowledgement.
type StatusResult struct {
	Status string `json:"status"`
}

// UserDataResult contains stored texts for a user, oldest first.
type UserDataResult struct {
	Profile string   `json:"profile,omitempty"`
	Answers []string `json:"answers,omitempty"`
}

// MaintainResult contains the outcome of manage_personal_info.
type MaintainResult struct {
	Message string        `json:"message"`
	Report  engine.Report `json:"report"`
}

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"` // Must be "2.0"
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      interface{} `json:"id"` // string, number, or null
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	Result  interface{}   `json:"result,omitempty"`
	Error   *JSONRPCError `json:"error,omitempty"`
	ID      interface{}   `json:"id"`
}

// JSONRPCError represents a JSON-RPC 2.0 error.
type JSONRPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// JSON-RPC error codes
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// MCPServerInfo identifies this MCP server.
type MCPServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// MCPServerCapabilities describes what this server supports.
type MCPServerCapabilities struct {
	Tools *MCPToolsCapability `json:"tools,omitempty"`
}

// MCPToolsCapability signals that the server exposes tools.
type MCPToolsCapability struct{}

// MCPInitializeResult is the response to the initialize request.
type MCPInitializeResult struct {
	ProtocolVersion string                `json:"protocolVersion"`
	Capabilities    MCPServerCapabilities `json:"capabilities"`
	ServerInfo      MCPServerInfo         `json:"serverInfo"`
}

// MCPTool describes a single tool exposed via tools/list.
type MCPTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// MCPToolsListResult is the response to the tools/list request.
type MCPToolsListResult struct {
	Tools []MCPTool `json:"tools"`
}

// MCPToolCallParams holds the parameters sent in a tools/call request.
type MCPToolCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// MCPToolCallContent is a single content block in a tool call response.
type MCPToolCallContent struct {
	Type string `json:"type"` // always "text"
	Text string `json:"text"`
}

// MCPToolCallResult is the response to a tools/call request.
type MCPToolCallResult struct {
	Content []MCPToolCallContent `json:"content"`
	IsError bool                 `json:"isError,omitempty"`
}
