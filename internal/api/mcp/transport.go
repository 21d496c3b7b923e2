package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
)

// maxLineBytes bounds a single request line.
const maxLineBytes = 4 * 1024 * 1024

// StdioTransport reads line-delimited JSON-RPC 2.0 requests from in and
// writes one response line per request to out.
//
// Diagnostics go to the logger only; out carries nothing but responses.
type StdioTransport struct {
	server *Server
	in     io.Reader
	out    io.Writer
	logger *slog.Logger
}

// NewStdioTransport returns a transport between in/out and srv. The logger
// must not write to out.
func NewStdioTransport(srv *Server, in io.Reader, out io.Writer, logger *slog.Logger) *StdioTransport {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &StdioTransport{server: srv, in: in, out: out, logger: logger}
}

// Serve handles requests in arrival order until in is exhausted or ctx is
// cancelled. A clean EOF returns nil.
func (t *StdioTransport) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(t.in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for {
		if err := ctx.Err(); err != nil {
			t.logger.Info("mcp transport stopping", "reason", "context cancelled")
			return err
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				t.logger.Error("mcp read failed", "error", err)
				return fmt.Errorf("read request: %w", err)
			}
			t.logger.Info("mcp transport stopping", "reason", "input closed")
			return nil
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		resp, err := t.server.HandleRequest(ctx, line)
		if err != nil {
			t.logger.Error("mcp request failed", "error", err)
			resp = internalErrorResponse(line, err)
		}
		if _, err := fmt.Fprintf(t.out, "%s\n", resp); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
}

// internalErrorResponse builds an error frame for a request the server
// could not answer, keeping the request ID when it can be recovered.
func internalErrorResponse(rawRequest []byte, handlerErr error) []byte {
	var partial struct {
		ID interface{} `json:"id"`
	}
	_ = json.Unmarshal(rawRequest, &partial)

	data, err := json.Marshal(JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      partial.ID,
		Error:   &JSONRPCError{Code: ErrCodeInternalError, Message: handlerErr.Error()},
	})
	if err != nil {
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"internal error"}}`)
	}
	return data
}
