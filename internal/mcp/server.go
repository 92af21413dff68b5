package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/brandon/omnicom/internal/tools"
)

const protocolVersion = "2024-11-05"

// JSON-RPC error codes
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type textContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type callResult struct {
	Content []textContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// Server represents the MCP server
type Server struct {
	logger  *logrus.Logger
	tools   *tools.Registry
	name    string
	version string
}

// NewServer creates a new MCP server instance
func NewServer(registry *tools.Registry, version string, logger *logrus.Logger) *Server {
	return &Server{
		logger:  logger,
		tools:   registry,
		name:    "omnicom",
		version: version,
	}
}

// Run serves requests on stdin and stdout until ctx is done or stdin closes
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting MCP server with stdio transport")
	return s.Serve(ctx, os.Stdin, os.Stdout)
}

// Serve handles one JSON-RPC message stream. Requests are answered in
// order.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	decoder := json.NewDecoder(r)
	encoder := json.NewEncoder(w)

	type decoded struct {
		raw json.RawMessage
		err error
	}
	incoming := make(chan decoded)
	done := make(chan struct{})
	go func() {
		defer close(incoming)
		for {
			var raw json.RawMessage
			err := decoder.Decode(&raw)
			select {
			case incoming <- decoded{raw: raw, err: err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-incoming:
			if !ok {
				return nil
			}
			if errors.Is(msg.err, io.EOF) {
				return nil
			}
			if msg.err != nil {
				s.logger.WithError(msg.err).Error("Failed to decode request")
				// The stream cannot be resynchronized after a syntax error.
				s.write(encoder, errorResponse(nil, codeParseError, msg.err.Error()))
				return fmt.Errorf("failed to decode request: %w", msg.err)
			}
			if resp := s.handleMessage(ctx, msg.raw); resp != nil {
				s.write(encoder, resp)
			}
		}
	}
}

func (s *Server) write(encoder *json.Encoder, resp *response) {
	if err := encoder.Encode(resp); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) handleMessage(ctx context.Context, raw json.RawMessage) *response {
	var req request
	if err := json.Unmarshal(raw, &req); err != nil {
		return errorResponse(nil, codeInvalidRequest, err.Error())
	}
	// Notifications carry no id and get no response.
	if len(req.ID) == 0 {
		s.logger.WithField("method", req.Method).Debug("Received notification")
		return nil
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		return errorResponse(req.ID, codeInvalidRequest, "invalid JSON-RPC 2.0 request")
	}
	return s.handleRequest(ctx, req)
}

// handleRequest processes an MCP request
func (s *Server) handleRequest(ctx context.Context, req request) *response {
	switch req.Method {
	case "initialize":
		return resultResponse(req.ID, map[string]interface{}{
			"protocolVersion": protocolVersion,
			"capabilities": map[string]interface{}{
				"tools": map[string]interface{}{},
			},
			"serverInfo": map[string]interface{}{
				"name":    s.name,
				"version": s.version,
			},
		})

	case "ping":
		return resultResponse(req.ID, map[string]interface{}{})

	case "tools/list":
		return resultResponse(req.ID, map[string]interface{}{
			"tools": s.tools.GetToolDefinitions(),
		})

	case "tools/call":
		var params callParams
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
			return errorResponse(req.ID, codeInvalidParams, "tools/call needs a tool name")
		}
		return s.callTool(ctx, req.ID, params)
	}

	return errorResponse(req.ID, codeMethodNotFound, fmt.Sprintf("Method not found: %s", req.Method))
}

func (s *Server) callTool(ctx context.Context, id json.RawMessage, params callParams) *response {
	log := s.logger.WithField("tool", params.Name)
	result, err := s.tools.Call(ctx, params.Name, params.Arguments)
	switch {
	case errors.Is(err, tools.ErrUnknownTool):
		return errorResponse(id, codeMethodNotFound, fmt.Sprintf("Tool not found: %s", params.Name))
	case errors.Is(err, tools.ErrInvalidArguments):
		return errorResponse(id, codeInvalidParams, err.Error())
	case err != nil:
		log.WithError(err).Warn("Tool call failed")
		return resultResponse(id, callResult{
			Content: []textContent{{Type: "text", Text: err.Error()}},
			IsError: true,
		})
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		resultJSON = []byte(fmt.Sprintf("%v", result))
	}
	return resultResponse(id, callResult{
		Content: []textContent{{Type: "text", Text: string(resultJSON)}},
	})
}

func resultResponse(id json.RawMessage, result interface{}) *response {
	return &response{JSONRPC: "2.0", ID: id, Result: result}
}

func errorResponse(id json.RawMessage, code int, message string) *response {
	if id == nil {
		id = json.RawMessage("null")
	}
	return &response{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}}
}
