package mcp

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"aaarefine/internal/batch"
	"aaarefine/internal/database"
	"aaarefine/internal/metrics"
)

// ToolName is the single tool exposed by the server.
const ToolName = "aaarefine"

const maxLineSize = 4 << 20

// JSON-RPC error codes.
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeActionFailed   = -32000
)

// Server represents an MCP server
type Server struct {
	runner    *batch.Runner
	lifecycle *database.LifecycleDB
	output    *database.OutputDB
	metadata  *database.MetadataDB
	histogram *metrics.Histogram
	logger    *slog.Logger
	version   string
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewServer creates a new MCP server that refines cases through runner and
// reads statistics from db.
func NewServer(runner *batch.Runner, db *sql.DB, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		runner:    runner,
		lifecycle: database.NewLifecycleDB(db),
		output:    database.NewOutputDB(db),
		metadata:  database.NewMetadataDB(db),
		histogram: metrics.NewHistogram(db),
		logger:    logger,
		version:   version,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Serve reads one request per line from stdin and writes one response per
// line to stdout until stdin is exhausted.
func (s *Server) Serve(stdin io.Reader, stdout io.Writer) error {
	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req JSONRPCRequest
		if err := json.Unmarshal(line, &req); err != nil {
			s.write(stdout, s.errorResponse(nil, codeParseError, "Parse error", err.Error()))
			continue
		}

		s.write(stdout, s.handleRequest(&req))
	}

	return scanner.Err()
}

func (s *Server) write(stdout io.Writer, response *JSONRPCResponse) {
	responseJSON, err := json.Marshal(response)
	if err != nil {
		s.logger.Error("Failed to marshal response", "error", err)
		return
	}
	fmt.Fprintln(stdout, string(responseJSON))
}

// handleRequest routes requests to appropriate handlers
func (s *Server) handleRequest(req *JSONRPCRequest) *JSONRPCResponse {
	s.logger.Debug("Request received", "method", req.Method, "id", req.ID)

	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "tools/list":
		return s.handleToolsList(req)
	case "tools/call":
		return s.handleToolCall(req)
	default:
		return s.errorResponse(req.ID, codeMethodNotFound, "Method not found", req.Method)
	}
}

func (s *Server) handleInitialize(req *JSONRPCRequest) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"protocolVersion": "2024-11-05",
			"capabilities": map[string]interface{}{
				"tools": map[string]interface{}{},
			},
			"serverInfo": map[string]interface{}{
				"name":    ToolName,
				"version": s.version,
			},
		},
	}
}

func (s *Server) handleToolsList(req *JSONRPCRequest) *JSONRPCResponse {
	tools := []map[string]interface{}{
		{
			"name":        ToolName,
			"description": "Refactor a Java test method until a validator finds no test smell, and report refinement statistics",
			"inputSchema": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"action": map[string]interface{}{
						"type":        "string",
						"enum":        actionNames(),
						"description": "Action to perform. Use 'list_actions' to see all available actions with descriptions.",
					},
					"params": map[string]interface{}{
						"type":        "object",
						"description": "Action-specific parameters.",
					},
				},
				"required": []string{"action"},
			},
		},
	}

	return &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"tools": tools,
		},
	}
}

func (s *Server) handleToolCall(req *JSONRPCRequest) *JSONRPCResponse {
	var params struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	}

	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.errorResponse(req.ID, codeInvalidParams, "Invalid params", err.Error())
	}

	if params.Name != ToolName {
		return s.errorResponse(req.ID, codeInvalidParams, "Unknown tool", params.Name)
	}

	action, ok := params.Arguments["action"].(string)
	if !ok {
		return s.errorResponse(req.ID, codeInvalidParams, "Missing action parameter", nil)
	}

	actionParams, ok := params.Arguments["params"].(map[string]interface{})
	if !ok {
		actionParams = make(map[string]interface{})
	}

	if err := s.metadata.RecordEvent(database.EventToolCall, action); err != nil {
		s.logger.Warn("Failed to record event", "error", err)
	}

	result, err := s.dispatchAction(action, actionParams)
	if err != nil {
		return s.errorResponse(req.ID, codeActionFailed, "Action failed", err.Error())
	}

	text, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return s.errorResponse(req.ID, codeActionFailed, "Action failed", err.Error())
	}

	return &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"content": []map[string]interface{}{
				{
					"type": "text",
					"text": string(text),
				},
			},
		},
	}
}

// Shutdown cancels any refinement in flight.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	return nil
}

func (s *Server) errorResponse(id interface{}, code int, message string, data interface{}) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &RPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
}
