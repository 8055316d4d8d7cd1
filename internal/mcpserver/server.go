// ABOUTME: HTTP JSON-RPC server scaffold for hosting MCP tools
// ABOUTME: Handles tools/list and tools/call; handlers signal invalid input via jsonrpc errors

package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/2389/converse/internal/jsonrpc"
)

// MaxRequestBodySize is the maximum allowed size for request bodies (1MB).
const MaxRequestBodySize = 1 << 20

// Handler executes a tool call and returns the text payload.
// Returning a *jsonrpc.Error reports it verbatim; any other error becomes an
// internal error.
type Handler func(ctx context.Context, args json.RawMessage) (string, error)

// Tool pairs a descriptor with its handler.
type Tool struct {
	Info    jsonrpc.ToolInfo
	Handler Handler
}

// Server hosts a set of MCP tools behind a single JSON-RPC endpoint.
type Server struct {
	tools  map[string]Tool
	order  []string // registration order, for stable tools/list output
	bearer string
	logger *slog.Logger
}

// New creates an empty tool server. Pass nil logger for the default.
func New(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		tools:  make(map[string]Tool),
		logger: logger.With("component", "mcpserver"),
	}
}

// RequireBearer makes the server reject requests whose Authorization header
// does not carry the given token. Empty disables the check.
func (s *Server) RequireBearer(token string) {
	s.bearer = token
}

// Register adds a tool. Later registrations with the same name replace
// earlier ones.
func (s *Server) Register(tool Tool) {
	if _, exists := s.tools[tool.Info.Name]; !exists {
		s.order = append(s.order, tool.Info.Name)
	}
	s.tools[tool.Info.Name] = tool
}

// ServeHTTP handles one JSON-RPC request per POST.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.bearer != "" && r.Header.Get("Authorization") != "Bearer "+s.bearer {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
	if err != nil || int64(len(body)) > MaxRequestBodySize {
		s.sendError(w, nil, jsonrpc.CodeParseError, "failed to read request body")
		return
	}

	var req jsonrpc.Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.sendError(w, nil, jsonrpc.CodeParseError, "invalid JSON")
		return
	}
	if req.JSONRPC != jsonrpc.Version {
		s.sendError(w, req.ID, jsonrpc.CodeInvalidRequest, "unsupported jsonrpc version")
		return
	}

	switch req.Method {
	case jsonrpc.MethodToolsList:
		s.handleToolsList(w, &req)
	case jsonrpc.MethodToolsCall:
		s.handleToolsCall(r.Context(), w, &req)
	default:
		s.sendError(w, req.ID, jsonrpc.CodeMethodNotFound, "method not found: "+req.Method)
	}
}

func (s *Server) handleToolsList(w http.ResponseWriter, req *jsonrpc.Request) {
	tools := make([]jsonrpc.ToolInfo, 0, len(s.order))
	for _, name := range s.order {
		tools = append(tools, s.tools[name].Info)
	}
	s.sendResult(w, req.ID, jsonrpc.ListToolsResult{Tools: tools})
}

func (s *Server) handleToolsCall(ctx context.Context, w http.ResponseWriter, req *jsonrpc.Request) {
	var params jsonrpc.CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.sendError(w, req.ID, jsonrpc.CodeInvalidParams, "invalid tools/call params")
		return
	}

	tool, ok := s.tools[params.Name]
	if !ok {
		s.sendError(w, req.ID, jsonrpc.CodeInvalidParams, "unknown tool: "+params.Name)
		return
	}

	text, err := tool.Handler(ctx, params.Arguments)
	if err != nil {
		if rpcErr, ok := err.(*jsonrpc.Error); ok {
			s.logger.Debug("tool rejected input", "tool", params.Name, "error", rpcErr.Message)
			s.sendErrorObj(w, req.ID, rpcErr)
			return
		}
		s.logger.Error("tool handler failed", "tool", params.Name, "error", err)
		s.sendError(w, req.ID, jsonrpc.CodeInternalError, "internal error")
		return
	}

	s.sendResult(w, req.ID, jsonrpc.CallToolResult{Content: jsonrpc.TextContent(text)})
}

func (s *Server) sendResult(w http.ResponseWriter, id json.RawMessage, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		s.sendError(w, id, jsonrpc.CodeInternalError, "failed to encode result")
		return
	}
	s.write(w, jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: id, Result: raw})
}

func (s *Server) sendError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	s.sendErrorObj(w, id, &jsonrpc.Error{Code: code, Message: message})
}

func (s *Server) sendErrorObj(w http.ResponseWriter, id json.RawMessage, rpcErr *jsonrpc.Error) {
	s.write(w, jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: id, Error: rpcErr})
}

func (s *Server) write(w http.ResponseWriter, resp jsonrpc.Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Debug("response write failed", "error", err)
	}
}
