// ABOUTME: JSON-RPC client for external MCP tool servers
// ABOUTME: Handles tools/list discovery and tools/call invocation with outcome mapping

package mcpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/converse/internal/jsonrpc"
	"github.com/2389/converse/internal/store"
)

// Outcome classifies how a tool invocation ended.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeTimeout          Outcome = "timeout"
	OutcomeTransportError   Outcome = "transport_error"
	OutcomeApplicationError Outcome = "application_error"
)

// Invocation is the record of a single tools/call attempt.
type Invocation struct {
	Tool       string
	ServerID   string
	ServerName string
	Arguments  json.RawMessage
	Outcome    Outcome
	Payload    string // text payload on success
	ErrCode    int    // JSON-RPC error code on application errors
	ErrMessage string // human-readable failure description
	Latency    time.Duration
}

// Succeeded reports whether the invocation produced a usable payload.
func (inv *Invocation) Succeeded() bool {
	return inv.Outcome == OutcomeSuccess
}

// MaxResponseBodySize is the maximum allowed size for tool server responses (1MB).
const MaxResponseBodySize = 1 << 20

// Client performs JSON-RPC calls against MCP tool servers.
// A single Client is shared across all servers; per-call deadlines come from
// the configured timeouts, never from the server.
type Client struct {
	http          *http.Client
	invokeTimeout time.Duration
	logger        *slog.Logger
}

// NewClient creates a Client with the given invocation deadline.
// Pass nil logger for the default.
func NewClient(invokeTimeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		// Transport-level timeout stays above the per-call deadline so the
		// context, not the socket, decides when a call has timed out.
		http:          &http.Client{Timeout: 0},
		invokeTimeout: invokeTimeout,
		logger:        logger.With("component", "mcpclient"),
	}
}

// Discover performs a tools/list call against the server and returns its tool
// definitions. The caller controls the deadline via ctx.
func (c *Client) Discover(ctx context.Context, server *store.ToolServer, bearer string) ([]jsonrpc.ToolInfo, error) {
	req, err := jsonrpc.NewRequest(1, jsonrpc.MethodToolsList, nil)
	if err != nil {
		return nil, fmt.Errorf("building tools/list request: %w", err)
	}

	resp, err := c.post(ctx, server.BaseURL, bearer, req)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("tools/list failed: %s (code %d)", resp.Error.Message, resp.Error.Code)
	}

	var result jsonrpc.ListToolsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("decoding tools/list result: %w", err)
	}
	return result.Tools, nil
}

// Invoke performs a single tools/call against the server with the user's
// bearer token forwarded. Failures never surface as errors; every path maps
// to a distinct Invocation outcome so the caller can degrade gracefully.
// No retries are attempted.
func (c *Client) Invoke(ctx context.Context, server *store.ToolServer, tool string, argsJSON json.RawMessage, bearer string) *Invocation {
	inv := &Invocation{
		Tool:       tool,
		ServerID:   server.ID,
		ServerName: server.Name,
		Arguments:  argsJSON,
	}

	callCtx, cancel := context.WithTimeout(ctx, c.invokeTimeout)
	defer cancel()

	start := time.Now()
	defer func() { inv.Latency = time.Since(start) }()

	args := argsJSON
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	req, err := jsonrpc.NewRequest(2, jsonrpc.MethodToolsCall, jsonrpc.CallToolParams{
		Name:      tool,
		Arguments: args,
	})
	if err != nil {
		inv.Outcome = OutcomeTransportError
		inv.ErrMessage = fmt.Sprintf("building request: %v", err)
		return inv
	}

	resp, err := c.post(callCtx, server.BaseURL, bearer, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			inv.Outcome = OutcomeTimeout
			inv.ErrMessage = fmt.Sprintf("tool call exceeded %s deadline", c.invokeTimeout)
		} else {
			inv.Outcome = OutcomeTransportError
			inv.ErrMessage = err.Error()
		}
		c.logger.Warn("tool invocation failed",
			"tool", tool,
			"server_id", server.ID,
			"outcome", inv.Outcome,
			"error", inv.ErrMessage,
		)
		return inv
	}

	if resp.Error != nil {
		inv.Outcome = OutcomeApplicationError
		inv.ErrCode = resp.Error.Code
		inv.ErrMessage = resp.Error.Message
		c.logger.Warn("tool returned application error",
			"tool", tool,
			"server_id", server.ID,
			"code", resp.Error.Code,
			"message", resp.Error.Message,
		)
		return inv
	}

	var result jsonrpc.CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		inv.Outcome = OutcomeTransportError
		inv.ErrMessage = fmt.Sprintf("decoding tools/call result: %v", err)
		return inv
	}

	if result.IsError {
		inv.Outcome = OutcomeApplicationError
		inv.ErrMessage = firstText(result.Content)
		return inv
	}

	inv.Outcome = OutcomeSuccess
	inv.Payload = firstText(result.Content)

	c.logger.Debug("tool invocation succeeded",
		"tool", tool,
		"server_id", server.ID,
		"latency", inv.Latency,
	)
	return inv
}

// post sends a JSON-RPC request and decodes the response envelope.
func (c *Client) post(ctx context.Context, url, bearer string, rpcReq *jsonrpc.Request) (*jsonrpc.Response, error) {
	body, err := json.Marshal(rpcReq)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		httpReq.Header.Set("Authorization", "Bearer "+bearer)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, MaxResponseBodySize))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned status %d", httpResp.StatusCode)
	}

	var rpcResp jsonrpc.Response
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &rpcResp, nil
}

// firstText returns the first text content item, or empty.
func firstText(content []jsonrpc.Content) string {
	for _, c := range content {
		if c.Type == "text" {
			return c.Text
		}
	}
	return ""
}
