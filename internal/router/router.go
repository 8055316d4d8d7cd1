// ABOUTME: LLM-driven intent routing: direct answer vs. a single tool call
// ABOUTME: Model output is untrusted input; tool decisions are schema-validated before use

package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/converse/internal/model"
	"github.com/2389/converse/internal/registry"
)

// DecisionKind tags the router's decision.
type DecisionKind int

const (
	// DecisionDirectAnswer means the model answers without tools. Answer may
	// be empty when a proposed tool call was rejected; the composer then
	// produces the direct answer itself.
	DecisionDirectAnswer DecisionKind = iota
	// DecisionToolCall means exactly one validated tool call.
	DecisionToolCall
)

// ToolCall identifies the selected tool and its arguments.
type ToolCall struct {
	ServerID  string
	Tool      string // bare tool name as the server knows it
	Arguments json.RawMessage
}

// Decision is the router's output. Exactly one branch is populated per Kind.
type Decision struct {
	Kind       DecisionKind
	Answer     string    // DecisionDirectAnswer
	ToolCall   *ToolCall // DecisionToolCall
	TokensUsed int
}

// rawDecision is the JSON shape the model is asked to emit.
type rawDecision struct {
	UseTool   bool            `json:"use_tool"`
	ToolName  string          `json:"tool_name"`
	ServerID  string          `json:"server_id"`
	Arguments json.RawMessage `json:"arguments"`
	Response  string          `json:"response"`
}

// Router decides, per user message, between a direct model answer and a
// single tool invocation.
type Router struct {
	completer model.Completer
	logger    *slog.Logger
}

// New creates a Router. Pass nil logger for the default.
func New(completer model.Completer, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		completer: completer,
		logger:    logger.With("component", "router"),
	}
}

// Decide builds a single prompt from the tool descriptors, the conversation
// context, and the user message, and asks the model for a structured
// decision. A decision naming an unknown tool, or failing argument
// validation, degrades to DirectAnswer. With no active tools the model is
// asked for a plain answer directly.
func (r *Router) Decide(ctx context.Context, contextTurns []model.Turn, userMsg string, tools []registry.BoundTool) (*Decision, error) {
	if len(tools) == 0 {
		comp, err := r.completer.Complete(ctx, model.CompletionRequest{
			System: "You are a helpful AI assistant.",
			Turns:  contextTurns,
			User:   userMsg,
		})
		if err != nil {
			return nil, err
		}
		return &Decision{
			Kind:       DecisionDirectAnswer,
			Answer:     comp.Text,
			TokensUsed: comp.TokensUsed,
		}, nil
	}

	comp, err := r.completer.Complete(ctx, model.CompletionRequest{
		System: decisionPrompt(tools),
		Turns:  contextTurns,
		User:   userMsg,
	})
	if err != nil {
		return nil, err
	}

	decision := r.parse(comp.Text, tools)
	decision.TokensUsed = comp.TokensUsed
	return decision, nil
}

// parse interprets the model output. Anything that is not a valid tool
// decision becomes a direct answer; non-JSON output is treated as the answer
// text itself.
func (r *Router) parse(output string, tools []registry.BoundTool) *Decision {
	trimmed := stripFences(output)

	var raw rawDecision
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		return &Decision{Kind: DecisionDirectAnswer, Answer: output}
	}

	if !raw.UseTool {
		return &Decision{Kind: DecisionDirectAnswer, Answer: raw.Response}
	}

	tool, ok := findTool(tools, raw.ToolName, raw.ServerID)
	if !ok {
		r.logger.Warn("decision referenced unknown tool, falling back to direct answer",
			"tool_name", raw.ToolName,
			"server_id", raw.ServerID,
		)
		return &Decision{Kind: DecisionDirectAnswer}
	}

	if err := validateArguments(tool.Definition.InputSchema, raw.Arguments); err != nil {
		r.logger.Warn("tool arguments failed validation, falling back to direct answer",
			"tool_name", raw.ToolName,
			"error", err,
		)
		return &Decision{Kind: DecisionDirectAnswer}
	}

	return &Decision{
		Kind: DecisionToolCall,
		ToolCall: &ToolCall{
			ServerID:  tool.ServerID,
			Tool:      tool.Definition.Name,
			Arguments: raw.Arguments,
		},
	}
}

// decisionPrompt embeds the tool descriptors as machine-readable JSON.
func decisionPrompt(tools []registry.BoundTool) string {
	var b strings.Builder
	b.WriteString("You are an AI assistant with access to external tools.\n\n")
	b.WriteString("Available tools:\n")
	for _, t := range tools {
		desc := map[string]any{
			"tool_name":   t.QualifiedName,
			"server_id":   t.ServerID,
			"description": t.Definition.Description,
		}
		if len(t.Definition.InputSchema) > 0 {
			desc["input_schema"] = json.RawMessage(t.Definition.InputSchema)
		}
		raw, err := json.Marshal(desc)
		if err != nil {
			continue
		}
		b.Write(raw)
		b.WriteByte('\n')
	}
	b.WriteString("\nDecide whether the user's message needs a tool.\n")
	b.WriteString("If a tool is needed, respond with exactly one JSON object:\n")
	b.WriteString(`{"use_tool": true, "tool_name": "...", "server_id": "...", "arguments": {...}}`)
	b.WriteString("\nIf you can answer directly, respond with:\n")
	b.WriteString(`{"use_tool": false, "response": "your answer to the user"}`)
	b.WriteString("\nUse a tool only when truly necessary. Output only the JSON object.")
	return b.String()
}

// findTool matches a decision against the active tool set. The name may be
// the qualified routing label or a bare tool name; a server_id narrows the
// match when given. The first valid match wins; the router does not rank.
func findTool(tools []registry.BoundTool, name, serverID string) (*registry.BoundTool, bool) {
	if name == "" {
		return nil, false
	}
	for i := range tools {
		t := &tools[i]
		if serverID != "" && t.ServerID != serverID {
			continue
		}
		if t.QualifiedName == name || t.Definition.Name == name {
			return t, true
		}
	}
	return nil, false
}

// validateArguments performs light schema validation: required fields must
// be present and value types must be plausible for the declared schema type.
func validateArguments(schema, args json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}

	var parsed struct {
		Properties map[string]struct {
			Type string `json:"type"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schema, &parsed); err != nil {
		// Unintelligible schema: accept the arguments as-is
		return nil
	}

	var values map[string]json.RawMessage
	if len(args) > 0 {
		if err := json.Unmarshal(args, &values); err != nil {
			return fmt.Errorf("arguments are not a JSON object")
		}
	}

	for _, field := range parsed.Required {
		if _, ok := values[field]; !ok {
			return fmt.Errorf("missing required field %q", field)
		}
	}

	for name, value := range values {
		prop, ok := parsed.Properties[name]
		if !ok || prop.Type == "" {
			continue
		}
		if !typePlausible(prop.Type, value) {
			return fmt.Errorf("field %q is not a %s", name, prop.Type)
		}
	}
	return nil
}

// typePlausible checks a raw JSON value against a JSON schema type name.
func typePlausible(schemaType string, value json.RawMessage) bool {
	v := strings.TrimSpace(string(value))
	if v == "" || v == "null" {
		return false
	}
	switch schemaType {
	case "string":
		return strings.HasPrefix(v, `"`)
	case "number", "integer":
		return v[0] == '-' || (v[0] >= '0' && v[0] <= '9')
	case "boolean":
		return v == "true" || v == "false"
	case "object":
		return strings.HasPrefix(v, "{")
	case "array":
		return strings.HasPrefix(v, "[")
	default:
		return true
	}
}

// stripFences removes a markdown code fence around the model output, if any.
func stripFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
