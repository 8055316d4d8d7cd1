// ABOUTME: Builds the final assistant reply from context and tool outcomes
// ABOUTME: Successful invocations fold into the prompt; failures degrade to a noted direct answer

package composer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/converse/internal/mcpclient"
	"github.com/2389/converse/internal/model"
)

const assistantPrompt = "You are a helpful AI assistant."

// Result is the composed reply for one user turn.
type Result struct {
	AssistantText string
	TokensUsed    int
	// ToolNote is a short user-facing note when a tool was attempted but
	// failed. Empty otherwise.
	ToolNote string
}

// Composer produces the assistant reply, optionally folding in a tool result.
type Composer struct {
	completer model.Completer
	logger    *slog.Logger
}

// New creates a Composer. Pass nil logger for the default.
func New(completer model.Completer, logger *slog.Logger) *Composer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Composer{
		completer: completer,
		logger:    logger.With("component", "composer"),
	}
}

// Compose generates the reply to userMsg given the conversation context.
// With a successful invocation the tool payload is folded into the prompt so
// the model can phrase the result. With a failed invocation, or none at all,
// the model answers from context alone; failures additionally set ToolNote.
func (c *Composer) Compose(ctx context.Context, contextTurns []model.Turn, userMsg string, inv *mcpclient.Invocation) (*Result, error) {
	if inv == nil {
		comp, err := c.completer.Complete(ctx, model.CompletionRequest{
			System: assistantPrompt,
			Turns:  contextTurns,
			User:   userMsg,
		})
		if err != nil {
			return nil, err
		}
		return &Result{AssistantText: comp.Text, TokensUsed: comp.TokensUsed}, nil
	}

	if inv.Succeeded() {
		comp, err := c.completer.Complete(ctx, model.CompletionRequest{
			System: assistantPrompt + "\n\nA tool was called to help answer the user. " +
				"Use its result to answer naturally; do not mention the tool mechanics.\n\n" +
				fmt.Sprintf("Tool: %s\nResult:\n%s", inv.Tool, inv.Payload),
			Turns: contextTurns,
			User:  userMsg,
		})
		if err != nil {
			return nil, err
		}
		return &Result{AssistantText: comp.Text, TokensUsed: comp.TokensUsed}, nil
	}

	c.logger.Warn("composing around failed tool invocation",
		"tool", inv.Tool,
		"server_id", inv.ServerID,
		"outcome", inv.Outcome,
	)

	comp, err := c.completer.Complete(ctx, model.CompletionRequest{
		System: assistantPrompt,
		Turns:  contextTurns,
		User:   userMsg,
	})
	if err != nil {
		return nil, err
	}
	return &Result{
		AssistantText: comp.Text,
		TokensUsed:    comp.TokensUsed,
		ToolNote:      toolNote(inv),
	}, nil
}

// toolNote phrases an invocation failure for the user.
func toolNote(inv *mcpclient.Invocation) string {
	switch inv.Outcome {
	case mcpclient.OutcomeTimeout:
		return fmt.Sprintf("Note: the %s tool timed out, so this answer does not include its data.", inv.Tool)
	case mcpclient.OutcomeApplicationError:
		if inv.ErrMessage != "" {
			return fmt.Sprintf("Note: the %s tool reported an error (%s), so this answer does not include its data.", inv.Tool, inv.ErrMessage)
		}
		return fmt.Sprintf("Note: the %s tool reported an error, so this answer does not include its data.", inv.Tool)
	default:
		return fmt.Sprintf("Note: the %s tool could not be reached, so this answer does not include its data.", inv.Tool)
	}
}
