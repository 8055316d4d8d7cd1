// ABOUTME: Model collaborator contract consumed by router, memory, and composer
// ABOUTME: Defines prompt turns, completion results, and the ModelUnavailable sentinel

package model

import (
	"context"
	"errors"
)

// ErrModelUnavailable indicates an upstream model outage. There is no
// fallback path; callers surface this as a visible, non-fatal turn failure.
var ErrModelUnavailable = errors.New("model unavailable")

// Turn is one prompt message in model wire order.
type Turn struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// CompletionRequest is a single prompt for the model.
type CompletionRequest struct {
	System string // optional system prompt, prepended when non-empty
	Turns  []Turn // conversation context in order
	User   string // the new user message, appended last when non-empty
}

// Completion is the model's answer with token accounting.
type Completion struct {
	Text       string
	TokensUsed int
}

// Completer is the language model collaborator.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
}

// messages flattens a CompletionRequest into wire order.
func (r CompletionRequest) messages() []Turn {
	msgs := make([]Turn, 0, len(r.Turns)+2)
	if r.System != "" {
		msgs = append(msgs, Turn{Role: "system", Content: r.System})
	}
	msgs = append(msgs, r.Turns...)
	if r.User != "" {
		msgs = append(msgs, Turn{Role: "user", Content: r.User})
	}
	return msgs
}
