// ABOUTME: Per-conversation context state under three interchangeable strategies
// ABOUTME: Sharded per-key locking; cache is rebuildable from the store, never the source of truth

package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"

	"github.com/2389/converse/internal/model"
	"github.com/2389/converse/internal/store"
)

// shardCount spreads per-conversation locks to avoid a global bottleneck.
// Different conversations proceed independently; two turns on the same
// conversation serialize on its shard entry.
const shardCount = 32

// summarizePrompt instructs the model to fold older turns into the summary.
const summarizePrompt = "Condense the following conversation into a short summary that preserves " +
	"names, facts, decisions, and open questions. Output only the summary text."

// HistoryStore is the slice of the store the manager needs for rebuilds.
type HistoryStore interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	LoadHistory(ctx context.Context, conversationID string, limit int) ([]*store.Message, error)
}

// state is the cached memory of one conversation.
type state struct {
	strategy string
	turns    []model.Turn // raw turns in append order
	summary  string       // rolling summary; empty until first regeneration
}

type shard struct {
	mu     sync.Mutex
	states map[string]*state
}

// Manager owns all conversational memory state. It is the only cross-task
// shared mutable resource in the engine; access to a conversation's entry is
// serialized through its shard.
type Manager struct {
	history   HistoryStore
	completer model.Completer
	window    int // raw turns kept verbatim by rolling-summary
	shards    [shardCount]*shard
	logger    *slog.Logger
}

// NewManager creates a Manager with the given rolling-summary window.
// Pass nil logger for the default.
func NewManager(history HistoryStore, completer model.Completer, window int, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		history:   history,
		completer: completer,
		window:    window,
		logger:    logger.With("component", "memory"),
	}
	for i := range m.shards {
		m.shards[i] = &shard{states: make(map[string]*state)}
	}
	return m
}

// GetContext returns the context turns for a conversation per its strategy.
// Missing cache entries are rebuilt from persisted messages.
func (m *Manager) GetContext(ctx context.Context, conversationID string) ([]model.Turn, error) {
	sh := m.shardFor(conversationID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, err := m.ensureState(ctx, sh, conversationID)
	if err != nil {
		return nil, err
	}

	switch st.strategy {
	case store.MemoryNone:
		return nil, nil

	case store.MemoryRollingSummary:
		var out []model.Turn
		if st.summary != "" {
			out = append(out, model.Turn{
				Role:    "system",
				Content: "Summary of the conversation so far: " + st.summary,
			})
		}
		out = append(out, st.turns...)
		return out, nil

	default: // full buffer
		out := make([]model.Turn, len(st.turns))
		copy(out, st.turns)
		return out, nil
	}
}

// Append records a message into the conversation's memory. For the
// rolling-summary strategy, older turns are folded into the summary whenever
// the raw window would otherwise exceed the configured window.
func (m *Manager) Append(ctx context.Context, conversationID string, msg *store.Message) error {
	sh := m.shardFor(conversationID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, err := m.ensureState(ctx, sh, conversationID)
	if err != nil {
		return err
	}

	if st.strategy == store.MemoryNone {
		return nil // stateless: nothing retained
	}

	st.turns = append(st.turns, turnFor(msg))

	if st.strategy == store.MemoryRollingSummary && len(st.turns) > m.window {
		m.fold(ctx, conversationID, st)
	}
	return nil
}

// Clear discards the in-process cache for a conversation. Persisted messages
// are untouched; the next GetContext rebuilds from the store.
func (m *Manager) Clear(conversationID string) {
	sh := m.shardFor(conversationID)
	sh.mu.Lock()
	delete(sh.states, conversationID)
	sh.mu.Unlock()
}

// fold regenerates the rolling summary from the previous summary plus the
// turns that fall out of the raw window, then trims the window. A failed
// model call leaves the turns unfolded; the next append retries.
func (m *Manager) fold(ctx context.Context, conversationID string, st *state) {
	overflow := st.turns[:len(st.turns)-m.window]

	var b strings.Builder
	if st.summary != "" {
		fmt.Fprintf(&b, "Previous summary:\n%s\n\n", st.summary)
	}
	b.WriteString("Conversation to fold in:\n")
	for _, t := range overflow {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
	}

	comp, err := m.completer.Complete(ctx, model.CompletionRequest{
		System: summarizePrompt,
		User:   b.String(),
	})
	if err != nil {
		m.logger.Warn("summary regeneration failed, keeping raw turns",
			"conversation_id", conversationID,
			"error", err,
		)
		return
	}

	st.summary = comp.Text
	st.turns = append([]model.Turn(nil), st.turns[len(st.turns)-m.window:]...)

	m.logger.Debug("summary regenerated",
		"conversation_id", conversationID,
		"folded_turns", len(overflow),
		"tokens", comp.TokensUsed,
	)
}

// ensureState returns the cached state, rebuilding it from the store on miss.
// Must be called with the shard lock held.
func (m *Manager) ensureState(ctx context.Context, sh *shard, conversationID string) (*state, error) {
	if st, ok := sh.states[conversationID]; ok {
		return st, nil
	}

	conv, err := m.history.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	st := &state{strategy: conv.MemoryStrategy}

	if conv.MemoryStrategy != store.MemoryNone {
		// Rebuild raw turns from persisted history. A rebuilt rolling-summary
		// conversation has no summary yet: it behaves as full-buffer until
		// the next append regenerates one.
		msgs, err := m.history.LoadHistory(ctx, conversationID, 0)
		if err != nil {
			return nil, err
		}
		for _, msg := range msgs {
			st.turns = append(st.turns, turnFor(msg))
		}
	}

	sh.states[conversationID] = st
	m.logger.Debug("memory state rebuilt",
		"conversation_id", conversationID,
		"strategy", st.strategy,
		"turns", len(st.turns),
	)
	return st, nil
}

func (m *Manager) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return m.shards[h.Sum32()%shardCount]
}

// turnFor maps a persisted message to a prompt turn.
func turnFor(msg *store.Message) model.Turn {
	role := msg.Role
	if role == store.RoleTool {
		role = "assistant"
	}
	return model.Turn{Role: role, Content: msg.Content}
}
