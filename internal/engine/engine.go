// ABOUTME: Engine is the central layer for conversation turns
// ABOUTME: Record first, then act - messages are persisted before any model or tool call

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/converse/internal/composer"
	"github.com/2389/converse/internal/mcpclient"
	"github.com/2389/converse/internal/model"
	"github.com/2389/converse/internal/registry"
	"github.com/2389/converse/internal/router"
	"github.com/2389/converse/internal/store"
)

// ErrNotOwner is returned when a user addresses a conversation they do not own.
var ErrNotOwner = errors.New("conversation belongs to another user")

// ErrBadStrategy is returned for an unknown memory strategy tag.
var ErrBadStrategy = errors.New("unknown memory strategy")

// ToolCatalog defines what the engine needs from the tool registry.
type ToolCatalog interface {
	ListActiveTools(ctx context.Context, userID, bearer string, forceRefresh bool) ([]registry.BoundTool, error)
	ResolveServer(ctx context.Context, serverID string) (*store.ToolServer, error)
}

// Invoker defines what the engine needs from the MCP client.
type Invoker interface {
	Invoke(ctx context.Context, server *store.ToolServer, tool string, argsJSON json.RawMessage, bearer string) *mcpclient.Invocation
}

// Memory defines what the engine needs from the memory manager.
type Memory interface {
	GetContext(ctx context.Context, conversationID string) ([]model.Turn, error)
	Append(ctx context.Context, conversationID string, msg *store.Message) error
	Clear(conversationID string)
}

// IntentRouter defines what the engine needs from the router.
type IntentRouter interface {
	Decide(ctx context.Context, contextTurns []model.Turn, userMsg string, tools []registry.BoundTool) (*router.Decision, error)
}

// Replier defines what the engine needs from the composer.
type Replier interface {
	Compose(ctx context.Context, contextTurns []model.Turn, userMsg string, inv *mcpclient.Invocation) (*composer.Result, error)
}

// Engine runs the full per-turn pipeline: persist, recall, route, invoke,
// compose, persist. Turns for the same conversation are serialized even when
// submitted over different connections; distinct conversations proceed
// concurrently.
type Engine struct {
	store    store.Store
	memory   Memory
	catalog  ToolCatalog
	router   IntentRouter
	invoker  Invoker
	composer Replier
	logger   *slog.Logger

	turnMu    sync.Mutex
	turnLocks map[string]*sync.Mutex
}

// New creates an Engine. Pass nil logger for the default.
func New(st store.Store, mem Memory, catalog ToolCatalog, rt IntentRouter, inv Invoker, comp Replier, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     st,
		memory:    mem,
		catalog:   catalog,
		router:    rt,
		invoker:   inv,
		composer:  comp,
		logger:    logger.With("component", "engine"),
		turnLocks: make(map[string]*sync.Mutex),
	}
}

// lockConversation serializes turns per conversation. Lock entries are kept
// for the life of the process; conversation churn is low enough that this
// does not need eviction.
func (e *Engine) lockConversation(id string) *sync.Mutex {
	e.turnMu.Lock()
	defer e.turnMu.Unlock()
	mu, ok := e.turnLocks[id]
	if !ok {
		mu = &sync.Mutex{}
		e.turnLocks[id] = mu
	}
	return mu
}

// TurnRequest is one user message addressed to a conversation.
type TurnRequest struct {
	ConversationID string
	UserID         string
	Bearer         string // forwarded to tool servers, never logged
	Content        string
}

// TurnResult is the outcome of a processed turn.
type TurnResult struct {
	UserMessage      *store.Message
	AssistantMessage *store.Message
	ToolUsed         bool
}

// StartConversation creates an active conversation with the given memory
// strategy. An empty strategy defaults to full buffer.
func (e *Engine) StartConversation(ctx context.Context, userID, title, memoryStrategy string) (*store.Conversation, error) {
	if memoryStrategy == "" {
		memoryStrategy = store.MemoryFullBuffer
	}
	switch memoryStrategy {
	case store.MemoryFullBuffer, store.MemoryNone, store.MemoryRollingSummary:
	default:
		return nil, fmt.Errorf("%w: %q", ErrBadStrategy, memoryStrategy)
	}

	now := time.Now().UTC()
	conv := &store.Conversation{
		ID:             uuid.New().String(),
		UserID:         userID,
		Title:          title,
		Status:         store.ConversationActive,
		MemoryStrategy: memoryStrategy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	e.logger.Info("conversation started",
		"conversation_id", conv.ID,
		"user_id", userID,
		"memory_strategy", memoryStrategy,
	)
	return conv, nil
}

// EndConversation closes a conversation and drops its memory cache. Closing
// an already-closed conversation is a no-op.
func (e *Engine) EndConversation(ctx context.Context, conversationID, userID string) (*store.Conversation, error) {
	conv, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.UserID != userID {
		return nil, ErrNotOwner
	}

	closed, err := e.store.CloseConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("closing conversation: %w", err)
	}
	e.memory.Clear(conversationID)

	e.logger.Info("conversation ended", "conversation_id", conversationID)
	return closed, nil
}

// ProcessTurn runs one user message through the pipeline and returns both
// persisted messages. The user message is recorded before any model or tool
// call so a record exists even if the rest of the turn fails.
func (e *Engine) ProcessTurn(ctx context.Context, req *TurnRequest) (*TurnResult, error) {
	mu := e.lockConversation(req.ConversationID)
	mu.Lock()
	defer mu.Unlock()

	conv, err := e.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if conv.UserID != req.UserID {
		return nil, ErrNotOwner
	}
	if conv.Status != store.ConversationActive {
		return nil, store.ErrConversationClosed
	}

	// Context is the state before this turn; the new message rides separately
	contextTurns, err := e.memory.GetContext(ctx, req.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("loading context: %w", err)
	}

	userMsg, err := e.store.AppendMessage(ctx, &store.Message{
		ID:             uuid.New().String(),
		ConversationID: req.ConversationID,
		Role:           store.RoleUser,
		Content:        req.Content,
	})
	if err != nil {
		return nil, fmt.Errorf("recording user message: %w", err)
	}

	tools, err := e.catalog.ListActiveTools(ctx, req.UserID, req.Bearer, false)
	if err != nil {
		e.logger.Warn("tool discovery failed, routing without tools", "error", err)
		tools = nil
	}

	decision, err := e.router.Decide(ctx, contextTurns, req.Content, tools)
	if err != nil {
		return nil, fmt.Errorf("routing intent: %w", err)
	}

	reply, err := e.respond(ctx, contextTurns, req, decision)
	if err != nil {
		return nil, err
	}

	assistantMsg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: req.ConversationID,
		Role:           store.RoleAssistant,
		Content:        reply.text,
		TokensUsed:     reply.tokens,
		ToolNote:       reply.note,
	}
	toolUsed := reply.inv != nil && reply.inv.Succeeded()
	if toolUsed {
		assistantMsg.ToolName = reply.inv.Tool
		assistantMsg.ToolServerID = reply.inv.ServerID
	}
	assistantMsg, err = e.store.AppendMessage(ctx, assistantMsg)
	if err != nil {
		return nil, fmt.Errorf("recording assistant message: %w", err)
	}

	if err := e.memory.Append(ctx, req.ConversationID, userMsg); err != nil {
		e.logger.Warn("memory append failed", "conversation_id", req.ConversationID, "error", err)
	}
	if err := e.memory.Append(ctx, req.ConversationID, assistantMsg); err != nil {
		e.logger.Warn("memory append failed", "conversation_id", req.ConversationID, "error", err)
	}

	e.logger.Info("turn processed",
		"conversation_id", req.ConversationID,
		"tool_used", toolUsed,
		"tokens", reply.tokens,
	)
	return &TurnResult{
		UserMessage:      userMsg,
		AssistantMessage: assistantMsg,
		ToolUsed:         toolUsed,
	}, nil
}

// reply is the composed outcome of one routing decision.
type reply struct {
	text   string
	tokens int
	note   string // record-level annotation for failed tool attempts
	inv    *mcpclient.Invocation
}

// respond turns a routing decision into the final assistant reply, running
// the tool invocation and composition as needed. A failed tool attempt is
// recorded as a note on the message rather than folded into the answer text.
func (e *Engine) respond(ctx context.Context, contextTurns []model.Turn, req *TurnRequest, decision *router.Decision) (*reply, error) {
	switch decision.Kind {
	case router.DecisionToolCall:
		inv := e.invoke(ctx, req.Bearer, decision.ToolCall)
		res, err := e.composer.Compose(ctx, contextTurns, req.Content, inv)
		if err != nil {
			return nil, fmt.Errorf("composing reply: %w", err)
		}
		return &reply{
			text:   res.AssistantText,
			tokens: decision.TokensUsed + res.TokensUsed,
			note:   res.ToolNote,
			inv:    inv,
		}, nil

	default:
		// A populated answer means the routing pass already produced the reply
		if decision.Answer != "" {
			return &reply{text: decision.Answer, tokens: decision.TokensUsed}, nil
		}
		res, err := e.composer.Compose(ctx, contextTurns, req.Content, nil)
		if err != nil {
			return nil, fmt.Errorf("composing reply: %w", err)
		}
		return &reply{
			text:   res.AssistantText,
			tokens: decision.TokensUsed + res.TokensUsed,
		}, nil
	}
}

// invoke resolves the target server and calls the tool. Resolution failures
// (a server deactivated mid-turn) surface as a failed invocation rather than
// a turn error.
func (e *Engine) invoke(ctx context.Context, bearer string, call *router.ToolCall) *mcpclient.Invocation {
	server, err := e.catalog.ResolveServer(ctx, call.ServerID)
	if err != nil {
		e.logger.Warn("tool server resolution failed",
			"server_id", call.ServerID,
			"tool", call.Tool,
			"error", err,
		)
		return &mcpclient.Invocation{
			Tool:       call.Tool,
			ServerID:   call.ServerID,
			Outcome:    mcpclient.OutcomeTransportError,
			ErrMessage: "tool server unavailable",
		}
	}
	return e.invoker.Invoke(ctx, server, call.Tool, call.Arguments, bearer)
}
