// ABOUTME: Tests for the per-turn pipeline, from unit paths to full wiring
// ABOUTME: Covers ownership, record-first persistence, and tool routing end to end

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/converse/internal/composer"
	"github.com/2389/converse/internal/jsonrpc"
	"github.com/2389/converse/internal/mcpclient"
	"github.com/2389/converse/internal/memory"
	"github.com/2389/converse/internal/model"
	"github.com/2389/converse/internal/registry"
	"github.com/2389/converse/internal/router"
	"github.com/2389/converse/internal/store"
)

// steppedCompleter returns scripted replies in sequence.
type steppedCompleter struct {
	replies []string
	calls   atomic.Int32
}

func (s *steppedCompleter) Complete(ctx context.Context, req model.CompletionRequest) (*model.Completion, error) {
	n := int(s.calls.Add(1)) - 1
	if n >= len(s.replies) {
		return nil, fmt.Errorf("unexpected completion call %d", n)
	}
	return &model.Completion{Text: s.replies[n], TokensUsed: 10}, nil
}

type fakeCatalog struct {
	tools      []registry.BoundTool
	server     *store.ToolServer
	resolveErr error
}

func (f *fakeCatalog) ListActiveTools(ctx context.Context, userID, bearer string, forceRefresh bool) ([]registry.BoundTool, error) {
	return f.tools, nil
}

func (f *fakeCatalog) ResolveServer(ctx context.Context, serverID string) (*store.ToolServer, error) {
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	return f.server, nil
}

type fakeRouter struct {
	decision *router.Decision
	err      error
}

func (f *fakeRouter) Decide(ctx context.Context, contextTurns []model.Turn, userMsg string, tools []registry.BoundTool) (*router.Decision, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.decision, nil
}

type fakeInvoker struct {
	inv *mcpclient.Invocation
}

func (f *fakeInvoker) Invoke(ctx context.Context, server *store.ToolServer, tool string, argsJSON json.RawMessage, bearer string) *mcpclient.Invocation {
	return f.inv
}

func newEngineWithFakes(t *testing.T, s store.Store, completer model.Completer, catalog ToolCatalog, rt IntentRouter, inv Invoker) *Engine {
	t.Helper()
	mem := memory.NewManager(s, completer, 6, nil)
	return New(s, mem, catalog, rt, inv, composer.New(completer, nil), nil)
}

func startConversation(t *testing.T, e *Engine, userID, strategy string) *store.Conversation {
	t.Helper()
	conv, err := e.StartConversation(context.Background(), userID, "test", strategy)
	require.NoError(t, err)
	return conv
}

func TestStartConversation_DefaultsAndValidation(t *testing.T) {
	s := store.NewMockStore()
	e := newEngineWithFakes(t, s, &steppedCompleter{}, &fakeCatalog{}, &fakeRouter{}, &fakeInvoker{})
	ctx := context.Background()

	conv, err := e.StartConversation(ctx, "alice", "chat", "")
	require.NoError(t, err)
	assert.Equal(t, store.MemoryFullBuffer, conv.MemoryStrategy)
	assert.Equal(t, store.ConversationActive, conv.Status)

	_, err = e.StartConversation(ctx, "alice", "chat", "photographic")
	assert.ErrorIs(t, err, ErrBadStrategy)
}

func TestEndConversation_ClosesAndRejectsStrangers(t *testing.T) {
	s := store.NewMockStore()
	e := newEngineWithFakes(t, s, &steppedCompleter{}, &fakeCatalog{}, &fakeRouter{}, &fakeInvoker{})
	ctx := context.Background()
	conv := startConversation(t, e, "alice", store.MemoryFullBuffer)

	_, err := e.EndConversation(ctx, conv.ID, "mallory")
	assert.ErrorIs(t, err, ErrNotOwner)

	closed, err := e.EndConversation(ctx, conv.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, store.ConversationClosed, closed.Status)

	// Turns on a closed conversation are rejected before any persistence
	_, err = e.ProcessTurn(ctx, &TurnRequest{ConversationID: conv.ID, UserID: "alice", Content: "hi"})
	assert.ErrorIs(t, err, store.ErrConversationClosed)
	history, err := s.LoadHistory(ctx, conv.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestProcessTurn_OwnershipEnforced(t *testing.T) {
	s := store.NewMockStore()
	e := newEngineWithFakes(t, s, &steppedCompleter{}, &fakeCatalog{}, &fakeRouter{}, &fakeInvoker{})
	conv := startConversation(t, e, "alice", store.MemoryFullBuffer)

	_, err := e.ProcessTurn(context.Background(), &TurnRequest{
		ConversationID: conv.ID, UserID: "mallory", Content: "hi",
	})
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestProcessTurn_DirectAnswerFromRoutingPass(t *testing.T) {
	s := store.NewMockStore()
	rt := &fakeRouter{decision: &router.Decision{
		Kind: router.DecisionDirectAnswer, Answer: "Hello!", TokensUsed: 7,
	}}
	e := newEngineWithFakes(t, s, &steppedCompleter{}, &fakeCatalog{}, rt, &fakeInvoker{})
	conv := startConversation(t, e, "alice", store.MemoryFullBuffer)

	res, err := e.ProcessTurn(context.Background(), &TurnRequest{
		ConversationID: conv.ID, UserID: "alice", Content: "hi",
	})
	require.NoError(t, err)

	assert.Equal(t, store.RoleUser, res.UserMessage.Role)
	assert.Equal(t, "hi", res.UserMessage.Content)
	assert.Equal(t, "Hello!", res.AssistantMessage.Content)
	assert.Equal(t, 7, res.AssistantMessage.TokensUsed)
	assert.False(t, res.ToolUsed)
	assert.Empty(t, res.AssistantMessage.ToolName)

	history, err := s.LoadHistory(context.Background(), conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, store.RoleUser, history[0].Role)
	assert.Equal(t, store.RoleAssistant, history[1].Role)
}

func TestProcessTurn_UserMessageSurvivesRouterFailure(t *testing.T) {
	s := store.NewMockStore()
	rt := &fakeRouter{err: model.ErrModelUnavailable}
	e := newEngineWithFakes(t, s, &steppedCompleter{}, &fakeCatalog{}, rt, &fakeInvoker{})
	conv := startConversation(t, e, "alice", store.MemoryFullBuffer)

	_, err := e.ProcessTurn(context.Background(), &TurnRequest{
		ConversationID: conv.ID, UserID: "alice", Content: "are you there?",
	})
	require.Error(t, err)

	// Record first, then act: the user message was persisted before routing
	history, err := s.LoadHistory(context.Background(), conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "are you there?", history[0].Content)
}

func TestProcessTurn_FailedInvocationDegradesWithNote(t *testing.T) {
	s := store.NewMockStore()
	srv := &store.ToolServer{ID: "srv-1", UserID: "alice", Name: "tz", Active: true}
	rt := &fakeRouter{decision: &router.Decision{
		Kind: router.DecisionToolCall,
		ToolCall: &router.ToolCall{
			ServerID: "srv-1", Tool: "get_current_time",
			Arguments: json.RawMessage(`{"timezone":"America/New_York"}`),
		},
	}}
	inv := &fakeInvoker{inv: &mcpclient.Invocation{
		Tool: "get_current_time", ServerID: "srv-1", Outcome: mcpclient.OutcomeTimeout,
	}}
	completer := &steppedCompleter{replies: []string{"I could not check a live clock."}}
	e := newEngineWithFakes(t, s, completer, &fakeCatalog{server: srv}, rt, inv)
	conv := startConversation(t, e, "alice", store.MemoryFullBuffer)

	res, err := e.ProcessTurn(context.Background(), &TurnRequest{
		ConversationID: conv.ID, UserID: "alice", Content: "what time is it?",
	})
	require.NoError(t, err)

	assert.False(t, res.ToolUsed)
	assert.Empty(t, res.AssistantMessage.ToolName)
	assert.Equal(t, "I could not check a live clock.", res.AssistantMessage.Content)
	// The failure is recorded on the message, not folded into the answer
	assert.Contains(t, res.AssistantMessage.ToolNote, "timed out")
}

func TestProcessTurn_ServerDeactivatedMidTurn(t *testing.T) {
	s := store.NewMockStore()
	rt := &fakeRouter{decision: &router.Decision{
		Kind:     router.DecisionToolCall,
		ToolCall: &router.ToolCall{ServerID: "srv-1", Tool: "get_current_time"},
	}}
	completer := &steppedCompleter{replies: []string{"Here is my best guess."}}
	catalog := &fakeCatalog{resolveErr: store.ErrNotFound}
	e := newEngineWithFakes(t, s, completer, catalog, rt, &fakeInvoker{})
	conv := startConversation(t, e, "alice", store.MemoryFullBuffer)

	res, err := e.ProcessTurn(context.Background(), &TurnRequest{
		ConversationID: conv.ID, UserID: "alice", Content: "time?",
	})
	require.NoError(t, err)
	assert.False(t, res.ToolUsed)
	assert.Equal(t, "Here is my best guess.", res.AssistantMessage.Content)
	assert.Contains(t, res.AssistantMessage.ToolNote, "could not be reached")
}

// newTimezoneServer serves tools/list and tools/call for a single
// get_current_time tool, counting calls.
func newTimezoneServer(t *testing.T, callCount *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonrpc.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		var result any
		switch req.Method {
		case jsonrpc.MethodToolsList:
			result = jsonrpc.ListToolsResult{Tools: []jsonrpc.ToolInfo{{
				Name:        "get_current_time",
				Description: "Get the current time in a timezone",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"timezone":{"type":"string"}},"required":["timezone"]}`),
			}}}
		case jsonrpc.MethodToolsCall:
			callCount.Add(1)
			var params jsonrpc.CallToolParams
			require.NoError(t, json.Unmarshal(req.Params, &params))
			var args struct {
				Timezone string `json:"timezone"`
			}
			require.NoError(t, json.Unmarshal(params.Arguments, &args))
			result = jsonrpc.CallToolResult{
				Content: jsonrpc.TextContent(fmt.Sprintf(`{"timezone":%q,"datetime":"2026-08-30T15:04:05-04:00"}`, args.Timezone)),
			}
		default:
			t.Fatalf("unexpected method %q", req.Method)
		}

		raw, err := json.Marshal(result)
		require.NoError(t, err)
		require.NoError(t, json.NewEncoder(w).Encode(jsonrpc.Response{
			JSONRPC: jsonrpc.Version, ID: req.ID, Result: raw,
		}))
	}))
}

// Full wiring: real router, registry, MCP client, composer, and memory over
// a live fake timezone server.
func TestProcessTurn_SameConversationTurnsDoNotInterleave(t *testing.T) {
	s := store.NewMockStore()
	rt := &fakeRouter{decision: &router.Decision{Kind: router.DecisionDirectAnswer, Answer: "ok"}}
	e := newEngineWithFakes(t, s, &steppedCompleter{}, &fakeCatalog{}, rt, &fakeInvoker{})
	conv := startConversation(t, e, "alice", store.MemoryFullBuffer)

	const turns = 20
	errs := make(chan error, turns)
	for i := 0; i < turns; i++ {
		go func(i int) {
			_, err := e.ProcessTurn(context.Background(), &TurnRequest{
				ConversationID: conv.ID, UserID: "alice",
				Content: fmt.Sprintf("message %d", i),
			})
			errs <- err
		}(i)
	}
	for i := 0; i < turns; i++ {
		require.NoError(t, <-errs)
	}

	// Each turn's pair lands adjacently: user then assistant, never split
	history, err := s.LoadHistory(context.Background(), conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 2*turns)
	for i, msg := range history {
		if i%2 == 0 {
			assert.Equal(t, store.RoleUser, msg.Role, "position %d", i)
		} else {
			assert.Equal(t, store.RoleAssistant, msg.Role, "position %d", i)
		}
	}
}

func TestProcessTurn_TimezoneToolEndToEnd(t *testing.T) {
	var toolCalls atomic.Int32
	tz := newTimezoneServer(t, &toolCalls)
	defer tz.Close()

	s := store.NewMockStore()
	require.NoError(t, s.CreateToolServer(context.Background(), &store.ToolServer{
		ID: "srv-tz", UserID: "alice", Name: "timezone", BaseURL: tz.URL, Active: true,
	}))

	completer := &steppedCompleter{replies: []string{
		`{"use_tool": true, "tool_name": "get_current_time", "server_id": "srv-tz", "arguments": {"timezone": "America/New_York"}}`,
		"It is 3:04 PM in New York.",
	}}
	client := mcpclient.NewClient(5*time.Second, nil)
	reg := registry.New(s, client, 2*time.Second, time.Minute, nil)
	mem := memory.NewManager(s, completer, 6, nil)
	e := New(s, mem, reg, router.New(completer, nil), client, composer.New(completer, nil), nil)

	conv := startConversation(t, e, "alice", store.MemoryFullBuffer)
	res, err := e.ProcessTurn(context.Background(), &TurnRequest{
		ConversationID: conv.ID, UserID: "alice", Content: "What time is it in New York?",
	})
	require.NoError(t, err)

	assert.True(t, res.ToolUsed)
	assert.Equal(t, int32(1), toolCalls.Load())
	assert.Equal(t, "It is 3:04 PM in New York.", res.AssistantMessage.Content)
	assert.Equal(t, "get_current_time", res.AssistantMessage.ToolName)
	assert.Equal(t, "srv-tz", res.AssistantMessage.ToolServerID)
	assert.Equal(t, 20, res.AssistantMessage.TokensUsed, "routing and composition tokens accumulate")
}

// Same wiring with the server deactivated: the model sees no tools and the
// reply carries no tool metadata.
func TestProcessTurn_DeactivatedServerAnswersDirectly(t *testing.T) {
	var toolCalls atomic.Int32
	tz := newTimezoneServer(t, &toolCalls)
	defer tz.Close()

	s := store.NewMockStore()
	require.NoError(t, s.CreateToolServer(context.Background(), &store.ToolServer{
		ID: "srv-tz", UserID: "alice", Name: "timezone", BaseURL: tz.URL, Active: false,
	}))

	completer := &steppedCompleter{replies: []string{
		"I cannot check a live clock, but I can help you reason about timezones.",
	}}
	client := mcpclient.NewClient(5*time.Second, nil)
	reg := registry.New(s, client, 2*time.Second, time.Minute, nil)
	mem := memory.NewManager(s, completer, 6, nil)
	e := New(s, mem, reg, router.New(completer, nil), client, composer.New(completer, nil), nil)

	conv := startConversation(t, e, "alice", store.MemoryFullBuffer)
	res, err := e.ProcessTurn(context.Background(), &TurnRequest{
		ConversationID: conv.ID, UserID: "alice", Content: "What time is it in New York?",
	})
	require.NoError(t, err)

	assert.False(t, res.ToolUsed)
	assert.Zero(t, toolCalls.Load())
	assert.Empty(t, res.AssistantMessage.ToolName)
	assert.Empty(t, res.AssistantMessage.ToolServerID)
	assert.Contains(t, res.AssistantMessage.Content, "reason about timezones")
}

func TestProcessTurn_ContextAccumulatesAcrossTurns(t *testing.T) {
	s := store.NewMockStore()
	completer := &steppedCompleter{}
	mem := memory.NewManager(s, completer, 6, nil)
	rt := &fakeRouter{decision: &router.Decision{Kind: router.DecisionDirectAnswer, Answer: "ok"}}
	e := New(s, mem, &fakeCatalog{}, rt, &fakeInvoker{}, composer.New(completer, nil), nil)
	conv := startConversation(t, e, "alice", store.MemoryFullBuffer)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := e.ProcessTurn(ctx, &TurnRequest{
			ConversationID: conv.ID, UserID: "alice", Content: fmt.Sprintf("msg-%d", i),
		})
		require.NoError(t, err)
	}

	turns, err := mem.GetContext(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, turns, 6, "three user and three assistant turns")
}

func TestEndConversation_UnknownConversation(t *testing.T) {
	s := store.NewMockStore()
	e := newEngineWithFakes(t, s, &steppedCompleter{}, &fakeCatalog{}, &fakeRouter{}, &fakeInvoker{})

	_, err := e.EndConversation(context.Background(), uuid.New().String(), "alice")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}
