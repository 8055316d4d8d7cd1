// ABOUTME: Tests for the SQLite store implementation
// ABOUTME: Covers conversation lifecycle, message ordering, and tool server queries

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestConversation(userID string) *Conversation {
	now := time.Now().UTC()
	return &Conversation{
		ID:             uuid.New().String(),
		UserID:         userID,
		Title:          "Test Conversation",
		Status:         ConversationActive,
		MemoryStrategy: MemoryFullBuffer,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestSQLiteStore_ConversationRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := newTestConversation("user-1")
	require.NoError(t, s.CreateConversation(ctx, conv))

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, ConversationActive, got.Status)
	assert.Equal(t, MemoryFullBuffer, got.MemoryStrategy)
}

func TestSQLiteStore_DuplicateConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := newTestConversation("user-1")
	require.NoError(t, s.CreateConversation(ctx, conv))
	assert.ErrorIs(t, s.CreateConversation(ctx, conv), ErrDuplicateConversation)
}

func TestSQLiteStore_GetConversationNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetConversation(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_CloseConversation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := newTestConversation("user-1")
	require.NoError(t, s.CreateConversation(ctx, conv))

	closed, err := s.CloseConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, ConversationClosed, closed.Status)

	// Appending to a closed conversation fails
	_, err = s.AppendMessage(ctx, &Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Role:           RoleUser,
		Content:        "hello?",
	})
	assert.ErrorIs(t, err, ErrConversationClosed)
}

func TestSQLiteStore_MessagesKeepAppendOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := newTestConversation("user-1")
	require.NoError(t, s.CreateConversation(ctx, conv))

	// Identical timestamps force the seq tie-break
	ts := time.Now().UTC().Truncate(time.Second)
	contents := []string{"first", "second", "third", "fourth"}
	for _, content := range contents {
		_, err := s.AppendMessage(ctx, &Message{
			ID:             uuid.New().String(),
			ConversationID: conv.ID,
			Role:           RoleUser,
			Content:        content,
			CreatedAt:      ts,
		})
		require.NoError(t, err)
	}

	history, err := s.LoadHistory(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 4)
	for i, content := range contents {
		assert.Equal(t, content, history[i].Content)
	}
}

func TestSQLiteStore_LoadHistoryLimitReturnsMostRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := newTestConversation("user-1")
	require.NoError(t, s.CreateConversation(ctx, conv))

	base := time.Now().UTC().Add(-time.Hour)
	for i, content := range []string{"a", "b", "c", "d", "e"} {
		_, err := s.AppendMessage(ctx, &Message{
			ID:             uuid.New().String(),
			ConversationID: conv.ID,
			Role:           RoleUser,
			Content:        content,
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	history, err := s.LoadHistory(ctx, conv.ID, 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "d", history[0].Content)
	assert.Equal(t, "e", history[1].Content)
}

func TestSQLiteStore_AppendMessageToMissingConversation(t *testing.T) {
	s := newTestStore(t)

	_, err := s.AppendMessage(context.Background(), &Message{
		ID:             uuid.New().String(),
		ConversationID: "missing",
		Role:           RoleUser,
		Content:        "hello",
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_MessageMetadataRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	conv := newTestConversation("user-1")
	require.NoError(t, s.CreateConversation(ctx, conv))

	_, err := s.AppendMessage(ctx, &Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Role:           RoleAssistant,
		Content:        "It is 3pm in Tokyo.",
		TokensUsed:     42,
		ToolName:       "get_current_time",
		ToolServerID:   "srv-1",
	})
	require.NoError(t, err)

	// A failed attempt carries no attribution, only the note
	_, err = s.AppendMessage(ctx, &Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Role:           RoleAssistant,
		Content:        "I could not check a live clock.",
		ToolNote:       "the get_current_time tool timed out",
		CreatedAt:      time.Now().UTC().Add(time.Second),
	})
	require.NoError(t, err)

	history, err := s.LoadHistory(ctx, conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 42, history[0].TokensUsed)
	assert.Equal(t, "get_current_time", history[0].ToolName)
	assert.Equal(t, "srv-1", history[0].ToolServerID)
	assert.Empty(t, history[0].ToolNote)
	assert.Empty(t, history[1].ToolName)
	assert.Equal(t, "the get_current_time tool timed out", history[1].ToolNote)
}

func TestSQLiteStore_ToolServers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	active := &ToolServer{
		ID: "srv-active", UserID: "user-1", Name: "timezone",
		BaseURL: "http://localhost:8003/mcp", Active: true,
		CreatedAt: now, UpdatedAt: now,
	}
	inactive := &ToolServer{
		ID: "srv-inactive", UserID: "user-1", Name: "weather",
		BaseURL: "http://localhost:8004/mcp", Active: false,
		CreatedAt: now.Add(time.Second), UpdatedAt: now.Add(time.Second),
	}
	other := &ToolServer{
		ID: "srv-other", UserID: "user-2", Name: "timezone",
		BaseURL: "http://localhost:8005/mcp", Active: true,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateToolServer(ctx, active))
	require.NoError(t, s.CreateToolServer(ctx, inactive))
	require.NoError(t, s.CreateToolServer(ctx, other))

	all, err := s.ListToolServers(ctx, "user-1", false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	activeOnly, err := s.ListToolServers(ctx, "user-1", true)
	require.NoError(t, err)
	require.Len(t, activeOnly, 1)
	assert.Equal(t, "srv-active", activeOnly[0].ID)

	// Deactivate and verify it drops out of the active set
	require.NoError(t, s.SetToolServerActive(ctx, "srv-active", false))
	activeOnly, err = s.ListToolServers(ctx, "user-1", true)
	require.NoError(t, err)
	assert.Empty(t, activeOnly)

	assert.ErrorIs(t, s.SetToolServerActive(ctx, "missing", true), ErrNotFound)
}
