// ABOUTME: Store interface and data types for converse-gateway persistence
// ABOUTME: Defines Conversation, Message, ToolServer and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when trying to create a conversation that already exists
var ErrDuplicateConversation = errors.New("conversation already exists")

// ErrConversationClosed is returned when appending to a closed conversation
var ErrConversationClosed = errors.New("conversation is closed")

// Conversation status values
const (
	ConversationActive = "active"
	ConversationClosed = "closed"
)

// Memory strategy tags, selected at conversation creation and immutable after
const (
	MemoryFullBuffer     = "full_buffer"
	MemoryNone           = "none"
	MemoryRollingSummary = "rolling_summary"
)

// Message role values
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Conversation represents a chat conversation owned by a user
type Conversation struct {
	ID             string
	UserID         string
	Title          string
	Status         string // "active" or "closed"
	MemoryStrategy string // "full_buffer", "none", or "rolling_summary"
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Message represents a single message within a conversation.
// Messages are immutable once persisted and ordered by (created_at, seq);
// seq is an insertion sequence assigned by the store to break timestamp ties.
type Message struct {
	ID             string
	ConversationID string
	Role           string // "user", "assistant", "tool"
	Content        string
	TokensUsed     int    // 0 when unknown (user messages)
	ToolName       string // for assistant messages produced via a tool call
	ToolServerID   string // server that handled the tool call
	ToolNote       string // observability note when a tool was attempted but failed
	Seq            int64
	CreatedAt      time.Time
}

// ToolServer represents a registered external MCP tool server
type ToolServer struct {
	ID        string
	UserID    string
	Name      string
	BaseURL   string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store defines the interface for conversation and tool-server persistence
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	CloseConversation(ctx context.Context, id string) (*Conversation, error)

	// Messages (the source of truth for conversational history)
	AppendMessage(ctx context.Context, msg *Message) (*Message, error)
	LoadHistory(ctx context.Context, conversationID string, limit int) ([]*Message, error)

	// Tool servers
	CreateToolServer(ctx context.Context, server *ToolServer) error
	GetToolServer(ctx context.Context, id string) (*ToolServer, error)
	ListToolServers(ctx context.Context, userID string, activeOnly bool) ([]*ToolServer, error)
	SetToolServerActive(ctx context.Context, id string, active bool) error

	// Close releases the underlying resources
	Close() error
}
