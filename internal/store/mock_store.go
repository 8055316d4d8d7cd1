// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation // keyed by conversation ID
	messages      map[string][]*Message    // keyed by conversation ID, append order
	toolServers   map[string]*ToolServer   // keyed by server ID
	seq           map[string]int64         // next seq per conversation
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
		toolServers:   make(map[string]*ToolServer),
		seq:           make(map[string]int64),
	}
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conversations[conv.ID]; exists {
		return ErrDuplicateConversation
	}

	// Copy to avoid external modification
	c := *conv
	m.conversations[c.ID] = &c
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *conv
	return &c, nil
}

// CloseConversation marks a conversation closed.
func (m *MockStore) CloseConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	conv.Status = ConversationClosed
	conv.UpdatedAt = time.Now().UTC()
	c := *conv
	return &c, nil
}

// AppendMessage stores a message with the next insertion sequence.
func (m *MockStore) AppendMessage(ctx context.Context, msg *Message) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[msg.ConversationID]
	if !ok {
		return nil, ErrNotFound
	}
	if conv.Status != ConversationActive {
		return nil, ErrConversationClosed
	}

	m.seq[msg.ConversationID]++
	stored := *msg
	stored.Seq = m.seq[msg.ConversationID]
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	conv.UpdatedAt = stored.CreatedAt

	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], &stored)
	out := stored
	return &out, nil
}

// LoadHistory returns messages in append order.
func (m *MockStore) LoadHistory(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[conversationID]
	out := make([]*Message, len(msgs))
	for i, msg := range msgs {
		c := *msg
		out[i] = &c
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Seq < out[j].Seq
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// CreateToolServer stores a tool server registration.
func (m *MockStore) CreateToolServer(ctx context.Context, server *ToolServer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := *server
	m.toolServers[s.ID] = &s
	return nil
}

// GetToolServer retrieves a tool server by ID.
func (m *MockStore) GetToolServer(ctx context.Context, id string) (*ToolServer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	srv, ok := m.toolServers[id]
	if !ok {
		return nil, ErrNotFound
	}
	s := *srv
	return &s, nil
}

// ListToolServers returns a user's tool servers, optionally only active ones.
func (m *MockStore) ListToolServers(ctx context.Context, userID string, activeOnly bool) ([]*ToolServer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var servers []*ToolServer
	for _, srv := range m.toolServers {
		if srv.UserID != userID {
			continue
		}
		if activeOnly && !srv.Active {
			continue
		}
		s := *srv
		servers = append(servers, &s)
	}
	sort.Slice(servers, func(i, j int) bool {
		return servers[i].CreatedAt.Before(servers[j].CreatedAt)
	})
	return servers, nil
}

// SetToolServerActive toggles a tool server's active flag.
func (m *MockStore) SetToolServerActive(ctx context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	srv, ok := m.toolServers[id]
	if !ok {
		return ErrNotFound
	}
	srv.Active = active
	srv.UpdatedAt = time.Now().UTC()
	return nil
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}
