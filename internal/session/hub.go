// ABOUTME: In-memory fan-out hub for cross-client conversation awareness
// ABOUTME: Publishes processed turns to all subscribers of a conversation

package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/converse/internal/store"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Turn is one processed exchange as published to conversation subscribers.
type Turn struct {
	ConversationID string
	UserMessage    *store.Message
	AIResponse     *store.Message
}

// subscriber guards its channel so a late Publish cannot race a close.
type subscriber struct {
	mu     sync.Mutex
	ch     chan *Turn
	closed bool
}

// trySend delivers without blocking. Returns false when the subscriber is
// closed or its buffer is full.
func (s *subscriber) trySend(t *Turn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- t:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Hub provides in-memory pub/sub for processed turns. Subscribers register
// for a conversation and receive each turn as it completes, which gives
// connected clients cross-client awareness without polling.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]*subscriber // conversationID -> subID -> sub
	logger      *slog.Logger
}

// NewHub creates a Hub. Pass nil logger for the default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: make(map[string]map[string]*subscriber),
		logger:      logger.With("component", "hub"),
	}
}

// Subscribe registers a subscriber for turns on a conversation. Returns
// the receive channel and a subscription ID. The subscription is cleaned up
// when ctx is cancelled.
func (h *Hub) Subscribe(ctx context.Context, conversationID string) (<-chan *Turn, string) {
	subID := uuid.New().String()
	sub := &subscriber{ch: make(chan *Turn, subscriberBufferSize)}

	h.mu.Lock()
	if _, ok := h.subscribers[conversationID]; !ok {
		h.subscribers[conversationID] = make(map[string]*subscriber)
	}
	h.subscribers[conversationID][subID] = sub
	h.mu.Unlock()

	h.logger.Debug("subscriber added", "conversation_id", conversationID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		h.Unsubscribe(conversationID, subID)
	}()

	return sub.ch, subID
}

// Publish sends a turn to all subscribers of the conversation. A non-empty
// excludeSubID skips that subscriber, so originating clients do not echo
// their own turns. Non-blocking: full subscriber buffers drop the turn.
func (h *Hub) Publish(conversationID string, turn *Turn, excludeSubID string) {
	h.mu.RLock()
	subs, ok := h.subscribers[conversationID]
	if !ok || len(subs) == 0 {
		h.mu.RUnlock()
		return
	}

	targets := make([]*subscriber, 0, len(subs))
	for id, sub := range subs {
		if excludeSubID != "" && id == excludeSubID {
			continue
		}
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		if !sub.trySend(turn) {
			h.logger.Debug("dropped turn for subscriber",
				"conversation_id", conversationID)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (h *Hub) Unsubscribe(conversationID, subID string) {
	h.mu.Lock()
	subs, ok := h.subscribers[conversationID]
	if !ok {
		h.mu.Unlock()
		return
	}
	sub, exists := subs[subID]
	if !exists {
		h.mu.Unlock()
		return
	}

	delete(subs, subID)
	if len(subs) == 0 {
		delete(h.subscribers, conversationID)
	}
	h.mu.Unlock()

	sub.close()
	h.logger.Debug("subscriber removed", "conversation_id", conversationID, "sub_id", subID)
}

// Close shuts down the hub and closes all subscriber channels.
func (h *Hub) Close() {
	h.mu.Lock()
	var all []*subscriber
	for convID, subs := range h.subscribers {
		for subID, sub := range subs {
			all = append(all, sub)
			delete(subs, subID)
		}
		delete(h.subscribers, convID)
	}
	h.mu.Unlock()

	for _, sub := range all {
		sub.close()
	}
}
