// ABOUTME: Wire frame types for the WebSocket session protocol
// ABOUTME: Inbound commands and outbound acks, broadcasts, and errors

package session

import (
	"time"

	"github.com/2389/converse/internal/store"
)

// Inbound frame types
const (
	FrameSendMessage       = "send_message"
	FrameStartConversation = "start_conversation"
	FrameEndConversation   = "end_conversation"
)

// Outbound frame types. Acks reuse the inbound command type; broadcasts and
// errors have their own.
const (
	FrameMessageBroadcast = "message_broadcast"
	FrameError            = "error"
)

// InboundFrame is a client command. Fields are populated per Type.
type InboundFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	Content        string `json:"content,omitempty"`
	Title          string `json:"title,omitempty"`
	MemoryStrategy string `json:"memory_strategy,omitempty"`
}

// WireMessage is a persisted message as seen on the wire.
type WireMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	TokensUsed     int       `json:"tokens_used,omitempty"`
	ToolName       string    `json:"tool_name,omitempty"`
	ToolServerID   string    `json:"tool_server_id,omitempty"`
	ToolNote       string    `json:"tool_note,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// WireConversation is conversation metadata as seen on the wire.
type WireConversation struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Status         string    `json:"status"`
	MemoryStrategy string    `json:"memory_strategy"`
	CreatedAt      time.Time `json:"created_at"`
}

// AckData carries the results of a successful command.
type AckData struct {
	Conversation *WireConversation `json:"conversation,omitempty"`
	UserMessage  *WireMessage      `json:"user_message,omitempty"`
	AIResponse   *WireMessage      `json:"ai_response,omitempty"`
}

// AckFrame confirms a processed command. Type echoes the inbound command
// type so clients can correlate replies.
type AckFrame struct {
	Type    string   `json:"type"`
	Success bool     `json:"success"`
	Data    *AckData `json:"data,omitempty"`
}

// BroadcastData is the payload of a message_broadcast frame: the same turn
// the originating client was acked with.
type BroadcastData struct {
	ConversationID string       `json:"conversation_id"`
	UserMessage    *WireMessage `json:"user_message"`
	AIResponse     *WireMessage `json:"ai_response"`
}

// BroadcastFrame carries a turn processed for another client of the same
// conversation.
type BroadcastFrame struct {
	Type string         `json:"type"`
	Data *BroadcastData `json:"data"`
}

// ErrorFrame reports a failed command. The connection stays open.
type ErrorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func wireMessage(msg *store.Message) *WireMessage {
	if msg == nil {
		return nil
	}
	return &WireMessage{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Role:           msg.Role,
		Content:        msg.Content,
		TokensUsed:     msg.TokensUsed,
		ToolName:       msg.ToolName,
		ToolServerID:   msg.ToolServerID,
		ToolNote:       msg.ToolNote,
		CreatedAt:      msg.CreatedAt,
	}
}

func wireConversation(conv *store.Conversation) *WireConversation {
	if conv == nil {
		return nil
	}
	return &WireConversation{
		ID:             conv.ID,
		Title:          conv.Title,
		Status:         conv.Status,
		MemoryStrategy: conv.MemoryStrategy,
		CreatedAt:      conv.CreatedAt,
	}
}
