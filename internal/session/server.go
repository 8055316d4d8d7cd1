// ABOUTME: WebSocket session server: authenticated connect, frame dispatch, fan-out
// ABOUTME: Frames on one connection are handled sequentially; broadcasts ride a writer lock

package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/2389/converse/internal/auth"
	"github.com/2389/converse/internal/engine"
	"github.com/2389/converse/internal/model"
	"github.com/2389/converse/internal/store"
)

// Conversationalist defines what the session layer needs from the engine.
type Conversationalist interface {
	ProcessTurn(ctx context.Context, req *engine.TurnRequest) (*engine.TurnResult, error)
	StartConversation(ctx context.Context, userID, title, memoryStrategy string) (*store.Conversation, error)
	EndConversation(ctx context.Context, conversationID, userID string) (*store.Conversation, error)
}

// Server upgrades authenticated HTTP requests to WebSocket sessions and
// dispatches protocol frames to the engine.
type Server struct {
	engine   Conversationalist
	verifier auth.TokenVerifier
	hub      *Hub
	logger   *slog.Logger
}

// NewServer creates a session Server. Pass nil logger for the default.
func NewServer(eng Conversationalist, verifier auth.TokenVerifier, hub *Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:   eng,
		verifier: verifier,
		hub:      hub,
		logger:   logger.With("component", "session"),
	}
}

// conn is one authenticated WebSocket connection. The read loop handles
// frames one at a time; hub forwarders share the socket via writeMu.
type conn struct {
	ws       *websocket.Conn
	writeMu  sync.Mutex
	identity *auth.Identity
	bearer   string // raw token, forwarded to tool servers
	subs     map[string]string // conversationID -> hub subscription ID
}

// ServeHTTP authenticates the request and runs the session until the client
// disconnects. Authentication failures are rejected before the upgrade.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	identity, err := s.verifier.Verify(token)
	if err != nil {
		s.logger.Warn("websocket auth failed", "error", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", "error", err)
		return
	}

	c := &conn{
		ws:       ws,
		identity: identity,
		bearer:   token,
		subs:     make(map[string]string),
	}

	s.logger.Info("session opened", "user_id", identity.UserID, "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	s.readLoop(ctx, c)

	for convID, subID := range c.subs {
		s.hub.Unsubscribe(convID, subID)
	}
	_ = ws.Close(websocket.StatusNormalClosure, "session ended")
	s.logger.Info("session closed", "user_id", identity.UserID)
}

// readLoop processes inbound frames until the connection drops.
func (s *Server) readLoop(ctx context.Context, c *conn) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				s.logger.Debug("websocket read ended", "error", err)
			}
			return
		}

		var frame InboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.writeError(ctx, c, "malformed frame")
			continue
		}
		s.dispatch(ctx, c, &frame)
	}
}

func (s *Server) dispatch(ctx context.Context, c *conn, frame *InboundFrame) {
	switch frame.Type {
	case FrameSendMessage:
		s.handleSendMessage(ctx, c, frame)
	case FrameStartConversation:
		s.handleStartConversation(ctx, c, frame)
	case FrameEndConversation:
		s.handleEndConversation(ctx, c, frame)
	default:
		s.writeError(ctx, c, "unknown frame type: "+frame.Type)
	}
}

func (s *Server) handleSendMessage(ctx context.Context, c *conn, frame *InboundFrame) {
	if frame.ConversationID == "" || frame.Content == "" {
		s.writeError(ctx, c, "send_message requires conversation_id and content")
		return
	}

	res, err := s.engine.ProcessTurn(ctx, &engine.TurnRequest{
		ConversationID: frame.ConversationID,
		UserID:         c.identity.UserID,
		Bearer:         c.bearer,
		Content:        frame.Content,
	})
	if err != nil {
		s.writeError(ctx, c, userFacing(err))
		return
	}

	s.writeJSON(ctx, c, AckFrame{
		Type:    FrameSendMessage,
		Success: true,
		Data: &AckData{
			UserMessage: wireMessage(res.UserMessage),
			AIResponse:  wireMessage(res.AssistantMessage),
		},
	})

	// Other clients of this conversation see the same turn payload
	subID := s.ensureSubscribed(ctx, c, frame.ConversationID)
	s.hub.Publish(frame.ConversationID, &Turn{
		ConversationID: frame.ConversationID,
		UserMessage:    res.UserMessage,
		AIResponse:     res.AssistantMessage,
	}, subID)
}

func (s *Server) handleStartConversation(ctx context.Context, c *conn, frame *InboundFrame) {
	conv, err := s.engine.StartConversation(ctx, c.identity.UserID, frame.Title, frame.MemoryStrategy)
	if err != nil {
		s.writeError(ctx, c, userFacing(err))
		return
	}
	s.ensureSubscribed(ctx, c, conv.ID)
	s.writeJSON(ctx, c, AckFrame{
		Type:    FrameStartConversation,
		Success: true,
		Data:    &AckData{Conversation: wireConversation(conv)},
	})
}

func (s *Server) handleEndConversation(ctx context.Context, c *conn, frame *InboundFrame) {
	if frame.ConversationID == "" {
		s.writeError(ctx, c, "end_conversation requires conversation_id")
		return
	}
	conv, err := s.engine.EndConversation(ctx, frame.ConversationID, c.identity.UserID)
	if err != nil {
		s.writeError(ctx, c, userFacing(err))
		return
	}
	if subID, ok := c.subs[frame.ConversationID]; ok {
		s.hub.Unsubscribe(frame.ConversationID, subID)
		delete(c.subs, frame.ConversationID)
	}
	s.writeJSON(ctx, c, AckFrame{
		Type:    FrameEndConversation,
		Success: true,
		Data:    &AckData{Conversation: wireConversation(conv)},
	})
}

// ensureSubscribed attaches the connection to a conversation's hub feed,
// forwarding published turns as broadcast frames.
func (s *Server) ensureSubscribed(ctx context.Context, c *conn, conversationID string) string {
	if subID, ok := c.subs[conversationID]; ok {
		return subID
	}

	ch, subID := s.hub.Subscribe(ctx, conversationID)
	c.subs[conversationID] = subID

	go func() {
		for turn := range ch {
			s.writeJSON(ctx, c, BroadcastFrame{
				Type: FrameMessageBroadcast,
				Data: &BroadcastData{
					ConversationID: turn.ConversationID,
					UserMessage:    wireMessage(turn.UserMessage),
					AIResponse:     wireMessage(turn.AIResponse),
				},
			})
		}
	}()
	return subID
}

func (s *Server) writeError(ctx context.Context, c *conn, msg string) {
	s.writeJSON(ctx, c, ErrorFrame{Type: FrameError, Error: msg})
}

func (s *Server) writeJSON(ctx context.Context, c *conn, frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error("frame encoding failed", "error", err)
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		s.logger.Debug("websocket write failed", "error", err)
	}
}

// userFacing maps engine errors to protocol error strings without leaking
// internals.
func userFacing(err error) string {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return "conversation not found"
	case errors.Is(err, engine.ErrNotOwner):
		return "conversation belongs to another user"
	case errors.Is(err, store.ErrConversationClosed):
		return "conversation is closed"
	case errors.Is(err, engine.ErrBadStrategy):
		return "unknown memory strategy"
	case errors.Is(err, model.ErrModelUnavailable):
		return "the model is temporarily unavailable, try again shortly"
	default:
		return "internal error"
	}
}

// bearerToken pulls the token from the Authorization header or, for browser
// clients that cannot set headers on WebSocket dials, the token query
// parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
