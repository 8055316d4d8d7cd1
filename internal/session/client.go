// ABOUTME: Reconnecting WebSocket client for gateway sessions
// ABOUTME: Doubling backoff with a cap; the attempt counter resets on a clean connect

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// ErrReconnectExhausted is returned when every reconnect attempt failed.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// ErrNotConnected is returned by Send while the client has no open socket.
var ErrNotConnected = errors.New("not connected")

// ClientState is the connection lifecycle state.
type ClientState int32

const (
	StateConnecting ClientState = iota
	StateOpen
	StateReconnecting
	StateClosed
)

func (s ClientState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// DialFunc establishes one WebSocket connection.
type DialFunc func(ctx context.Context) (*websocket.Conn, error)

// ClientOptions tune the reconnect behavior.
type ClientOptions struct {
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
}

// Client maintains a gateway session across connection drops. Received
// frames are delivered on Frames; callers send commands with Send.
type Client struct {
	dial   DialFunc
	opts   ClientOptions
	logger *slog.Logger

	mu    sync.Mutex
	state ClientState
	ws    *websocket.Conn

	frames chan json.RawMessage
}

// Dialer builds a DialFunc for the gateway URL, authenticating with the
// bearer token.
func Dialer(url, token string) DialFunc {
	return func(ctx context.Context) (*websocket.Conn, error) {
		header := http.Header{}
		if token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
		ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
		return ws, err
	}
}

// NewClient creates a Client. Zero option fields get conservative defaults.
// Pass nil logger for the default.
func NewClient(dial DialFunc, opts ClientOptions, logger *slog.Logger) *Client {
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = 5
	}
	if opts.ReconnectBaseDelay <= 0 {
		opts.ReconnectBaseDelay = 500 * time.Millisecond
	}
	if opts.ReconnectMaxDelay <= 0 {
		opts.ReconnectMaxDelay = 8 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		dial:   dial,
		opts:   opts,
		logger: logger.With("component", "session-client"),
		state:  StateConnecting,
		frames: make(chan json.RawMessage, subscriberBufferSize),
	}
}

// Frames returns the inbound frame channel. It is closed when Run returns.
func (c *Client) Frames() <-chan json.RawMessage {
	return c.frames
}

// State reports the current lifecycle state.
func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send writes one frame to the open connection.
func (c *Client) Send(ctx context.Context, frame any) error {
	c.mu.Lock()
	ws := c.ws
	state := c.state
	c.mu.Unlock()

	if state != StateOpen || ws == nil {
		return fmt.Errorf("%w: state is %s", ErrNotConnected, state)
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

// Run connects and pumps inbound frames until ctx is cancelled or the
// reconnect budget is spent. Each dropped connection is retried with a
// doubling delay up to the cap; a successful connect resets the attempt
// counter.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.frames)
	defer c.setState(StateClosed, nil)

	attempt := 0
	for {
		ws, err := c.dial(ctx)
		if err != nil {
			attempt++
			if attempt >= c.opts.MaxReconnectAttempts {
				c.logger.Warn("giving up on reconnect", "attempts", attempt)
				return fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, attempt, err)
			}

			delay := backoffDelay(attempt, c.opts.ReconnectBaseDelay, c.opts.ReconnectMaxDelay)
			c.logger.Info("connect failed, retrying",
				"attempt", attempt,
				"delay", delay,
				"error", err,
			)
			c.setState(StateReconnecting, nil)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
				continue
			}
		}

		attempt = 0
		c.setState(StateOpen, ws)
		c.logger.Info("session connected")

		if err := c.pump(ctx, ws); err != nil {
			if ctx.Err() != nil {
				_ = ws.Close(websocket.StatusNormalClosure, "client shutdown")
				return ctx.Err()
			}
			c.logger.Warn("connection lost", "error", err)
			c.setState(StateReconnecting, nil)
			continue
		}
		return nil
	}
}

// pump reads frames until the connection drops. A normal close ends the run
// without a reconnect.
func (c *Client) pump(ctx context.Context, ws *websocket.Conn) error {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return err
		}
		select {
		case c.frames <- json.RawMessage(data):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) setState(s ClientState, ws *websocket.Conn) {
	c.mu.Lock()
	c.state = s
	c.ws = ws
	c.mu.Unlock()
}

// backoffDelay doubles the base delay per attempt, capped at max.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
