// Package backend talks to the persistence service over its websocket. The
// engine treats it as a ports.MessageStore; the wire is msgpack envelopes
// correlated by request id.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lowfold/parley/internal/ports"
	"github.com/lowfold/parley/pkg/backoff"
	"github.com/lowfold/parley/pkg/id"
	"github.com/lowfold/parley/pkg/protocol"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	replyTimeout     = 10 * time.Second
)

// Client implements ports.MessageStore over a websocket to the backend.
type Client struct {
	url    string
	secret string

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	writeMu   sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *protocol.Envelope
}

var _ ports.MessageStore = (*Client)(nil)

func NewClient(url, secret string) *Client {
	return &Client{
		url:     url,
		secret:  secret,
		pending: make(map[string]chan *protocol.Envelope),
	}
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		slog.Info("backend: already connected")
		return nil
	}

	slog.Info("backend: connecting", "url", c.url)

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}

	header := http.Header{}
	if c.secret != "" {
		header.Set("Authorization", "Bearer "+c.secret)
	}

	conn, resp, err := dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil {
			slog.Error("backend: connection failed", "status", resp.StatusCode, "error", err)
		} else {
			slog.Error("backend: connection failed", "error", err)
		}
		return fmt.Errorf("dial backend: %w", err)
	}

	c.conn = conn
	c.connected = true

	go c.readMessages(ctx)

	slog.Info("backend: connected")
	return nil
}

func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false

	c.failPending()
	slog.Info("backend: disconnected")
}

func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Reconnect tears the connection down and dials again with quick backoff.
func (c *Client) Reconnect(ctx context.Context) error {
	c.Disconnect()

	return backoff.RetryWithCallback(ctx, backoff.Quick, func(ctx context.Context, attempt int) error {
		return c.Connect(ctx)
	}, func(attempt int, err error, delay time.Duration) {
		slog.Warn("backend: reconnect attempt failed", "attempt", attempt, "error", err, "retry_in", delay)
	})
}

// SaveMessage persists one finalized message and waits for the ack.
func (c *Client) SaveMessage(ctx context.Context, msg ports.SavedMessage) error {
	env := protocol.NewEnvelope(id.NewRequest(), msg.SessionID, protocol.TypeSaveMessage, protocol.SaveMessage{
		SessionID:   msg.SessionID,
		Role:        msg.Role,
		Content:     msg.Content,
		MessageType: msg.MessageType,
		Tokens:      msg.Tokens,
		LatencyMs:   msg.LatencyMs,
	})

	reply, err := c.request(ctx, env)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}

	ack, err := protocol.DecodeBody[protocol.SaveMessageAck](reply)
	if err != nil {
		return fmt.Errorf("save message: decode ack: %w", err)
	}
	if !ack.Success {
		return fmt.Errorf("save message rejected: %s", ack.Error)
	}
	return nil
}

// IsSessionActive asks the backend whether the session still accepts writes.
func (c *Client) IsSessionActive(ctx context.Context, sessionID string) (bool, error) {
	env := protocol.NewEnvelope(id.NewRequest(), sessionID, protocol.TypeSessionQuery, protocol.SessionQuery{
		SessionID: sessionID,
	})

	reply, err := c.request(ctx, env)
	if err != nil {
		return false, fmt.Errorf("query session %s: %w", sessionID, err)
	}

	status, err := protocol.DecodeBody[protocol.SessionStatus](reply)
	if err != nil {
		return false, fmt.Errorf("query session %s: decode status: %w", sessionID, err)
	}
	return status.Active, nil
}

// request writes an envelope and blocks for the correlated reply.
func (c *Client) request(ctx context.Context, env *protocol.Envelope) (*protocol.Envelope, error) {
	replyCh := make(chan *protocol.Envelope, 1)
	c.pendingMu.Lock()
	c.pending[env.RequestID] = replyCh
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, env.RequestID)
		c.pendingMu.Unlock()
	}()

	if err := c.writeEnvelope(env); err != nil {
		return nil, err
	}

	timer := time.NewTimer(replyTimeout)
	defer timer.Stop()

	select {
	case reply, ok := <-replyCh:
		if !ok {
			return nil, fmt.Errorf("connection closed while waiting for reply")
		}
		if reply.Type == protocol.TypeBackendError {
			if berr, err := protocol.DecodeBody[protocol.BackendError](reply); err == nil {
				return nil, fmt.Errorf("backend error %s: %s", berr.Code, berr.Message)
			}
			return nil, fmt.Errorf("backend error")
		}
		return reply, nil
	case <-timer.C:
		return nil, fmt.Errorf("no reply within %s", replyTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) writeEnvelope(env *protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}

	c.mu.RLock()
	conn := c.conn
	connected := c.connected
	c.mu.RUnlock()

	if !connected || conn == nil {
		return fmt.Errorf("not connected")
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err = conn.WriteMessage(websocket.BinaryMessage, data)
	c.writeMu.Unlock()
	return err
}

func (c *Client) readMessages(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Error("backend: read error", "error", err)
			}
			c.mu.Lock()
			c.connected = false
			c.mu.Unlock()
			c.failPending()
			return
		}

		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			slog.Error("backend: decode error", "error", err)
			continue
		}

		c.dispatch(env)
	}
}

func (c *Client) dispatch(env *protocol.Envelope) {
	if env.RequestID == "" {
		slog.Debug("backend: unsolicited message", "type", env.Type)
		return
	}

	// Claim the entry under the lock so failPending can never close a
	// channel this reply is about to land on. The channel is buffered, so
	// the send after the unlock cannot block.
	c.pendingMu.Lock()
	replyCh, ok := c.pending[env.RequestID]
	if ok {
		delete(c.pending, env.RequestID)
	}
	c.pendingMu.Unlock()

	if !ok {
		slog.Debug("backend: reply for unknown request", "request_id", env.RequestID, "type", env.Type)
		return
	}
	replyCh <- env
}

// failPending closes every outstanding reply channel so blocked requests
// return promptly instead of waiting out their timers.
func (c *Client) failPending() {
	c.pendingMu.Lock()
	for reqID, ch := range c.pending {
		close(ch)
		delete(c.pending, reqID)
	}
	c.pendingMu.Unlock()
}
