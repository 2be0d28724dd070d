package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"learnhub/realtime/internal/metrics"
	"learnhub/realtime/internal/models"
)

// Roles carried by verified identities.
const (
	RoleStudent = "student"
	RoleTutor   = "tutor"
	RoleSupport = "support"
)

// Identity is the verified caller behind a connection.
type Identity struct {
	UserID string
	Role   string
}

// Client is one live socket session. Frames are queued on a bounded buffer and
// flushed by WritePump; a client that falls behind is closed.
type Client struct {
	ID       string
	Conn     *websocket.Conn
	identity *Identity

	mu     sync.Mutex
	send   chan []byte
	closed bool
	hook   func(models.WSFrame)
}

func NewClient(conn *websocket.Conn, identity *Identity, buffer int) *Client {
	if buffer <= 0 {
		buffer = 1
	}
	return &Client{
		ID:       uuid.New().String(),
		Conn:     conn,
		identity: identity,
		send:     make(chan []byte, buffer),
	}
}

// Identity returns nil for anonymous connections.
func (c *Client) Identity() *Identity { return c.identity }

// SetSendHook replaces the default WebSocket sender (used in tests).
func (c *Client) SetSendHook(fn func(models.WSFrame)) {
	c.mu.Lock()
	c.hook = fn
	c.mu.Unlock()
}

// Send enqueues frame without blocking. It reports false when the frame was
// dropped because the client is closed or its buffer is full; in the latter
// case the client is closed.
func (c *Client) Send(frame models.WSFrame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if c.hook != nil {
		c.hook(frame)
		return true
	}
	b, err := json.Marshal(frame)
	if err != nil {
		return false
	}
	select {
	case c.send <- b:
		return true
	default:
		metrics.ObserveSlowConsumer()
		c.closeLocked()
		return false
	}
}

// Close stops further delivery and lets WritePump shut the socket.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// WritePump owns all writes to Conn. It returns when the send buffer is
// closed or a write fails, closing the socket either way.
func (c *Client) WritePump(pingPeriod, writeWait time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
