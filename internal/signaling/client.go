package signaling

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Client wraps one websocket connection. The id is session-scoped: assigned
// at upgrade, it becomes the peer id for the lifetime of the connection.
// All writes go through a mutex since acks, pushes and pings originate from
// different goroutines.
type Client struct {
	id           string
	conn         *websocket.Conn
	logger       *slog.Logger
	writeTimeout time.Duration

	writeMu sync.Mutex
}

func NewClient(conn *websocket.Conn, writeTimeout time.Duration, logger *slog.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		id:           id,
		conn:         conn,
		logger:       logger.With("connId", id),
		writeTimeout: writeTimeout,
	}
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) Send(msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteJSON(msg)
}

func (c *Client) sendControl(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(5 * time.Second)
	if c.writeTimeout > 0 {
		deadline = time.Now().Add(c.writeTimeout)
	}
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteControl(messageType, data, deadline)
}

// Notify pushes a server-initiated event. Implements conference.Notifier.
// Best-effort: a failed write is logged and the broadcast moves on.
func (c *Client) Notify(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("event payload marshal failed", "event", event, "error", err)
		return
	}
	if err := c.Send(Message{Action: event, Data: data}); err != nil {
		c.logger.Warn("event push failed", "event", event, "error", err)
	}
}

// Ack answers a correlated request exactly once. A nil payload acks with no
// data.
func (c *Client) Ack(id uint64, payload any) {
	msg := Message{Action: ActionAck, ID: id}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			c.logger.Error("ack payload marshal failed", "error", err)
			c.AckError(id, "internal error")
			return
		}
		msg.Data = data
	}
	if err := c.Send(msg); err != nil {
		c.logger.Warn("ack send failed", "error", err)
	}
}

func (c *Client) AckError(id uint64, message string) {
	if err := c.Send(Message{Action: ActionAck, ID: id, Error: message}); err != nil {
		c.logger.Warn("error ack send failed", "error", err)
	}
}

func (c *Client) Close() {
	_ = c.conn.Close()
}
