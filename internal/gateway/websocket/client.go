package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ai-village/villaged/internal/common/logger"
	ws "github.com/ai-village/villaged/pkg/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024
)

// Client represents a single WebSocket connection.
type Client struct {
	ID     string
	conn   *websocket.Conn
	hub    *Hub
	send   chan []byte
	logger *logger.Logger

	mu     sync.Mutex
	closed bool
}

// NewClient creates a new WebSocket client.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:     id,
		conn:   conn,
		hub:    hub,
		send:   make(chan []byte, 256),
		logger: log.WithFields(zap.String("client_id", id)),
	}
}

// subscribePayload names the subject a client (un)subscribes to.
type subscribePayload struct {
	Subject string `json:"subject"`
}

// ReadPump pumps messages from the WebSocket connection to the hub.
func (c *Client) ReadPump() {
	defer c.hub.Unregister(c)

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Debug("failed to set read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
				websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", zap.Error(err))
			}
			return
		}

		var msg ws.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendError(&msg, ws.ErrorCodeBadRequest, "invalid message format")
			continue
		}
		c.handleMessage(&msg)
	}
}

func (c *Client) handleMessage(msg *ws.Message) {
	switch msg.Action {
	case ws.ActionSubscribe, ws.ActionUnsubscribe:
		var payload subscribePayload
		if err := msg.ParsePayload(&payload); err != nil || payload.Subject == "" {
			c.sendError(msg, ws.ErrorCodeBadRequest, "subject is required")
			return
		}
		var err error
		if msg.Action == ws.ActionSubscribe {
			err = c.hub.Subscribe(c, payload.Subject)
		} else {
			err = c.hub.Unsubscribe(c, payload.Subject)
		}
		if err != nil {
			c.sendError(msg, ws.ErrorCodeBadRequest, err.Error())
			return
		}
		if resp, err := ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"ok": true, "subject": payload.Subject}); err == nil {
			c.SendMessage(resp)
		}

	case ws.ActionHealthCheck:
		if resp, err := ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{"ok": true}); err == nil {
			c.SendMessage(resp)
		}

	default:
		c.sendError(msg, ws.ErrorCodeUnknownAction, "unknown action: "+msg.Action)
	}
}

// SendMessage queues a message for delivery. Slow consumers drop messages
// rather than blocking the hub (at-least-once delivery comes from the
// event stream's replay, not the socket).
func (c *Client) SendMessage(msg *ws.Message) {
	raw, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal message", zap.Error(err))
		return
	}
	select {
	case c.send <- raw:
	default:
		c.logger.Warn("client send buffer full, dropping message")
	}
}

func (c *Client) sendError(msg *ws.Message, code, message string) {
	id, action := "", ""
	if msg != nil {
		id, action = msg.ID, msg.Action
	}
	if errMsg, err := ws.NewError(id, action, code, message, nil); err == nil {
		c.SendMessage(errMsg)
	}
}

// WritePump pumps queued messages to the WebSocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.hub.Unregister(c)
	}()

	for {
		select {
		case raw, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close tears down the connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
}
