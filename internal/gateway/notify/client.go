package notify

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Envelope frames every event on the websocket.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client is one websocket consumer.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	id   string
	gwc  bool

	send chan []byte

	mu            sync.Mutex
	group         string
	authenticated bool
	authTimer     *time.Timer
}

func newClient(h *Hub, conn *websocket.Conn, gwc bool) *Client {
	return &Client{
		hub:  h,
		conn: conn,
		id:   uuid.NewString(),
		gwc:  gwc,
		send: make(chan []byte, 64),
	}
}

// ID returns the connection identity.
func (c *Client) ID() string {
	return c.id
}

// Group returns the client's selected terminal group.
func (c *Client) Group() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.group
}

// Emit queues an event for delivery. Slow consumers are dropped rather
// than blocking the hub.
func (c *Client) Emit(event string, payload any) {
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			c.hub.logger.Error("Failed to marshal event payload", "event", event, "error", err)
			return
		}
		data = raw
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return
	}
	select {
	case c.send <- frame:
	default:
		c.hub.logger.Warn("Dropping slow consumer", "client", c.id)
		_ = c.conn.Close()
	}
}

func (c *Client) armAuthTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authTimer = time.AfterFunc(AuthTimeout, func() {
		c.mu.Lock()
		authed := c.authenticated
		c.mu.Unlock()
		if !authed {
			c.hub.logger.Info("Closing connection due to no auth", "client", c.id)
			_ = c.conn.Close()
		}
	})
}

func (c *Client) start() {
	go c.writePump()
	go c.readPump()
}

func (c *Client) writePump() {
	for frame := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.mu.Lock()
		if c.authTimer != nil {
			c.authTimer.Stop()
		}
		c.mu.Unlock()
		// remove from the hub before closing send: a broadcast holding
		// the hub lock may still be emitting into the channel
		c.hub.drop(c)
		close(c.send)
		_ = c.conn.Close()
	}()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.hub.logger.Warn("Malformed frame", "client", c.id, "error", err)
			continue
		}
		c.handle(env)
	}
}

func (c *Client) handle(env Envelope) {
	if !c.gwc {
		return // UI consumers are receive-only
	}
	switch env.Event {
	case "auth":
		var secret string
		_ = json.Unmarshal(env.Data, &secret)
		ok := c.hub.authenticate(c, secret)
		c.mu.Lock()
		c.authenticated = ok
		if ok && c.authTimer != nil {
			c.authTimer.Stop()
		}
		c.mu.Unlock()
		c.Emit("auth", ok)
	case "group":
		if !c.isAuthenticated() {
			return
		}
		var group string
		_ = json.Unmarshal(env.Data, &group)
		c.mu.Lock()
		c.group = group
		c.mu.Unlock()
		c.hub.logger.Info("Group changed", "client", c.id, "group", group)
	case "message":
		if !c.isAuthenticated() || c.hub.onMessage == nil {
			return
		}
		var req MessageRequest
		if err := json.Unmarshal(env.Data, &req); err == nil {
			c.hub.onMessage(c, req)
		}
	case "message-retry":
		if !c.isAuthenticated() || c.hub.onMessageRetry == nil {
			return
		}
		var req MessageRequest
		if err := json.Unmarshal(env.Data, &req); err == nil {
			c.hub.onMessageRetry(c, req)
		}
	}
}

func (c *Client) isAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}
