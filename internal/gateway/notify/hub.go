// Package notify implements the notification surface of the gateway: a
// websocket hub serving UI consumers (broadcast only) and gateway clients
// (authenticated submitters of outbound messages).
package notify

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/smsterm/gateway/internal/gateway/domain"
)

// AuthTimeout closes a gateway client connection that has not presented the
// shared secret in time.
const AuthTimeout = 10 * time.Second

// MessageRequest is a gateway client's outbound message submission.
type MessageRequest struct {
	Hash    string `json:"hash,omitempty"`
	Address string `json:"address"`
	Data    string `json:"data,omitempty"`
}

// MessageHandler processes a message or message-retry submission from an
// authenticated gateway client.
type MessageHandler func(c *Client, req MessageRequest)

// Hub owns the connected consumer sets.
type Hub struct {
	secret   string
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu sync.RWMutex
	ui map[*Client]struct{}
	gw map[*Client]struct{} // authenticated gateway clients

	onMessage      MessageHandler
	onMessageRetry MessageHandler
	onClientChange func()
}

func NewHub(secret string, logger *slog.Logger) *Hub {
	return &Hub{
		secret: secret,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		ui: map[*Client]struct{}{},
		gw: map[*Client]struct{}{},
	}
}

// SetMessageHandler registers the outbound message submission handler.
func (h *Hub) SetMessageHandler(fn MessageHandler) {
	h.onMessage = fn
}

// SetMessageRetryHandler registers the message-retry handler.
func (h *Hub) SetMessageRetryHandler(fn MessageHandler) {
	h.onMessageRetry = fn
}

// SetClientChangeHandler registers a callback fired whenever a gateway
// client authenticates or disconnects; the fleet uses it to reload the
// activity dispatcher.
func (h *Hub) SetClientChangeHandler(fn func()) {
	h.onClientChange = fn
}

// ConsumerCount returns the number of authenticated gateway clients.
func (h *Hub) ConsumerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.gw)
}

// ServeUI upgrades a UI consumer connection.
func (h *Hub) ServeUI(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("UI upgrade failed", "error", err)
		return
	}
	c := newClient(h, conn, false)
	h.mu.Lock()
	h.ui[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Info("UI client connected", "client", c.ID())
	c.start()
}

// ServeGW upgrades a gateway client connection. The client must emit auth
// with the shared secret within AuthTimeout or the connection is closed.
func (h *Hub) ServeGW(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Gateway client upgrade failed", "error", err)
		return
	}
	c := newClient(h, conn, true)
	h.logger.Info("Gateway client connected", "client", c.ID())
	c.armAuthTimeout()
	c.start()
}

func (h *Hub) authenticate(c *Client, secret string) bool {
	ok := secret == h.secret
	if ok {
		h.mu.Lock()
		h.gw[c] = struct{}{}
		h.mu.Unlock()
		h.logger.Info("Client is authenticated", "client", c.ID())
		if h.onClientChange != nil {
			h.onClientChange()
		}
	} else {
		h.logger.Warn("Client is NOT authenticated", "client", c.ID())
	}
	return ok
}

func (h *Hub) drop(c *Client) {
	h.mu.Lock()
	_, wasGW := h.gw[c]
	delete(h.gw, c)
	delete(h.ui, c)
	h.mu.Unlock()
	h.logger.Info("Client disconnected", "client", c.ID())
	if wasGW && h.onClientChange != nil {
		h.onClientChange()
	}
}

// BroadcastUI emits an event to every UI consumer.
func (h *Hub) BroadcastUI(event string, payload any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.ui {
		c.Emit(event, payload)
	}
}

// BroadcastClients emits an event to every authenticated gateway client.
func (h *Hub) BroadcastClients(event string, payload any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.gw {
		c.Emit(event, payload)
	}
}

// BroadcastActivity emits the type-specific activity event to gateway
// clients whose selected group equals the owning terminal's group.
func (h *Hub) BroadcastActivity(item *domain.QueueItem, group string) {
	var event string
	switch item.Type {
	case domain.ActivityRing:
		event = "ring"
	case domain.ActivityInbox:
		event = "message"
	case domain.ActivityCUSD:
		event = "ussd"
	default:
		return
	}
	payload := map[string]any{
		"hash":    item.Hash,
		"address": item.Address,
		"time":    item.Time,
	}
	if item.Data.Valid {
		payload["data"] = item.Data.String
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.gw {
		if c.Group() == group {
			h.logger.Info("Sending activity notification", "type", item.Type.String(), "hash", item.Hash, "client", c.ID())
			c.Emit(event, payload)
		} else {
			h.logger.Info("Skipping activity notification", "type", item.Type.String(), "hash", item.Hash, "client", c.ID())
		}
	}
}
