package transport

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Subject layout: outgoing events are published to
// "<sendRoot>.<namespace>.<event>" and incoming events are received on
// "<recvRoot>.<namespace>.<event>". The remote terminal endpoint uses the
// mirrored roots, so each direction has its own subject tree.
const (
	DefaultSendRoot = "term.cmd"
	DefaultRecvRoot = "term.evt"
)

// NATSDialer opens event channels over one NATS connection.
type NATSDialer struct {
	conn     *nats.Conn
	sendRoot string
	recvRoot string
	endpoint string
	logger   *slog.Logger

	mu       sync.Mutex
	channels []*natsChannel
}

// NewNATSDialer connects to NATS and returns a dialer whose channels share
// the connection. The endpoint name scopes subjects so several pools can
// coexist on one NATS cluster.
func NewNATSDialer(natsURL, endpoint, appName string, logger *slog.Logger) (*NATSDialer, error) {
	d := &NATSDialer{
		sendRoot: DefaultSendRoot,
		recvRoot: DefaultRecvRoot,
		endpoint: endpoint,
		logger:   logger,
	}
	nc, err := nats.Connect(natsURL,
		nats.Name(appName),
		nats.Timeout(5*time.Second),
		nats.PingInterval(20*time.Second),
		nats.MaxPingsOutstanding(3),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
			d.broadcastState(false)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
			d.broadcastState(true)
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Error("NATS connection closed", "error", nc.LastError())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	d.conn = nc
	return d, nil
}

// Dial opens a channel to the given namespace.
func (d *NATSDialer) Dial(namespace string) (Channel, error) {
	ch := &natsChannel{
		dialer:    d,
		namespace: namespace,
		connected: d.conn.IsConnected(),
	}
	d.mu.Lock()
	d.channels = append(d.channels, ch)
	d.mu.Unlock()
	return ch, nil
}

// Close drains the underlying connection.
func (d *NATSDialer) Close() {
	d.conn.Close()
}

func (d *NATSDialer) broadcastState(connected bool) {
	d.mu.Lock()
	channels := make([]*natsChannel, len(d.channels))
	copy(channels, d.channels)
	d.mu.Unlock()
	for _, ch := range channels {
		ch.setConnected(connected)
	}
}

func (d *NATSDialer) remove(ch *natsChannel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, c := range d.channels {
		if c == ch {
			d.channels = append(d.channels[:i], d.channels[i+1:]...)
			return
		}
	}
}

type natsChannel struct {
	dialer    *NATSDialer
	namespace string

	mu           sync.Mutex
	connected    bool
	closed       bool
	subs         []*nats.Subscription
	onConnect    []func()
	onDisconnect []func()
}

func (c *natsChannel) sendSubject(event string) string {
	return fmt.Sprintf("%s.%s.%s.%s", c.dialer.sendRoot, c.dialer.endpoint, c.namespace, event)
}

func (c *natsChannel) recvSubject(event string) string {
	return fmt.Sprintf("%s.%s.%s.%s", c.dialer.recvRoot, c.dialer.endpoint, c.namespace, event)
}

func (c *natsChannel) Emit(event string, payload any) error {
	var data []byte
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %q payload: %w", event, err)
		}
	}
	return c.dialer.conn.Publish(c.sendSubject(event), data)
}

func (c *natsChannel) On(event string, h Handler) {
	sub, err := c.dialer.conn.Subscribe(c.recvSubject(event), func(m *nats.Msg) {
		h(m.Data)
	})
	if err != nil {
		c.dialer.logger.Error("subscribe failed", "event", event, "namespace", c.namespace, "error", err)
		return
	}
	c.track(sub)
}

func (c *natsChannel) Once(event string, h Handler) {
	sub, err := c.dialer.conn.Subscribe(c.recvSubject(event), func(m *nats.Msg) {
		h(m.Data)
	})
	if err != nil {
		c.dialer.logger.Error("subscribe failed", "event", event, "namespace", c.namespace, "error", err)
		return
	}
	if err := sub.AutoUnsubscribe(1); err != nil {
		c.dialer.logger.Error("auto unsubscribe failed", "event", event, "error", err)
	}
	c.track(sub)
}

func (c *natsChannel) track(sub *nats.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Drop already-settled subscriptions to keep the list bounded.
	live := c.subs[:0]
	for _, s := range c.subs {
		if s.IsValid() {
			live = append(live, s)
		}
	}
	c.subs = append(live, sub)
}

func (c *natsChannel) OnConnect(fn func()) {
	c.mu.Lock()
	c.onConnect = append(c.onConnect, fn)
	connected := c.connected
	c.mu.Unlock()
	if connected {
		go fn()
	}
}

func (c *natsChannel) OnDisconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = append(c.onDisconnect, fn)
}

func (c *natsChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && !c.closed
}

func (c *natsChannel) setConnected(connected bool) {
	c.mu.Lock()
	if c.closed || c.connected == connected {
		c.mu.Unlock()
		return
	}
	c.connected = connected
	var cbs []func()
	if connected {
		cbs = append(cbs, c.onConnect...)
	} else {
		cbs = append(cbs, c.onDisconnect...)
	}
	c.mu.Unlock()
	for _, fn := range cbs {
		fn()
	}
}

func (c *natsChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	c.dialer.remove(c)
	return nil
}
