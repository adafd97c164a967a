package transport

import (
	"encoding/json"
	"fmt"
	"sync"
)

// MemChannel is an in-process channel endpoint, used by tests and by the
// MemDialer. Events emitted on one end are delivered asynchronously to
// handlers registered on the peer, mirroring the wire behavior.
type MemChannel struct {
	mu           sync.Mutex
	peer         *MemChannel
	connected    bool
	handlers     map[string][]*memHandler
	pending      map[string][][]byte
	onConnect    []func()
	onDisconnect []func()
}

type memHandler struct {
	fn   Handler
	once bool
}

// Pipe returns two connected channel ends.
func Pipe() (*MemChannel, *MemChannel) {
	a := &MemChannel{handlers: map[string][]*memHandler{}, pending: map[string][][]byte{}, connected: true}
	b := &MemChannel{handlers: map[string][]*memHandler{}, pending: map[string][][]byte{}, connected: true}
	a.peer = b
	b.peer = a
	return a, b
}

func (c *MemChannel) Emit(event string, payload any) error {
	var data []byte
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %q payload: %w", event, err)
		}
	}
	c.mu.Lock()
	peer := c.peer
	connected := c.connected
	c.mu.Unlock()
	if !connected || peer == nil {
		return fmt.Errorf("emit %q: channel closed", event)
	}
	go peer.dispatch(event, data)
	return nil
}

func (c *MemChannel) dispatch(event string, data []byte) {
	c.mu.Lock()
	// hold events until someone listens, so registration order does not
	// matter the way it would on a real wire with connection buffering
	if len(c.handlers[event]) == 0 {
		c.pending[event] = append(c.pending[event], data)
		c.mu.Unlock()
		return
	}
	entries := c.handlers[event]
	var fns []Handler
	remaining := entries[:0]
	for _, e := range entries {
		fns = append(fns, e.fn)
		if !e.once {
			remaining = append(remaining, e)
		}
	}
	c.handlers[event] = remaining
	c.mu.Unlock()
	for _, fn := range fns {
		fn(data)
	}
}

func (c *MemChannel) On(event string, h Handler) {
	c.register(event, &memHandler{fn: h})
}

func (c *MemChannel) Once(event string, h Handler) {
	c.register(event, &memHandler{fn: h, once: true})
}

func (c *MemChannel) register(event string, h *memHandler) {
	c.mu.Lock()
	c.handlers[event] = append(c.handlers[event], h)
	queued := c.pending[event]
	delete(c.pending, event)
	c.mu.Unlock()
	for _, data := range queued {
		data := data
		go c.dispatch(event, data)
	}
}

func (c *MemChannel) OnConnect(fn func()) {
	c.mu.Lock()
	c.onConnect = append(c.onConnect, fn)
	connected := c.connected
	c.mu.Unlock()
	if connected {
		go fn()
	}
}

func (c *MemChannel) OnDisconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = append(c.onDisconnect, fn)
}

func (c *MemChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close disconnects both ends and fires their disconnect callbacks.
func (c *MemChannel) Close() error {
	c.mu.Lock()
	peer := c.peer
	c.mu.Unlock()
	c.down()
	if peer != nil {
		peer.down()
	}
	return nil
}

func (c *MemChannel) down() {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	cbs := append([]func(){}, c.onDisconnect...)
	c.mu.Unlock()
	for _, fn := range cbs {
		fn()
	}
}

// MemDialer hands out in-memory channels keyed by namespace and keeps the
// remote ends for tests to script the terminal side of the protocol.
type MemDialer struct {
	mu      sync.Mutex
	remotes map[string]*MemChannel
}

func NewMemDialer() *MemDialer {
	return &MemDialer{remotes: map[string]*MemChannel{}}
}

func (d *MemDialer) Dial(namespace string) (Channel, error) {
	local, remote := Pipe()
	d.mu.Lock()
	d.remotes[namespace] = remote
	d.mu.Unlock()
	return local, nil
}

// Remote returns the far end of a previously dialed namespace.
func (d *MemDialer) Remote(namespace string) *MemChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remotes[namespace]
}
