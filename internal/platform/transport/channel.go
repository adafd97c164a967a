// Package transport provides the bidirectional named-event channel the
// gateway uses to talk to remote terminal endpoints. A channel carries
// fire-and-forget events in both directions; commands and replies share an
// event name by convention.
package transport

import "encoding/json"

// Handler receives the raw JSON payload of a named event.
type Handler func(data []byte)

// Channel is one bidirectional named-event connection.
type Channel interface {
	// Emit sends a named event with an optional JSON-encodable payload.
	Emit(event string, payload any) error
	// On registers a handler invoked for every occurrence of the event.
	On(event string, h Handler)
	// Once registers a handler invoked for the next occurrence only.
	Once(event string, h Handler)
	// OnConnect registers a lifecycle callback. When the channel is already
	// connected at registration time the callback fires asynchronously.
	OnConnect(fn func())
	OnDisconnect(fn func())
	Connected() bool
	Close() error
}

// Dialer opens channels to namespaces of one remote endpoint. The control
// namespace is "ctrl"; each terminal gets its own namespace named by IMSI.
type Dialer interface {
	Dial(namespace string) (Channel, error)
}

// Decode unmarshals an event payload into v.
func Decode(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
