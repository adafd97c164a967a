// Package plugin defines the gateway plugin contract and a static registry.
// Plugins are registered explicitly at startup and receive inbound
// activities in registration order.
package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/smsterm/gateway/internal/gateway/domain"
)

// Plugin handles inbound activities. Handle may set the item's Veto flag to
// signal other observers that the activity has been dealt with; the flag
// does not stop propagation.
type Plugin interface {
	Name() string
	Handle(item *domain.QueueItem)
}

// GroupFilter restricts a plugin to activities of terminals in one group.
// An empty group means no restriction.
type GroupFilter interface {
	Group() string
}

// Initializer runs once when the plugin is registered.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// RouterMounter lets a plugin expose an HTTP sub-view.
type RouterMounter interface {
	Router(r chi.Router)
}

// Registry holds the ordered plugin list.
type Registry struct {
	logger *slog.Logger

	mu      sync.RWMutex
	plugins []Plugin
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register appends a plugin, running its Initialize hook when present.
func (r *Registry) Register(ctx context.Context, p Plugin) error {
	if p.Name() == "" {
		return fmt.Errorf("plugin has no name")
	}
	if init, ok := p.(Initializer); ok {
		if err := init.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize plugin %s: %w", p.Name(), err)
		}
	}
	r.mu.Lock()
	r.plugins = append(r.plugins, p)
	r.mu.Unlock()
	r.logger.Info("Plugin loaded", "plugin", p.Name())
	return nil
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// Plugins returns a snapshot of the registration order.
func (r *Registry) Plugins() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Plugin, len(r.plugins))
	copy(out, r.plugins)
	return out
}

// Dispatch hands the item to every plugin whose group filter is absent or
// matches the owning terminal's group. Veto is logged but iteration always
// runs to completion.
func (r *Registry) Dispatch(item *domain.QueueItem, group string) {
	for _, p := range r.Plugins() {
		if gf, ok := p.(GroupFilter); ok && gf.Group() != "" && gf.Group() != group {
			continue
		}
		p.Handle(item)
		if item.Veto {
			r.logger.Debug("Activity vetoed", "plugin", p.Name(), "hash", item.Hash)
		}
	}
}
