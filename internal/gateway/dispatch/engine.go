// Package dispatch implements the gateway's queue dispatching: a shared
// polling engine plus the per-terminal outbound dispatcher and the
// fleet-wide activity dispatcher built on top of it.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/smsterm/gateway/internal/gateway/domain"
)

// DefaultReloadInterval is the self-healing refresh period of a snapshot.
const DefaultReloadInterval = 5 * time.Minute

// FetchFunc retrieves the full eligible item set from the store.
type FetchFunc func(ctx context.Context) ([]*domain.QueueItem, error)

// Engine is the polling core shared by both dispatchers. It keeps an
// in-memory snapshot of pending items, a dirty counter of unacknowledged
// reload requests, and the in-flight guard preventing an item from being
// picked twice by overlapping cycles.
//
// Fetching runs asynchronously; the injected check hook is invoked once the
// snapshot is populated.
type Engine struct {
	name  string
	fetch FetchFunc
	check func()

	logger *slog.Logger
	ctx    context.Context
	now    func() time.Time

	mu             sync.Mutex
	count          int
	queues         []*domain.QueueItem
	inflight       map[int64]struct{}
	loading        bool
	loadTime       time.Time
	reloadInterval time.Duration
}

// NewEngine builds an engine. The name labels metrics and log records.
func NewEngine(ctx context.Context, name string, fetch FetchFunc, check func(), reloadInterval time.Duration, logger *slog.Logger) *Engine {
	if reloadInterval <= 0 {
		reloadInterval = DefaultReloadInterval
	}
	return &Engine{
		name:           name,
		fetch:          fetch,
		check:          check,
		logger:         logger,
		ctx:            ctx,
		now:            time.Now,
		inflight:       map[int64]struct{}{},
		loadTime:       time.Now(),
		reloadInterval: reloadInterval,
	}
}

// Reload marks the snapshot dirty and immediately re-evaluates whether work
// should run.
func (e *Engine) Reload() {
	e.mu.Lock()
	e.count++
	e.mu.Unlock()
	e.check()
}

// ReloadIfNeeded decides whether a fresh load is due: immediately when the
// dirty counter is positive or the snapshot is empty. When no reload was
// requested but the snapshot has been empty longer than the reload
// interval, the counter is bumped to force a refresh, healing lost reload
// notifications.
func (e *Engine) ReloadIfNeeded() {
	e.mu.Lock()
	due := e.count > 0 || len(e.queues) == 0
	if due && e.count == 0 && !e.loading && e.now().Sub(e.loadTime) >= e.reloadInterval {
		e.count++
	}
	e.mu.Unlock()
	if due {
		e.Load()
	}
}

// Load re-fetches the snapshot when the dirty counter is positive and no
// load is in flight. The counter is reset before fetching, so reload
// requests arriving during a fetch trigger another cycle afterwards.
func (e *Engine) Load() {
	e.mu.Lock()
	if e.count == 0 || e.loading {
		e.mu.Unlock()
		return
	}
	e.loading = true
	e.count = 0
	e.queues = nil
	e.mu.Unlock()

	go func() {
		results, err := e.fetch(e.ctx)
		if err != nil {
			// No result this cycle; the next reload retries.
			e.logger.Error("Queue fetch failed", "dispatcher", e.name, "error", err)
			results = nil
		}
		queueReloadsCounter.WithLabelValues(e.name).Inc()
		e.mu.Lock()
		e.loading = false
		e.loadTime = e.now()
		e.queues = results
		e.mu.Unlock()
		e.check()
	}()
}

// Pop removes and returns the head of the snapshot, or nil when empty.
func (e *Engine) Pop() *domain.QueueItem {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queues) == 0 {
		return nil
	}
	item := e.queues[0]
	e.queues = e.queues[1:]
	return item
}

// Pending returns the snapshot size.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queues)
}

// InQueue reports whether the item id is already in flight and, when it is
// not, marks it. Every item must pass through here before execution.
func (e *Engine) InQueue(id int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.inflight[id]; ok {
		return true
	}
	e.inflight[id] = struct{}{}
	return false
}

// EndQueue clears the in-flight mark. It must be called unconditionally
// when processing concludes, whatever the outcome.
func (e *Engine) EndQueue(id int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, id)
}

// Dirty returns the current dirty counter, for introspection.
func (e *Engine) Dirty() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count
}

// ReloadInterval returns the configured snapshot refresh period.
func (e *Engine) ReloadInterval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reloadInterval
}
