package dispatch

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/smsterm/gateway/internal/gateway/domain"
	"github.com/smsterm/gateway/internal/gateway/repository"
	"github.com/smsterm/gateway/internal/gateway/routing"
)

// Worker is the view of a terminal the activity dispatcher needs.
type Worker interface {
	Name() string
	Connected() bool
	Options() domain.TerminalOptions
}

// FleetView resolves workers by identity.
type FleetView interface {
	// Worker returns the terminal owning the imsi, or nil.
	Worker(imsi string) Worker
	WorkerCount() int
}

// Notifier fans type-specific activity events out to connected consumers
// whose group matches the owning worker's group.
type Notifier interface {
	ConsumerCount() int
	BroadcastActivity(item *domain.QueueItem, group string)
}

// PluginRunner hands an activity to every registered plugin in order,
// honoring group filters. A plugin may set the item's veto flag; the flag
// is informational and never stops the iteration.
type PluginRunner interface {
	Count() int
	Dispatch(item *domain.QueueItem, group string)
}

// ActivityDispatcher drains inbound-triggered items (RING, INBOX, CUSD)
// fleet-wide and fans them out to notification consumers and plugins.
// Inbound items are already delivered; this dispatcher's job is
// notification fan-out, not execution. At most one item is processed at a
// time globally.
type ActivityDispatcher struct {
	engine    *Engine
	fleet     FleetView
	notifier  Notifier
	plugins   PluginRunner
	filter    *routing.AddressFilter
	queueRepo repository.QueueRepository
	logger    *slog.Logger
	ctx       context.Context

	mu         sync.Mutex
	processing bool
	timer      *time.Timer
}

// NewActivityDispatcher builds the fleet-wide dispatcher.
func NewActivityDispatcher(ctx context.Context, fleet FleetView, notifier Notifier, plugins PluginRunner, filter *routing.AddressFilter, queueRepo repository.QueueRepository, reloadInterval time.Duration, logger *slog.Logger) *ActivityDispatcher {
	d := &ActivityDispatcher{
		fleet:     fleet,
		notifier:  notifier,
		plugins:   plugins,
		filter:    filter,
		queueRepo: queueRepo,
		logger:    logger,
		ctx:       ctx,
	}
	d.engine = NewEngine(ctx, "activity", d.fetch, d.Check, reloadInterval, logger)
	return d
}

// Reload marks the activity snapshot dirty.
func (d *ActivityDispatcher) Reload() {
	d.engine.Reload()
}

// Engine exposes the polling engine, mainly for introspection.
func (d *ActivityDispatcher) Engine() *Engine {
	return d.engine
}

func (d *ActivityDispatcher) fetch(ctx context.Context) ([]*domain.QueueItem, error) {
	return d.queueRepo.FetchActivityQueue(ctx)
}

// Check runs a processing cycle. Nothing happens unless at least one worker
// exists and at least one consumer (notification socket or plugin) is
// registered.
func (d *ActivityDispatcher) Check() {
	if d.fleet.WorkerCount() == 0 {
		return
	}
	if d.notifier.ConsumerCount() == 0 && d.plugins.Count() == 0 {
		d.logger.Info("Activity processing skipped, no consumer registered")
		return
	}
	d.engine.ReloadIfNeeded()
	d.process()
}

func (d *ActivityDispatcher) process() {
	d.mu.Lock()
	var next *domain.QueueItem
	if !d.processing {
		for {
			item := d.engine.Pop()
			if item == nil {
				break
			}
			if d.engine.InQueue(item.ID) {
				continue
			}
			d.processing = true
			next = item
			break
		}
	}
	if d.engine.Pending() == 0 && next == nil && d.timer == nil {
		d.timer = time.AfterFunc(d.engine.ReloadInterval(), func() {
			d.mu.Lock()
			d.timer = nil
			d.mu.Unlock()
			d.Check()
		})
	}
	d.mu.Unlock()

	if next != nil {
		go func(item *domain.QueueItem) {
			d.processQueue(item)
			d.engine.EndQueue(item.ID)
			d.mu.Lock()
			d.processing = false
			d.mu.Unlock()
			d.Check()
		}(next)
	}
}

// processQueue handles one inbound activity: resolve the owning worker,
// apply the address filter and the worker's receive policy, fan out to
// consumers and plugins, then record the outcome.
func (d *ActivityDispatcher) processQueue(item *domain.QueueItem) {
	worker := d.fleet.Worker(item.IMSI)
	if worker == nil {
		// owning terminal is gone; leave the item for a future cycle
		return
	}

	allowed := true
	if item.Type == domain.ActivityRing || item.Type == domain.ActivityInbox {
		allowed = d.filter.Allowed(item.Address)
	}
	if allowed && item.Type == domain.ActivityInbox && !worker.Options().ReceiveMessage {
		allowed = false
	}

	if allowed {
		group := worker.Options().Group
		d.notifier.BroadcastActivity(item, group)
		d.plugins.Dispatch(item, group)
		activityNotifiedCounter.WithLabelValues(item.Type.String()).Inc()
	}

	status := int32(domain.StatusFail)
	outcome := "filtered"
	if allowed {
		status = int32(domain.StatusSuccess)
		outcome = "success"
	}
	if err := d.queueRepo.UpdateProcessed(d.ctx, item.ID, sql.NullInt32{Int32: status, Valid: true}, sql.NullInt32{}); err != nil {
		d.logger.Error("Failed to update activity item", "id", item.ID, "error", err)
	}
	queueProcessedCounter.WithLabelValues(item.Type.String(), outcome).Inc()
}
