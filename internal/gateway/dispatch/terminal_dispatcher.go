package dispatch

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/smsterm/gateway/internal/gateway/domain"
	"github.com/smsterm/gateway/internal/gateway/repository"
)

// DefaultMaxRetry bounds SMS delivery attempts.
const DefaultMaxRetry = 3

// Terminal is the command surface the outbound dispatcher drives.
type Terminal interface {
	Name() string
	Busy() bool
	// RequestState asks the terminal to report its state; an idle report
	// comes back through the dispatcher's OnIdle.
	RequestState()
	Dial(ctx context.Context, item *domain.QueueItem) (*domain.Reply, error)
	SendMessage(ctx context.Context, item *domain.QueueItem) (*domain.Reply, error)
	Ussd(ctx context.Context, item *domain.QueueItem) (*domain.Reply, error)
	// QueryStatus asks whether a previously submitted message hash has
	// already been delivered.
	QueryStatus(ctx context.Context, hash string) (*domain.Reply, error)
}

// TerminalDispatcher drains one terminal's pending queue whenever the
// terminal reports idle. Items are processed strictly one at a time: the
// terminal is busy for the duration of each command and the in-flight guard
// prevents re-selection.
type TerminalDispatcher struct {
	engine    *Engine
	term      Terminal
	queueRepo repository.QueueRepository
	logRepo   repository.LogRepository
	maxRetry  int
	logger    *slog.Logger
	ctx       context.Context

	// active claims the terminal synchronously at pop time; the terminal's
	// own busy flag only flips once the spawned command acquires the
	// session, too late to stop a back-to-back idle signal.
	mu     sync.Mutex
	active bool
}

// NewTerminalDispatcher builds the outbound dispatcher for one terminal.
func NewTerminalDispatcher(ctx context.Context, term Terminal, queueRepo repository.QueueRepository, logRepo repository.LogRepository, maxRetry int, reloadInterval time.Duration, logger *slog.Logger) *TerminalDispatcher {
	if maxRetry <= 0 {
		maxRetry = DefaultMaxRetry
	}
	d := &TerminalDispatcher{
		term:      term,
		queueRepo: queueRepo,
		logRepo:   logRepo,
		maxRetry:  maxRetry,
		logger:    logger,
		ctx:       ctx,
	}
	d.engine = NewEngine(ctx, "terminal", d.fetch, d.check, reloadInterval, logger)
	return d
}

// Reload marks this terminal's snapshot dirty.
func (d *TerminalDispatcher) Reload() {
	d.engine.Reload()
}

// Engine exposes the polling engine, mainly for introspection.
func (d *TerminalDispatcher) Engine() *Engine {
	return d.engine
}

func (d *TerminalDispatcher) fetch(ctx context.Context) ([]*domain.QueueItem, error) {
	return d.queueRepo.FetchTerminalQueue(ctx, d.term.Name(), d.maxRetry)
}

func (d *TerminalDispatcher) check() {
	d.term.RequestState()
}

// OnIdle handles the terminal's idle signal: refresh the snapshot when due,
// then hand the head item to execution. The active claim is taken before
// the goroutine spawns, so items run strictly one at a time in queue order
// even when idle signals overlap.
func (d *TerminalDispatcher) OnIdle() {
	d.engine.ReloadIfNeeded()
	d.mu.Lock()
	if !d.active && !d.term.Busy() {
		if item := d.engine.Pop(); item != nil {
			if !d.engine.InQueue(item.ID) {
				d.active = true
				d.logger.Info("Processing queue", "imsi", item.IMSI, "hash", item.Hash, "id", item.ID)
				go d.process(item)
			}
		}
	}
	d.mu.Unlock()
	d.check()
}

func (d *TerminalDispatcher) process(item *domain.QueueItem) {
	defer func() {
		d.mu.Lock()
		d.active = false
		d.mu.Unlock()
		d.check()
	}()
	timer := prometheus.NewTimer(queueProcessingDurationHist.WithLabelValues(item.Type.String()))
	defer timer.ObserveDuration()

	switch item.Type {
	case domain.ActivityCall:
		reply, err := d.term.Dial(d.ctx, item)
		d.finish(item, reply, err)
	case domain.ActivitySMS:
		if item.Retry.Valid {
			// a retry attempt: make sure the previous send really failed
			// before resending
			status, err := d.term.QueryStatus(d.ctx, item.Hash)
			if err == nil && status.Success && status.Hash == item.Hash && status.Status != domain.StatusFail {
				d.logger.Info("Message already delivered, skipping resend", "imsi", item.IMSI, "hash", item.Hash)
				if uerr := d.queueRepo.UpdateStatus(d.ctx, item.ID, domain.StatusSuccess); uerr != nil {
					d.logger.Error("Failed to update queue status", "id", item.ID, "error", uerr)
				}
				queueProcessedCounter.WithLabelValues(item.Type.String(), "already_delivered").Inc()
				d.engine.EndQueue(item.ID)
				return
			}
		}
		reply, err := d.term.SendMessage(d.ctx, item)
		d.finish(item, reply, err)
	case domain.ActivityUSSD:
		reply, err := d.term.Ussd(d.ctx, item)
		d.finish(item, reply, err)
	default:
		d.logger.Warn("Unexpected queue item type", "id", item.ID, "type", item.Type.String())
		d.engine.EndQueue(item.ID)
	}
}

// finish records the outcome: the item is always marked processed; status
// reflects the terminal's reply on success, and failed SMS get their retry
// count incremented. CALL and SMS outcomes produce a log entry; USSD items
// are released without one.
func (d *TerminalDispatcher) finish(item *domain.QueueItem, reply *domain.Reply, cmdErr error) {
	defer d.engine.EndQueue(item.ID)

	var status, retry sql.NullInt32
	success := cmdErr == nil
	if success {
		st := int32(domain.StatusFail)
		if reply != nil && reply.Success {
			st = int32(domain.StatusSuccess)
		}
		status = sql.NullInt32{Int32: st, Valid: true}
	} else {
		d.logger.Warn("Queue command failed", "imsi", item.IMSI, "hash", item.Hash, "error", cmdErr)
		if item.Type == domain.ActivitySMS {
			next := int32(1)
			if item.Retry.Valid {
				next = item.Retry.Int32 + 1
			}
			retry = sql.NullInt32{Int32: next, Valid: true}
		}
	}

	if err := d.queueRepo.UpdateProcessed(d.ctx, item.ID, status, retry); err != nil {
		d.logger.Error("Failed to update queue item", "id", item.ID, "error", err)
		queueProcessedCounter.WithLabelValues(item.Type.String(), "error_update").Inc()
		return
	}
	item.Processed = true
	if status.Valid {
		item.Status = int(status.Int32)
	}
	if retry.Valid {
		item.Retry = retry
	}

	if item.Type != domain.ActivityUSSD {
		if err := d.logRepo.Save(d.ctx, item.IMSI, item); err != nil {
			d.logger.Error("Failed to save log entry", "id", item.ID, "error", err)
		}
	}

	outcome := "failed"
	if item.Status == domain.StatusSuccess {
		outcome = "success"
	}
	queueProcessedCounter.WithLabelValues(item.Type.String(), outcome).Inc()
	d.logger.Info("Queue done", "imsi", item.IMSI, "hash", item.Hash, "id", item.ID, "status", item.Status)
}
