package term

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/smsterm/gateway/internal/gateway/dispatch"
	"github.com/smsterm/gateway/internal/gateway/domain"
	"github.com/smsterm/gateway/internal/gateway/notify"
	"github.com/smsterm/gateway/internal/gateway/repository"
	"github.com/smsterm/gateway/internal/gateway/routing"
	"github.com/smsterm/gateway/internal/platform/config"
	"github.com/smsterm/gateway/internal/platform/transport"
)

// DialerFactory opens a transport endpoint for a pool URL.
type DialerFactory func(url string) (transport.Dialer, error)

// Fleet indexes every terminal across all pools and routes activities to
// them: outbound submissions pick a terminal through the selector, inbound
// notifications fan out through the hub.
type Fleet struct {
	queueRepo   repository.QueueRepository
	logRepo     repository.LogRepository
	hub         *notify.Hub
	selector    *routing.Selector
	plugins     dispatch.PluginRunner
	activityLog *slog.Logger
	logger      *slog.Logger
	ctx         context.Context

	mu        sync.RWMutex
	pools     []*Pool
	terminals map[string]*Terminal
	activity  *dispatch.ActivityDispatcher
}

// NewFleet builds an empty fleet; pools are attached by Start. activityLog
// is the dedicated human-readable activity trail, distinct from the
// structured service log.
func NewFleet(queueRepo repository.QueueRepository, logRepo repository.LogRepository, hub *notify.Hub, selector *routing.Selector, plugins dispatch.PluginRunner, activityLog, logger *slog.Logger) *Fleet {
	f := &Fleet{
		queueRepo:   queueRepo,
		logRepo:     logRepo,
		hub:         hub,
		selector:    selector,
		plugins:     plugins,
		activityLog: activityLog,
		logger:      logger,
		ctx:         context.Background(),
		terminals:   map[string]*Terminal{},
	}
	hub.SetMessageHandler(f.HandleMessage)
	hub.SetMessageRetryHandler(f.HandleMessageRetry)
	hub.SetClientChangeHandler(f.clientChanged)
	return f
}

// SetActivityDispatcher wires the fan-out dispatcher; construction order
// requires the fleet to exist first.
func (f *Fleet) SetActivityDispatcher(d *dispatch.ActivityDispatcher) {
	f.mu.Lock()
	f.activity = d
	f.mu.Unlock()
}

// Start dials every configured pool endpoint.
func (f *Fleet) Start(ctx context.Context, pools []config.PoolConfig, dialers DialerFactory, deps PoolDeps) error {
	f.ctx = ctx
	deps.Fleet = f
	for _, pc := range pools {
		dialer, err := dialers(pc.URL)
		if err != nil {
			return fmt.Errorf("dial pool %s: %w", pc.Name, err)
		}
		if _, err := NewPool(ctx, pc.Name, pc.Key, dialer, deps); err != nil {
			return fmt.Errorf("start pool %s: %w", pc.Name, err)
		}
		f.logger.InfoContext(ctx, "Pool started", "pool", pc.Name, "url", pc.URL)
	}
	return nil
}

// register indexes a pool. NewPool calls this before attaching its control
// handlers, so a ready announcement always finds its pool attached.
func (f *Fleet) register(p *Pool) {
	f.mu.Lock()
	f.pools = append(f.pools, p)
	f.mu.Unlock()
}

// Close tears every pool down.
func (f *Fleet) Close() {
	f.mu.Lock()
	pools := f.pools
	f.pools = nil
	f.mu.Unlock()
	for _, p := range pools {
		p.Close()
	}
}

// Changed rebuilds the terminal index after any pool's session set moved
// and pushes the new fleet snapshot to UI consumers.
func (f *Fleet) Changed() {
	f.mu.Lock()
	f.terminals = map[string]*Terminal{}
	for _, p := range f.pools {
		for _, t := range p.Terminals() {
			f.terminals[t.Name()] = t
		}
	}
	activity := f.activity
	pluginCount := 0
	if f.plugins != nil {
		pluginCount = f.plugins.Count()
	}
	f.mu.Unlock()

	f.hub.BroadcastUI("client", f.Snapshot())
	// plugins consume activities even with no gateway client connected
	if activity != nil && pluginCount > 0 {
		activity.Reload()
		activity.Check()
	}
}

func (f *Fleet) clientChanged() {
	f.mu.RLock()
	activity := f.activity
	f.mu.RUnlock()
	if activity != nil {
		activity.Reload()
		activity.Check()
	}
}

// Get returns the terminal owning the imsi, or nil.
func (f *Fleet) Get(imsi string) *Terminal {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.terminals[imsi]
}

// Terminals returns the fleet's sessions sorted by name.
func (f *Fleet) Terminals() []*Terminal {
	f.mu.RLock()
	out := make([]*Terminal, 0, len(f.terminals))
	for _, t := range f.terminals {
		out = append(out, t)
	}
	f.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Worker resolves a terminal for the activity dispatcher. The nil check
// must happen here: returning a nil *Terminal through the interface would
// defeat the caller's nil test.
func (f *Fleet) Worker(imsi string) dispatch.Worker {
	if t := f.Get(imsi); t != nil {
		return t
	}
	return nil
}

// WorkerCount returns the number of indexed terminals.
func (f *Fleet) WorkerCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.terminals)
}

// WorkerNames returns the fleet's terminal names sorted.
func (f *Fleet) WorkerNames() []string {
	terms := f.Terminals()
	names := make([]string, len(terms))
	for i, t := range terms {
		names[i] = t.Name()
	}
	return names
}

// WorkerNetworkCode returns a terminal's network operator code, or "".
func (f *Fleet) WorkerNetworkCode(imsi string) string {
	if t := f.Get(imsi); t != nil {
		return t.Info().Network.Code
	}
	return ""
}

// QueueUssd enqueues a USSD query on the named terminal.
func (f *Fleet) QueueUssd(ctx context.Context, imsi, service string) error {
	t := f.Get(imsi)
	if t == nil {
		return domain.ErrNotFound
	}
	_, err := t.AddUssdQueue(ctx, service)
	return err
}

// NotifyUI broadcasts an event to UI consumers.
func (f *Fleet) NotifyUI(event string, payload any) {
	f.hub.BroadcastUI(event, payload)
}

// DetectCountry returns the country reported by any connected terminal.
// Used when the configured country code is "auto".
func (f *Fleet) DetectCountry() string {
	for _, t := range f.Terminals() {
		if t.Connected() {
			if c := t.Info().Network.Country; c != "" {
				return c
			}
		}
	}
	return ""
}

// Add routes an outbound item to a terminal chosen by the selector and
// enqueues it there. Items with no eligible terminal are dropped with an
// error.
func (f *Fleet) Add(ctx context.Context, item *domain.QueueItem, group string) (*Terminal, *domain.QueueItem, error) {
	terms := f.Terminals()
	candidates := make([]routing.Candidate, len(terms))
	for i, t := range terms {
		candidates[i] = t
	}
	picked := f.selector.Pick(item.Type, item.Address, group, candidates)
	if picked == nil {
		f.logger.WarnContext(ctx, "No eligible terminal, dropping item",
			"type", item.Type.String(), "address", item.Address, "group", group)
		return nil, nil, domain.ErrNoTerminal
	}
	t := picked.(*Terminal)
	stored, err := t.AddQueue(ctx, item)
	if err != nil {
		return nil, nil, err
	}
	return t, stored, nil
}

// HandleMessage processes an outbound message submission from a gateway
// client.
func (f *Fleet) HandleMessage(c *notify.Client, req notify.MessageRequest) {
	item := &domain.QueueItem{
		Type:    domain.ActivitySMS,
		Address: req.Address,
		Hash:    req.Hash,
		Time:    time.Now(),
	}
	if req.Data != "" {
		item.Data = sql.NullString{String: req.Data, Valid: true}
	}
	t, stored, err := f.Add(f.ctx, item, c.Group())
	if err != nil {
		f.logger.ErrorContext(f.ctx, "Failed to queue outbound message",
			"address", req.Address, "error", err)
		c.Emit("status", map[string]any{"hash": req.Hash, "success": false})
		return
	}
	if stored == nil {
		// duplicate submission, already queued on this terminal
		c.Emit("status", map[string]any{"hash": req.Hash, "success": true})
		return
	}
	f.Log("<-- SMS %s %s", t.Name(), stored.Address)
	c.Emit("status", map[string]any{"hash": stored.Hash, "success": true})
	f.NotifyNewActivity(stored)
}

// HandleMessageRetry re-examines a previously submitted message. Unknown
// hashes are treated as fresh submissions; known hashes answer from the log
// when a delivery report exists, or reopen the queue item for another
// attempt when the last one failed.
func (f *Fleet) HandleMessageRetry(c *notify.Client, req notify.MessageRequest) {
	count, err := f.queueRepo.CountByHash(f.ctx, req.Hash, domain.ActivitySMS)
	if err != nil {
		f.logger.ErrorContext(f.ctx, "Retry lookup failed", "hash", req.Hash, "error", err)
		return
	}
	if count == 0 {
		f.HandleMessage(c, req)
		return
	}
	entry, err := f.logRepo.Find(f.ctx, req.Hash, domain.ActivitySMS)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		f.logger.ErrorContext(f.ctx, "Retry log lookup failed", "hash", req.Hash, "error", err)
		return
	}
	if entry != nil && entry.Code.Valid {
		c.Emit("status-report", map[string]any{
			"hash":     entry.Hash,
			"code":     entry.Code.Int32,
			"sent":     entry.Sent,
			"received": entry.Received,
		})
		return
	}
	if entry != nil && entry.Status != domain.StatusFail {
		// delivered but no report yet; nothing to redo
		c.Emit("status", map[string]any{"hash": entry.Hash, "success": true})
		return
	}
	item, err := f.queueRepo.FindByHash(f.ctx, req.Hash, domain.ActivitySMS)
	if err != nil || item == nil {
		f.logger.ErrorContext(f.ctx, "Retry item lookup failed", "hash", req.Hash, "error", err)
		return
	}
	if err := f.queueRepo.ResetRetry(f.ctx, item.ID); err != nil {
		f.logger.ErrorContext(f.ctx, "Failed to reopen item", "hash", req.Hash, "error", err)
		return
	}
	f.Log("<-- Retry SMS %s %s", item.IMSI, item.Address)
	if t := f.Get(item.IMSI); t != nil {
		t.ReloadQueue()
	}
}

// Log appends a line to the activity trail and mirrors it to UI consumers.
func (f *Fleet) Log(format string, args ...any) {
	message := fmt.Sprintf(format, args...)
	if f.activityLog != nil {
		f.activityLog.Info(message)
	}
	f.hub.BroadcastUI("activity", map[string]any{
		"time":    time.Now(),
		"message": message,
	})
}

// NotifyNewActivity tells UI consumers a queue item appeared.
func (f *Fleet) NotifyNewActivity(item *domain.QueueItem) {
	f.hub.BroadcastUI("new-activity", map[string]any{
		"id":      item.ID,
		"type":    item.Type.String(),
		"imsi":    item.IMSI,
		"address": item.Address,
		"time":    item.Time,
	})
}

// NotifyUssd pushes a CUSD reply to UI consumers as it arrives.
func (f *Fleet) NotifyUssd(item *domain.QueueItem) {
	f.hub.BroadcastUI("ussd", map[string]any{
		"imsi":    item.IMSI,
		"address": item.Address,
		"message": item.Payload(),
	})
}

// NotifyStatusReport republishes an SMS delivery report to gateway clients.
func (f *Fleet) NotifyStatusReport(report *domain.DeliveryReport) {
	f.hub.BroadcastClients("status-report", report)
}

// Snapshot renders the fleet for UI consumers and the HTTP API.
func (f *Fleet) Snapshot() []TerminalStatus {
	terms := f.Terminals()
	out := make([]TerminalStatus, len(terms))
	for i, t := range terms {
		out[i] = TerminalStatus{
			IMSI:      t.Name(),
			Connected: t.Connected(),
			Busy:      t.Busy(),
			Options:   t.Options(),
			Info:      t.Info(),
		}
	}
	return out
}

// TerminalStatus is the externally visible state of one terminal.
type TerminalStatus struct {
	IMSI      string                 `json:"imsi"`
	Connected bool                   `json:"connected"`
	Busy      bool                   `json:"busy"`
	Options   domain.TerminalOptions `json:"options"`
	Info      domain.TerminalInfo    `json:"info"`
}
