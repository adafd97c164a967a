package term

import (
	"context"
	"database/sql"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/smsterm/gateway/internal/gateway/dispatch"
	"github.com/smsterm/gateway/internal/gateway/domain"
	"github.com/smsterm/gateway/internal/gateway/repository"
	"github.com/smsterm/gateway/internal/platform/transport"
)

// Pool states, in handshake order.
const (
	PoolStateDown  = "down"
	PoolStateAuth  = "auth"
	PoolStateInit  = "init"
	PoolStateReady = "ready"
)

type authReply struct {
	Success bool `json:"success"`
}

type readyEvent struct {
	Terminals []string `json:"terminals"`
}

type inboundEvent struct {
	IMSI    string `json:"imsi"`
	Address string `json:"address"`
	Data    string `json:"data,omitempty"`
	Hash    string `json:"hash,omitempty"`
}

// PoolDeps carries the shared collaborators every pool wires its terminals
// to.
type PoolDeps struct {
	QueueRepo      repository.QueueRepository
	LogRepo        repository.LogRepository
	Activity       *dispatch.ActivityDispatcher
	Fleet          *Fleet
	ConfigDir      string
	CommandTimeout time.Duration
	ReloadInterval time.Duration
	MaxRetry       int
	Logger         *slog.Logger
}

// Pool owns one transport endpoint: its control handshake and the terminal
// sessions announced over it. Handshake: emit auth with the shared key, on
// success emit init, and on the ready event build a session per announced
// terminal and ask the endpoint to replay pending inbound activity.
type Pool struct {
	name   string
	key    string
	dialer transport.Dialer
	ctrl   transport.Channel
	deps   PoolDeps
	logger *slog.Logger
	ctx    context.Context

	mu          sync.Mutex
	state       string
	terminals   map[string]*Terminal
	dispatchers map[string]*dispatch.TerminalDispatcher
}

// NewPool dials the endpoint's control namespace and starts the handshake.
func NewPool(ctx context.Context, name, key string, dialer transport.Dialer, deps PoolDeps) (*Pool, error) {
	p := &Pool{
		name:        name,
		key:         key,
		dialer:      dialer,
		deps:        deps,
		logger:      deps.Logger.With("pool", name),
		ctx:         ctx,
		state:       PoolStateDown,
		terminals:   map[string]*Terminal{},
		dispatchers: map[string]*dispatch.TerminalDispatcher{},
	}
	ctrl, err := dialer.Dial("ctrl")
	if err != nil {
		return nil, err
	}
	p.ctrl = ctrl
	deps.Fleet.register(p)

	ctrl.OnConnect(func() {
		p.setState(PoolStateAuth)
		if err := ctrl.Emit("auth", map[string]string{"key": p.key}); err != nil {
			p.logger.ErrorContext(p.ctx, "Failed to send auth", "error", err)
		}
	})
	ctrl.OnDisconnect(func() {
		p.logger.WarnContext(p.ctx, "Pool endpoint disconnected")
		p.reset()
	})
	ctrl.On("auth", p.onAuth)
	ctrl.On("ready", p.onReady)
	ctrl.On("message", p.onInbound(domain.ActivityInbox, "message"))
	ctrl.On("ring", p.onInbound(domain.ActivityRing, "ring"))
	ctrl.On("ussd", p.onInbound(domain.ActivityCUSD, "ussd"))
	ctrl.On("status-report", p.onStatusReport)
	return p, nil
}

// Name returns the pool identity.
func (p *Pool) Name() string { return p.name }

// State reports the handshake phase.
func (p *Pool) State() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pool) setState(s string) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Terminals snapshots the pool's sessions.
func (p *Pool) Terminals() []*Terminal {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Terminal, 0, len(p.terminals))
	for _, t := range p.terminals {
		out = append(out, t)
	}
	return out
}

func (p *Pool) onAuth(data []byte) {
	var reply authReply
	if err := transport.Decode(data, &reply); err != nil || !reply.Success {
		p.logger.ErrorContext(p.ctx, "Pool authentication rejected")
		return
	}
	p.setState(PoolStateInit)
	if err := p.ctrl.Emit("init", nil); err != nil {
		p.logger.ErrorContext(p.ctx, "Failed to send init", "error", err)
	}
}

func (p *Pool) onReady(data []byte) {
	var ev readyEvent
	if err := transport.Decode(data, &ev); err != nil {
		p.logger.ErrorContext(p.ctx, "Malformed ready event", "error", err)
		return
	}
	p.logger.InfoContext(p.ctx, "Pool ready", "terminals", len(ev.Terminals))
	p.build(ev.Terminals)
	p.setState(PoolStateReady)
	if err := p.ctrl.Emit("check-pending", nil); err != nil {
		p.logger.ErrorContext(p.ctx, "Failed to request pending replay", "error", err)
	}
}

// build creates a session and an outbound dispatcher per announced
// terminal. Every ready announcement replaces the session set wholesale:
// existing sessions are torn down first, and only persisted option files
// survive the rebuild.
func (p *Pool) build(imsis []string) {
	p.teardown()
	for _, imsi := range imsis {
		conn, err := p.dialer.Dial(imsi)
		if err != nil {
			p.logger.ErrorContext(p.ctx, "Failed to dial terminal", "imsi", imsi, "error", err)
			continue
		}
		cfg := TerminalConfig{Timeout: p.deps.CommandTimeout}
		if p.deps.ConfigDir != "" {
			cfg.ConfigFile = filepath.Join(p.deps.ConfigDir, imsi+".json")
		}
		t := NewTerminal(imsi, conn, p.deps.QueueRepo, cfg, p.logger)
		d := dispatch.NewTerminalDispatcher(p.ctx, t, p.deps.QueueRepo, p.deps.LogRepo,
			p.deps.MaxRetry, p.deps.ReloadInterval, p.logger)
		t.SetReloadFunc(d.Reload)
		t.OnIdle(d.OnIdle)
		t.OnReady(func() {
			p.deps.Fleet.Changed()
		})

		p.mu.Lock()
		p.terminals[imsi] = t
		p.dispatchers[imsi] = d
		p.mu.Unlock()
	}
	p.deps.Fleet.Changed()
}

// teardown closes every session; the caller refreshes the fleet snapshot
// once the replacement set is in place.
func (p *Pool) teardown() {
	p.mu.Lock()
	terminals := p.terminals
	p.terminals = map[string]*Terminal{}
	p.dispatchers = map[string]*dispatch.TerminalDispatcher{}
	p.mu.Unlock()
	for _, t := range terminals {
		t.Close()
	}
}

// reset tears all sessions down after a control disconnect; the endpoint
// re-announces its terminals on the next ready.
func (p *Pool) reset() {
	p.teardown()
	p.setState(PoolStateDown)
	p.deps.Fleet.Changed()
}

// onInbound persists a terminal-reported activity and kicks fan-out.
func (p *Pool) onInbound(activityType domain.ActivityType, event string) transport.Handler {
	return func(data []byte) {
		var ev inboundEvent
		if err := transport.Decode(data, &ev); err != nil {
			p.logger.ErrorContext(p.ctx, "Malformed inbound event", "event", event, "error", err)
			return
		}
		t := p.terminal(ev.IMSI)
		if t == nil && ev.Hash == "" {
			// no session and no dedup key; nothing safe to persist
			p.logger.WarnContext(p.ctx, "Dropping unhashed event for unknown terminal", "event", event, "imsi", ev.IMSI)
			return
		}
		item := &domain.QueueItem{
			IMSI:    ev.IMSI,
			Type:    activityType,
			Address: ev.Address,
			Hash:    ev.Hash,
			Time:    time.Now(),
		}
		if ev.Data != "" {
			item.Data = sql.NullString{String: ev.Data, Valid: true}
		}
		if t != nil {
			t.FixData(p.ctx, item)
		}
		stored, err := p.deps.QueueRepo.Save(p.ctx, ev.IMSI, item)
		if err != nil {
			p.logger.ErrorContext(p.ctx, "Failed to enqueue inbound activity", "event", event, "imsi", ev.IMSI, "error", err)
			return
		}
		if stored == nil {
			p.logger.DebugContext(p.ctx, "Duplicate inbound activity ignored", "event", event, "hash", item.Hash)
			return
		}
		p.deps.Fleet.NotifyNewActivity(stored)
		if activityType == domain.ActivityCUSD {
			p.deps.Fleet.NotifyUssd(stored)
		}
		p.deps.Activity.Reload()
		p.deps.Activity.Check()
	}
}

// onStatusReport applies an SMS delivery report and republishes it to
// gateway consumers.
func (p *Pool) onStatusReport(data []byte) {
	var report domain.DeliveryReport
	if err := transport.Decode(data, &report); err != nil {
		p.logger.ErrorContext(p.ctx, "Malformed status report", "error", err)
		return
	}
	if err := p.deps.LogRepo.UpdateReport(p.ctx, report.IMSI, &report); err != nil {
		p.logger.ErrorContext(p.ctx, "Failed to store delivery report", "imsi", report.IMSI, "hash", report.Hash, "error", err)
	}
	p.deps.Fleet.Log("--> Report %s %s code=%d", report.IMSI, report.Address, report.Code)
	p.deps.Fleet.NotifyStatusReport(&report)
}

func (p *Pool) terminal(imsi string) *Terminal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminals[imsi]
}

// Close tears the pool down.
func (p *Pool) Close() {
	p.reset()
	_ = p.ctrl.Close()
}
