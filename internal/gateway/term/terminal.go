// Package term implements the terminal fleet: worker sessions, the pools
// owning them behind one transport endpoint, and the fleet that indexes
// terminals and routes activities to them.
package term

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"sync"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/smsterm/gateway/internal/gateway/domain"
	"github.com/smsterm/gateway/internal/gateway/repository"
	"github.com/smsterm/gateway/internal/platform/transport"
)

// DefaultCommandTimeout bounds one command round-trip.
const DefaultCommandTimeout = 12 * time.Second

// CommandPayload is the wire form of an outbound command.
type CommandPayload struct {
	Hash    string `json:"hash,omitempty"`
	Address string `json:"address,omitempty"`
	Data    string `json:"data,omitempty"`
}

type statePayload struct {
	Idle bool `json:"idle"`
}

// Terminal is one worker session: a logical connection to a single remote
// terminal. It owns the connection state, option synchronization and the
// correlated request/reply protocol.
type Terminal struct {
	name       string
	conn       transport.Channel
	queueRepo  repository.QueueRepository
	logger     *slog.Logger
	timeout    time.Duration
	configFile string

	mu        sync.Mutex
	connected bool
	busy      bool
	synced    bool
	options   domain.TerminalOptions
	info      domain.TerminalInfo
	down      chan struct{}
	idleFns   []func()
	readyFns  []func()
	reloadFn  func()

	// serializes command round-trips per terminal: at most one
	// outstanding command, so same-name replies cannot compete
	cmdMu sync.Mutex
}

// TerminalConfig carries construction parameters.
type TerminalConfig struct {
	// ConfigFile persists the terminal's options as JSON; optional.
	ConfigFile string
	Timeout    time.Duration
}

// NewTerminal wires a terminal session onto its channel. The session
// starts synchronizing options and fetching network info as soon as the
// channel reports connected.
func NewTerminal(name string, conn transport.Channel, queueRepo repository.QueueRepository, cfg TerminalConfig, logger *slog.Logger) *Terminal {
	t := &Terminal{
		name:       name,
		conn:       conn,
		queueRepo:  queueRepo,
		logger:     logger.With("imsi", name),
		timeout:    cfg.Timeout,
		configFile: cfg.ConfigFile,
		options:    domain.DefaultTerminalOptions(),
		down:       make(chan struct{}),
	}
	if t.timeout <= 0 {
		t.timeout = DefaultCommandTimeout
	}
	t.loadOptions()

	conn.OnConnect(func() {
		t.mu.Lock()
		t.connected = true
		t.down = make(chan struct{})
		t.mu.Unlock()
		t.syncOptions(false)
		go func() {
			if err := t.refreshInfo(context.Background()); err != nil {
				t.logger.Warn("Failed to fetch terminal info", "error", err)
			}
			for _, fn := range t.callbacks(&t.readyFns) {
				fn()
			}
		}()
	})
	conn.OnDisconnect(func() {
		t.mu.Lock()
		if t.connected {
			t.connected = false
			t.busy = false
			t.synced = false
			close(t.down)
		}
		t.mu.Unlock()
	})
	conn.On("state", func(data []byte) {
		var state statePayload
		if err := transport.Decode(data, &state); err != nil {
			return
		}
		if state.Idle {
			for _, fn := range t.callbacks(&t.idleFns) {
				fn()
			}
		}
	})
	return t
}

func (t *Terminal) callbacks(list *[]func()) []func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]func(), len(*list))
	copy(out, *list)
	return out
}

// Name returns the terminal identity (IMSI).
func (t *Terminal) Name() string { return t.name }

// Connected reports whether the session channel is up.
func (t *Terminal) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Busy reports whether a command round-trip is outstanding.
func (t *Terminal) Busy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.busy
}

// Options returns the terminal's policy record.
func (t *Terminal) Options() domain.TerminalOptions {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.options
}

// Info returns the last reported network metadata.
func (t *Terminal) Info() domain.TerminalInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.info
}

// OnIdle registers a callback for the terminal's idle signal.
func (t *Terminal) OnIdle(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.idleFns = append(t.idleFns, fn)
}

// OnReady registers a callback fired once per connection after option sync
// and info retrieval.
func (t *Terminal) OnReady(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readyFns = append(t.readyFns, fn)
}

// SetReloadFunc wires the terminal to its outbound dispatcher's reload.
func (t *Terminal) SetReloadFunc(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reloadFn = fn
}

// ReloadQueue asks the terminal's dispatcher to refresh its snapshot.
func (t *Terminal) ReloadQueue() {
	t.mu.Lock()
	fn := t.reloadFn
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// RequestState asks the remote to report its state; the reply arrives as an
// unsolicited state event.
func (t *Terminal) RequestState() {
	if err := t.conn.Emit("state", nil); err != nil {
		t.logger.Debug("State request failed", "error", err)
	}
}

func (t *Terminal) setBusy(v bool) {
	t.mu.Lock()
	t.busy = v
	t.mu.Unlock()
}

// query performs one correlated command round-trip: register a one-shot
// reply handler on the command's event name, emit the command, then wait
// for the reply, the timeout, a disconnect, or context cancellation.
func (t *Terminal) query(ctx context.Context, cmd string, payload, out any) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return domain.ErrNotConnected
	}
	down := t.down
	t.mu.Unlock()

	t.cmdMu.Lock()
	defer t.cmdMu.Unlock()
	t.setBusy(true)
	defer t.setBusy(false)

	replyc := make(chan []byte, 1)
	t.conn.Once(cmd, func(data []byte) {
		select {
		case replyc <- data:
		default:
		}
	})
	if err := t.conn.Emit(cmd, payload); err != nil {
		return fmt.Errorf("emit %s: %w", cmd, err)
	}

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()
	select {
	case data := <-replyc:
		if out != nil {
			if err := transport.Decode(data, out); err != nil {
				return fmt.Errorf("decode %s reply: %w", cmd, err)
			}
		}
		return nil
	case <-timer.C:
		return domain.ErrTimeout
	case <-down:
		return domain.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Query runs a command whose reply is the standard Reply record.
func (t *Terminal) Query(ctx context.Context, cmd string, payload any) (*domain.Reply, error) {
	reply := &domain.Reply{}
	if err := t.query(ctx, cmd, payload, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// Dial places an outbound call.
func (t *Terminal) Dial(ctx context.Context, item *domain.QueueItem) (*domain.Reply, error) {
	return t.Query(ctx, "dial", commandPayload(item))
}

// SendMessage sends an outbound message.
func (t *Terminal) SendMessage(ctx context.Context, item *domain.QueueItem) (*domain.Reply, error) {
	return t.Query(ctx, "message", commandPayload(item))
}

// Ussd issues a USSD query.
func (t *Terminal) Ussd(ctx context.Context, item *domain.QueueItem) (*domain.Reply, error) {
	return t.Query(ctx, "ussd", commandPayload(item))
}

// QueryStatus asks the terminal whether a message hash has already been
// delivered.
func (t *Terminal) QueryStatus(ctx context.Context, hash string) (*domain.Reply, error) {
	return t.Query(ctx, "status", CommandPayload{Hash: hash})
}

func commandPayload(item *domain.QueueItem) CommandPayload {
	return CommandPayload{Hash: item.Hash, Address: item.Address, Data: item.Payload()}
}

func (t *Terminal) refreshInfo(ctx context.Context) error {
	var info domain.TerminalInfo
	if err := t.query(ctx, "info", nil, &info); err != nil {
		return err
	}
	t.mu.Lock()
	t.info = info
	t.mu.Unlock()
	return nil
}

// loadOptions reads the persisted option file when present.
func (t *Terminal) loadOptions() {
	if t.configFile == "" {
		return
	}
	raw, err := os.ReadFile(t.configFile)
	if err != nil {
		return
	}
	var opts map[string]any
	if err := json.Unmarshal(raw, &opts); err != nil {
		t.logger.Warn("Ignoring malformed terminal config", "file", t.configFile, "error", err)
		return
	}
	t.mergeOptions(opts, false)
}

// ApplyOptions merges a partial option record; when anything changed the
// result is pushed to the remote and persisted.
func (t *Terminal) ApplyOptions(partial map[string]any) {
	t.mergeOptions(partial, true)
}

func (t *Terminal) mergeOptions(partial map[string]any, sync bool) {
	t.mu.Lock()
	current := optionsToMap(t.options)
	changed := false
	for k, v := range partial {
		if _, known := current[k]; !known {
			continue
		}
		if !reflect.DeepEqual(current[k], normalizeJSON(v)) {
			current[k] = normalizeJSON(v)
			changed = true
		}
	}
	if changed {
		t.options = optionsFromMap(current)
	}
	t.mu.Unlock()
	if changed && sync {
		t.syncOptions(true)
		t.persistOptions()
	}
}

func (t *Terminal) persistOptions() {
	if t.configFile == "" {
		return
	}
	t.mu.Lock()
	raw, err := json.MarshalIndent(t.options, "", "    ")
	t.mu.Unlock()
	if err == nil {
		err = os.WriteFile(t.configFile, raw, 0o644)
	}
	if err != nil {
		t.logger.Error("Failed to persist terminal options", "file", t.configFile, "error", err)
	}
}

// syncOptions pushes local options to the remote: ask for the remote's
// option record, diff it against ours, and set only what differs.
func (t *Terminal) syncOptions(force bool) {
	t.mu.Lock()
	if t.synced && !force {
		t.mu.Unlock()
		return
	}
	t.synced = true
	local := optionsToMap(t.options)
	t.mu.Unlock()

	t.conn.Once("getopt", func(data []byte) {
		var remote map[string]any
		if err := transport.Decode(data, &remote); err != nil {
			t.logger.Warn("Malformed getopt reply", "error", err)
			return
		}
		setopts := map[string]any{}
		for k, rv := range remote {
			if lv, ok := local[k]; ok && !reflect.DeepEqual(normalizeJSON(rv), lv) {
				setopts[k] = lv
			}
		}
		if len(setopts) > 0 {
			if err := t.conn.Emit("setopt", setopts); err != nil {
				t.logger.Warn("Failed to push options", "error", err)
			}
		}
	})
	if err := t.conn.Emit("getopt", nil); err != nil {
		t.logger.Warn("Failed to request options", "error", err)
	}
}

// FixData completes an activity record before enqueueing: owner, time, and
// a hash obtained from the terminal or derived locally as a fallback.
func (t *Terminal) FixData(ctx context.Context, item *domain.QueueItem) {
	if item.IMSI == "" {
		item.IMSI = t.name
	}
	if item.Time.IsZero() {
		item.Time = time.Now()
	}
	if item.Hash == "" {
		reply, err := t.Query(ctx, "hash", commandPayload(item))
		if err == nil && reply.Hash != "" {
			item.Hash = reply.Hash
			return
		}
		item.Hash = LocalHash(item)
	}
}

// LocalHash derives a stable dedup key from the item's identity fields.
func LocalHash(item *domain.QueueItem) string {
	sum := sha3.Sum256([]byte(fmt.Sprintf("%s|%d|%s|%s|%d",
		item.IMSI, item.Type, item.Address, item.Payload(), item.Time.UnixNano())))
	return hex.EncodeToString(sum[:])[:40]
}

// AddQueue enqueues outbound work for this terminal. The stored item is
// returned, or nil when the (imsi, hash) pair already existed.
func (t *Terminal) AddQueue(ctx context.Context, item *domain.QueueItem) (*domain.QueueItem, error) {
	t.FixData(ctx, item)
	stored, err := t.queueRepo.Save(ctx, t.name, item)
	if err != nil {
		return nil, err
	}
	if stored != nil {
		t.ReloadQueue()
	}
	return stored, nil
}

// AddCallQueue enqueues an outbound call.
func (t *Terminal) AddCallQueue(ctx context.Context, phoneNumber string) (*domain.QueueItem, error) {
	return t.AddQueue(ctx, &domain.QueueItem{
		IMSI:    t.name,
		Type:    domain.ActivityCall,
		Address: phoneNumber,
	})
}

// AddMessageQueue enqueues an outbound message.
func (t *Terminal) AddMessageQueue(ctx context.Context, phoneNumber, message string) (*domain.QueueItem, error) {
	return t.AddQueue(ctx, &domain.QueueItem{
		IMSI:    t.name,
		Type:    domain.ActivitySMS,
		Address: phoneNumber,
		Data:    nullString(message),
	})
}

// AddUssdQueue enqueues a USSD query.
func (t *Terminal) AddUssdQueue(ctx context.Context, service string) (*domain.QueueItem, error) {
	return t.AddQueue(ctx, &domain.QueueItem{
		IMSI:    t.name,
		Type:    domain.ActivityUSSD,
		Address: service,
	})
}

// Close tears the session down.
func (t *Terminal) Close() {
	_ = t.conn.Close()
}

func optionsToMap(opts domain.TerminalOptions) map[string]any {
	raw, _ := json.Marshal(opts)
	var m map[string]any
	_ = json.Unmarshal(raw, &m)
	if m == nil {
		m = map[string]any{}
	}
	if _, ok := m["group"]; !ok {
		m["group"] = ""
	}
	return m
}

func optionsFromMap(m map[string]any) domain.TerminalOptions {
	raw, _ := json.Marshal(m)
	opts := domain.DefaultTerminalOptions()
	_ = json.Unmarshal(raw, &opts)
	return opts
}

// normalizeJSON round-trips a value through JSON so comparisons see the
// same scalar types an unmarshaled map holds.
func normalizeJSON(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	_ = json.Unmarshal(raw, &out)
	return out
}

func nullString(s string) (ns sql.NullString) {
	if s != "" {
		ns.String = s
		ns.Valid = true
	}
	return
}
