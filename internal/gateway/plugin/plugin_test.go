package plugin

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smsterm/gateway/internal/gateway/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingPlugin struct {
	name    string
	group   string
	veto    bool
	handled []string
}

func (p *recordingPlugin) Name() string  { return p.name }
func (p *recordingPlugin) Group() string { return p.group }
func (p *recordingPlugin) Handle(item *domain.QueueItem) {
	p.handled = append(p.handled, item.Hash)
	if p.veto {
		item.Veto = true
	}
}

type failingInit struct{}

func (p *failingInit) Name() string                  { return "broken" }
func (p *failingInit) Handle(item *domain.QueueItem) {}
func (p *failingInit) Initialize(ctx context.Context) error {
	return os.ErrNotExist
}

func TestRegistryDispatchOrderAndGroups(t *testing.T) {
	r := NewRegistry(testLogger())
	first := &recordingPlugin{name: "first"}
	office := &recordingPlugin{name: "office-only", group: "office"}
	require.NoError(t, r.Register(context.Background(), first))
	require.NoError(t, r.Register(context.Background(), office))
	assert.Equal(t, 2, r.Count())

	r.Dispatch(&domain.QueueItem{Hash: "a", Type: domain.ActivityInbox}, "")
	r.Dispatch(&domain.QueueItem{Hash: "b", Type: domain.ActivityInbox}, "office")

	assert.Equal(t, []string{"a", "b"}, first.handled)
	assert.Equal(t, []string{"b"}, office.handled, "group-filtered plugin only sees its group")
}

func TestRegistryVetoDoesNotStopIteration(t *testing.T) {
	r := NewRegistry(testLogger())
	vetoer := &recordingPlugin{name: "vetoer", veto: true}
	after := &recordingPlugin{name: "after"}
	require.NoError(t, r.Register(context.Background(), vetoer))
	require.NoError(t, r.Register(context.Background(), after))

	item := &domain.QueueItem{Hash: "v", Type: domain.ActivityInbox}
	r.Dispatch(item, "")

	assert.True(t, item.Veto)
	assert.Equal(t, []string{"v"}, after.handled, "a veto never stops propagation")
}

func TestRegistryRejectsFailedInitialize(t *testing.T) {
	r := NewRegistry(testLogger())
	err := r.Register(context.Background(), &failingInit{})
	assert.Error(t, err)
	assert.Equal(t, 0, r.Count())
}

type fakeGateway struct {
	mu       sync.Mutex
	codes    map[string]string
	ussd     []string
	notified []string
}

func (g *fakeGateway) WorkerNetworkCode(imsi string) string {
	return g.codes[imsi]
}
func (g *fakeGateway) WorkerNames() []string {
	names := make([]string, 0, len(g.codes))
	for name := range g.codes {
		names = append(names, name)
	}
	return names
}
func (g *fakeGateway) QueueUssd(ctx context.Context, imsi, service string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ussd = append(g.ussd, imsi+":"+service)
	return nil
}
func (g *fakeGateway) NotifyUI(event string, payload any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.notified = append(g.notified, event)
}

func newTestPrepaid(t *testing.T, gw Gateway) *Prepaid {
	t.Helper()
	dir := t.TempDir()
	conf := filepath.Join(dir, "prepaid.json")
	require.NoError(t, os.WriteFile(conf, []byte(`{
		"51010": {
			"ussd": "*888#",
			"response": "Sisa pulsa Rp(\\d+) berlaku sampai ([0-9/]+)"
		}
	}`), 0o644))
	p := NewPrepaid(gw, conf, filepath.Join(dir, "prepaid-data.json"), testLogger())
	require.NoError(t, p.Initialize(context.Background()))
	return p
}

func TestPrepaidParsesBalanceReply(t *testing.T) {
	gw := &fakeGateway{codes: map[string]string{"4101": "51010"}}
	p := newTestPrepaid(t, gw)

	p.Handle(&domain.QueueItem{
		IMSI:    "4101",
		Type:    domain.ActivityCUSD,
		Address: "*888#",
		Data:    sql.NullString{String: "Sisa pulsa Rp52000 berlaku sampai 12/10/2026", Valid: true},
	})

	p.mu.Lock()
	info, ok := p.data["4101"]
	p.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, "52000", info.Balance)
	assert.Equal(t, "12/10/2026", info.Active)
	assert.Equal(t, []string{"prepaid"}, gw.notified)

	// parsed balances survive a restart through the data file
	p2 := NewPrepaid(gw, p.confFile, p.dataFile, testLogger())
	require.NoError(t, p2.Initialize(context.Background()))
	p2.mu.Lock()
	_, ok = p2.data["4101"]
	p2.mu.Unlock()
	assert.True(t, ok)
}

func TestPrepaidIgnoresUnrelatedActivity(t *testing.T) {
	gw := &fakeGateway{codes: map[string]string{"4101": "51010"}}
	p := newTestPrepaid(t, gw)

	// wrong service address
	p.Handle(&domain.QueueItem{IMSI: "4101", Type: domain.ActivityCUSD, Address: "*123#"})
	// wrong type
	p.Handle(&domain.QueueItem{IMSI: "4101", Type: domain.ActivityInbox, Address: "*888#"})
	// unknown terminal
	p.Handle(&domain.QueueItem{IMSI: "9999", Type: domain.ActivityCUSD, Address: "*888#"})

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Empty(t, p.data)
	assert.Empty(t, gw.notified)
}
