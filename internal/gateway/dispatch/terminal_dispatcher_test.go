package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/smsterm/gateway/internal/gateway/domain"
)

type mockTerminal struct {
	mock.Mock
}

func (m *mockTerminal) Name() string { return m.Called().String(0) }
func (m *mockTerminal) Busy() bool   { return m.Called().Bool(0) }
func (m *mockTerminal) RequestState() {
	m.Called()
}
func (m *mockTerminal) Dial(ctx context.Context, item *domain.QueueItem) (*domain.Reply, error) {
	args := m.Called(ctx, item)
	reply, _ := args.Get(0).(*domain.Reply)
	return reply, args.Error(1)
}
func (m *mockTerminal) SendMessage(ctx context.Context, item *domain.QueueItem) (*domain.Reply, error) {
	args := m.Called(ctx, item)
	reply, _ := args.Get(0).(*domain.Reply)
	return reply, args.Error(1)
}
func (m *mockTerminal) Ussd(ctx context.Context, item *domain.QueueItem) (*domain.Reply, error) {
	args := m.Called(ctx, item)
	reply, _ := args.Get(0).(*domain.Reply)
	return reply, args.Error(1)
}
func (m *mockTerminal) QueryStatus(ctx context.Context, hash string) (*domain.Reply, error) {
	args := m.Called(ctx, hash)
	reply, _ := args.Get(0).(*domain.Reply)
	return reply, args.Error(1)
}

type mockQueueRepo struct {
	mock.Mock
}

func (m *mockQueueRepo) Save(ctx context.Context, imsi string, item *domain.QueueItem) (*domain.QueueItem, error) {
	args := m.Called(ctx, imsi, item)
	stored, _ := args.Get(0).(*domain.QueueItem)
	return stored, args.Error(1)
}
func (m *mockQueueRepo) FetchTerminalQueue(ctx context.Context, imsi string, maxRetry int) ([]*domain.QueueItem, error) {
	args := m.Called(ctx, imsi, maxRetry)
	items, _ := args.Get(0).([]*domain.QueueItem)
	return items, args.Error(1)
}
func (m *mockQueueRepo) FetchActivityQueue(ctx context.Context) ([]*domain.QueueItem, error) {
	args := m.Called(ctx)
	items, _ := args.Get(0).([]*domain.QueueItem)
	return items, args.Error(1)
}
func (m *mockQueueRepo) UpdateProcessed(ctx context.Context, id int64, status, retry sql.NullInt32) error {
	return m.Called(ctx, id, status, retry).Error(0)
}
func (m *mockQueueRepo) UpdateStatus(ctx context.Context, id int64, status int) error {
	return m.Called(ctx, id, status).Error(0)
}
func (m *mockQueueRepo) ResetRetry(ctx context.Context, id int64) error {
	return m.Called(ctx, id).Error(0)
}
func (m *mockQueueRepo) CountByHash(ctx context.Context, hash string, t domain.ActivityType) (int, error) {
	args := m.Called(ctx, hash, t)
	return args.Int(0), args.Error(1)
}
func (m *mockQueueRepo) FindByHash(ctx context.Context, hash string, t domain.ActivityType) (*domain.QueueItem, error) {
	args := m.Called(ctx, hash, t)
	item, _ := args.Get(0).(*domain.QueueItem)
	return item, args.Error(1)
}
func (m *mockQueueRepo) CountRecents(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}
func (m *mockQueueRepo) Recents(ctx context.Context, offset, limit int) ([]*domain.QueueItem, error) {
	args := m.Called(ctx, offset, limit)
	items, _ := args.Get(0).([]*domain.QueueItem)
	return items, args.Error(1)
}

type mockLogRepo struct {
	mock.Mock
}

func (m *mockLogRepo) Save(ctx context.Context, imsi string, item *domain.QueueItem) error {
	return m.Called(ctx, imsi, item).Error(0)
}
func (m *mockLogRepo) UpdateReport(ctx context.Context, imsi string, report *domain.DeliveryReport) error {
	return m.Called(ctx, imsi, report).Error(0)
}
func (m *mockLogRepo) Find(ctx context.Context, hash string, t domain.ActivityType) (*domain.LogEntry, error) {
	args := m.Called(ctx, hash, t)
	entry, _ := args.Get(0).(*domain.LogEntry)
	return entry, args.Error(1)
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func newTestDispatcher(term *mockTerminal, qr *mockQueueRepo, lr *mockLogRepo) *TerminalDispatcher {
	return NewTerminalDispatcher(context.Background(), term, qr, lr, 3, time.Minute, testLogger())
}

func TestTerminalDispatcherProcessesCall(t *testing.T) {
	term := &mockTerminal{}
	qr := &mockQueueRepo{}
	lr := &mockLogRepo{}
	item := &domain.QueueItem{ID: 1, IMSI: "4101", Hash: "h1", Type: domain.ActivityCall, Address: "0912000000"}

	term.On("Name").Return("4101")
	term.On("RequestState").Return()
	term.On("Busy").Return(false)
	qr.On("FetchTerminalQueue", mock.Anything, "4101", 3).Return([]*domain.QueueItem{item}, nil)
	term.On("Dial", mock.Anything, item).Return(&domain.Reply{Success: true}, nil)
	qr.On("UpdateProcessed", mock.Anything, int64(1),
		sql.NullInt32{Int32: 1, Valid: true}, sql.NullInt32{}).Return(nil)

	var mu sync.Mutex
	logged := false
	lr.On("Save", mock.Anything, "4101", item).Run(func(args mock.Arguments) {
		mu.Lock()
		logged = true
		mu.Unlock()
	}).Return(nil)

	d := newTestDispatcher(term, qr, lr)
	d.Reload()
	d.OnIdle() // kicks the asynchronous fetch; the snapshot is still empty
	waitFor(t, func() bool { return d.Engine().Pending() == 1 })
	d.OnIdle()
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return logged
	})

	term.AssertExpectations(t)
	qr.AssertExpectations(t)
	lr.AssertExpectations(t)
	assert.True(t, item.Processed)
	assert.Equal(t, domain.StatusSuccess, item.Status)
	// the in-flight guard must be released
	waitFor(t, func() bool { return !d.Engine().InQueue(1) })
}

func TestTerminalDispatcherRecheckSkipsDeliveredRetry(t *testing.T) {
	term := &mockTerminal{}
	qr := &mockQueueRepo{}
	lr := &mockLogRepo{}
	item := &domain.QueueItem{
		ID: 2, IMSI: "4101", Hash: "h2", Type: domain.ActivitySMS,
		Retry: sql.NullInt32{Int32: 1, Valid: true},
	}

	term.On("Name").Return("4101")
	term.On("RequestState").Return()
	term.On("Busy").Return(false)
	qr.On("FetchTerminalQueue", mock.Anything, "4101", 3).Return([]*domain.QueueItem{item}, nil)
	term.On("QueryStatus", mock.Anything, "h2").
		Return(&domain.Reply{Success: true, Hash: "h2", Status: 1}, nil)

	var mu sync.Mutex
	updated := false
	qr.On("UpdateStatus", mock.Anything, int64(2), domain.StatusSuccess).Run(func(args mock.Arguments) {
		mu.Lock()
		updated = true
		mu.Unlock()
	}).Return(nil)

	d := newTestDispatcher(term, qr, lr)
	d.Reload()
	d.OnIdle() // kicks the asynchronous fetch; the snapshot is still empty
	waitFor(t, func() bool { return d.Engine().Pending() == 1 })
	d.OnIdle()
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return updated
	})
	waitFor(t, func() bool { return !d.Engine().InQueue(2) })

	term.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything)
	qr.AssertNotCalled(t, "UpdateProcessed", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestTerminalDispatcherFailedSendIncrementsRetry(t *testing.T) {
	term := &mockTerminal{}
	qr := &mockQueueRepo{}
	lr := &mockLogRepo{}
	item := &domain.QueueItem{ID: 3, IMSI: "4101", Hash: "h3", Type: domain.ActivitySMS}

	term.On("Name").Return("4101")
	term.On("RequestState").Return()
	term.On("Busy").Return(false)
	qr.On("FetchTerminalQueue", mock.Anything, "4101", 3).Return([]*domain.QueueItem{item}, nil)
	term.On("SendMessage", mock.Anything, item).Return(nil, errors.New("command timed out"))
	qr.On("UpdateProcessed", mock.Anything, int64(3),
		sql.NullInt32{}, sql.NullInt32{Int32: 1, Valid: true}).Return(nil)

	var mu sync.Mutex
	logged := false
	lr.On("Save", mock.Anything, "4101", item).Run(func(args mock.Arguments) {
		mu.Lock()
		logged = true
		mu.Unlock()
	}).Return(nil)

	d := newTestDispatcher(term, qr, lr)
	d.Reload()
	d.OnIdle() // kicks the asynchronous fetch; the snapshot is still empty
	waitFor(t, func() bool { return d.Engine().Pending() == 1 })
	d.OnIdle()
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return logged
	})

	qr.AssertExpectations(t)
	require.True(t, item.Retry.Valid)
	assert.Equal(t, int32(1), item.Retry.Int32)
	// status stays untouched on a command failure
	assert.Equal(t, domain.StatusFail, item.Status)
}

func TestTerminalDispatcherOverlappingIdleRunsOneItem(t *testing.T) {
	term := &mockTerminal{}
	qr := &mockQueueRepo{}
	lr := &mockLogRepo{}
	first := &domain.QueueItem{ID: 11, IMSI: "4101", Hash: "h11", Type: domain.ActivityCall}
	second := &domain.QueueItem{ID: 12, IMSI: "4101", Hash: "h12", Type: domain.ActivityCall}

	term.On("Name").Return("4101")
	term.On("RequestState").Return()
	// the terminal's own busy flag has not flipped yet when the second
	// idle signal arrives
	term.On("Busy").Return(false)
	qr.On("FetchTerminalQueue", mock.Anything, "4101", 3).
		Return([]*domain.QueueItem{first, second}, nil)

	started := make(chan int64, 2)
	release := make(chan struct{})
	term.On("Dial", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		started <- args.Get(1).(*domain.QueueItem).ID
		<-release
	}).Return(&domain.Reply{Success: true}, nil)
	qr.On("UpdateProcessed", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	lr.On("Save", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	d := newTestDispatcher(term, qr, lr)
	d.Reload()
	d.OnIdle() // kicks the asynchronous fetch; the snapshot is still empty
	waitFor(t, func() bool { return d.Engine().Pending() == 2 })

	d.OnIdle()
	d.OnIdle() // arrives while the first command is still outstanding

	select {
	case id := <-started:
		assert.Equal(t, first.ID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("no item started processing")
	}
	select {
	case id := <-started:
		t.Fatalf("item %d started while the first command is outstanding", id)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 1, d.Engine().Pending(), "the second item stays queued")

	close(release)
	waitFor(t, func() bool { return !d.Engine().InQueue(first.ID) })
}

func TestTerminalDispatcherSkipsWhenBusy(t *testing.T) {
	term := &mockTerminal{}
	qr := &mockQueueRepo{}
	lr := &mockLogRepo{}

	term.On("Name").Return("4101")
	term.On("RequestState").Return()
	term.On("Busy").Return(true)
	qr.On("FetchTerminalQueue", mock.Anything, "4101", 3).
		Return([]*domain.QueueItem{{ID: 4, Type: domain.ActivityCall}}, nil)

	d := newTestDispatcher(term, qr, lr)
	d.Reload()
	d.OnIdle() // kicks the asynchronous fetch; the snapshot is still empty
	waitFor(t, func() bool { return d.Engine().Pending() == 1 })
	d.OnIdle()

	// the head item stays in the snapshot for the next idle signal
	assert.Equal(t, 1, d.Engine().Pending())
	term.AssertNotCalled(t, "Dial", mock.Anything, mock.Anything)
}
