package term

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/smsterm/gateway/internal/gateway/domain"
	"github.com/smsterm/gateway/internal/gateway/notify"
)

func newFleetFixture(t *testing.T, imsis []string) *poolFixture {
	t.Helper()
	fx := newPoolFixture(t)
	fx.scriptControl(t, imsis)
	waitFor(t, func() bool { return fx.fleet.WorkerCount() == len(imsis) })
	return fx
}

// gatewayConn serves the fixture hub over a test server and returns an
// authenticated gateway websocket.
func (fx *poolFixture) gatewayConn(t *testing.T) *websocket.Conn {
	t.Helper()
	// authentication reloads the activity dispatcher
	fx.queue.On("FetchActivityQueue", mock.Anything).Return(nil, nil).Maybe()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/gw", fx.hub.ServeGW)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/gw"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	wsSend(t, conn, "auth", "secret")
	env := wsRecv(t, conn)
	require.Equal(t, "auth", env.Event)
	require.Equal(t, "true", string(env.Data))
	return conn
}

func wsSend(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	frame, err := json.Marshal(notify.Envelope{Event: event, Data: data})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func wsRecv(t *testing.T, conn *websocket.Conn) notify.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var env notify.Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	return env
}

func TestFleetAddRoutesBySelectorGroup(t *testing.T) {
	fx := newFleetFixture(t, []string{"4101", "4102"})
	fx.fleet.Get("4102").ApplyOptions(map[string]any{"group": "office"})

	stored := &domain.QueueItem{ID: 41, IMSI: "4102", Hash: "gh", Type: domain.ActivitySMS}
	fx.queue.On("Save", mock.Anything, "4102", mock.MatchedBy(func(item *domain.QueueItem) bool {
		return item.Type == domain.ActivitySMS && item.Address == "08123456789"
	})).Return(stored, nil)

	term, got, err := fx.fleet.Add(context.Background(), &domain.QueueItem{
		Type: domain.ActivitySMS, Address: "08123456789", Hash: "gh",
		Data: sql.NullString{String: "hello", Valid: true},
	}, "office")
	require.NoError(t, err)
	assert.Equal(t, "4102", term.Name())
	assert.Equal(t, stored, got)

	// no terminal belongs to the requested group
	_, _, err = fx.fleet.Add(context.Background(), &domain.QueueItem{
		Type: domain.ActivitySMS, Address: "08123456789", Hash: "gh2",
	}, "warehouse")
	assert.ErrorIs(t, err, domain.ErrNoTerminal)
	fx.queue.AssertExpectations(t)
}

func TestFleetHandleMessageRoutesAndAcks(t *testing.T) {
	fx := newFleetFixture(t, []string{"4101"})
	conn := fx.gatewayConn(t)

	stored := &domain.QueueItem{ID: 42, IMSI: "4101", Hash: "mh42", Type: domain.ActivitySMS}
	fx.queue.On("Save", mock.Anything, "4101", mock.MatchedBy(func(item *domain.QueueItem) bool {
		return item.Type == domain.ActivitySMS && item.Address == "08123456789" && item.Payload() == "hello"
	})).Return(stored, nil)

	wsSend(t, conn, "message", notify.MessageRequest{Hash: "mh42", Address: "08123456789", Data: "hello"})

	env := wsRecv(t, conn)
	require.Equal(t, "status", env.Event)
	var status map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &status))
	assert.Equal(t, "mh42", status["hash"])
	assert.Equal(t, true, status["success"])
}

func TestFleetMessageRetryReopensFailedItem(t *testing.T) {
	fx := newFleetFixture(t, []string{"4101"})
	conn := fx.gatewayConn(t)

	item := &domain.QueueItem{ID: 9, IMSI: "4101", Hash: "rh", Type: domain.ActivitySMS, Address: "0812"}
	fx.queue.On("CountByHash", mock.Anything, "rh", domain.ActivitySMS).Return(1, nil)
	// queued but never processed: no log entry yet
	fx.logs.On("Find", mock.Anything, "rh", domain.ActivitySMS).Return(nil, domain.ErrNotFound)
	fx.queue.On("FindByHash", mock.Anything, "rh", domain.ActivitySMS).Return(item, nil)

	reopened := make(chan struct{}, 1)
	fx.queue.On("ResetRetry", mock.Anything, int64(9)).Run(func(args mock.Arguments) {
		select {
		case reopened <- struct{}{}:
		default:
		}
	}).Return(nil)

	wsSend(t, conn, "message-retry", notify.MessageRequest{Hash: "rh"})

	select {
	case <-reopened:
	case <-time.After(2 * time.Second):
		t.Fatal("failed item was not reopened")
	}
	fx.queue.AssertExpectations(t)
}

func TestFleetMessageRetryAnswersFromReport(t *testing.T) {
	fx := newFleetFixture(t, []string{"4101"})
	conn := fx.gatewayConn(t)

	entry := &domain.LogEntry{
		IMSI: "4101", Hash: "rh2", Type: domain.ActivitySMS, Status: domain.StatusSuccess,
		Code: sql.NullInt32{Int32: 0, Valid: true},
		Sent: sql.NullTime{Time: time.Now().Add(-time.Minute), Valid: true},
	}
	fx.queue.On("CountByHash", mock.Anything, "rh2", domain.ActivitySMS).Return(1, nil)
	fx.logs.On("Find", mock.Anything, "rh2", domain.ActivitySMS).Return(entry, nil)

	wsSend(t, conn, "message-retry", notify.MessageRequest{Hash: "rh2"})

	env := wsRecv(t, conn)
	require.Equal(t, "status-report", env.Event)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, "rh2", payload["hash"])
	assert.Equal(t, float64(0), payload["code"])
	fx.queue.AssertNotCalled(t, "ResetRetry", mock.Anything, mock.Anything)
}
