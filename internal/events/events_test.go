package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/paper-engine/internal/events"
	"github.com/atmx/paper-engine/internal/model"
)

type recorder struct {
	got []events.OrderFilled
	err error
}

func (r *recorder) Publish(_ context.Context, ev events.OrderFilled) error {
	r.got = append(r.got, ev)
	return r.err
}

func sampleEvent() events.OrderFilled {
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	o := &model.Order{
		ID: "o1", UserID: "u1", Code: "AAPL", Market: model.MarketUS, Currency: model.USD,
		Side: model.SideBuy, Quantity: 10, Price: decimal.NewFromInt(190), Amount: decimal.NewFromInt(1900),
		Commission: decimal.Zero, Status: model.StatusFilled, CreatedAt: now, FilledAt: now,
	}
	tr := &model.Trade{ID: "t1", OrderID: "o1", PnL: decimal.Zero}
	return events.NewOrderFilled(o, tr)
}

func TestMulti_DeliversToAllAndJoinsErrors(t *testing.T) {
	ok := &recorder{}
	failing := &recorder{err: errors.New("broker down")}
	m := events.Multi{ok, failing, events.Nop{}}

	err := m.Publish(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
	assert.Len(t, ok.got, 1)
	assert.Len(t, failing.got, 1)
	assert.Equal(t, events.TypeOrderFilled, ok.got[0].Type)
	assert.Equal(t, "t1", ok.got[0].TradeID)
}

// streamServer serves hub at /paper/{userID}/ws the way the API mounts it.
func streamServer(t *testing.T, hub *events.WSHub) string {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/paper/{userID}/ws", hub.HandleWS)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, hub *events.WSHub, base, userID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(base+"/paper/"+userID+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return hub.ClientCount(userID) == 1 }, time.Second, 10*time.Millisecond)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) events.OrderFilled {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev events.OrderFilled
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestWSHub_DeliversOrderFilled(t *testing.T) {
	hub := events.NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	conn := dial(t, hub, streamServer(t, hub), "u1")
	require.NoError(t, hub.Publish(context.Background(), sampleEvent()))

	ev := readEvent(t, conn)
	assert.Equal(t, "o1", ev.OrderID)
	assert.Equal(t, model.SideBuy, ev.Side)
	assert.True(t, ev.Price.Equal(decimal.NewFromInt(190)))
}

func TestWSHub_DeliversOnlyToOwner(t *testing.T) {
	hub := events.NewWSHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	base := streamServer(t, hub)
	alice := dial(t, hub, base, "alice")
	bob := dial(t, hub, base, "bob")

	forBob := sampleEvent()
	forBob.UserID, forBob.OrderID = "bob", "o-bob"
	forAlice := sampleEvent()
	forAlice.UserID, forAlice.OrderID = "alice", "o-alice"

	require.NoError(t, hub.Publish(context.Background(), forBob))
	require.NoError(t, hub.Publish(context.Background(), forAlice))

	// Events are delivered in order, so alice's first message proves she
	// never saw bob's fill.
	assert.Equal(t, "o-alice", readEvent(t, alice).OrderID)
	assert.Equal(t, "o-bob", readEvent(t, bob).OrderID)

	_ = bob.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := bob.ReadMessage()
	assert.Error(t, err, "bob must not receive alice's fill")
}

func TestWSHub_RequiresUser(t *testing.T) {
	hub := events.NewWSHub()
	w := httptest.NewRecorder()
	hub.HandleWS(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
