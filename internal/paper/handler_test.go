package paper_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/engine"
	"github.com/atmx/paper-engine/internal/events"
	"github.com/atmx/paper-engine/internal/model"
	"github.com/atmx/paper-engine/internal/paper"
	"github.com/atmx/paper-engine/internal/pricing"
	"github.com/atmx/paper-engine/internal/rules"
	"github.com/atmx/paper-engine/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// newTestEnv creates a handler over an in-memory store and mounts it the
// way cmd/server does.
func newTestEnv(t *testing.T) (*store.MemoryStore, *pricing.Static, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	ctx := context.Background()
	for _, r := range []model.MarketRule{
		{Market: model.MarketCN, TPlus: 1},
		{Market: model.MarketHK, TPlus: 0},
		{Market: model.MarketUS, TPlus: 0},
	} {
		if err := ms.PutMarketRule(ctx, &r); err != nil {
			t.Fatalf("failed to seed rule: %v", err)
		}
	}

	prices := pricing.NewStatic()
	eng := engine.New(ms, prices, rules.NewStoreProvider(ms),
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	r := chi.NewRouter()
	r.Mount("/api/v1/paper", paper.NewHandler(eng).Routes())
	return ms, prices, r
}

func do(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		buf = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
}

type errorResponse struct {
	Error     string          `json:"error"`
	Kind      string          `json:"kind"`
	Code      string          `json:"code"`
	Market    string          `json:"market"`
	Currency  string          `json:"currency"`
	Required  json.RawMessage `json:"required"`
	Available json.RawMessage `json:"available"`
	Shortfall json.RawMessage `json:"shortfall"`
}

// --- Orders ---

func TestPlaceOrder_Buy(t *testing.T) {
	_, prices, router := newTestEnv(t)
	prices.Set("000001", model.MarketCN, d("12.00"))

	w := do(t, router, "POST", "/api/v1/paper/u1/orders", paper.PlaceOrderRequest{
		Code: "000001", Side: model.SideBuy, Quantity: 1000, AnalysisID: "a-1",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var order model.Order
	decode(t, w, &order)
	if order.ID == "" {
		t.Error("expected order id")
	}
	if order.Market != model.MarketCN || order.Currency != model.CNY {
		t.Errorf("expected CN/CNY, got %s/%s", order.Market, order.Currency)
	}
	if !order.Amount.Equal(d("12000")) {
		t.Errorf("expected amount 12000, got %s", order.Amount)
	}
	if order.Status != model.StatusFilled {
		t.Errorf("expected filled, got %s", order.Status)
	}
	if order.AnalysisID != "a-1" {
		t.Errorf("expected analysis id carried, got %q", order.AnalysisID)
	}
}

func TestPlaceOrder_InsufficientFunds(t *testing.T) {
	_, prices, router := newTestEnv(t)
	prices.Set("AAPL", model.MarketUS, d("1200"))

	w := do(t, router, "POST", "/api/v1/paper/u1/orders", paper.PlaceOrderRequest{
		Code: "AAPL", Side: model.SideBuy, Quantity: 100,
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}

	var resp errorResponse
	decode(t, w, &resp)
	if resp.Kind != "insufficient_funds" || resp.Currency != "USD" {
		t.Fatalf("unexpected error body: %+v", resp)
	}
	var required, available, shortfall decimal.Decimal
	for raw, dst := range map[*json.RawMessage]*decimal.Decimal{
		&resp.Required: &required, &resp.Available: &available, &resp.Shortfall: &shortfall,
	} {
		if err := json.Unmarshal(*raw, dst); err != nil {
			t.Fatalf("decode amount: %v", err)
		}
	}
	if !required.Equal(d("120000")) || !available.Equal(d("100000")) || !shortfall.Equal(d("20000")) {
		t.Errorf("unexpected amounts: required %s available %s shortfall %s", required, available, shortfall)
	}
}

func TestPlaceOrder_TPlusOneSellRejected(t *testing.T) {
	_, prices, router := newTestEnv(t)
	prices.Set("600519", model.MarketCN, d("10"))

	w := do(t, router, "POST", "/api/v1/paper/u1/orders", paper.PlaceOrderRequest{
		Code: "600519", Side: model.SideBuy, Quantity: 100,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("buy: expected 201, got %d", w.Code)
	}

	w = do(t, router, "POST", "/api/v1/paper/u1/orders", paper.PlaceOrderRequest{
		Code: "600519", Side: model.SideSell, Quantity: 100,
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("sell: expected 409, got %d: %s", w.Code, w.Body.String())
	}
	var resp errorResponse
	decode(t, w, &resp)
	if resp.Kind != "insufficient_holdings" || resp.Code != "600519" {
		t.Errorf("unexpected error body: %+v", resp)
	}
	if string(resp.Required) != "100" || string(resp.Available) != "0" {
		t.Errorf("expected required 100 available 0, got %s / %s", resp.Required, resp.Available)
	}
}

func TestPlaceOrder_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   any
		status int
		kind   string
	}{
		{"bad side", paper.PlaceOrderRequest{Code: "AAPL", Side: "hold", Quantity: 1}, http.StatusBadRequest, "invalid_request"},
		{"zero quantity", paper.PlaceOrderRequest{Code: "AAPL", Side: model.SideBuy}, http.StatusBadRequest, "invalid_request"},
		{"empty code", paper.PlaceOrderRequest{Side: model.SideBuy, Quantity: 1}, http.StatusBadRequest, "invalid_request"},
		{"unsupported market", paper.PlaceOrderRequest{Code: "BTC", Side: model.SideBuy, Quantity: 1, Market: "CRYPTO"}, http.StatusBadRequest, "unsupported_market"},
		{"no quote", paper.PlaceOrderRequest{Code: "MSFT", Side: model.SideBuy, Quantity: 1}, http.StatusServiceUnavailable, "price_unavailable"},
		{"fractional quantity", map[string]any{"code": "AAPL", "side": "buy", "quantity": 1.5}, http.StatusBadRequest, "invalid_request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, prices, router := newTestEnv(t)
			prices.Set("AAPL", model.MarketUS, d("100"))

			w := do(t, router, "POST", "/api/v1/paper/u1/orders", tt.body)
			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			var resp errorResponse
			decode(t, w, &resp)
			if resp.Kind != tt.kind {
				t.Errorf("expected kind %s, got %s", tt.kind, resp.Kind)
			}
			if resp.Error == "" {
				t.Error("expected error message")
			}
		})
	}
}

func TestPlaceOrder_InvalidJSON(t *testing.T) {
	_, _, router := newTestEnv(t)

	req := httptest.NewRequest("POST", "/api/v1/paper/u1/orders", bytes.NewBufferString("{bad"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

// --- Read side ---

func TestGetAccount_SeedsNewUser(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := do(t, router, "GET", "/api/v1/paper/fresh/account", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var summary model.AccountSummary
	decode(t, w, &summary)
	if summary.UserID != "fresh" {
		t.Errorf("expected user fresh, got %s", summary.UserID)
	}
	if !summary.Cash.Get(model.CNY).Equal(d("1000000")) || !summary.Cash.Get(model.USD).Equal(d("100000")) {
		t.Errorf("unexpected seed cash: %v", summary.Cash)
	}
	if len(summary.Positions) != 0 {
		t.Errorf("expected no positions, got %d", len(summary.Positions))
	}
}

func TestListPositions_Valued(t *testing.T) {
	_, prices, router := newTestEnv(t)
	prices.Set("AAPL", model.MarketUS, d("100"))

	if w := do(t, router, "POST", "/api/v1/paper/u1/orders", paper.PlaceOrderRequest{
		Code: "AAPL", Side: model.SideBuy, Quantity: 10,
	}); w.Code != http.StatusCreated {
		t.Fatalf("buy: expected 201, got %d", w.Code)
	}
	prices.Set("AAPL", model.MarketUS, d("110"))

	w := do(t, router, "GET", "/api/v1/paper/u1/positions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Positions []model.PositionView `json:"positions"`
	}
	decode(t, w, &resp)
	if len(resp.Positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(resp.Positions))
	}
	p := resp.Positions[0]
	if !p.MarketValue.Equal(d("1100")) {
		t.Errorf("expected market value 1100, got %s", p.MarketValue)
	}
	if p.UnrealizedPnL == nil || !p.UnrealizedPnL.Equal(d("100")) {
		t.Errorf("expected unrealized 100, got %v", p.UnrealizedPnL)
	}
}

func TestListOrdersAndTrades(t *testing.T) {
	_, prices, router := newTestEnv(t)
	prices.Set("AAPL", model.MarketUS, d("50"))

	for i := 0; i < 3; i++ {
		if w := do(t, router, "POST", "/api/v1/paper/u1/orders", paper.PlaceOrderRequest{
			Code: "AAPL", Side: model.SideBuy, Quantity: 1,
		}); w.Code != http.StatusCreated {
			t.Fatalf("buy %d: expected 201, got %d", i, w.Code)
		}
	}

	w := do(t, router, "GET", "/api/v1/paper/u1/orders?limit=2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var orders struct {
		Orders []model.Order `json:"orders"`
	}
	decode(t, w, &orders)
	if len(orders.Orders) != 2 {
		t.Errorf("expected 2 orders, got %d", len(orders.Orders))
	}

	w = do(t, router, "GET", "/api/v1/paper/u1/trades", nil)
	var trades struct {
		Trades []model.Trade `json:"trades"`
	}
	decode(t, w, &trades)
	if len(trades.Trades) != 3 {
		t.Errorf("expected 3 trades, got %d", len(trades.Trades))
	}

	w = do(t, router, "GET", "/api/v1/paper/nobody/trades", nil)
	if body := w.Body.String(); body != "{\"trades\":[]}\n" {
		t.Errorf("expected empty list, got %q", body)
	}

	w = do(t, router, "GET", "/api/v1/paper/u1/orders?limit=many", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", w.Code)
	}
}

// --- Reset and resolve ---

func TestResetAccount(t *testing.T) {
	ms, prices, router := newTestEnv(t)
	prices.Set("AAPL", model.MarketUS, d("100"))
	do(t, router, "POST", "/api/v1/paper/u1/orders", paper.PlaceOrderRequest{
		Code: "AAPL", Side: model.SideBuy, Quantity: 10,
	})

	w := do(t, router, "POST", "/api/v1/paper/u1/reset", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without confirm, got %d", w.Code)
	}
	var resp errorResponse
	decode(t, w, &resp)
	if resp.Kind != "confirmation_required" {
		t.Errorf("expected confirmation_required, got %s", resp.Kind)
	}

	w = do(t, router, "POST", "/api/v1/paper/u1/reset?confirm=true", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	positions, err := ms.ListPositions(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(positions) != 0 {
		t.Errorf("expected positions cleared, got %d", len(positions))
	}
	acc, err := ms.GetAccount(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !acc.Cash.Get(model.USD).Equal(d("100000")) {
		t.Errorf("expected reseeded USD cash, got %s", acc.Cash.Get(model.USD))
	}
}

func TestResolve(t *testing.T) {
	_, _, router := newTestEnv(t)

	tests := []struct {
		query  string
		status int
		market string
		code   string
	}{
		{"code=700.hk", http.StatusOK, "HK", "00700"},
		{"code=aapl", http.StatusOK, "US", "AAPL"},
		{"code=1", http.StatusOK, "CN", "000001"},
		{"code=0700&market=hk", http.StatusOK, "HK", "0700"},
		{"code=", http.StatusBadRequest, "", ""},
		{"code=X&market=JP", http.StatusBadRequest, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := do(t, router, "GET", "/api/v1/paper/resolve?"+tt.query, nil)
			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			if tt.status != http.StatusOK {
				return
			}
			var res struct {
				Market string `json:"market"`
				Code   string `json:"code"`
			}
			decode(t, w, &res)
			if res.Market != tt.market || res.Code != tt.code {
				t.Errorf("expected %s/%s, got %s/%s", tt.market, tt.code, res.Market, res.Code)
			}
		})
	}
}

// --- Stream ---

func TestStream_OnlyOwnFills(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := ms.PutMarketRule(ctx, &model.MarketRule{Market: model.MarketUS, TPlus: 0}); err != nil {
		t.Fatalf("failed to seed rule: %v", err)
	}

	hub := events.NewWSHub()
	go hub.Run(ctx)

	prices := pricing.NewStatic()
	prices.Set("AAPL", model.MarketUS, d("190"))
	eng := engine.New(ms, prices, rules.NewStoreProvider(ms),
		engine.WithPublisher(hub),
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	r := chi.NewRouter()
	r.Mount("/api/v1/paper", paper.NewHandler(eng, paper.WithStream(hub.HandleWS)).Routes())
	srv := httptest.NewServer(r)
	defer srv.Close()

	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/paper/"
	dial := func(user string) *websocket.Conn {
		conn, _, err := websocket.DefaultDialer.Dial(base+user+"/ws", nil)
		if err != nil {
			t.Fatalf("dial %s: %v", user, err)
		}
		deadline := time.Now().Add(time.Second)
		for hub.ClientCount(user) == 0 {
			if time.Now().After(deadline) {
				t.Fatalf("client %s never registered", user)
			}
			time.Sleep(10 * time.Millisecond)
		}
		return conn
	}
	u1 := dial("u1")
	defer u1.Close()
	u2 := dial("u2")
	defer u2.Close()

	w := do(t, r, "POST", "/api/v1/paper/u1/orders", paper.PlaceOrderRequest{
		Code: "AAPL", Side: model.SideBuy, Quantity: 10,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	_ = u1.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := u1.ReadMessage()
	if err != nil {
		t.Fatalf("u1 read: %v", err)
	}
	var ev events.OrderFilled
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.UserID != "u1" || ev.Code != "AAPL" || ev.Quantity != 10 {
		t.Errorf("unexpected event %+v", ev)
	}

	_ = u2.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := u2.ReadMessage(); err == nil {
		t.Error("u2 received u1's fill")
	}
}
