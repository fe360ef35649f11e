package execution

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"cryptobot/internal/bus"
	"cryptobot/internal/config"
	"cryptobot/pkg/types"
)

const exchangeInfoFixture = `{
  "symbols": [
    {
      "symbol": "BTCUSDT",
      "status": "TRADING",
      "filters": [
        {"filterType": "LOT_SIZE", "minQty": "0.00100000", "maxQty": "9000", "stepSize": "0.00100000"},
        {"filterType": "NOTIONAL", "minNotional": "5.00000000"}
      ]
    }
  ]
}`

const orderAckFixture = `{
  "symbol": "BTCUSDT",
  "orderId": 42,
  "transactTime": 1700000000000,
  "executedQty": "16.666",
  "cummulativeQuoteQty": "1683.266",
  "status": "FILLED",
  "fills": [
    {"price": "101.0", "qty": "10.0", "commission": "0.01"},
    {"price": "100.9", "qty": "6.666", "commission": "0.02"}
  ]
}`

// liveHarness serves the venue endpoints and records the last order request.
type liveHarness struct {
	orderCalls  atomic.Int32
	lastForm    atomic.Value // url-decoded order body
	orderStatus int
	orderBody   string
}

func (h *liveHarness) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/exchangeInfo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(exchangeInfoFixture))
	})
	mux.HandleFunc("/api/v3/order", func(w http.ResponseWriter, r *http.Request) {
		h.orderCalls.Add(1)
		if err := r.ParseForm(); err == nil {
			h.lastForm.Store(r.PostForm)
		}
		w.Header().Set("Content-Type", "application/json")
		status := h.orderStatus
		if status == 0 {
			status = http.StatusOK
		}
		body := h.orderBody
		if body == "" {
			body = orderAckFixture
		}
		w.WriteHeader(status)
		w.Write([]byte(body))
	})
	return mux
}

func newTestLive(t *testing.T, h *liveHarness) (*LiveExecutor, *bus.Bus) {
	t.Helper()
	srv := httptest.NewServer(h.handler())
	t.Cleanup(srv.Close)

	b := bus.New(16)
	prices := &fakePrices{last: map[string]float64{"BTC/USD": 101}}
	l := NewLiveExecutor("binance", srv.URL,
		config.APIKeys{APIKey: "test-key", Secret: "test-secret"},
		map[string]string{"BTC/USD": "BTC/USDT"},
		b, prices, testLogger())

	if err := l.LoadMarkets(context.Background()); err != nil {
		t.Fatalf("LoadMarkets: %v", err)
	}
	return l, b
}

func TestLiveOrderFill(t *testing.T) {
	t.Parallel()
	h := &liveHarness{}
	l, b := newTestLive(t, h)

	order := types.OrderEvent{
		Symbol: "BTC/USD", OrderType: types.OrderMarket, Direction: types.BUY,
		Quantity: 16.66666667, StopLossPrice: 94, TakeProfitPrice: 109,
	}
	if err := l.OnOrder(context.Background(), order); err != nil {
		t.Fatalf("OnOrder: %v", err)
	}

	form, _ := h.lastForm.Load().(url.Values)
	if form == nil {
		t.Fatal("order request never reached the venue")
	}
	if got := form["symbol"]; len(got) != 1 || got[0] != "BTCUSDT" {
		t.Errorf("wire symbol = %v, want BTCUSDT", got)
	}
	if got := form["side"]; len(got) != 1 || got[0] != "BUY" {
		t.Errorf("side = %v, want BUY", got)
	}
	if got := form["quantity"]; len(got) != 1 || got[0] != "16.666" {
		t.Errorf("quantity = %v, want floored 16.666", got)
	}
	if got := form["signature"]; len(got) != 1 || len(got[0]) != 64 {
		t.Errorf("signature = %v, want 64 hex chars", got)
	}
	if got := form["newClientOrderId"]; len(got) != 1 || got[0] == "" {
		t.Errorf("newClientOrderId = %v, want non-empty", got)
	}

	fill := drainFill(t, b)
	if fill.Symbol != "BTC/USD" {
		t.Errorf("fill symbol = %q, want original BTC/USD", fill.Symbol)
	}
	if fill.Exchange != "binance" {
		t.Errorf("fill exchange = %q, want binance", fill.Exchange)
	}
	if fill.Quantity != 16.666 {
		t.Errorf("fill quantity = %v, want 16.666", fill.Quantity)
	}
	wantAvg := 1683.266 / 16.666
	if diff := fill.Price - wantAvg; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("fill price = %v, want %v", fill.Price, wantAvg)
	}
	if diff := fill.Commission - 0.03; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("commission = %v, want 0.03", fill.Commission)
	}
	if !fill.Timestamp.Equal(time.UnixMilli(1700000000000).UTC()) {
		t.Errorf("timestamp = %v, want venue transact time", fill.Timestamp)
	}
	if fill.StopLossPrice != 94 || fill.TakeProfitPrice != 109 {
		t.Errorf("SL/TP = %v/%v, want propagated", fill.StopLossPrice, fill.TakeProfitPrice)
	}
}

func TestLiveOrderRejected(t *testing.T) {
	t.Parallel()
	h := &liveHarness{
		orderStatus: http.StatusBadRequest,
		orderBody:   `{"code":-2010,"msg":"Account has insufficient balance for requested action."}`,
	}
	l, b := newTestLive(t, h)

	err := l.OnOrder(context.Background(), types.OrderEvent{
		Symbol: "BTC/USD", Direction: types.BUY, Quantity: 1,
	})
	if err != nil {
		t.Fatalf("rejection must not propagate: %v", err)
	}
	if b.Len() != 0 {
		t.Error("fill emitted for a rejected order")
	}
}

func TestLiveOrderIncompleteResponse(t *testing.T) {
	t.Parallel()
	h := &liveHarness{
		orderBody: `{"symbol":"BTCUSDT","orderId":43,"transactTime":0,"executedQty":"0","cummulativeQuoteQty":"0","status":"EXPIRED","fills":[]}`,
	}
	l, b := newTestLive(t, h)

	err := l.OnOrder(context.Background(), types.OrderEvent{
		Symbol: "BTC/USD", Direction: types.BUY, Quantity: 1,
	})
	if err != nil {
		t.Fatalf("incomplete response must not propagate: %v", err)
	}
	if b.Len() != 0 {
		t.Error("fill emitted from an incomplete venue response")
	}
}

func TestLiveUnknownSymbolDropped(t *testing.T) {
	t.Parallel()
	h := &liveHarness{}
	l, b := newTestLive(t, h)

	err := l.OnOrder(context.Background(), types.OrderEvent{
		Symbol: "XRP/USD", Direction: types.BUY, Quantity: 1,
	})
	if err != nil {
		t.Fatalf("unknown symbol must not propagate: %v", err)
	}
	if h.orderCalls.Load() != 0 {
		t.Error("order for unlisted symbol reached the venue")
	}
	if b.Len() != 0 {
		t.Error("fill emitted for unlisted symbol")
	}
}

func TestLiveLoadMarketsFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	l := NewLiveExecutor("binance", srv.URL, config.APIKeys{APIKey: "k", Secret: "s"},
		nil, bus.New(4), &fakePrices{}, testLogger())

	if err := l.LoadMarkets(context.Background()); err == nil {
		t.Fatal("LoadMarkets should fail on 503")
	}
}

func TestTranslateSymbol(t *testing.T) {
	t.Parallel()
	l := &LiveExecutor{symbolMap: map[string]string{"SOL/USD": "SOL/FDUSD"}}

	tests := []struct {
		in   string
		want string
	}{
		{"SOL/USD", "SOL/FDUSD"}, // exact table entry wins
		{"BTC/USD", "BTC/USDT"},  // suffix rule
		{"eth/usd", "ETH/USDT"},  // case-insensitive suffix
		{"BTC/EUR", "BTC/EUR"},   // passthrough
	}
	for _, tt := range tests {
		if got := l.translateSymbol(tt.in); got != tt.want {
			t.Errorf("translateSymbol(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
