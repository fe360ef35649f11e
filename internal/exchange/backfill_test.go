package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// ohlcFixture carries three hourly bars; the final one is still forming and
// must not survive the fetch.
const ohlcFixture = `{
	"error": [],
	"result": {
		"XXBTZUSD": [
			[1714557600, "64000.0", "64500.0", "63800.0", "64200.0", "64100.0", "12.5", 320],
			[1714561200, "64200.0", "64900.0", "64100.0", "64800.0", "64550.0", "9.1", 250],
			[1714564800, "64800.0", "65100.0", "64700.0", "65000.0", "64900.0", "3.2", 80]
		],
		"last": 1714561200
	}
}`

func newOHLCServer(t *testing.T, body string, status int) (*httptest.Server, *http.Request) {
	t.Helper()
	captured := &http.Request{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*captured = *r
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, captured
}

func TestFetchCandlesDropsFormingCandle(t *testing.T) {
	t.Parallel()
	srv, _ := newOHLCServer(t, ohlcFixture, http.StatusOK)
	b := NewBackfill(srv.URL, testLogger())

	candles, err := b.FetchCandles(context.Background(), "BTC/USD", time.Hour, 10)
	if err != nil {
		t.Fatalf("FetchCandles() error = %v", err)
	}
	if len(candles) != 2 {
		t.Fatalf("len(candles) = %d, want 2 (forming candle dropped)", len(candles))
	}

	first := candles[0]
	if want := time.Unix(1714557600, 0).UTC(); !first.StartTime.Equal(want) {
		t.Errorf("StartTime = %v, want %v", first.StartTime, want)
	}
	if first.Open != 64000.0 || first.High != 64500.0 || first.Low != 63800.0 || first.Close != 64200.0 {
		t.Errorf("OHLC = %v/%v/%v/%v, want 64000/64500/63800/64200",
			first.Open, first.High, first.Low, first.Close)
	}
	if first.Volume != 12.5 {
		t.Errorf("Volume = %v, want 12.5 (vwap column skipped)", first.Volume)
	}
	if candles[1].Close != 64800.0 {
		t.Errorf("candles[1].Close = %v, want 64800", candles[1].Close)
	}
}

func TestFetchCandlesAppliesLimit(t *testing.T) {
	t.Parallel()
	srv, _ := newOHLCServer(t, ohlcFixture, http.StatusOK)
	b := NewBackfill(srv.URL, testLogger())

	candles, err := b.FetchCandles(context.Background(), "BTC/USD", time.Hour, 1)
	if err != nil {
		t.Fatalf("FetchCandles() error = %v", err)
	}
	if len(candles) != 1 {
		t.Fatalf("len(candles) = %d, want 1", len(candles))
	}
	// The most recent completed candle survives the trim.
	if want := time.Unix(1714561200, 0).UTC(); !candles[0].StartTime.Equal(want) {
		t.Errorf("StartTime = %v, want %v", candles[0].StartTime, want)
	}
}

func TestFetchCandlesQueryParams(t *testing.T) {
	t.Parallel()
	srv, captured := newOHLCServer(t, ohlcFixture, http.StatusOK)
	b := NewBackfill(srv.URL, testLogger())

	if _, err := b.FetchCandles(context.Background(), "BTC/USD", time.Hour, 5); err != nil {
		t.Fatalf("FetchCandles() error = %v", err)
	}

	q := captured.URL.Query()
	if got := q.Get("pair"); got != "BTCUSD" {
		t.Errorf("pair = %q, want BTCUSD", got)
	}
	if got := q.Get("interval"); got != "60" {
		t.Errorf("interval = %q, want 60", got)
	}
	if got := captured.URL.Path; got != "/0/public/OHLC" {
		t.Errorf("path = %q, want /0/public/OHLC", got)
	}
}

func TestFetchCandlesVenueError(t *testing.T) {
	t.Parallel()
	srv, _ := newOHLCServer(t, `{"error":["EQuery:Unknown asset pair"],"result":{}}`, http.StatusOK)
	b := NewBackfill(srv.URL, testLogger())

	_, err := b.FetchCandles(context.Background(), "NOPE/USD", time.Hour, 5)
	if err == nil {
		t.Fatal("expected venue error, got nil")
	}
}

func TestFetchCandlesHTTPError(t *testing.T) {
	t.Parallel()
	srv, _ := newOHLCServer(t, `not found`, http.StatusNotFound)
	b := NewBackfill(srv.URL, testLogger())

	_, err := b.FetchCandles(context.Background(), "BTC/USD", time.Hour, 5)
	if err == nil {
		t.Fatal("expected HTTP error, got nil")
	}
}

func TestFetchCandlesPlainRowShape(t *testing.T) {
	t.Parallel()
	// Six-field rows place volume right after close.
	body := `{
		"error": [],
		"result": {
			"PAIR": [
				[1714557600, 100.0, 110.0, 95.0, 105.0, 42.0],
				[1714561200, 105.0, 108.0, 104.0, 107.0, 10.0]
			]
		}
	}`
	srv, _ := newOHLCServer(t, body, http.StatusOK)
	b := NewBackfill(srv.URL, testLogger())

	candles, err := b.FetchCandles(context.Background(), "BTC/USD", time.Hour, 5)
	if err != nil {
		t.Fatalf("FetchCandles() error = %v", err)
	}
	if len(candles) != 1 {
		t.Fatalf("len(candles) = %d, want 1", len(candles))
	}
	if candles[0].Volume != 42.0 {
		t.Errorf("Volume = %v, want 42", candles[0].Volume)
	}
}

func TestFetchCandlesSubMinuteTimeframe(t *testing.T) {
	t.Parallel()
	b := NewBackfill("http://127.0.0.1:0", testLogger())

	_, err := b.FetchCandles(context.Background(), "BTC/USD", 30*time.Second, 5)
	if err == nil {
		t.Fatal("expected timeframe error, got nil")
	}
}
