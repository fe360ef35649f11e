package strategy

import (
	"context"
	"testing"
	"time"

	"cryptobot/internal/bus"
	"cryptobot/pkg/types"
)

func bookEvent(symbol string, mid, bidVol, askVol float64, ts time.Time) types.MarketEvent {
	return types.MarketEvent{
		Timestamp: ts,
		Symbol:    symbol,
		BestBid:   mid,
		BestAsk:   mid,
		Bids:      []types.BookLevel{{Price: mid, Qty: bidVol}},
		Asks:      []types.BookLevel{{Price: mid, Qty: askVol}},
	}
}

func newTestImbalance() (*BookImbalance, *bus.Bus, *fakePortfolio) {
	b := bus.New(16)
	pf := &fakePortfolio{positions: map[string]types.Position{}}
	s := NewBookImbalance(Deps{
		Bus:       b,
		Portfolio: pf,
		Config:    testStratConfig(""),
		Logger:    testLogger(),
	})
	return s, b, pf
}

// fillTrendWindow feeds balanced books until the trend window is full.
// Returns the timestamp following the last event fed.
func fillTrendWindow(t *testing.T, s *BookImbalance, mid float64, start time.Time) time.Time {
	t.Helper()
	ts := start
	for i := 0; i < s.cfg.TrendFilterWindow-1; i++ {
		if err := s.OnMarket(context.Background(), bookEvent("BTC/USD", mid, 1, 1, ts)); err != nil {
			t.Fatalf("OnMarket: %v", err)
		}
		ts = ts.Add(time.Second)
	}
	return ts
}

func TestImbalanceGoesLongOnBidPressure(t *testing.T) {
	t.Parallel()
	s, b, _ := newTestImbalance()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	ts := fillTrendWindow(t, s, 100, base)
	if b.Len() != 0 {
		t.Fatalf("signal emitted before the trend window filled (%d events)", b.Len())
	}

	// Bids outweigh asks 3:1, above the 2.0 threshold, mid on trend.
	if err := s.OnMarket(context.Background(), bookEvent("BTC/USD", 100, 3, 1, ts)); err != nil {
		t.Fatalf("OnMarket: %v", err)
	}
	signal := drainSignal(t, b)
	if signal.Direction != types.LONG {
		t.Errorf("direction = %s, want LONG", signal.Direction)
	}
	if !signal.Timestamp.Equal(ts) {
		t.Errorf("signal timestamp = %v, want event time %v", signal.Timestamp, ts)
	}
}

func TestImbalanceGoesShortOnAskPressure(t *testing.T) {
	t.Parallel()
	s, b, _ := newTestImbalance()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	ts := fillTrendWindow(t, s, 100, base)
	if err := s.OnMarket(context.Background(), bookEvent("BTC/USD", 90, 1, 3, ts)); err != nil {
		t.Fatalf("OnMarket: %v", err)
	}
	if got := drainSignal(t, b); got.Direction != types.SHORT {
		t.Errorf("direction = %s, want SHORT", got.Direction)
	}
}

func TestImbalanceTrendFilterBlocksCounterTrend(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name           string
		mid            float64
		bidVol, askVol float64
	}{
		// Mid drops to 90 against an EMA near 96.7: longs blocked.
		{"long below trend", 90, 3, 1},
		// Mid jumps to 110 against an EMA near 103.3: shorts blocked.
		{"short above trend", 110, 1, 3},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s, b, _ := newTestImbalance()
			base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

			ts := fillTrendWindow(t, s, 100, base)
			if err := s.OnMarket(context.Background(), bookEvent("BTC/USD", tt.mid, tt.bidVol, tt.askVol, ts)); err != nil {
				t.Fatalf("OnMarket: %v", err)
			}
			if b.Len() != 0 {
				t.Errorf("counter-trend signal slipped through (%d events)", b.Len())
			}
		})
	}
}

func TestImbalanceCooldown(t *testing.T) {
	t.Parallel()
	s, b, _ := newTestImbalance()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	ts := fillTrendWindow(t, s, 100, base)
	if err := s.OnMarket(context.Background(), bookEvent("BTC/USD", 100, 3, 1, ts)); err != nil {
		t.Fatalf("OnMarket: %v", err)
	}
	drainSignal(t, b)

	// 30s later: still cooling down.
	if err := s.OnMarket(context.Background(), bookEvent("BTC/USD", 100, 3, 1, ts.Add(30*time.Second))); err != nil {
		t.Fatalf("OnMarket: %v", err)
	}
	if b.Len() != 0 {
		t.Fatalf("signal emitted inside the cooldown window (%d events)", b.Len())
	}

	// 61s later: cooldown expired.
	if err := s.OnMarket(context.Background(), bookEvent("BTC/USD", 100, 3, 1, ts.Add(61*time.Second))); err != nil {
		t.Fatalf("OnMarket: %v", err)
	}
	if got := drainSignal(t, b); got.Direction != types.LONG {
		t.Errorf("post-cooldown direction = %s, want LONG", got.Direction)
	}
}

func TestImbalanceBalancedBookSilent(t *testing.T) {
	t.Parallel()
	s, b, _ := newTestImbalance()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	ts := fillTrendWindow(t, s, 100, base)
	if err := s.OnMarket(context.Background(), bookEvent("BTC/USD", 100, 1, 1, ts)); err != nil {
		t.Fatalf("OnMarket: %v", err)
	}
	if b.Len() != 0 {
		t.Errorf("balanced book produced a signal (%d events)", b.Len())
	}
}

func TestImbalanceEmptySideSilent(t *testing.T) {
	t.Parallel()
	s, b, _ := newTestImbalance()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	ts := fillTrendWindow(t, s, 100, base)
	if err := s.OnMarket(context.Background(), bookEvent("BTC/USD", 100, 3, 0, ts)); err != nil {
		t.Fatalf("OnMarket: %v", err)
	}
	if b.Len() != 0 {
		t.Errorf("empty ask side produced a signal (%d events)", b.Len())
	}
}

// An open position suppresses entries but keeps feeding the trend window,
// so the strategy can fire on the first event after the position closes.
func TestImbalanceTrendWindowSurvivesHold(t *testing.T) {
	t.Parallel()
	s, b, pf := newTestImbalance()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	pf.positions["BTC/USD"] = types.Position{Symbol: "BTC/USD", Direction: types.BUY, Quantity: 1}
	ts := base
	for i := 0; i < s.cfg.TrendFilterWindow+2; i++ {
		if err := s.OnMarket(context.Background(), bookEvent("BTC/USD", 100, 3, 1, ts)); err != nil {
			t.Fatalf("OnMarket: %v", err)
		}
		ts = ts.Add(time.Second)
	}
	if b.Len() != 0 {
		t.Fatalf("signal emitted while position open (%d events)", b.Len())
	}

	delete(pf.positions, "BTC/USD")
	if err := s.OnMarket(context.Background(), bookEvent("BTC/USD", 100, 3, 1, ts)); err != nil {
		t.Fatalf("OnMarket: %v", err)
	}
	if got := drainSignal(t, b); got.Direction != types.LONG {
		t.Errorf("direction = %s, want LONG", got.Direction)
	}
}

func TestImbalanceIgnoresOtherSymbols(t *testing.T) {
	t.Parallel()
	s, b, _ := newTestImbalance()
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	ts := base
	for i := 0; i < s.cfg.TrendFilterWindow+1; i++ {
		if err := s.OnMarket(context.Background(), bookEvent("ETH/USD", 100, 3, 1, ts)); err != nil {
			t.Fatalf("OnMarket: %v", err)
		}
		ts = ts.Add(time.Second)
	}
	if b.Len() != 0 {
		t.Errorf("signal emitted for an unconfigured symbol (%d events)", b.Len())
	}
}
