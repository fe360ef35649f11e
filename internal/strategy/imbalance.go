package strategy

import (
	"context"
	"log/slog"
	"time"

	"cryptobot/internal/bus"
	"cryptobot/internal/config"
	"cryptobot/internal/market"
	"cryptobot/pkg/types"
)

// BookImbalance is a scalping strategy that emits entry signals only:
// when resting bid volume outweighs ask volume by a configured ratio it
// goes long, and short for the mirror case. A long EMA over recent mids
// blocks counter-trend entries, and a cooldown spaces signals out. Exits
// are entirely the risk manager's job.
type BookImbalance struct {
	cfg       config.BookImbalanceConfig
	bus       *bus.Bus
	portfolio PortfolioView
	logger    *slog.Logger

	prices     []float64 // trend-filter window of mid prices
	lastSignal time.Time
}

// NewBookImbalance builds the imbalance strategy from its config block.
func NewBookImbalance(d Deps) *BookImbalance {
	return &BookImbalance{
		cfg:       d.Config.Strategies.BookImbalance,
		bus:       d.Bus,
		portfolio: d.Portfolio,
		logger:    d.Logger.With("strategy", "book_imbalance"),
	}
}

// Name implements Strategy.
func (s *BookImbalance) Name() string { return "book_imbalance" }

// Warmup implements Strategy. The trend window fills from live ticks.
func (s *BookImbalance) Warmup(ctx context.Context) error { return nil }

// OnMarket scores one book frame. The mid always feeds the trend window,
// even while a position is open, so the EMA does not go stale during a
// hold.
func (s *BookImbalance) OnMarket(ctx context.Context, e types.MarketEvent) error {
	if e.Symbol != s.cfg.Symbol {
		return nil
	}

	mid := e.Mid()
	s.prices = append(s.prices, mid)
	if len(s.prices) > s.cfg.TrendFilterWindow {
		s.prices = s.prices[1:]
	}
	if len(s.prices) < s.cfg.TrendFilterWindow {
		return nil
	}
	if _, open := s.portfolio.Position(e.Symbol); open {
		return nil
	}

	trend := ewmMean(s.prices, s.cfg.TrendFilterWindow)

	ratio, ok := market.ImbalanceRatio(e)
	if !ok {
		return nil
	}

	var direction types.Direction
	switch {
	case ratio > s.cfg.ImbalanceThreshold:
		direction = types.LONG
	case 1/ratio > s.cfg.ImbalanceThreshold:
		direction = types.SHORT
	default:
		return nil
	}

	// Counter-trend entries are blocked: longs need the mid at or above
	// the trend EMA, shorts at or below.
	if direction == types.LONG && mid < trend {
		return nil
	}
	if direction == types.SHORT && mid > trend {
		return nil
	}

	// Cooldown runs on event time so a replayed stream behaves the same
	// as a live one.
	if !s.lastSignal.IsZero() && e.Timestamp.Sub(s.lastSignal) < s.cfg.Cooldown {
		return nil
	}

	s.logger.Info("imbalance entry",
		"symbol", e.Symbol, "direction", direction, "ratio", ratio)
	signal := types.SignalEvent{
		Timestamp: e.Timestamp,
		Symbol:    e.Symbol,
		Direction: direction,
		Strength:  1,
	}
	if err := s.bus.Publish(ctx, signal); err != nil {
		return err
	}
	s.lastSignal = e.Timestamp
	return nil
}

// ewmMean is the last value of an exponentially weighted mean seeded with
// the first sample, alpha = 2/(span+1). Recomputed over the whole window
// each tick because the window slides.
func ewmMean(values []float64, span int) float64 {
	alpha := 2.0 / float64(span+1)
	y := values[0]
	for _, v := range values[1:] {
		y = (1-alpha)*y + alpha*v
	}
	return y
}
