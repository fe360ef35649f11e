package strategy

import (
	"context"
	"log/slog"
	"time"

	"cryptobot/internal/bus"
	"cryptobot/internal/config"
	"cryptobot/pkg/types"
)

// SMACrossover emits a signal whenever the fast moving average crosses the
// slow one. It keeps one price more than the slow window so the slow mean
// can be taken over the window ending at the previous tick: the fast mean
// then registers against the level it just broke instead of a mean already
// dragged along by the newest price.
type SMACrossover struct {
	cfg       config.SMACrossoverConfig
	bus       *bus.Bus
	portfolio PortfolioView
	logger    *slog.Logger

	prices    []float64       // last LongWindow+1 mid prices
	lastState types.Direction // zero until the first crossing
	now       func() time.Time
}

// NewSMACrossover builds the crossover strategy from its config block.
func NewSMACrossover(d Deps) *SMACrossover {
	return &SMACrossover{
		cfg:       d.Config.Strategies.SMACrossover,
		bus:       d.Bus,
		portfolio: d.Portfolio,
		logger:    d.Logger.With("strategy", "sma_crossover"),
		now:       time.Now,
	}
}

// Name implements Strategy.
func (s *SMACrossover) Name() string { return "sma_crossover" }

// Warmup implements Strategy. The crossover needs no history.
func (s *SMACrossover) Warmup(ctx context.Context) error { return nil }

// OnMarket records the mid price and signals when the fast/slow relation
// flips. While a position is open the strategy is inert: entries are its
// only job, exits belong to the risk manager.
func (s *SMACrossover) OnMarket(ctx context.Context, e types.MarketEvent) error {
	if e.Symbol != s.cfg.Symbol {
		return nil
	}
	if _, open := s.portfolio.Position(e.Symbol); open {
		return nil
	}

	window := s.cfg.LongWindow + 1
	s.prices = append(s.prices, e.Mid())
	if len(s.prices) > window {
		s.prices = s.prices[1:]
	}
	if len(s.prices) < window {
		s.logger.Debug("collecting prices",
			"symbol", e.Symbol, "have", len(s.prices), "need", window)
		return nil
	}

	fast := mean(s.prices[len(s.prices)-s.cfg.ShortWindow:])
	slow := mean(s.prices[:s.cfg.LongWindow])

	var state types.Direction
	switch {
	case fast > slow:
		state = types.LONG
	case fast < slow:
		state = types.SHORT
	default:
		// Equal means nothing crossed; keep the previous state.
		return nil
	}
	if state == s.lastState {
		return nil
	}

	s.logger.Info("crossover detected",
		"symbol", e.Symbol, "direction", state, "fast", fast, "slow", slow)
	signal := types.SignalEvent{
		Timestamp: s.now().UTC(),
		Symbol:    e.Symbol,
		Direction: state,
		Strength:  1,
	}
	if err := s.bus.Publish(ctx, signal); err != nil {
		return err
	}
	s.lastState = state
	return nil
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
