// Package strategy implements the signal-generating strategies and the
// registry that selects one by config name.
//
// A strategy consumes MARKET events from the dispatcher and publishes
// SIGNAL events through the bus; it never sizes orders or touches the
// portfolio. Three strategies are registered:
//
//   - multi_model_strategy: candle assembly + three-model decision funnel
//   - sma_crossover:        fast/slow moving-average flip detector
//   - book_imbalance:       bid/ask depth ratio with a trend filter
package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"cryptobot/internal/bus"
	"cryptobot/internal/config"
	"cryptobot/internal/store"
	"cryptobot/pkg/types"
)

// Strategy is the dispatcher-facing contract. OnMarket runs on the
// dispatcher goroutine and must stay non-blocking apart from bus publishes
// and handing work to an internal worker. Warmup runs once at startup,
// before the dispatcher starts delivering events; strategies that need no
// history return nil immediately.
type Strategy interface {
	Name() string
	Warmup(ctx context.Context) error
	OnMarket(ctx context.Context, e types.MarketEvent) error
}

// PortfolioView is the read-only slice of portfolio state strategies
// consult. They observe positions; they never mutate them.
type PortfolioView interface {
	Position(symbol string) (types.Position, bool)
}

// CandleFetcher supplies historical candles for strategy warm-up.
type CandleFetcher interface {
	FetchCandles(ctx context.Context, symbol string, timeframe time.Duration, limit int) ([]types.Candle, error)
}

// Deps bundles everything a strategy constructor may need. Constructors
// take what they use and ignore the rest.
type Deps struct {
	Bus       *bus.Bus
	Portfolio PortfolioView
	KV        store.KV
	Backfill  CandleFetcher
	Config    *config.Config
	Logger    *slog.Logger
}

var registry = map[string]func(Deps) (Strategy, error){
	"multi_model_strategy": func(d Deps) (Strategy, error) { return NewMultiModel(d) },
	"sma_crossover":        func(d Deps) (Strategy, error) { return NewSMACrossover(d), nil },
	"book_imbalance":       func(d Deps) (Strategy, error) { return NewBookImbalance(d), nil },
}

// Names returns the registered strategy names, sorted.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Load instantiates the named strategy. An unknown name is a startup error;
// the caller exits rather than trade with no strategy.
func Load(name string, deps Deps) (Strategy, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q (registered: %s)", name, strings.Join(Names(), ", "))
	}
	deps.Logger.Info("loading strategy", "name", name)
	return ctor(deps)
}
