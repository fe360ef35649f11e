// Package engine wires the trading pipeline and runs its event loop.
//
// It composes all subsystems around one bounded event bus:
//
//  1. A Connector streams order book updates from the data venue onto the bus.
//  2. A single dispatcher pops one event at a time and routes it by type:
//     MARKET feeds the strategy, the portfolio mark, and the exit checks;
//     SIGNAL feeds risk sizing; ORDER feeds execution; FILL feeds accounting.
//  3. The panic watcher and the queue-depth monitor run alongside.
//
// The dispatcher is the only consumer of the bus and the only writer of
// portfolio state, so handlers never overlap. Components that need to react
// to each other do it by publishing events, never by calling back.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"cryptobot/internal/bus"
	"cryptobot/internal/config"
	"cryptobot/internal/exchange"
	"cryptobot/internal/execution"
	"cryptobot/internal/portfolio"
	"cryptobot/internal/risk"
	"cryptobot/internal/store"
	"cryptobot/internal/strategy"
	"cryptobot/internal/telemetry"
	"cryptobot/pkg/types"
)

// Engine owns the lifecycle of every component and the dispatch loop.
type Engine struct {
	cfg       *config.Config
	bus       *bus.Bus
	store     *store.Store
	portfolio *portfolio.Portfolio
	strategy  strategy.Strategy
	risk      *risk.Manager
	executor  execution.Executor
	watcher   *risk.Watcher
	connector *exchange.Connector
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires all engine components. Wiring errors are fatal: an unknown
// strategy or venue, unloadable model artifacts, or an execution venue
// whose market metadata cannot be fetched all abort startup.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	b := bus.New(cfg.Bus.Capacity)
	st := store.Open(cfg.Redis.Addr, cfg.Redis.DB, logger)
	pf := portfolio.New(cfg.InitialCapital, b, st, logger)

	srcID := cfg.LiveTrading.DataSourceID
	src, ok := cfg.DataAcquisition.Exchanges[srcID]
	if !ok {
		return nil, fmt.Errorf("data source %q is not in the exchange catalog", srcID)
	}

	// The backfill client exists only when the venue has a REST endpoint;
	// strategies that require history refuse to start without one.
	var backfill strategy.CandleFetcher
	if src.RESTURL != "" {
		backfill = exchange.NewBackfill(src.RESTURL, logger)
	}

	strat, err := strategy.Load(cfg.ActiveStrategy, strategy.Deps{
		Bus:       b,
		Portfolio: pf,
		KV:        st,
		Backfill:  backfill,
		Config:    cfg,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	executor, err := buildExecutor(cfg, b, pf, logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:       cfg,
		bus:       b,
		store:     st,
		portfolio: pf,
		strategy:  strat,
		risk:      risk.NewManager(cfg.Risk, b, pf, logger),
		executor:  executor,
		watcher:   risk.NewWatcher(cfg.PanicFile, pf, logger),
		connector: exchange.NewConnector(srcID, src.WSURL, src.Symbols, src.Depth, b, logger),
		logger:    logger.With("component", "engine"),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// buildExecutor selects the execution backend. Live mode is a two-step
// construction: instantiate, then load the venue's market metadata; a
// failure there aborts startup rather than discovering it on the first
// order.
func buildExecutor(cfg *config.Config, b *bus.Bus, pf *portfolio.Portfolio, logger *slog.Logger) (execution.Executor, error) {
	if !cfg.LiveTrading.Enabled {
		return execution.NewSimulated(cfg.Execution, b, pf, logger), nil
	}

	venue := cfg.LiveTrading.ExecutionExchangeID
	venueCfg, ok := cfg.DataAcquisition.Exchanges[venue]
	if !ok {
		return nil, fmt.Errorf("execution venue %q is not in the exchange catalog", venue)
	}
	baseURL := venueCfg.RESTURL
	if cfg.LiveTrading.IsTestnet {
		baseURL = venueCfg.TestnetRESTURL
	}

	live := execution.NewLiveExecutor(
		venue, baseURL, cfg.LiveTrading.APIKeys[venue], cfg.LiveTrading.SymbolMap, b, pf, logger)
	if err := live.LoadMarkets(context.Background()); err != nil {
		return nil, fmt.Errorf("load execution venue markets: %w", err)
	}
	return live, nil
}

// Start warms up the strategy and launches the long-lived goroutines:
// connector, panic watcher, queue monitor, and the dispatch loop.
//
// Warm-up is synchronous and runs before the connector, so a fatal
// backfill configuration surfaces here instead of after the feed is live.
func (e *Engine) Start() error {
	if err := e.strategy.Warmup(e.ctx); err != nil {
		return fmt.Errorf("strategy warm-up: %w", err)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.connector.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("connector stopped", "error", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.watcher.Run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("panic watcher stopped", "error", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		telemetry.MonitorQueue(e.ctx, e.bus.Len)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dispatch()
	}()

	e.logger.Info("engine started",
		"strategy", e.strategy.Name(),
		"data_source", e.cfg.LiveTrading.DataSourceID,
		"live_trading", e.cfg.LiveTrading.Enabled,
		"bus_capacity", e.bus.Cap(),
	)
	return nil
}

// Stop cancels all goroutines, waits for them to drain, and closes network
// resources.
func (e *Engine) Stop() {
	e.logger.Info("shutting down")

	e.cancel()
	e.wg.Wait()

	if err := e.connector.Close(); err != nil {
		e.logger.Error("close connector", "error", err)
	}
	if err := e.store.Close(); err != nil {
		e.logger.Error("close KV store", "error", err)
	}

	e.logger.Info("shutdown complete")
}

// dispatch is the single consumer of the bus. It runs handlers to
// completion in enqueue order; everything downstream of the bus is
// serialized through this loop.
func (e *Engine) dispatch() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case evt := <-e.bus.Events():
			e.handle(evt)
		}
	}
}

// handle routes one event. A handler error is logged and absorbed: one bad
// event must not stall the pipeline behind it.
func (e *Engine) handle(evt types.Event) {
	switch ev := evt.(type) {
	case types.MarketEvent:
		if err := e.strategy.OnMarket(e.ctx, ev); err != nil {
			e.logger.Error("strategy handler failed", "symbol", ev.Symbol, "error", err)
		}
		// Mark first, then check exits, so stops and targets are evaluated
		// against the price that was just recorded.
		prices := map[string]float64{ev.Symbol: ev.Mid()}
		e.portfolio.MarkToMarket(e.ctx, prices)
		if err := e.risk.CheckExits(e.ctx, prices); err != nil {
			e.logger.Error("exit check failed", "symbol", ev.Symbol, "error", err)
		}
	case types.SignalEvent:
		if err := e.risk.OnSignal(e.ctx, ev); err != nil {
			e.logger.Error("signal handler failed", "symbol", ev.Symbol, "error", err)
		}
	case types.OrderEvent:
		if err := e.executor.OnOrder(e.ctx, ev); err != nil {
			e.logger.Error("order handler failed", "symbol", ev.Symbol, "error", err)
		}
	case types.FillEvent:
		if err := e.portfolio.OnFill(e.ctx, ev); err != nil {
			e.logger.Error("fill handler failed", "symbol", ev.Symbol, "error", err)
		}
	default:
		e.logger.Warn("unknown event type discarded", "type", evt.Type())
	}
}
