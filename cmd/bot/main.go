// Crypto trading bot — an event-driven trading engine for cryptocurrency
// markets with pluggable strategies and simulated or live execution.
//
// Architecture:
//
//	main.go            — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go   — orchestrator: wires connector → bus → dispatcher → strategy → risk → execution
//	bus/bus.go         — bounded event queue; components publish, one dispatcher consumes
//	exchange/          — WebSocket depth feed with auto-reconnect + REST candle backfill
//	market/candles.go  — rolling OHLCV assembly from book updates
//	strategy/          — signal generators: three-model ML funnel, SMA crossover, book imbalance
//	risk/manager.go    — sizes signals into orders, enforces SL/TP exits, panic kill switch
//	execution/         — simulated fills with slippage and commission, or live venue orders
//	portfolio/         — cash, positions, realized PnL, equity snapshots
//	store/store.go     — Redis snapshot publication for the dashboard (optional)
//	telemetry/         — Prometheus metrics and the /metrics endpoint
//
// How it trades:
//
//	Every book update becomes a MARKET event on one bounded queue consumed
//	by a single dispatcher, so handlers never run concurrently: the update
//	feeds the active strategy, marks the portfolio, and checks exits. A
//	strategy SIGNAL is sized by the risk manager into an ORDER, the
//	executor turns it into a FILL, and the portfolio books it. Given the
//	event order, everything downstream of the queue is deterministic.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"cryptobot/internal/config"
	"cryptobot/internal/engine"
	"cryptobot/internal/telemetry"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("CRYPTOBOT_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	// Create and start engine
	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	// Start metrics endpoint if enabled
	var metricsServer *telemetry.Server
	if cfg.Metrics.Enabled {
		metricsServer = telemetry.NewServer(cfg.Metrics.Listen, logger)
		go func() {
			if err := metricsServer.Start(); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if !cfg.LiveTrading.Enabled {
		logger.Warn("SIMULATED MODE — no real orders will be placed")
	}

	logger.Info("trading bot started",
		"strategy", cfg.ActiveStrategy,
		"initial_capital", cfg.InitialCapital,
		"live_trading", cfg.LiveTrading.Enabled,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Stop the scrape endpoint first, then drain the engine
	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error("failed to stop metrics server", "error", err)
		}
	}

	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
