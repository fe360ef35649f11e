// Package store publishes engine snapshots to the external key-value store.
//
// The portfolio and strategy serialize their state to JSON and overwrite a
// fixed set of keys that the dashboard reads. The store degrades gracefully:
// when no address is configured or the server is unreachable, writes become
// no-ops and the engine keeps trading without snapshot publication.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"cryptobot/internal/telemetry"
)

// Snapshot keys. Values are JSON strings, overwritten on every update.
const (
	KeyPortfolioState   = "bot:portfolio:state"
	KeyPortfolioHistory = "bot:portfolio:history"
	KeyTradeHistory     = "bot:trade_history"
	KeyStats            = "bot:stats"
	KeyLatestAnalysis   = "bot:latest_analysis"
)

// KV is the snapshot-publishing capability handed to components. The zero
// value of an implementation must not be used; inject a *Store.
type KV interface {
	Set(ctx context.Context, key string, v any) error
}

// Store is the Redis-backed KV implementation. A nil client means degraded
// mode: Set calls are skipped.
type Store struct {
	client *redis.Client
	logger *slog.Logger
}

// Open connects to the KV store at addr. An empty addr or a failed ping
// returns a degraded store rather than an error; snapshot publication is an
// observability concern, not a trading dependency.
func Open(addr string, db int, logger *slog.Logger) *Store {
	logger = logger.With("component", "store")

	if addr == "" {
		logger.Info("no KV address configured, snapshots disabled")
		return &Store{logger: logger}
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		logger.Error("KV store unreachable, snapshots disabled", "addr", addr, "error", err)
		client.Close()
		return &Store{logger: logger}
	}

	logger.Info("KV store connected", "addr", addr, "db", db)
	return &Store{client: client, logger: logger}
}

// Enabled reports whether writes reach a live server.
func (s *Store) Enabled() bool { return s.client != nil }

// Set marshals v to JSON and overwrites key. In degraded mode it returns nil
// without writing. Write failures are logged and counted; the caller may
// ignore the returned error.
func (s *Store) Set(ctx context.Context, key string, v any) error {
	if s.client == nil {
		return nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("marshal snapshot", "key", key, "error", err)
		return fmt.Errorf("marshal %s: %w", key, err)
	}

	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		telemetry.IncDBWriteFailure()
		s.logger.Error("KV write failed", "key", key, "error", err)
		return fmt.Errorf("set %s: %w", key, err)
	}

	telemetry.IncDBWriteSuccess()
	return nil
}

// Close releases the client connection.
func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}
