// Package telemetry exposes the engine's Prometheus metrics.
//
// Metrics updated during operation:
//   - data_acquirer_messages_processed_total{exchange} – frames decoded per venue
//   - data_acquirer_db_writes_success_total            – successful KV snapshot writes
//   - data_acquirer_db_writes_failure_total            – failed KV snapshot writes
//   - data_acquirer_buffer_queue_size                  – current event bus depth (gauge)
//   - trading_bot_portfolio_value_usd                  – total portfolio value (gauge)
//   - trading_bot_open_positions_total                 – open position count (gauge)
//   - trading_bot_trades_executed_total{exchange,symbol,side} – fills processed
//
// These are registered in init() and served by the HTTP server in server.go
// at /metrics (Prometheus text exposition format).
package telemetry

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const queueSampleInterval = 5 * time.Second

var (
	messagesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "data_acquirer_messages_processed_total",
			Help: "Total number of messages processed by the data acquirer",
		},
		[]string{"exchange"},
	)

	dbWritesSuccess = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "data_acquirer_db_writes_success_total",
			Help: "Total number of successful writes to the database",
		},
	)

	dbWritesFailure = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "data_acquirer_db_writes_failure_total",
			Help: "Total number of failed writes to the database",
		},
	)

	bufferQueueSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "data_acquirer_buffer_queue_size",
			Help: "Current number of items in the buffer queue",
		},
	)

	portfolioValue = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trading_bot_portfolio_value_usd",
			Help: "Current total value of the trading portfolio",
		},
	)

	openPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trading_bot_open_positions_total",
			Help: "Current number of open positions",
		},
	)

	tradesExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trading_bot_trades_executed_total",
			Help: "Total number of trades executed by the bot",
		},
		[]string{"exchange", "symbol", "side"},
	)
)

func init() {
	prometheus.MustRegister(messagesProcessed, dbWritesSuccess, dbWritesFailure, bufferQueueSize)
	prometheus.MustRegister(portfolioValue, openPositions, tradesExecuted)
}

func IncMessagesProcessed(exchange string) { messagesProcessed.WithLabelValues(exchange).Inc() }
func IncDBWriteSuccess()                   { dbWritesSuccess.Inc() }
func IncDBWriteFailure()                   { dbWritesFailure.Inc() }
func SetPortfolioValue(v float64)          { portfolioValue.Set(v) }
func SetOpenPositions(n int)               { openPositions.Set(float64(n)) }

func IncTradesExecuted(exchange, symbol, side string) {
	tradesExecuted.WithLabelValues(exchange, symbol, side).Inc()
}

// MonitorQueue samples the bus depth every 5 seconds until ctx is cancelled.
func MonitorQueue(ctx context.Context, depth func() int) {
	ticker := time.NewTicker(queueSampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bufferQueueSize.Set(float64(depth()))
		}
	}
}
