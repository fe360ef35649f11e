// Package execution turns sized orders into fills.
//
// Two executors implement the same contract: Simulated prices fills off the
// portfolio's last known price with configurable slippage and commission,
// Live submits market orders to the execution venue's REST API. The engine
// selects one at startup; everything upstream of the ORDER event is
// oblivious to which.
package execution

import (
	"context"
	"log/slog"
	"time"

	"cryptobot/internal/bus"
	"cryptobot/internal/config"
	"cryptobot/pkg/types"
)

// Executor consumes sized orders and emits FILL events to the bus.
// Implementations never propagate venue rejections; they log and drop.
type Executor interface {
	OnOrder(ctx context.Context, e types.OrderEvent) error
}

// PriceView provides the last known market price, used to price simulated
// fills and to sanity-check live order notionals. *portfolio.Portfolio
// satisfies it.
type PriceView interface {
	LastPrice(symbol string) float64
}

// Simulated is the paper-trading executor: every order fills immediately at
// the last known price adjusted by slippage, and pays commission on the
// filled notional.
type Simulated struct {
	bus    *bus.Bus
	prices PriceView
	cfg    config.ExecutionConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewSimulated builds the paper executor with slippage and commission rates
// from cfg.
func NewSimulated(cfg config.ExecutionConfig, b *bus.Bus, prices PriceView, logger *slog.Logger) *Simulated {
	return &Simulated{
		bus:    b,
		prices: prices,
		cfg:    cfg,
		logger: logger.With("component", "execution", "mode", "simulated"),
		now:    time.Now,
	}
}

// OnOrder fills the order at last price plus adverse slippage: a BUY pays
// up, a SELL receives less. Orders for symbols without a market price yet
// are dropped with an error log.
func (s *Simulated) OnOrder(ctx context.Context, order types.OrderEvent) error {
	last := s.prices.LastPrice(order.Symbol)
	if last <= 0 {
		s.logger.Error("no market price for symbol, order dropped", "symbol", order.Symbol)
		return nil
	}

	slippage := last * s.cfg.SlippagePct
	fillPrice := last + slippage
	if order.Direction == types.SELL {
		fillPrice = last - slippage
	}
	commission := order.Quantity * fillPrice * s.cfg.CommissionPct

	fill := types.FillEvent{
		Timestamp:       s.now().UTC(),
		Symbol:          order.Symbol,
		Direction:       order.Direction,
		Quantity:        order.Quantity,
		Price:           fillPrice,
		Commission:      commission,
		Exchange:        "SIMULATED",
		StopLossPrice:   order.StopLossPrice,
		TakeProfitPrice: order.TakeProfitPrice,
	}
	s.logger.Info("order filled",
		"symbol", order.Symbol, "direction", order.Direction,
		"quantity", order.Quantity, "price", fillPrice)
	return s.bus.Publish(ctx, fill)
}
