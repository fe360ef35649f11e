// Package risk sizes signals into orders and enforces position exits.
//
// The manager sits between strategies and execution: a SIGNAL it accepts
// becomes a MARKET order with a quantity derived from the portfolio value
// and a volatility proxy, plus stop-loss and take-profit levels. On every
// market update it walks the open positions and emits closing orders for
// any whose SL/TP level has been crossed. The panic watcher lives here too:
// a rendezvous file on disk flattens the whole book.
package risk

import (
	"context"
	"log/slog"
	"math"
	"time"

	"cryptobot/internal/bus"
	"cryptobot/internal/config"
	"cryptobot/pkg/types"
)

// PortfolioView is the read-only account access the manager needs.
// *portfolio.Portfolio satisfies it.
type PortfolioView interface {
	LastPrice(symbol string) float64
	TotalValue() float64
	Positions() []types.Position
	InPanic() bool
}

// Manager turns signals into sized orders and watches exits.
type Manager struct {
	bus       *bus.Bus
	portfolio PortfolioView
	cfg       config.RiskConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewManager wires the sizing rule from cfg. Orders are published to b.
func NewManager(cfg config.RiskConfig, b *bus.Bus, view PortfolioView, logger *slog.Logger) *Manager {
	return &Manager{
		bus:       b,
		portfolio: view,
		cfg:       cfg,
		logger:    logger.With("component", "risk"),
		now:       time.Now,
	}
}

// atrProxy estimates volatility as a fixed fraction of the last price.
// Candle-based ATR needs per-symbol history the risk layer does not keep.
func (m *Manager) atrProxy(symbol string) float64 {
	last := m.portfolio.LastPrice(symbol)
	if last <= 0 {
		return 0
	}
	return last * m.cfg.ATRProxyPct
}

// OnSignal sizes a strategy signal into a MARKET order.
//
// quantity = (total_value * risk_per_trade_pct) / (stop_multiplier * atr),
// so the loss incurred if the stop is hit equals the configured risk
// fraction of the portfolio. Signals are dropped silently when the symbol
// has no price yet or panic mode is active.
func (m *Manager) OnSignal(ctx context.Context, e types.SignalEvent) error {
	if m.portfolio.InPanic() {
		m.logger.Debug("panic mode active, signal dropped", "symbol", e.Symbol)
		return nil
	}

	last := m.portfolio.LastPrice(e.Symbol)
	if last <= 0 {
		return nil
	}
	atr := m.atrProxy(e.Symbol)
	if atr <= 0 {
		return nil
	}

	riskAbs := m.portfolio.TotalValue() * m.cfg.RiskPerTradePct
	stopDistance := m.cfg.StopMultiplier * atr
	if stopDistance == 0 {
		return nil
	}
	quantity := riskAbs / stopDistance
	if quantity <= 0 {
		return nil
	}

	var stopLoss, takeProfit float64
	if e.Direction == types.LONG {
		stopLoss = last - stopDistance
		takeProfit = last + stopDistance*m.cfg.RewardRisk
	} else {
		stopLoss = last + stopDistance
		takeProfit = last - stopDistance*m.cfg.RewardRisk
	}

	order := types.OrderEvent{
		Timestamp:       m.now().UTC(),
		Symbol:          e.Symbol,
		OrderType:       types.OrderMarket,
		Direction:       e.Direction.OrderSide(),
		Quantity:        quantity,
		StopLossPrice:   stopLoss,
		TakeProfitPrice: takeProfit,
	}
	m.logger.Info("order sized",
		"symbol", e.Symbol, "direction", order.Direction, "quantity", quantity,
		"stop_loss", stopLoss, "take_profit", takeProfit)
	return m.bus.Publish(ctx, order)
}

// CheckExits emits a closing MARKET order for every open position whose
// stop-loss or take-profit level is crossed by the given prices. Symbols
// without a fresh price are skipped; a zero take-profit means none is set.
func (m *Manager) CheckExits(ctx context.Context, prices map[string]float64) error {
	for _, pos := range m.portfolio.Positions() {
		price, ok := prices[pos.Symbol]
		if !ok || price == 0 {
			continue
		}

		var reason string
		switch {
		case pos.Direction == types.BUY && price <= pos.StopLossPrice:
			reason = "stop-loss"
		case pos.Direction == types.SELL && price >= pos.StopLossPrice:
			reason = "stop-loss"
		}
		if reason == "" && pos.TakeProfitPrice > 0 {
			switch {
			case pos.Direction == types.BUY && price >= pos.TakeProfitPrice:
				reason = "take-profit"
			case pos.Direction == types.SELL && price <= pos.TakeProfitPrice:
				reason = "take-profit"
			}
		}
		if reason == "" {
			continue
		}

		m.logger.Info("exit triggered",
			"reason", reason, "symbol", pos.Symbol, "direction", pos.Direction, "price", price)
		order := types.OrderEvent{
			Timestamp: m.now().UTC(),
			Symbol:    pos.Symbol,
			OrderType: types.OrderMarket,
			Direction: pos.Direction.Opposite(),
			Quantity:  math.Abs(pos.Quantity),
		}
		if err := m.bus.Publish(ctx, order); err != nil {
			return err
		}
	}
	return nil
}
