// Package portfolio tracks cash, open positions, and realized PnL from the
// fill stream, and publishes equity snapshots to the KV store.
//
// The portfolio is the single source of truth for account state. The
// dispatcher is its only writer on the fill path; the risk manager and
// strategies read it through small interfaces they declare on their side.
// The panic watcher can trigger liquidation from its own goroutine, so all
// state sits behind a mutex.
package portfolio

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"cryptobot/internal/bus"
	"cryptobot/internal/store"
	"cryptobot/internal/telemetry"
	"cryptobot/pkg/types"
)

// closeTolerance bounds the acceptable drift between a closing fill's
// quantity and the open position's quantity.
const closeTolerance = 1e-9

const (
	// historyMaxPoints caps the equity chart ring published to the KV store.
	historyMaxPoints = 300
	// historyMinSpacing throttles equity history appends.
	historyMinSpacing = 5 * time.Second
)

// Portfolio applies fills, marks holdings to market, and liquidates on
// panic. At most one position is held per symbol; a fill opposing it closes
// the position in full.
type Portfolio struct {
	bus    *bus.Bus
	kv     store.KV
	logger *slog.Logger
	now    func() time.Time // swapped in tests

	mu             sync.RWMutex
	cash           float64
	initialCapital float64
	positions      map[string]types.Position
	lastPrices     map[string]float64
	ledger         []types.TradeRecord
	history        types.PortfolioHistory
	lastHistoryAt  time.Time
	panicMode      bool

	totalTrades   int
	winningTrades int
	totalProfit   float64
	totalLoss     float64
	holdingHours  float64
}

// New creates a portfolio holding initialCapital in cash. Liquidation orders
// are published to b; snapshots go to kv.
func New(initialCapital float64, b *bus.Bus, kv store.KV, logger *slog.Logger) *Portfolio {
	return &Portfolio{
		bus:            b,
		kv:             kv,
		logger:         logger.With("component", "portfolio"),
		now:            time.Now,
		cash:           initialCapital,
		initialCapital: initialCapital,
		positions:      make(map[string]types.Position),
		lastPrices:     make(map[string]float64),
	}
}

// OnFill applies an execution confirmation. A fill opposing an open position
// closes it in full and realizes PnL; any other fill opens a new position
// with the SL/TP carried on the fill. A closing fill whose quantity does not
// match the open position is rejected without touching state.
func (p *Portfolio) OnFill(ctx context.Context, e types.FillEvent) error {
	telemetry.IncTradesExecuted(e.Exchange, e.Symbol, string(e.Direction))

	p.mu.Lock()
	pos, open := p.positions[e.Symbol]
	closing := open && pos.Direction != e.Direction

	if closing && math.Abs(e.Quantity-pos.Quantity) > closeTolerance {
		p.mu.Unlock()
		p.logger.Error("closing fill quantity does not match open position, fill ignored",
			"symbol", e.Symbol, "fill_qty", e.Quantity, "position_qty", pos.Quantity)
		return nil
	}

	p.cash -= e.Commission

	if closing {
		p.closePosition(pos, e)
	} else {
		p.openPosition(e)
	}
	p.mu.Unlock()

	p.MarkToMarket(ctx, nil)
	p.publishStats(ctx)
	return nil
}

// closePosition realizes PnL and moves the round trip to the ledger.
// Caller holds p.mu.
func (p *Portfolio) closePosition(pos types.Position, e types.FillEvent) {
	p.totalTrades++

	var pnl float64
	if pos.Direction == types.BUY {
		pnl = (e.Price - pos.EntryPrice) * pos.Quantity
	} else {
		pnl = (pos.EntryPrice - e.Price) * pos.Quantity
	}
	if pnl >= 0 {
		p.winningTrades++
		p.totalProfit += pnl
	} else {
		p.totalLoss += math.Abs(pnl)
	}

	// Cash recovers the entry notional plus realized PnL.
	p.cash += pos.EntryPrice*pos.Quantity + pnl

	now := p.now().UTC()
	p.holdingHours += now.Sub(pos.EntryTimestamp).Hours()

	p.ledger = append(p.ledger, types.TradeRecord{
		Symbol:     pos.Symbol,
		Direction:  pos.Direction,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  e.Price,
		Quantity:   pos.Quantity,
		PnL:        pnl,
		EntryTime:  pos.EntryTimestamp,
		ExitTime:   now,
		Status:     "Fermé",
	})

	p.logger.Info("position closed", "symbol", pos.Symbol, "pnl", pnl)
	delete(p.positions, pos.Symbol)
}

// openPosition debits (BUY) or credits (SELL, short proceeds) the notional
// and records the position. Caller holds p.mu.
func (p *Portfolio) openPosition(e types.FillEvent) {
	if e.Direction == types.BUY {
		p.cash -= e.Quantity * e.Price
	} else {
		p.cash += e.Quantity * e.Price
	}
	p.positions[e.Symbol] = types.Position{
		Symbol:          e.Symbol,
		Direction:       e.Direction,
		Quantity:        e.Quantity,
		EntryPrice:      e.Price,
		StopLossPrice:   e.StopLossPrice,
		TakeProfitPrice: e.TakeProfitPrice,
		EntryTimestamp:  p.now().UTC(),
	}
	p.logger.Info("position opened",
		"symbol", e.Symbol, "direction", e.Direction, "quantity", e.Quantity, "price", e.Price)
}

// MarkToMarket merges prices into the last-known price set, recomputes total
// value, exports the value and position-count gauges, and publishes state,
// equity history, and the closed-trade ledger to the KV store. A nil map
// republishes with the prices already known.
func (p *Portfolio) MarkToMarket(ctx context.Context, prices map[string]float64) {
	p.mu.Lock()
	for sym, px := range prices {
		p.lastPrices[sym] = px
	}

	total := p.totalValueLocked()
	telemetry.SetPortfolioValue(total)
	telemetry.SetOpenPositions(len(p.positions))

	now := p.now().UTC()
	if len(p.history.Labels) == 0 || now.Sub(p.lastHistoryAt) > historyMinSpacing {
		p.history.Labels = append(p.history.Labels, now.Format(time.RFC3339Nano))
		p.history.TotalValue = append(p.history.TotalValue, total)
		p.history.Cash = append(p.history.Cash, p.cash)
		p.lastHistoryAt = now
		if n := len(p.history.Labels); n > historyMaxPoints {
			p.history.Labels = p.history.Labels[n-historyMaxPoints:]
			p.history.TotalValue = p.history.TotalValue[n-historyMaxPoints:]
			p.history.Cash = p.history.Cash[n-historyMaxPoints:]
		}
	}

	state := p.stateLocked(total)
	history := types.PortfolioHistory{
		Labels:     append(make([]string, 0, len(p.history.Labels)), p.history.Labels...),
		TotalValue: append(make([]float64, 0, len(p.history.TotalValue)), p.history.TotalValue...),
		Cash:       append(make([]float64, 0, len(p.history.Cash)), p.history.Cash...),
	}
	ledger := make([]types.TradeRecord, len(p.ledger))
	copy(ledger, p.ledger)
	p.mu.Unlock()

	// KV writes happen outside the lock; the store logs its own failures.
	p.kv.Set(ctx, store.KeyPortfolioState, state)
	p.kv.Set(ctx, store.KeyPortfolioHistory, history)
	p.kv.Set(ctx, store.KeyTradeHistory, ledger)
}

// publishStats publishes the win-rate block to the KV store.
func (p *Portfolio) publishStats(ctx context.Context) {
	p.mu.RLock()
	stats := types.StatsSnapshot{TotalTrades: p.totalTrades, ProfitFactor: 999}
	if p.totalTrades > 0 {
		stats.WinRate = float64(p.winningTrades) / float64(p.totalTrades) * 100
		stats.AvgHoldingTimeHours = p.holdingHours / float64(p.totalTrades)
	}
	if p.totalLoss > 0 {
		stats.ProfitFactor = p.totalProfit / p.totalLoss
	}
	p.mu.RUnlock()

	p.kv.Set(ctx, store.KeyStats, stats)
}

// ActivatePanic halts new entries and enqueues a closing MARKET order for
// every open position, in symbol order. Safe to call from any goroutine and
// idempotent while positions drain.
func (p *Portfolio) ActivatePanic(ctx context.Context) {
	p.mu.Lock()
	p.panicMode = true

	if len(p.positions) == 0 {
		p.mu.Unlock()
		p.logger.Info("panic mode: no positions to liquidate")
		return
	}

	now := p.now().UTC()
	orders := make([]types.OrderEvent, 0, len(p.positions))
	for _, sym := range p.symbolsLocked() {
		pos := p.positions[sym]
		orders = append(orders, types.OrderEvent{
			Timestamp: now,
			Symbol:    pos.Symbol,
			OrderType: types.OrderMarket,
			Direction: pos.Direction.Opposite(),
			Quantity:  math.Abs(pos.Quantity),
		})
	}
	p.mu.Unlock()

	p.logger.Warn("panic mode activated, liquidating all positions", "positions", len(orders))
	for _, o := range orders {
		if err := p.bus.Publish(ctx, o); err != nil {
			p.logger.Error("enqueue liquidation order", "symbol", o.Symbol, "error", err)
		}
	}
	p.logger.Info("panic mode: all liquidation orders enqueued")
}

// totalValueLocked returns cash plus holdings at last known prices, falling
// back to entry price for symbols never marked. Caller holds p.mu.
func (p *Portfolio) totalValueLocked() float64 {
	holdings := 0.0
	for sym, pos := range p.positions {
		px, ok := p.lastPrices[sym]
		if !ok {
			px = pos.EntryPrice
		}
		holdings += pos.Quantity * px
	}
	return p.cash + holdings
}

// stateLocked builds the KV state snapshot. Caller holds p.mu.
func (p *Portfolio) stateLocked(total float64) types.PortfolioState {
	positions := make([]types.Position, 0, len(p.positions))
	for _, sym := range p.symbolsLocked() {
		positions = append(positions, p.positions[sym])
	}
	pnl := total - p.initialCapital
	pct := 0.0
	if p.initialCapital > 0 {
		pct = pnl / p.initialCapital * 100
	}
	return types.PortfolioState{
		TotalValue: total,
		PnLValue:   pnl,
		PnLPct:     pct,
		Cash:       p.cash,
		Positions:  positions,
	}
}

// symbolsLocked returns the open-position symbols sorted for deterministic
// iteration. Caller holds p.mu.
func (p *Portfolio) symbolsLocked() []string {
	syms := make([]string, 0, len(p.positions))
	for sym := range p.positions {
		syms = append(syms, sym)
	}
	sort.Strings(syms)
	return syms
}

// LastPrice returns the last known price for symbol, 0 if never seen.
func (p *Portfolio) LastPrice(symbol string) float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastPrices[symbol]
}

// TotalValue returns cash plus holdings at last known prices.
func (p *Portfolio) TotalValue() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.totalValueLocked()
}

// Positions returns a snapshot of all open positions in symbol order.
func (p *Portfolio) Positions() []types.Position {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]types.Position, 0, len(p.positions))
	for _, sym := range p.symbolsLocked() {
		out = append(out, p.positions[sym])
	}
	return out
}

// Position returns the open position for symbol, if any.
func (p *Portfolio) Position(symbol string) (types.Position, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pos, ok := p.positions[symbol]
	return pos, ok
}

// InPanic reports whether panic liquidation has been triggered.
func (p *Portfolio) InPanic() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.panicMode
}

// Cash returns the current cash balance.
func (p *Portfolio) Cash() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cash
}
