// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine: the event union
// carried by the bus, candles, positions, and the JSON snapshot records
// published to the key-value store. It has no dependencies on internal
// packages, so it can be imported by any layer.
package types

import (
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// EventType tags each message on the event bus. The dispatcher routes on
// this tag; every event carries exactly one.
type EventType string

const (
	EventMarket EventType = "MARKET" // order book update from a connector
	EventSignal EventType = "SIGNAL" // strategy output: desired exposure
	EventOrder  EventType = "ORDER"  // risk-sized order ready for execution
	EventFill   EventType = "FILL"   // execution confirmation
)

// Side represents the direction of an order or fill: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the side that closes a position opened on s.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// Direction is the exposure a strategy wants: LONG or SHORT.
type Direction string

const (
	LONG  Direction = "LONG"
	SHORT Direction = "SHORT"
)

// OrderSide maps a signal direction to the order side that opens it.
func (d Direction) OrderSide() Side {
	if d == LONG {
		return BUY
	}
	return SELL
}

// OrderType enumerates the supported order kinds.
type OrderType string

const (
	OrderMarket OrderType = "MARKET"
	OrderLimit  OrderType = "LIMIT"
)

// ————————————————————————————————————————————————————————————————————————
// Event union
// ————————————————————————————————————————————————————————————————————————
// The bus carries exactly four concrete event types. Event is a closed
// union: the dispatcher switches on Type() and warns on anything else.

// Event is the message contract of the bus.
type Event interface {
	Type() EventType
}

// BookLevel is a single bid or ask level: price and resting quantity.
// The exchange depth frames carry levels as [price, qty] pairs; connectors
// convert them to this struct before enqueueing.
type BookLevel struct {
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
}

// MarketEvent is a top-of-book update for one symbol.
//
// Invariants: BestBid <= BestAsk, both strictly positive, Bids sorted
// descending and Asks ascending by price. Connectors enforce these before
// enqueueing; downstream handlers may assume them.
type MarketEvent struct {
	Timestamp time.Time
	Symbol    string
	BestBid   float64
	BestAsk   float64
	Bids      []BookLevel // best bid first
	Asks      []BookLevel // best ask first
}

// Type implements Event.
func (e MarketEvent) Type() EventType { return EventMarket }

// Mid returns the midpoint between best bid and best ask.
func (e MarketEvent) Mid() float64 { return (e.BestBid + e.BestAsk) / 2 }

// SignalEvent is a strategy's request for exposure on a symbol.
type SignalEvent struct {
	Timestamp time.Time
	Symbol    string
	Direction Direction
	Strength  float64 // 1.0 unless the strategy grades its conviction
}

// Type implements Event.
func (e SignalEvent) Type() EventType { return EventSignal }

// OrderEvent is a sized order produced by the risk manager.
// Quantity is always positive; Price is 0 for market orders.
type OrderEvent struct {
	Timestamp       time.Time
	Symbol          string
	OrderType       OrderType
	Direction       Side
	Quantity        float64
	Price           float64
	StopLossPrice   float64 // 0 = none
	TakeProfitPrice float64 // 0 = none
}

// Type implements Event.
func (e OrderEvent) Type() EventType { return EventOrder }

// FillEvent confirms an executed order. Exchange identifies the venue
// ("SIMULATED" for the paper executor). SL/TP are copied from the order
// so the portfolio can attach them to the opened position.
type FillEvent struct {
	Timestamp       time.Time
	Symbol          string
	Direction       Side
	Quantity        float64
	Price           float64
	Commission      float64
	Exchange        string
	StopLossPrice   float64
	TakeProfitPrice float64
}

// Type implements Event.
func (e FillEvent) Type() EventType { return EventFill }

// ————————————————————————————————————————————————————————————————————————
// Candles
// ————————————————————————————————————————————————————————————————————————

// Candle is one OHLCV bar. StartTime is aligned to the period boundary.
// Invariant: Low <= Open, Close <= High.
type Candle struct {
	StartTime time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

// Position is an open holding. Direction is the side of the opening fill:
// BUY for long, SELL for short. Quantity is always positive. At most one
// position exists per symbol; an opposing fill closes it.
//
// JSON tags match the portfolio state snapshot published to the KV store.
type Position struct {
	Symbol          string    `json:"symbol"`
	Direction       Side      `json:"direction"`
	Quantity        float64   `json:"quantity"`
	EntryPrice      float64   `json:"entry_price"`
	StopLossPrice   float64   `json:"stop_loss_price"`
	TakeProfitPrice float64   `json:"take_profit_price"`
	EntryTimestamp  time.Time `json:"entry_timestamp"`
}

// ————————————————————————————————————————————————————————————————————————
// KV snapshot records
// ————————————————————————————————————————————————————————————————————————
// These structs map 1:1 to the JSON values the portfolio and strategy
// publish to the key-value store. The HTTP dashboard reads them verbatim,
// so field names are part of the external contract.

// PortfolioState is the value of `bot:portfolio:state`.
type PortfolioState struct {
	TotalValue float64    `json:"total_value"`
	PnLValue   float64    `json:"pnl_value"` // total_value - initial_capital
	PnLPct     float64    `json:"pnl_pct"`
	Cash       float64    `json:"cash"`
	Positions  []Position `json:"positions"`
}

// PortfolioHistory is the value of `bot:portfolio:history`: three parallel
// series for the equity chart, trimmed to the most recent 300 points.
type PortfolioHistory struct {
	Labels     []string  `json:"labels"` // ISO timestamps
	TotalValue []float64 `json:"total_value"`
	Cash       []float64 `json:"cash"`
}

// TradeRecord is one closed round-trip in `bot:trade_history`.
type TradeRecord struct {
	Symbol     string    `json:"symbol"`
	Direction  Side      `json:"direction"` // side of the opening fill
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	Quantity   float64   `json:"quantity"`
	PnL        float64   `json:"pnl"`
	EntryTime  time.Time `json:"entry_time"`
	ExitTime   time.Time `json:"exit_time"`
	Status     string    `json:"status"` // "Fermé"
}

// StatsSnapshot is the value of `bot:stats`.
// ProfitFactor is 999 when no losing trade has been recorded yet.
type StatsSnapshot struct {
	TotalTrades         int     `json:"total_trades"`
	WinRate             float64 `json:"win_rate"` // percent
	ProfitFactor        float64 `json:"profit_factor"`
	AvgHoldingTimeHours float64 `json:"avg_holding_time_hours"`
}

// StageStatus is one step of the decision funnel in the analysis snapshot.
// Value holds the model output label (or the formatted RSI); Pass reports
// whether the stage favored the buy side.
type StageStatus struct {
	Value string `json:"value"`
	Pass  bool   `json:"pass"`
}

// AnalysisSnapshot is the value of `bot:latest_analysis`, overwritten after
// every stage of the funnel so the dashboard can render progress live.
// FinalDecision is one of "ANALYSE EN COURS", "ACHAT", "VENTE",
// "AUCUN SIGNAL".
type AnalysisSnapshot struct {
	Timestamp     time.Time   `json:"timestamp"`
	Symbol        string      `json:"symbol"`
	Regime        StageStatus `json:"regime"`
	Momentum      StageStatus `json:"momentum"`
	Volatility    StageStatus `json:"volatility"`
	RSI           StageStatus `json:"rsi"`
	FinalDecision string      `json:"final_decision"`
}
