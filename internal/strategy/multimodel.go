package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"cryptobot/internal/bus"
	"cryptobot/internal/config"
	"cryptobot/internal/market"
	"cryptobot/internal/store"
	"cryptobot/pkg/types"
)

// Class labels and dashboard strings. The dashboard renders these verbatim,
// French included, so they must match the trained model classes exactly.
const (
	regimeBull2021   = "Bull_Market_2021"
	regimeRecent2024 = "Recent_Data_2024"
	regimeBear2022   = "Bear_Market_2022"

	momentumBull = "Momentum Haussier"
	momentumBear = "Momentum Baissier"

	volatilityHigh = "Haute Volatilité"
	volatilityLow  = "Basse Volatilité"

	decisionPending = "ANALYSE EN COURS"
	decisionBuy     = "ACHAT"
	decisionSell    = "VENTE"
	decisionNone    = "AUCUN SIGNAL"

	stageRunning = "En cours..."
	stageWaiting = "En attente..."
)

// rsiColumn is the feature the trigger stage reads.
const rsiColumn = "RSI_14"

// MultiModel chains three models into a decision funnel: a tabular
// classifier names the market regime, two sequence models grade momentum
// and volatility, and the latest RSI acts as the trigger. Stage outcomes
// feed an additive buy/sell score; crossing a threshold emits a signal.
//
// Candles are assembled from live mid prices, seeded by a one-shot
// backfill at startup. Inference runs at most once per candle bucket, on a
// worker goroutine so the dispatcher never waits on model math. Progress
// is published to the KV store after every stage so the dashboard can
// render the funnel as it fills.
type MultiModel struct {
	cfg      config.MultiModelConfig
	bus      *bus.Bus
	kv       store.KV
	backfill CandleFetcher
	models   *ModelSet
	logger   *slog.Logger

	assembler *market.Assembler

	ready atomic.Bool // history preloaded, live events accepted
	busy  atomic.Bool // one inference at a time

	lastAnalysis time.Time // bucket consumed by the last inference
	now          func() time.Time
}

// NewMultiModel loads the model artifacts and builds the funnel. Missing
// or malformed artifacts make the constructor fail; a bot trading on a
// half-loaded funnel is worse than one that refuses to start.
func NewMultiModel(d Deps) (*MultiModel, error) {
	cfg := d.Config.Strategies.MultiModel

	models, err := LoadModels(d.Config.ModelDir)
	if err != nil {
		return nil, fmt.Errorf("load models: %w", err)
	}

	logger := d.Logger.With("strategy", "multi_model_strategy")
	return &MultiModel{
		cfg:       cfg,
		bus:       d.Bus,
		kv:        d.KV,
		backfill:  d.Backfill,
		models:    models,
		logger:    logger,
		assembler: market.NewAssembler(cfg.Timeframe, cfg.HistoryLength, logger),
		now:       time.Now,
	}, nil
}

// Name implements Strategy.
func (m *MultiModel) Name() string { return "multi_model_strategy" }

// Warmup preloads the candle history through the backfill source. A fetch
// failure is logged and the strategy goes live anyway with whatever the
// assembler accumulates; a missing backfill source is a configuration
// error and aborts startup.
func (m *MultiModel) Warmup(ctx context.Context) error {
	if m.backfill == nil {
		return fmt.Errorf("no backfill source configured for %s", m.cfg.Symbol)
	}

	m.logger.Info("backfilling candle history",
		"symbol", m.cfg.Symbol, "timeframe", m.cfg.Timeframe, "limit", m.cfg.HistoryLength)

	candles, err := m.backfill.FetchCandles(ctx, m.cfg.Symbol, m.cfg.Timeframe, m.cfg.HistoryLength)
	switch {
	case err != nil && ctx.Err() != nil:
		return ctx.Err()
	case err != nil:
		m.logger.Error("history backfill failed", "error", err)
	default:
		m.assembler.Preload(candles)
		m.logger.Info("history preloaded", "candles", m.assembler.Len())
	}

	m.ready.Store(true)
	m.logger.Info("strategy ready for live data")
	return nil
}

// OnMarket folds the mid price into the current candle and, on the first
// event of a new bucket with a full history, hands one inference cycle to
// a worker goroutine. Re-entry is blocked two ways: the bucket gate skips
// buckets already analyzed, and the busy flag skips buckets that arrive
// while a previous inference is still running (those retry on the next
// event).
func (m *MultiModel) OnMarket(ctx context.Context, e types.MarketEvent) error {
	if !m.ready.Load() {
		return nil
	}
	if e.Symbol != m.cfg.Symbol {
		return nil
	}

	m.assembler.Update(e.Mid(), e.Timestamp)

	bucket := m.assembler.BucketStart(e.Timestamp)
	if m.lastAnalysis.Equal(bucket) {
		return nil
	}
	if m.assembler.Len() < m.cfg.HistoryLength {
		return nil
	}
	if !m.busy.CompareAndSwap(false, true) {
		return nil
	}
	m.lastAnalysis = bucket

	history := m.assembler.History()
	go func() {
		defer m.busy.Store(false)
		m.analyze(ctx, e.Symbol, history)
	}()
	return nil
}

// analyze runs the staged funnel over a history snapshot. Each stage
// publishes the analysis state before and after its inference; an early
// abort leaves the last published state in place, pending decision
// included.
func (m *MultiModel) analyze(ctx context.Context, symbol string, candles []types.Candle) {
	frame, err := ComputeFeatures(candles)
	if err != nil {
		m.logger.Error("feature computation failed", "error", err)
		return
	}

	m.logger.Info("decision funnel started", "symbol", symbol, "feature_rows", frame.Len())

	snap := types.AnalysisSnapshot{
		Timestamp:     m.now().UTC(),
		Symbol:        symbol,
		Regime:        types.StageStatus{Value: stageRunning},
		Momentum:      types.StageStatus{Value: stageWaiting},
		Volatility:    types.StageStatus{Value: stageWaiting},
		RSI:           types.StageStatus{Value: stageWaiting},
		FinalDecision: decisionPending,
	}
	m.publishAnalysis(ctx, snap)

	// Stage 1: market regime.
	regimeRow, err := frame.Row(m.models.Regime.Features, frame.Len()-1)
	if err != nil {
		m.logger.Error("regime features", "error", err)
		return
	}
	idx, err := m.models.Regime.PredictSingle(regimeRow)
	if err != nil {
		m.logger.Error("regime inference", "error", err)
		return
	}
	regime, err := m.models.Regime.Class(idx)
	if err != nil {
		m.logger.Error("regime inference", "error", err)
		return
	}
	snap.Regime = types.StageStatus{Value: regime, Pass: isBullRegime(regime)}
	m.publishAnalysis(ctx, snap)
	m.logger.Info("regime stage", "value", regime)

	// Stage 2: momentum over the long look-back window.
	snap.Momentum.Value = stageRunning
	m.publishAnalysis(ctx, snap)
	momentum, err := m.sequenceStage(m.models.Momentum, m.models.MomentumScaler, frame, momentumBull, momentumBear)
	if err != nil {
		m.logger.Warn("momentum stage skipped", "error", err)
		return
	}
	snap.Momentum = types.StageStatus{Value: momentum, Pass: momentum == momentumBull}
	m.publishAnalysis(ctx, snap)
	m.logger.Info("momentum stage", "value", momentum)

	// Stage 3: volatility over the short look-back window.
	snap.Volatility.Value = stageRunning
	m.publishAnalysis(ctx, snap)
	volatility, err := m.sequenceStage(m.models.Volatility, m.models.VolatilityScaler, frame, volatilityHigh, volatilityLow)
	if err != nil {
		m.logger.Warn("volatility stage skipped", "error", err)
		return
	}
	snap.Volatility = types.StageStatus{Value: volatility, Pass: volatility == volatilityLow}
	m.publishAnalysis(ctx, snap)
	m.logger.Info("volatility stage", "value", volatility)

	// Stage 4: RSI trigger.
	rsiVal, err := frame.Last(rsiColumn)
	if err != nil {
		m.logger.Error("rsi stage", "error", err)
		return
	}
	snap.RSI = types.StageStatus{
		Value: fmt.Sprintf("%.2f", rsiVal),
		Pass:  rsiVal < m.cfg.RSITrigger.BuyThreshold,
	}
	m.publishAnalysis(ctx, snap)
	m.logger.Info("rsi stage", "value", rsiVal)

	// Final decision.
	buy, sell := m.scores(regime, momentum, volatility, rsiVal)
	m.logger.Info("funnel scores",
		"buy", buy, "buy_threshold", m.cfg.Scoring.BuyThreshold,
		"sell", sell, "sell_threshold", m.cfg.Scoring.SellThreshold)

	decision := decisionNone
	switch {
	case buy >= m.cfg.Scoring.BuyThreshold:
		decision = decisionBuy
		m.logger.Warn("buy signal", "symbol", symbol, "score", buy)
		m.publishSignal(ctx, symbol, types.LONG)
	case sell >= m.cfg.Scoring.SellThreshold:
		decision = decisionSell
		m.logger.Warn("sell signal", "symbol", symbol, "score", sell)
		m.publishSignal(ctx, symbol, types.SHORT)
	}

	snap.FinalDecision = decision
	m.publishAnalysis(ctx, snap)
}

// sequenceStage scales the tail of the frame to one model's look-back
// window and maps the sigmoid output to the stage's labels. The error path
// covers histories that thinned out too much after indicator warm-up.
func (m *MultiModel) sequenceStage(model *SequenceClassifier, scaler *Scaler, frame *Frame, above, below string) (string, error) {
	seq, err := frame.Tail(scaler.Features, model.LookBack)
	if err != nil {
		return "", err
	}
	scaled, err := scaler.Transform(seq)
	if err != nil {
		return "", err
	}
	p, err := model.PredictSequence(scaled)
	if err != nil {
		return "", err
	}
	if p > 0.5 {
		return above, nil
	}
	return below, nil
}

// scores applies the additive decision rule to the four stage outcomes.
// Adverse regime and momentum readings credit the sell ledger with the
// bull-side weight: a bear market argues for selling with the same
// conviction a bull market argues for buying. Volatility applies to both
// ledgers, and the RSI bounds are checked independently.
func (m *MultiModel) scores(regime, momentum, volatility string, rsi float64) (buy, sell float64) {
	w := m.cfg.Scoring.Weights

	switch {
	case isBullRegime(regime):
		buy += w.RegimeBull
	case regime == regimeBear2022:
		sell += w.RegimeBull
	default:
		buy += w.RegimeNeutral
		sell += w.RegimeNeutral
	}

	if momentum == momentumBull {
		buy += w.MomentumBull
	} else {
		sell += w.MomentumBull
	}

	if volatility == volatilityLow {
		buy += w.VolatilityLow
		sell += w.VolatilityLow
	} else {
		buy += w.VolatilityHigh
		sell += w.VolatilityHigh
	}

	if rsi < m.cfg.RSITrigger.BuyThreshold {
		buy += w.RSIOversold
	}
	if rsi > m.cfg.RSITrigger.SellThreshold {
		sell += w.RSIOverbought
	}
	return buy, sell
}

func isBullRegime(regime string) bool {
	return regime == regimeBull2021 || regime == regimeRecent2024
}

func (m *MultiModel) publishAnalysis(ctx context.Context, snap types.AnalysisSnapshot) {
	// The store logs its own failures; a lost snapshot never blocks the funnel.
	m.kv.Set(ctx, store.KeyLatestAnalysis, snap)
}

func (m *MultiModel) publishSignal(ctx context.Context, symbol string, direction types.Direction) {
	signal := types.SignalEvent{
		Timestamp: m.now().UTC(),
		Symbol:    symbol,
		Direction: direction,
		Strength:  1,
	}
	if err := m.bus.Publish(ctx, signal); err != nil && ctx.Err() == nil {
		m.logger.Error("signal publish failed", "error", err)
	}
}
