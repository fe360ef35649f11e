// Package market provides OHLCV candle assembly from tick-level book updates.
//
// Assembler buckets mid-prices into fixed-period candles and keeps a bounded
// history of completed ones. History can be preloaded from a backfill source;
// a duplicate guard prevents the first live candles from overlapping the
// backfilled ones.
//
// The assembler is not safe for concurrent use. The dispatcher serializes
// all strategy handlers, so a single goroutine owns each instance.
package market

import (
	"log/slog"
	"time"

	"cryptobot/pkg/types"
)

// Assembler aggregates prices into fixed-period candles.
type Assembler struct {
	period   time.Duration
	capacity int // completed candles kept, oldest evicted first
	history  []types.Candle
	current  *types.Candle
	logger   *slog.Logger
}

// NewAssembler creates an assembler for one symbol's feed. Scope the logger
// with the symbol so completions are attributable.
func NewAssembler(period time.Duration, capacity int, logger *slog.Logger) *Assembler {
	return &Assembler{
		period:   period,
		capacity: capacity,
		history:  make([]types.Candle, 0, capacity),
		logger:   logger,
	}
}

// BucketStart aligns ts to the period boundary containing it.
func (a *Assembler) BucketStart(ts time.Time) time.Time {
	return ts.UTC().Truncate(a.period)
}

// Preload inserts backfilled candles, oldest first, trimming to capacity.
func (a *Assembler) Preload(candles []types.Candle) {
	a.history = append(a.history, candles...)
	if excess := len(a.history) - a.capacity; excess > 0 {
		a.history = a.history[excess:]
	}
}

// Update folds one price tick into the current candle. When the tick opens a
// new bucket, the previous candle is finalized and appended to history; the
// appended candle is returned. Ticks that extend the current bucket, and
// finalized candles rejected by the duplicate guard, return nil.
func (a *Assembler) Update(price float64, ts time.Time) *types.Candle {
	bucket := a.BucketStart(ts)

	if a.current != nil && a.current.StartTime.Equal(bucket) {
		if price > a.current.High {
			a.current.High = price
		}
		if price < a.current.Low {
			a.current.Low = price
		}
		a.current.Close = price
		return nil
	}

	var completed *types.Candle
	if a.current != nil {
		completed = a.finalize()
	}

	a.current = &types.Candle{
		StartTime: bucket,
		Open:      price,
		High:      price,
		Low:       price,
		Close:     price,
	}
	return completed
}

// finalize appends the current candle to history unless a candle with the
// same start time is already present (overlap with the initial backfill).
func (a *Assembler) finalize() *types.Candle {
	candle := *a.current

	for _, c := range a.history {
		if c.StartTime.Equal(candle.StartTime) {
			a.logger.Warn("duplicate candle ignored", "start_time", candle.StartTime)
			return nil
		}
	}

	if len(a.history) == a.capacity {
		a.history = a.history[1:]
	}
	a.history = append(a.history, candle)
	a.logger.Info("candle completed",
		"start_time", candle.StartTime,
		"open", candle.Open,
		"high", candle.High,
		"low", candle.Low,
		"close", candle.Close,
	)
	return &candle
}

// History returns a copy of the completed candles, oldest first.
func (a *Assembler) History() []types.Candle {
	out := make([]types.Candle, len(a.history))
	copy(out, a.history)
	return out
}

// Len reports the number of completed candles.
func (a *Assembler) Len() int { return len(a.history) }

// Current returns a copy of the in-progress candle, if any.
func (a *Assembler) Current() (types.Candle, bool) {
	if a.current == nil {
		return types.Candle{}, false
	}
	return *a.current, true
}
