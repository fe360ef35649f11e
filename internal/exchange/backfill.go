// backfill.go implements the REST candle-history client.
//
// The strategy warms its candle buffer at startup by fetching the most
// recent completed candles from the data venue's public OHLC endpoint:
//
//   - FetchCandles: GET /0/public/OHLC — N most recent bars for one pair
//
// Requests are rate-limited through the Public token bucket and retried
// on transport errors and 5xx responses.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"cryptobot/pkg/types"
)

// Backfill is the public REST client for historical candles.
// It wraps a resty HTTP client with rate limiting and retry.
type Backfill struct {
	http   *resty.Client
	rl     *RateLimiter
	logger *slog.Logger
}

// NewBackfill creates a candle-history client for the given venue base URL.
func NewBackfill(baseURL string, logger *slog.Logger) *Backfill {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	return &Backfill{
		http:   httpClient,
		rl:     NewRateLimiter(),
		logger: logger.With("component", "backfill"),
	}
}

// ohlcEnvelope is the venue's standard response wrapper. Result maps the
// canonical pair name to its rows, plus a "last" cursor we do not use.
type ohlcEnvelope struct {
	Error  []string                   `json:"error"`
	Result map[string]json.RawMessage `json:"result"`
}

// FetchCandles returns up to limit completed candles for one symbol, oldest
// first. The final row of the venue response is the still-forming candle
// and is excluded.
func (b *Backfill) FetchCandles(ctx context.Context, symbol string, timeframe time.Duration, limit int) ([]types.Candle, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0, got %d", limit)
	}
	interval := int(timeframe / time.Minute)
	if interval < 1 {
		return nil, fmt.Errorf("timeframe %v is below the 1m minimum", timeframe)
	}

	if err := b.rl.Public.Wait(ctx); err != nil {
		return nil, err
	}

	b.logger.Info("fetching candle history",
		"symbol", symbol,
		"interval_minutes", interval,
		"limit", limit,
	)

	var envelope ohlcEnvelope
	resp, err := b.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"pair":     strings.ReplaceAll(symbol, "/", ""),
			"interval": strconv.Itoa(interval),
		}).
		SetResult(&envelope).
		Get("/0/public/OHLC")
	if err != nil {
		return nil, fmt.Errorf("fetch ohlc: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetch ohlc: status %d: %s", resp.StatusCode(), resp.String())
	}
	if len(envelope.Error) > 0 {
		return nil, fmt.Errorf("fetch ohlc: venue error: %s", strings.Join(envelope.Error, ", "))
	}

	// The pair key in the result is the venue's canonical name, which need
	// not match the requested alias. Take the single non-cursor key.
	var rows [][]interface{}
	for key, raw := range envelope.Result {
		if key == "last" {
			continue
		}
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, fmt.Errorf("decode ohlc rows for %s: %w", key, err)
		}
		break
	}
	if rows == nil {
		return nil, fmt.Errorf("fetch ohlc: no pair data in response")
	}

	candles := make([]types.Candle, 0, len(rows))
	for i, row := range rows {
		c, err := parseOHLCRow(row)
		if err != nil {
			return nil, fmt.Errorf("ohlc row %d: %w", i, err)
		}
		candles = append(candles, c)
	}

	// The venue always includes the currently forming candle as the last
	// row. Only completed candles may enter the history.
	if len(candles) > 0 {
		candles = candles[:len(candles)-1]
	}
	if len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}

	b.logger.Info("candle history fetched", "symbol", symbol, "count", len(candles))
	return candles, nil
}

// parseOHLCRow decodes one bar. The venue shape is
// [time, open, high, low, close, vwap, volume, count] with prices as
// strings; the plain [time, o, h, l, c, volume] shape is also accepted.
func parseOHLCRow(row []interface{}) (types.Candle, error) {
	if len(row) < 6 {
		return types.Candle{}, fmt.Errorf("row has %d fields, want at least 6", len(row))
	}

	volumeIdx := 5
	if len(row) >= 8 {
		volumeIdx = 6 // vwap sits between close and volume
	}

	ts, err := cellFloat(row[0])
	if err != nil {
		return types.Candle{}, fmt.Errorf("timestamp: %w", err)
	}
	open, err := cellFloat(row[1])
	if err != nil {
		return types.Candle{}, fmt.Errorf("open: %w", err)
	}
	high, err := cellFloat(row[2])
	if err != nil {
		return types.Candle{}, fmt.Errorf("high: %w", err)
	}
	low, err := cellFloat(row[3])
	if err != nil {
		return types.Candle{}, fmt.Errorf("low: %w", err)
	}
	closePx, err := cellFloat(row[4])
	if err != nil {
		return types.Candle{}, fmt.Errorf("close: %w", err)
	}
	volume, err := cellFloat(row[volumeIdx])
	if err != nil {
		return types.Candle{}, fmt.Errorf("volume: %w", err)
	}

	return types.Candle{
		StartTime: time.Unix(int64(ts), 0).UTC(),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePx,
		Volume:    volume,
	}, nil
}

// cellFloat coerces one OHLC cell. The venue mixes JSON numbers
// (timestamps, trade counts) and strings (prices, volume) in one row.
func cellFloat(v interface{}) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case string:
		return strconv.ParseFloat(x, 64)
	case json.Number:
		return x.Float64()
	default:
		return 0, fmt.Errorf("unsupported cell type %T", v)
	}
}
