package execution

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"cryptobot/internal/bus"
	"cryptobot/internal/config"
	"cryptobot/internal/exchange"
	"cryptobot/pkg/types"
)

// LiveExecutor submits MARKET orders to the execution venue over REST.
//
// Market data and execution run on different venues, so order symbols are
// translated through the configured table (exact entries first, then the
// /USD -> /USDT suffix rule) and quantities are floored to the venue's
// lot-size grid. Venue rejections are logged and dropped; no FILL is emitted
// and nothing is retried.
type LiveExecutor struct {
	http      *resty.Client
	signer    *Signer
	rl        *exchange.RateLimiter
	bus       *bus.Bus
	prices    PriceView
	venue     string            // venue id stamped on fills
	symbolMap map[string]string // data-venue symbol -> execution-venue symbol
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.RWMutex
	filters map[string]SymbolFilter // keyed by venue wire symbol
}

// NewLiveExecutor builds the live executor. LoadMarkets must succeed before
// the first order; a failure there is a startup error.
func NewLiveExecutor(venueID, baseURL string, keys config.APIKeys, symbolMap map[string]string, b *bus.Bus, prices PriceView, logger *slog.Logger) *LiveExecutor {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetHeader("X-MBX-APIKEY", keys.APIKey)

	return &LiveExecutor{
		http:      httpClient,
		signer:    NewSigner(keys.APIKey, keys.Secret),
		rl:        exchange.NewRateLimiter(),
		bus:       b,
		prices:    prices,
		venue:     venueID,
		symbolMap: symbolMap,
		logger:    logger.With("component", "execution", "mode", "live", "venue", venueID),
		now:       time.Now,
		filters:   make(map[string]SymbolFilter),
	}
}

// exchangeInfo is the venue's market-metadata document, reduced to the
// filters the executor enforces.
type exchangeInfo struct {
	Symbols []struct {
		Symbol  string `json:"symbol"`
		Status  string `json:"status"`
		Filters []struct {
			FilterType  string `json:"filterType"`
			StepSize    string `json:"stepSize"`
			MinQty      string `json:"minQty"`
			MinNotional string `json:"minNotional"`
		} `json:"filters"`
	} `json:"symbols"`
}

// LoadMarkets fetches the venue's symbol catalog and caches per-symbol order
// filters. Must be called once before trading; errors are fatal upstream.
func (l *LiveExecutor) LoadMarkets(ctx context.Context) error {
	if err := l.rl.Public.Wait(ctx); err != nil {
		return err
	}

	var info exchangeInfo
	resp, err := l.http.R().
		SetContext(ctx).
		SetResult(&info).
		Get("/api/v3/exchangeInfo")
	if err != nil {
		return fmt.Errorf("load markets: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("load markets: status %d: %s", resp.StatusCode(), resp.String())
	}

	filters := make(map[string]SymbolFilter, len(info.Symbols))
	for _, sym := range info.Symbols {
		var f SymbolFilter
		for _, raw := range sym.Filters {
			switch raw.FilterType {
			case "LOT_SIZE":
				f.StepSize = parseDecimal(raw.StepSize)
				f.MinQty = parseDecimal(raw.MinQty)
			case "NOTIONAL", "MIN_NOTIONAL":
				f.MinNotional = parseDecimal(raw.MinNotional)
			}
		}
		filters[sym.Symbol] = f
	}

	l.mu.Lock()
	l.filters = filters
	l.mu.Unlock()

	l.logger.Info("markets loaded", "symbols", len(filters))
	return nil
}

// orderResponse is the venue's order acknowledgment. A fill is recorded only
// when the executed quantity, transaction time, and average price are all
// derivable; anything less is treated as a rejection.
type orderResponse struct {
	Symbol       string `json:"symbol"`
	OrderID      int64  `json:"orderId"`
	TransactTime int64  `json:"transactTime"`
	ExecutedQty  string `json:"executedQty"`
	CumQuoteQty  string `json:"cummulativeQuoteQty"`
	Status       string `json:"status"`
	Fills        []struct {
		Price      string `json:"price"`
		Qty        string `json:"qty"`
		Commission string `json:"commission"`
	} `json:"fills"`
}

// OnOrder places a MARKET order on the venue and publishes the resulting
// FILL under the original data-venue symbol. All rejection paths return nil:
// an order that could not execute must not take down the dispatcher.
func (l *LiveExecutor) OnOrder(ctx context.Context, order types.OrderEvent) error {
	l.logger.Info("live order received",
		"symbol", order.Symbol, "direction", order.Direction, "quantity", order.Quantity)

	execSymbol := l.translateSymbol(order.Symbol)
	wire := strings.ReplaceAll(execSymbol, "/", "")

	l.mu.RLock()
	filter, listed := l.filters[wire]
	l.mu.RUnlock()
	if !listed {
		l.logger.Error("symbol not listed on execution venue, order dropped",
			"symbol", order.Symbol, "venue_symbol", wire)
		return nil
	}

	qty, err := filter.Apply(order.Quantity, l.prices.LastPrice(order.Symbol))
	if err != nil {
		l.logger.Error("order rejected by venue filters", "symbol", order.Symbol, "error", err)
		return nil
	}

	if err := l.rl.Trade.Wait(ctx); err != nil {
		return err
	}

	params := url.Values{}
	params.Set("symbol", wire)
	params.Set("side", string(order.Direction))
	params.Set("type", "MARKET")
	params.Set("quantity", qty.String())
	params.Set("newClientOrderId", uuid.NewString())
	params.Set("newOrderRespType", "FULL")

	var result orderResponse
	resp, err := l.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(l.signer.SignedQuery(params, l.now())).
		SetResult(&result).
		Post("/api/v3/order")
	if err != nil {
		l.logger.Error("order submission failed", "symbol", order.Symbol, "error", err)
		return nil
	}
	if resp.IsError() {
		l.logger.Error("order rejected by venue",
			"symbol", order.Symbol, "status", resp.StatusCode(), "body", resp.String())
		return nil
	}

	filled, _ := strconv.ParseFloat(result.ExecutedQty, 64)
	avg := averagePrice(result, filled)
	if filled <= 0 || result.TransactTime == 0 || avg <= 0 {
		l.logger.Error("order response incomplete, no fill recorded",
			"symbol", order.Symbol, "body", resp.String())
		return nil
	}

	commission := 0.0
	for _, f := range result.Fills {
		if c, err := strconv.ParseFloat(f.Commission, 64); err == nil {
			commission += c
		}
	}

	fill := types.FillEvent{
		Timestamp:       time.UnixMilli(result.TransactTime).UTC(),
		Symbol:          order.Symbol, // original symbol keeps internal state consistent
		Direction:       order.Direction,
		Quantity:        filled,
		Price:           avg,
		Commission:      commission,
		Exchange:        l.venue,
		StopLossPrice:   order.StopLossPrice,
		TakeProfitPrice: order.TakeProfitPrice,
	}
	l.logger.Info("live fill", "symbol", order.Symbol, "quantity", filled, "price", avg)
	return l.bus.Publish(ctx, fill)
}

// translateSymbol maps a data-venue symbol to its execution-venue
// counterpart: exact table entries win, then /USD pairs fall through to
// their /USDT counterpart.
func (l *LiveExecutor) translateSymbol(symbol string) string {
	if mapped, ok := l.symbolMap[symbol]; ok {
		return mapped
	}
	upper := strings.ToUpper(symbol)
	if strings.HasSuffix(upper, "/USD") {
		return strings.TrimSuffix(upper, "/USD") + "/USDT"
	}
	return symbol
}

// averagePrice derives the mean fill price from the cumulative quote amount.
func averagePrice(r orderResponse, filled float64) float64 {
	quote, err := strconv.ParseFloat(r.CumQuoteQty, 64)
	if err != nil || quote <= 0 || filled <= 0 {
		return 0
	}
	return quote / filled
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
