package execution

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// SymbolFilter holds one symbol's order-size constraints as published by the
// execution venue. Quantities are floored to the lot-size grid before
// submission; orders below the venue minimums are rejected locally instead
// of burning a request.
type SymbolFilter struct {
	StepSize    decimal.Decimal // quantity increment (LOT_SIZE)
	MinQty      decimal.Decimal // minimum order quantity (LOT_SIZE)
	MinNotional decimal.Decimal // minimum order value in quote currency
}

// Apply floors qty to the lot-size grid and validates the venue minimums.
// refPrice is the last known market price used for the notional check; a
// zero refPrice skips that check and defers to the venue. The returned
// decimal is the exact quantity string to submit.
func (f SymbolFilter) Apply(qty, refPrice float64) (decimal.Decimal, error) {
	q := decimal.NewFromFloat(qty)
	if f.StepSize.IsPositive() {
		q = q.Div(f.StepSize).Floor().Mul(f.StepSize)
	}
	if q.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("quantity %v rounds to zero at step %s", qty, f.StepSize)
	}
	if f.MinQty.IsPositive() && q.LessThan(f.MinQty) {
		return decimal.Zero, fmt.Errorf("quantity %s below venue minimum %s", q, f.MinQty)
	}
	if f.MinNotional.IsPositive() && refPrice > 0 {
		notional := q.Mul(decimal.NewFromFloat(refPrice))
		if notional.LessThan(f.MinNotional) {
			return decimal.Zero, fmt.Errorf("notional %s below venue minimum %s", notional, f.MinNotional)
		}
	}
	return q, nil
}
