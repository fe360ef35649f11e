// indicators.go implements the technical indicator series used by the
// feature pipeline. Every function returns a slice aligned with its input:
// positions before the warm-up window hold NaN, mirroring how the training
// pipeline emits them, so the NaN-drop step keeps feature rows aligned.
package strategy

import "math"

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

func firstValid(values []float64) int {
	for i, v := range values {
		if !math.IsNaN(v) {
			return i
		}
	}
	return -1
}

// sma is the simple moving average over a trailing window. A window touching
// the NaN prefix of a derived series yields NaN.
func sma(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	for i := period - 1; i < len(values); i++ {
		sum := 0.0
		valid := true
		for j := i - period + 1; j <= i; j++ {
			if math.IsNaN(values[j]) {
				valid = false
				break
			}
			sum += values[j]
		}
		if valid {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// recursiveMA seeds with the SMA of the first full window past the NaN
// prefix and then applies out[i] = alpha*v[i] + (1-alpha)*out[i-1].
func recursiveMA(values []float64, period int, alpha float64) []float64 {
	out := nanSlice(len(values))
	start := firstValid(values)
	if start < 0 || start+period > len(values) {
		return out
	}

	seed := 0.0
	for i := start; i < start+period; i++ {
		seed += values[i]
	}
	idx := start + period - 1
	out[idx] = seed / float64(period)

	for i := idx + 1; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out
}

// ema is the exponential moving average with alpha = 2/(period+1).
func ema(values []float64, period int) []float64 {
	return recursiveMA(values, period, 2.0/float64(period+1))
}

// rma is Wilder's smoothing with alpha = 1/period, used by RSI, ATR and ADX.
func rma(values []float64, period int) []float64 {
	return recursiveMA(values, period, 1.0/float64(period))
}

func diff(values []float64) []float64 {
	out := nanSlice(len(values))
	for i := 1; i < len(values); i++ {
		out[i] = values[i] - values[i-1]
	}
	return out
}

// rsi is the relative strength index over Wilder-smoothed gains and losses.
func rsi(closes []float64, period int) []float64 {
	n := len(closes)
	gains := nanSlice(n)
	losses := nanSlice(n)
	for i := 1; i < n; i++ {
		change := closes[i] - closes[i-1]
		gains[i] = math.Max(change, 0)
		losses[i] = math.Max(-change, 0)
	}

	avgGain := rma(gains, period)
	avgLoss := rma(losses, period)

	out := nanSlice(n)
	for i := 0; i < n; i++ {
		if math.IsNaN(avgGain[i]) || math.IsNaN(avgLoss[i]) {
			continue
		}
		if avgLoss[i] == 0 {
			out[i] = 100
			continue
		}
		rs := avgGain[i] / avgLoss[i]
		out[i] = 100 - 100/(1+rs)
	}
	return out
}

// macd returns the MACD line, its signal line, and the histogram.
func macd(closes []float64, fast, slow, signal int) (line, sig, hist []float64) {
	fastEMA := ema(closes, fast)
	slowEMA := ema(closes, slow)

	n := len(closes)
	line = nanSlice(n)
	for i := 0; i < n; i++ {
		line[i] = fastEMA[i] - slowEMA[i]
	}

	sig = ema(line, signal)

	hist = nanSlice(n)
	for i := 0; i < n; i++ {
		hist[i] = line[i] - sig[i]
	}
	return line, sig, hist
}

// stochastic returns the smoothed %K and %D lines.
func stochastic(highs, lows, closes []float64, k, smoothK, d int) (kLine, dLine []float64) {
	n := len(closes)
	raw := nanSlice(n)
	for i := k - 1; i < n; i++ {
		hh := math.Inf(-1)
		ll := math.Inf(1)
		for j := i - k + 1; j <= i; j++ {
			hh = math.Max(hh, highs[j])
			ll = math.Min(ll, lows[j])
		}
		if hh > ll {
			raw[i] = 100 * (closes[i] - ll) / (hh - ll)
		}
	}

	kLine = sma(raw, smoothK)
	dLine = sma(kLine, d)
	return kLine, dLine
}

// adx returns the average directional index with the +DI and -DI lines.
func adx(highs, lows, closes []float64, period int) (adxLine, plusDI, minusDI []float64) {
	n := len(closes)
	tr := nanSlice(n)
	plusDM := nanSlice(n)
	minusDM := nanSlice(n)

	for i := 1; i < n; i++ {
		tr[i] = trueRange(highs[i], lows[i], closes[i-1])

		up := highs[i] - highs[i-1]
		down := lows[i-1] - lows[i]
		plusDM[i] = 0
		minusDM[i] = 0
		if up > down && up > 0 {
			plusDM[i] = up
		}
		if down > up && down > 0 {
			minusDM[i] = down
		}
	}

	atr := rma(tr, period)
	smoothPlus := rma(plusDM, period)
	smoothMinus := rma(minusDM, period)

	plusDI = nanSlice(n)
	minusDI = nanSlice(n)
	dx := nanSlice(n)
	for i := 0; i < n; i++ {
		if math.IsNaN(atr[i]) || atr[i] == 0 {
			continue
		}
		plusDI[i] = 100 * smoothPlus[i] / atr[i]
		minusDI[i] = 100 * smoothMinus[i] / atr[i]
		if sum := plusDI[i] + minusDI[i]; sum > 0 {
			dx[i] = 100 * math.Abs(plusDI[i]-minusDI[i]) / sum
		}
	}

	adxLine = rma(dx, period)
	return adxLine, plusDI, minusDI
}

// bollinger returns the lower, middle, and upper bands plus the bandwidth
// and percent columns derived from them.
func bollinger(closes []float64, period int, width float64) (lower, middle, upper, bandwidth, percent []float64) {
	n := len(closes)
	middle = sma(closes, period)
	lower = nanSlice(n)
	upper = nanSlice(n)
	bandwidth = nanSlice(n)
	percent = nanSlice(n)

	for i := period - 1; i < n; i++ {
		if math.IsNaN(middle[i]) {
			continue
		}
		sumSq := 0.0
		for j := i - period + 1; j <= i; j++ {
			d := closes[j] - middle[i]
			sumSq += d * d
		}
		std := math.Sqrt(sumSq / float64(period-1))
		lower[i] = middle[i] - width*std
		upper[i] = middle[i] + width*std
		if middle[i] != 0 {
			bandwidth[i] = 100 * (upper[i] - lower[i]) / middle[i]
		}
		if band := upper[i] - lower[i]; band > 0 {
			percent[i] = (closes[i] - lower[i]) / band
		}
	}
	return lower, middle, upper, bandwidth, percent
}

// atrRMA is the average true range smoothed with Wilder's moving average.
func atrRMA(highs, lows, closes []float64, period int) []float64 {
	n := len(closes)
	tr := nanSlice(n)
	for i := 1; i < n; i++ {
		tr[i] = trueRange(highs[i], lows[i], closes[i-1])
	}
	return rma(tr, period)
}

func trueRange(high, low, prevClose float64) float64 {
	return math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
}

// obv is the cumulative on-balance volume, signing the first bar positive.
func obv(closes, volumes []float64) []float64 {
	n := len(closes)
	out := make([]float64, n)
	if n == 0 {
		return out
	}
	out[0] = volumes[0]
	for i := 1; i < n; i++ {
		switch {
		case closes[i] > closes[i-1]:
			out[i] = out[i-1] + volumes[i]
		case closes[i] < closes[i-1]:
			out[i] = out[i-1] - volumes[i]
		default:
			out[i] = out[i-1]
		}
	}
	return out
}

// logReturn is the one-step log return ln(c[i]/c[i-1]).
func logReturn(closes []float64) []float64 {
	out := nanSlice(len(closes))
	for i := 1; i < len(closes); i++ {
		if closes[i-1] > 0 && closes[i] > 0 {
			out[i] = math.Log(closes[i] / closes[i-1])
		}
	}
	return out
}

// percentReturn is the one-step simple return c[i]/c[i-1] - 1.
func percentReturn(closes []float64) []float64 {
	out := nanSlice(len(closes))
	for i := 1; i < len(closes); i++ {
		if closes[i-1] != 0 {
			out[i] = closes[i]/closes[i-1] - 1
		}
	}
	return out
}
