// features.go computes the feature matrix the decision funnel feeds to its
// models. Column names follow the training pipeline so that scaler and model
// artifacts can reference columns by name.
package strategy

import (
	"fmt"
	"math"
	"time"

	"cryptobot/pkg/types"
)

// featureColumns is the canonical column order of a Frame.
var featureColumns = []string{
	"open", "high", "low", "close", "volume",
	"RSI_14",
	"MACD_12_26_9", "MACDh_12_26_9", "MACDs_12_26_9",
	"STOCHk_14_3_3", "STOCHd_14_3_3",
	"ADX_14", "DMP_14", "DMN_14",
	"EMA_20", "EMA_50", "ema_long_term",
	"BBL_20_2.0", "BBM_20_2.0", "BBU_20_2.0", "BBB_20_2.0", "BBP_20_2.0",
	"ATRr_14", "OBV", "LOGRET_1", "PCTRET_1",
	"atr_sma", "atr_ratio", "price_vs_ema_long", "rsi_change",
	"hour", "day_of_week",
}

// Frame is a column-oriented feature matrix aligned with its Index. Rows
// containing NaN have already been dropped by ComputeFeatures.
type Frame struct {
	Index []time.Time
	cols  map[string][]float64
}

// Len reports the number of rows.
func (f *Frame) Len() int { return len(f.Index) }

// Names returns the column names in canonical order.
func (f *Frame) Names() []string {
	out := make([]string, len(featureColumns))
	copy(out, featureColumns)
	return out
}

// Last returns the newest value of a column.
func (f *Frame) Last(name string) (float64, error) {
	col, ok := f.cols[name]
	if !ok {
		return 0, fmt.Errorf("unknown feature column %q", name)
	}
	if len(col) == 0 {
		return 0, fmt.Errorf("feature column %q is empty", name)
	}
	return col[len(col)-1], nil
}

// Row assembles the values of the named columns at row i.
func (f *Frame) Row(names []string, i int) ([]float64, error) {
	if i < 0 || i >= f.Len() {
		return nil, fmt.Errorf("row %d out of range (%d rows)", i, f.Len())
	}
	out := make([]float64, len(names))
	for j, name := range names {
		col, ok := f.cols[name]
		if !ok {
			return nil, fmt.Errorf("unknown feature column %q", name)
		}
		out[j] = col[i]
	}
	return out, nil
}

// Tail assembles the last n rows of the named columns, oldest first.
// It fails when fewer than n rows are available; sequence models need
// their full look-back.
func (f *Frame) Tail(names []string, n int) ([][]float64, error) {
	if f.Len() < n {
		return nil, fmt.Errorf("need %d rows, have %d", n, f.Len())
	}
	out := make([][]float64, n)
	for i := 0; i < n; i++ {
		row, err := f.Row(names, f.Len()-n+i)
		if err != nil {
			return nil, err
		}
		out[i] = row
	}
	return out, nil
}

// ComputeFeatures derives the full indicator set over the candle history and
// drops every row still inside an indicator warm-up window.
func ComputeFeatures(candles []types.Candle) (*Frame, error) {
	n := len(candles)
	if n == 0 {
		return nil, fmt.Errorf("no candles")
	}

	index := make([]time.Time, n)
	opens := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	closes := make([]float64, n)
	volumes := make([]float64, n)
	for i, c := range candles {
		index[i] = c.StartTime
		opens[i] = c.Open
		highs[i] = c.High
		lows[i] = c.Low
		closes[i] = c.Close
		volumes[i] = c.Volume
	}

	cols := make(map[string][]float64, len(featureColumns))
	cols["open"] = opens
	cols["high"] = highs
	cols["low"] = lows
	cols["close"] = closes
	cols["volume"] = volumes

	cols["RSI_14"] = rsi(closes, 14)

	line, sig, hist := macd(closes, 12, 26, 9)
	cols["MACD_12_26_9"] = line
	cols["MACDs_12_26_9"] = sig
	cols["MACDh_12_26_9"] = hist

	kLine, dLine := stochastic(highs, lows, closes, 14, 3, 3)
	cols["STOCHk_14_3_3"] = kLine
	cols["STOCHd_14_3_3"] = dLine

	adxLine, plusDI, minusDI := adx(highs, lows, closes, 14)
	cols["ADX_14"] = adxLine
	cols["DMP_14"] = plusDI
	cols["DMN_14"] = minusDI

	cols["EMA_20"] = ema(closes, 20)
	cols["EMA_50"] = ema(closes, 50)
	emaLong := ema(closes, 120)
	cols["ema_long_term"] = emaLong

	lower, middle, upper, bandwidth, percent := bollinger(closes, 20, 2)
	cols["BBL_20_2.0"] = lower
	cols["BBM_20_2.0"] = middle
	cols["BBU_20_2.0"] = upper
	cols["BBB_20_2.0"] = bandwidth
	cols["BBP_20_2.0"] = percent

	atr := atrRMA(highs, lows, closes, 14)
	cols["ATRr_14"] = atr
	cols["OBV"] = obv(closes, volumes)
	cols["LOGRET_1"] = logReturn(closes)
	cols["PCTRET_1"] = percentReturn(closes)

	atrSMA := sma(atr, 50)
	cols["atr_sma"] = atrSMA
	atrRatio := nanSlice(n)
	for i := 0; i < n; i++ {
		if atrSMA[i] != 0 {
			atrRatio[i] = atr[i] / atrSMA[i]
		}
	}
	cols["atr_ratio"] = atrRatio

	priceVsEMALong := nanSlice(n)
	for i := 0; i < n; i++ {
		if emaLong[i] != 0 {
			priceVsEMALong[i] = (closes[i] - emaLong[i]) / emaLong[i]
		}
	}
	cols["price_vs_ema_long"] = priceVsEMALong

	cols["rsi_change"] = diff(cols["RSI_14"])

	hour := make([]float64, n)
	dow := make([]float64, n)
	for i, ts := range index {
		utc := ts.UTC()
		hour[i] = float64(utc.Hour())
		// Monday is 0, matching the calendar encoding the models were trained on.
		dow[i] = float64((int(utc.Weekday()) + 6) % 7)
	}
	cols["hour"] = hour
	cols["day_of_week"] = dow

	return dropNaNRows(index, cols), nil
}

// dropNaNRows filters out any row where at least one column is NaN.
func dropNaNRows(index []time.Time, cols map[string][]float64) *Frame {
	n := len(index)
	keep := make([]bool, n)
	kept := 0
	for i := 0; i < n; i++ {
		keep[i] = true
		for _, name := range featureColumns {
			if math.IsNaN(cols[name][i]) {
				keep[i] = false
				break
			}
		}
		if keep[i] {
			kept++
		}
	}

	outIndex := make([]time.Time, 0, kept)
	outCols := make(map[string][]float64, len(featureColumns))
	for _, name := range featureColumns {
		outCols[name] = make([]float64, 0, kept)
	}
	for i := 0; i < n; i++ {
		if !keep[i] {
			continue
		}
		outIndex = append(outIndex, index[i])
		for _, name := range featureColumns {
			outCols[name] = append(outCols[name], cols[name][i])
		}
	}

	return &Frame{Index: outIndex, cols: outCols}
}
