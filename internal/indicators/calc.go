// Package indicators computes the standard technical indicator set over a
// rolling candle window. Series functions return a slice aligned with the
// input, padded with NaN until enough history has accumulated, which keeps
// downstream "last valid value" extraction uniform across indicators.
package indicators

import "math"

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// LastValid returns the last non-NaN value in the series, or nil when the
// series never produced a value.
func LastValid(series []float64) *float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if !math.IsNaN(series[i]) {
			v := series[i]
			return &v
		}
	}
	return nil
}

// SMA returns the simple moving average over period. NaN inputs propagate
// into every window that contains them.
func SMA(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 0 {
		return out
	}
	for i := period - 1; i < len(values); i++ {
		var sum float64
		for _, v := range values[i-period+1 : i+1] {
			sum += v
		}
		out[i] = sum / float64(period)
	}
	return out
}

// EMA seeds with the SMA of the first period values, then applies the
// standard alpha = 2/(period+1) recursion.
func EMA(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 0 || len(values) < period {
		return out
	}

	var seed float64
	for _, v := range values[:period] {
		seed += v
	}
	prev := seed / float64(period)
	out[period-1] = prev

	alpha := 2 / float64(period+1)
	for i := period; i < len(values); i++ {
		prev = alpha*values[i] + (1-alpha)*prev
		out[i] = prev
	}
	return out
}

// RSI implements Wilder's relative strength index: average gain and loss
// are seeded with a simple mean and then smoothed with alpha = 1/period.
// A perfectly flat window has no defined RSI and stays NaN.
func RSI(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 0 || len(values) < period+1 {
		return out
	}

	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := values[i] - values[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)
	out[period] = rsiValue(avgGain, avgLoss)

	for i := period + 1; i < len(values); i++ {
		var g, l float64
		if d := values[i] - values[i-1]; d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return math.NaN()
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// MACD returns the fast-minus-slow EMA line, its signal EMA and the
// histogram. The signal EMA runs over the defined part of the line only.
func MACD(values []float64, fast, slow, signal int) (line, signalLine, hist []float64) {
	n := len(values)
	line, signalLine, hist = nanSlice(n), nanSlice(n), nanSlice(n)
	if n < slow {
		return line, signalLine, hist
	}

	fastEMA := EMA(values, fast)
	slowEMA := EMA(values, slow)
	for i := slow - 1; i < n; i++ {
		line[i] = fastEMA[i] - slowEMA[i]
	}

	defined := line[slow-1:]
	if len(defined) >= signal {
		sig := EMA(defined, signal)
		for i, v := range sig {
			signalLine[slow-1+i] = v
		}
		for i := range hist {
			if !math.IsNaN(line[i]) && !math.IsNaN(signalLine[i]) {
				hist[i] = line[i] - signalLine[i]
			}
		}
	}
	return line, signalLine, hist
}

// Bollinger returns upper, middle and lower bands: the period SMA plus and
// minus mult sample standard deviations.
func Bollinger(values []float64, period int, mult float64) (upper, middle, lower []float64) {
	n := len(values)
	upper, lower = nanSlice(n), nanSlice(n)
	middle = SMA(values, period)
	if n < period || period < 2 {
		return upper, middle, lower
	}

	for i := period - 1; i < n; i++ {
		m := middle[i]
		var ss float64
		for _, v := range values[i-period+1 : i+1] {
			d := v - m
			ss += d * d
		}
		sd := math.Sqrt(ss / float64(period-1))
		upper[i] = m + mult*sd
		lower[i] = m - mult*sd
	}
	return upper, middle, lower
}

// Stochastic returns the smoothed %K and %D oscillator lines. Windows where
// the high equals the low have no defined value and stay NaN.
func Stochastic(high, low, close []float64, kPeriod, smoothK, dPeriod int) (k, d []float64) {
	n := len(close)
	if n < kPeriod {
		return nanSlice(n), nanSlice(n)
	}

	raw := nanSlice(n)
	for i := kPeriod - 1; i < n; i++ {
		hh, ll := high[i], low[i]
		for j := i - kPeriod + 1; j < i; j++ {
			if high[j] > hh {
				hh = high[j]
			}
			if low[j] < ll {
				ll = low[j]
			}
		}
		if hh == ll {
			continue
		}
		raw[i] = 100 * (close[i] - ll) / (hh - ll)
	}

	k = SMA(raw, smoothK)
	d = SMA(k, dPeriod)
	return k, d
}

func trueRange(high, low, prevClose float64) float64 {
	tr := high - low
	if d := math.Abs(high - prevClose); d > tr {
		tr = d
	}
	if d := math.Abs(low - prevClose); d > tr {
		tr = d
	}
	return tr
}

// ATR returns Wilder's average true range.
func ATR(high, low, close []float64, period int) []float64 {
	n := len(close)
	out := nanSlice(n)
	if period <= 0 || n < period {
		return out
	}

	tr := make([]float64, n)
	tr[0] = high[0] - low[0]
	for i := 1; i < n; i++ {
		tr[i] = trueRange(high[i], low[i], close[i-1])
	}

	var seed float64
	for _, v := range tr[:period] {
		seed += v
	}
	prev := seed / float64(period)
	out[period-1] = prev
	for i := period; i < n; i++ {
		prev = (prev*float64(period-1) + tr[i]) / float64(period)
		out[i] = prev
	}
	return out
}

// ADX returns Wilder's average directional index. The first value appears
// after 2*period bars: one period to seed the directional movement sums and
// another to seed the DX average.
func ADX(high, low, close []float64, period int) []float64 {
	n := len(close)
	out := nanSlice(n)
	if period <= 0 || n < 2*period {
		return out
	}

	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	tr := make([]float64, n)
	for i := 1; i < n; i++ {
		up := high[i] - high[i-1]
		down := low[i-1] - low[i]
		if up > down && up > 0 {
			plusDM[i] = up
		}
		if down > up && down > 0 {
			minusDM[i] = down
		}
		tr[i] = trueRange(high[i], low[i], close[i-1])
	}

	var sTR, sPlus, sMinus float64
	for i := 1; i <= period; i++ {
		sTR += tr[i]
		sPlus += plusDM[i]
		sMinus += minusDM[i]
	}

	dx := nanSlice(n)
	computeDX := func(i int) {
		if sTR == 0 {
			return
		}
		pdi := 100 * sPlus / sTR
		mdi := 100 * sMinus / sTR
		if pdi+mdi == 0 {
			return
		}
		dx[i] = 100 * math.Abs(pdi-mdi) / (pdi + mdi)
	}

	computeDX(period)
	for i := period + 1; i < n; i++ {
		sTR = sTR - sTR/float64(period) + tr[i]
		sPlus = sPlus - sPlus/float64(period) + plusDM[i]
		sMinus = sMinus - sMinus/float64(period) + minusDM[i]
		computeDX(i)
	}

	var seed float64
	count := 0
	for i := period; i < 2*period; i++ {
		if !math.IsNaN(dx[i]) {
			seed += dx[i]
			count++
		}
	}
	if count == 0 {
		return out
	}
	prev := seed / float64(count)
	out[2*period-1] = prev
	for i := 2 * period; i < n; i++ {
		// An undefined DX (flat market) carries the previous ADX forward.
		if !math.IsNaN(dx[i]) {
			prev = (prev*float64(period-1) + dx[i]) / float64(period)
		}
		out[i] = prev
	}
	return out
}

// VWAP returns the cumulative volume-weighted average of the typical price
// over the window. It is window-local: the accumulation starts at the first
// candle given, not at a session boundary.
func VWAP(high, low, close, volume []float64) []float64 {
	out := nanSlice(len(close))
	var pv, vol float64
	for i := range close {
		typical := (high[i] + low[i] + close[i]) / 3
		pv += typical * volume[i]
		vol += volume[i]
		if vol != 0 {
			out[i] = pv / vol
		}
	}
	return out
}
