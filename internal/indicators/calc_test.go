package indicators

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seq(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i + 1)
	}
	return out
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestSMA(t *testing.T) {
	out := SMA(seq(5), 3)

	assert.True(t, math.IsNaN(out[0]))
	assert.True(t, math.IsNaN(out[1]))
	assert.Equal(t, 2.0, out[2])
	assert.Equal(t, 3.0, out[3])
	assert.Equal(t, 4.0, out[4])
}

func TestSMAInsufficientHistory(t *testing.T) {
	assert.Nil(t, LastValid(SMA(seq(5), 20)))
}

func TestEMA(t *testing.T) {
	// Seeded with SMA(3) = 2 at index 2, then alpha = 0.5.
	out := EMA(seq(5), 3)

	assert.True(t, math.IsNaN(out[1]))
	assert.Equal(t, 2.0, out[2])
	assert.Equal(t, 3.0, out[3])
	assert.Equal(t, 4.0, out[4])
}

func TestRSIAllGains(t *testing.T) {
	out := RSI(seq(20), 14)

	assert.True(t, math.IsNaN(out[13]))
	assert.Equal(t, 100.0, out[14])
	assert.Equal(t, 100.0, out[19])
}

func TestRSIAlternating(t *testing.T) {
	out := RSI([]float64{10, 11, 10, 11, 10}, 2)

	assert.True(t, math.IsNaN(out[1]))
	assert.InDelta(t, 50.0, out[2], 1e-9)
	assert.InDelta(t, 75.0, out[3], 1e-9)
	assert.InDelta(t, 37.5, out[4], 1e-9)
}

func TestRSIFlatSeriesUndefined(t *testing.T) {
	assert.Nil(t, LastValid(RSI(repeat(100, 30), 14)))
}

func TestMACDConstantSeriesIsZero(t *testing.T) {
	line, signal, hist := MACD(repeat(50, 40), 12, 26, 9)

	l := LastValid(line)
	require.NotNil(t, l)
	assert.InDelta(t, 0.0, *l, 1e-9)

	s := LastValid(signal)
	require.NotNil(t, s)
	assert.InDelta(t, 0.0, *s, 1e-9)

	h := LastValid(hist)
	require.NotNil(t, h)
	assert.InDelta(t, 0.0, *h, 1e-9)
}

func TestMACDInsufficientHistory(t *testing.T) {
	line, signal, _ := MACD(seq(20), 12, 26, 9)
	assert.Nil(t, LastValid(line))
	assert.Nil(t, LastValid(signal))
}

func TestBollinger(t *testing.T) {
	upper, middle, lower := Bollinger(seq(20), 20, 2)

	// Sample stdev of 1..20 is sqrt(35).
	sd := math.Sqrt(35)
	assert.InDelta(t, 10.5, middle[19], 1e-9)
	assert.InDelta(t, 10.5+2*sd, upper[19], 1e-9)
	assert.InDelta(t, 10.5-2*sd, lower[19], 1e-9)
}

func TestBollingerConstantSeries(t *testing.T) {
	upper, middle, lower := Bollinger(repeat(42, 25), 20, 2)

	assert.Equal(t, 42.0, middle[24])
	assert.Equal(t, 42.0, upper[24])
	assert.Equal(t, 42.0, lower[24])
}

func TestStochasticRisingSeries(t *testing.T) {
	closes := seq(20)
	k, d := Stochastic(closes, closes, closes, 14, 3, 3)

	// Closing on the window high pins both lines at 100.
	kv := LastValid(k)
	require.NotNil(t, kv)
	assert.InDelta(t, 100.0, *kv, 1e-9)

	dv := LastValid(d)
	require.NotNil(t, dv)
	assert.InDelta(t, 100.0, *dv, 1e-9)
}

func TestStochasticFlatRangeUndefined(t *testing.T) {
	flat := repeat(10, 20)
	k, d := Stochastic(flat, flat, flat, 14, 3, 3)
	assert.Nil(t, LastValid(k))
	assert.Nil(t, LastValid(d))
}

func TestATRConstantRange(t *testing.T) {
	n := 20
	high := repeat(101, n)
	low := repeat(99, n)
	closes := repeat(100, n)

	out := ATR(high, low, closes, 14)
	assert.True(t, math.IsNaN(out[12]))
	assert.InDelta(t, 2.0, out[13], 1e-9)
	assert.InDelta(t, 2.0, out[n-1], 1e-9)
}

func TestADXStrongTrend(t *testing.T) {
	n := 40
	high := make([]float64, n)
	low := make([]float64, n)
	closes := make([]float64, n)
	for i := 0; i < n; i++ {
		low[i] = float64(100 + i)
		high[i] = low[i] + 2
		closes[i] = low[i] + 1
	}

	out := ADX(high, low, closes, 14)
	assert.True(t, math.IsNaN(out[26]))
	v := LastValid(out)
	require.NotNil(t, v)
	assert.InDelta(t, 100.0, *v, 1e-9)
}

func TestADXInsufficientHistory(t *testing.T) {
	h := seq(20)
	assert.Nil(t, LastValid(ADX(h, h, h, 14)))
}

func TestVWAP(t *testing.T) {
	high := []float64{10, 20}
	out := VWAP(high, high, high, []float64{1, 3})

	assert.Equal(t, 10.0, out[0])
	assert.Equal(t, 17.5, out[1])
}

func TestVWAPZeroVolumeUndefined(t *testing.T) {
	h := []float64{10, 20}
	assert.Nil(t, LastValid(VWAP(h, h, h, []float64{0, 0})))
}

func TestLastValid(t *testing.T) {
	v := LastValid([]float64{1, 2, math.NaN()})
	require.NotNil(t, v)
	assert.Equal(t, 2.0, *v)

	assert.Nil(t, LastValid([]float64{math.NaN(), math.NaN()}))
	assert.Nil(t, LastValid(nil))
}
