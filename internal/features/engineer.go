// Package features derives the fixed-schema ML feature vector from each
// completed candle window. Rows are versioned and append-only so training
// sets assembled later stay reproducible.
package features

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mytechsonamy/crypto-stock-platform/internal/cache"
	"github.com/mytechsonamy/crypto-stock-platform/internal/indicators"
	"github.com/mytechsonamy/crypto-stock-platform/internal/metrics"
	"github.com/mytechsonamy/crypto-stock-platform/internal/models"
	"github.com/mytechsonamy/crypto-stock-platform/internal/store"
)

const cacheTTL = 5 * time.Minute

// Store persists feature rows.
type Store interface {
	InsertFeatures(ctx context.Context, row models.FeatureRow) error
}

// Cache holds the latest feature vector per symbol.
type Cache interface {
	CacheFeatures(ctx context.Context, symbol string, values map[string]float64, ttl time.Duration) error
}

// Clock reports whether a venue's market is open at an instant. Crypto
// venues never close; exchange venues follow their calendar.
type Clock interface {
	IsOpen(exchange string, t time.Time) bool
}

var (
	_ Store                  = (*store.Manager)(nil)
	_ Cache                  = (*cache.Cache)(nil)
	_ indicators.FeatureSink = (*Engineer)(nil)
)

// Engineer turns candle windows into feature rows and fans them out to
// storage and the latest-features cache.
type Engineer struct {
	mr      *metrics.Registry
	store   Store
	cache   Cache
	clock   Clock
	version string
}

// NewEngineer wires a feature engineer. store, cache and clock may be nil;
// a nil clock treats every market as open. An empty version selects the
// current schema version.
func NewEngineer(mr *metrics.Registry, st Store, ca Cache, clock Clock, version string) *Engineer {
	if version == "" {
		version = models.FeatureVersion
	}
	return &Engineer{mr: mr, store: st, cache: ca, clock: clock, version: version}
}

// ProcessWindow computes the feature row for the newest candle in the
// window, persists it and refreshes the cache. Windows shorter than two
// candles carry no usable signal and are skipped.
func (e *Engineer) ProcessWindow(ctx context.Context, candles []models.Candle, set models.IndicatorSet) error {
	if len(candles) < 2 {
		log.Debug().Int("candles", len(candles)).Msg("Skipping feature row, window too short")
		return nil
	}

	start := time.Now()
	last := candles[len(candles)-1]

	open := true
	if e.clock != nil {
		open = e.clock.IsOpen(last.Exchange, last.Time)
	}

	row := Build(candles, set, open)
	row.FeatureVersion = e.version

	var insertErr error
	if e.store != nil {
		if err := e.store.InsertFeatures(ctx, row); err != nil {
			insertErr = fmt.Errorf("persist feature row for %s: %w", row.Symbol, err)
		}
	}

	if e.cache != nil {
		if err := e.cache.CacheFeatures(ctx, row.Symbol, row.Values(), cacheTTL); err != nil {
			log.Warn().Err(err).Str("symbol", row.Symbol).Msg("Failed to cache features")
		}
	}

	e.mr.FeatureDuration.WithLabelValues(row.Symbol).Observe(time.Since(start).Seconds())
	return insertErr
}

// Build computes one feature row from a chronological candle window of at
// least two candles and the indicator row derived from the same window.
// Undefined values degrade in the NaN-cleaning order: a missing newest
// value falls back to the most recent defined one, and a series that never
// produced a value becomes zero. Non-finite results also become zero so the
// row is always storable.
func Build(candles []models.Candle, set models.IndicatorSet, marketOpen bool) models.FeatureRow {
	n := len(candles)
	last := candles[n-1]

	highs := make([]float64, n)
	lows := make([]float64, n)
	closes := make([]float64, n)
	volumes := make([]float64, n)
	for i, c := range candles {
		highs[i] = c.High
		lows[i] = c.Low
		closes[i] = c.Close
		volumes[i] = c.Volume
	}

	row := models.FeatureRow{
		Time:           last.Time,
		Symbol:         last.Symbol,
		Exchange:       last.Exchange,
		Timeframe:      last.Timeframe,
		FeatureVersion: models.FeatureVersion,
	}

	// Price features.
	row.Return1 = finite(pctChange(closes, 1))
	row.Return5 = finite(pctChange(closes, 5))
	row.Return10 = finite(pctChange(closes, 10))
	row.LogReturn = finite(math.Log(closes[n-1] / closes[n-2]))
	row.PriceMomentum5 = finite(pctChange(closes, 5))
	row.PriceMomentum10 = finite(pctChange(closes, 10))
	if n >= 3 {
		row.PriceAcceleration = finite(pctChange(closes, 1) - pctChange(closes[:n-1], 1))
	}

	// Volatility features.
	vol10 := tailStd(closes, 10)
	vol20 := tailStd(closes, 20)
	row.Volatility5 = finite(tailStd(closes, 5))
	row.Volatility10 = finite(vol10)
	row.Volatility20 = finite(vol20)
	row.HighLowRatio = finite((highs[n-1] - lows[n-1]) / closes[n-1])
	row.TrueRange = finite(trueRange(highs[n-1], lows[n-1], closes[n-2]))
	row.VolatilityTrend = finite(vol10 / vol20)

	// Volume features.
	row.VolumeChange = finite(pctChange(volumes, 1))
	row.VolumeMomentum5 = finite(pctChange(volumes, 5))
	row.VolumeMomentum10 = finite(pctChange(volumes, 10))
	row.VolumeRatio5 = finite(volumes[n-1] / tailMean(volumes, 5))
	row.VolumeRatio20 = finite(volumes[n-1] / tailMean(volumes, 20))

	// Signed cumulative volume flow, accumulated over this window.
	vpt := make([]float64, n)
	vpt[0] = math.NaN()
	var acc float64
	for i := 1; i < n; i++ {
		switch {
		case closes[i] > closes[i-1]:
			acc += volumes[i]
		case closes[i] < closes[i-1]:
			acc -= volumes[i]
		}
		vpt[i] = acc
	}
	row.VolumePriceTrend = finite(vpt[n-1])
	row.VolumePriceTrendNrm = finite(vpt[n-1] / tailStd(vpt, 20))

	// RSI zone flags come from the raw value, before NaN cleaning.
	rsi := math.NaN()
	if set.RSI14 != nil {
		rsi = *set.RSI14
	}
	row.RSI = finite(rsi)
	switch {
	case math.IsNaN(rsi):
	case rsi < 30:
		row.RSIOversold = 1
	case rsi > 70:
		row.RSIOverbought = 1
	default:
		row.RSINeutral = 1
	}

	row.MACD = ptrOr0(set.MACD)
	row.MACDSignal = ptrOr0(set.MACDSignal)
	row.MACDDiff = ptrOr0(set.MACDHist)

	// Cross flags need the previous histogram value, so recompute the series.
	_, _, hist := indicators.MACD(closes, 12, 26, 9)
	row.MACDCrossover, row.MACDCrossund = crossFlags(hist[n-2], hist[n-1])

	row.BBUpper = ptrOr0(set.BBUpper)
	row.BBMiddle = ptrOr0(set.BBMiddle)
	row.BBLower = ptrOr0(set.BBLower)
	if set.BBUpper != nil && set.BBMiddle != nil && set.BBLower != nil {
		u, m, l := *set.BBUpper, *set.BBMiddle, *set.BBLower
		row.BBPosition = finite((closes[n-1] - l) / (u - l))
		row.BBWidth = finite((u - l) / m)
	}

	// Squeeze compares the band width against its own 20-bar average.
	upperS, middleS, lowerS := indicators.Bollinger(closes, 20, 2)
	widths := make([]float64, n)
	for i := range widths {
		widths[i] = (upperS[i] - lowerS[i]) / middleS[i]
	}
	if avg := tailMean(widths, 20); !math.IsNaN(widths[n-1]) && !math.IsNaN(avg) && widths[n-1] < avg {
		row.BBSqueeze = 1
	}

	// Calendar features. Day of week counts from Monday.
	ts := last.Time.UTC()
	row.Hour = ts.Hour()
	row.DayOfWeek = (int(ts.Weekday()) + 6) % 7
	if row.DayOfWeek >= 5 {
		row.IsWeekend = 1
	}
	if marketOpen {
		row.IsMarketOpen = 1
	}

	// Trend features.
	px := closes[n-1]
	if set.SMA20 != nil {
		row.SMA20 = finite(*set.SMA20)
		row.SMA20Distance = finite((px - *set.SMA20) / *set.SMA20)
		if px > *set.SMA20 {
			row.PriceAboveSMA20 = 1
		}
	}
	if set.SMA50 != nil {
		row.SMA50 = finite(*set.SMA50)
		row.SMA50Distance = finite((px - *set.SMA50) / *set.SMA50)
		if px > *set.SMA50 {
			row.PriceAboveSMA50 = 1
		}
	}
	if set.SMA100 != nil {
		row.SMA100 = finite(*set.SMA100)
		row.SMA100Distance = finite((px - *set.SMA100) / *set.SMA100)
		if px > *set.SMA100 {
			row.PriceAboveSMA100 = 1
		}
	}
	if set.SMA200 != nil {
		row.SMA200 = finite(*set.SMA200)
		row.SMA200Distance = finite((px - *set.SMA200) / *set.SMA200)
		if px > *set.SMA200 {
			row.PriceAboveSMA200 = 1
		}
	}
	if set.SMA20 != nil && set.SMA50 != nil {
		row.TrendStrength = finite((*set.SMA20 - *set.SMA50) / *set.SMA50)
	}

	return row
}

// crossFlags reports a sign change of the MACD histogram between two
// consecutive bars. An undefined neighbour yields no flag.
func crossFlags(prev, cur float64) (over, under int) {
	if math.IsNaN(prev) || math.IsNaN(cur) {
		return 0, 0
	}
	if cur > 0 && prev <= 0 {
		over = 1
	}
	if cur < 0 && prev >= 0 {
		under = 1
	}
	return over, under
}

// finite collapses NaN and infinities to zero.
func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func ptrOr0(p *float64) float64 {
	if p == nil {
		return 0
	}
	return finite(*p)
}

// pctChange returns the relative change between the newest value and the
// value lag entries earlier, NaN when the history is too short.
func pctChange(values []float64, lag int) float64 {
	n := len(values)
	if lag >= n {
		return math.NaN()
	}
	prev := values[n-1-lag]
	if prev == 0 {
		return math.NaN()
	}
	return (values[n-1] - prev) / prev
}

// tailMean returns the mean of the last w values, NaN when fewer exist.
// NaN inputs propagate.
func tailMean(values []float64, w int) float64 {
	if len(values) < w || w <= 0 {
		return math.NaN()
	}
	var sum float64
	for _, v := range values[len(values)-w:] {
		sum += v
	}
	return sum / float64(w)
}

// tailStd returns the sample standard deviation of the last w values, NaN
// when fewer exist. NaN inputs propagate.
func tailStd(values []float64, w int) float64 {
	if len(values) < w || w < 2 {
		return math.NaN()
	}
	window := values[len(values)-w:]
	mean := tailMean(window, w)
	var ss float64
	for _, v := range window {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(w-1))
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
