package indicators

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mytechsonamy/crypto-stock-platform/internal/bus"
	"github.com/mytechsonamy/crypto-stock-platform/internal/cache"
	"github.com/mytechsonamy/crypto-stock-platform/internal/metrics"
	"github.com/mytechsonamy/crypto-stock-platform/internal/models"
	"github.com/mytechsonamy/crypto-stock-platform/internal/store"
)

const (
	// DefaultWindow is the number of candles loaded per recompute.
	DefaultWindow = 200

	cacheTTL = 5 * time.Minute
)

// Store loads candle history and persists indicator rows.
type Store interface {
	GetRecentCandles(ctx context.Context, symbol, timeframe string, limit int) ([]models.Candle, error)
	InsertIndicators(ctx context.Context, set models.IndicatorSet) error
}

// Cache serves the hot candle window and holds the latest indicator row.
type Cache interface {
	GetCachedBars(ctx context.Context, symbol, timeframe string, limit int64) ([]models.Candle, error)
	CacheIndicators(ctx context.Context, symbol, timeframe string, values map[string]float64, ttl time.Duration) error
}

// Publisher pushes combined bar plus indicator frames to chart consumers.
type Publisher interface {
	PublishChartUpdate(ctx context.Context, u bus.ChartUpdate) error
}

// AlertSink evaluates alert rules against each completed bar.
type AlertSink interface {
	Evaluate(ctx context.Context, symbol string, price float64, indicators map[string]float64) error
}

// FeatureSink derives ML features from the same window and indicator row.
type FeatureSink interface {
	ProcessWindow(ctx context.Context, candles []models.Candle, set models.IndicatorSet) error
}

var (
	_ Store     = (*store.Manager)(nil)
	_ Cache     = (*cache.Cache)(nil)
	_ Publisher = (*bus.Bus)(nil)
)

// Engine recomputes the indicator set whenever a bar completes and fans the
// result out to storage, cache, chart subscribers, the alert engine and the
// feature engineer.
type Engine struct {
	window   int
	mr       *metrics.Registry
	store    Store
	cache    Cache
	bus      Publisher
	alerts   AlertSink
	features FeatureSink
}

// NewEngine wires an indicator engine. Any dependency may be nil, which
// skips that side effect; window <= 0 selects DefaultWindow.
func NewEngine(window int, mr *metrics.Registry, st Store, ca Cache, pub Publisher, alerts AlertSink, features FeatureSink) *Engine {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Engine{
		window:   window,
		mr:       mr,
		store:    st,
		cache:    ca,
		bus:      pub,
		alerts:   alerts,
		features: features,
	}
}

// Compute derives the latest indicator row from a chronological candle
// window. candles must be non-empty; indicators whose period exceeds the
// available history stay nil.
func Compute(candles []models.Candle) models.IndicatorSet {
	last := candles[len(candles)-1]
	set := models.IndicatorSet{
		Time:      last.Time,
		Symbol:    last.Symbol,
		Timeframe: last.Timeframe,
	}

	n := len(candles)
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

	set.RSI14 = LastValid(RSI(closes, 14))

	line, signal, hist := MACD(closes, 12, 26, 9)
	set.MACD = LastValid(line)
	set.MACDSignal = LastValid(signal)
	set.MACDHist = LastValid(hist)

	upper, middle, lower := Bollinger(closes, 20, 2)
	set.BBUpper = LastValid(upper)
	set.BBMiddle = LastValid(middle)
	set.BBLower = LastValid(lower)

	set.SMA20 = LastValid(SMA(closes, 20))
	set.SMA50 = LastValid(SMA(closes, 50))
	set.SMA100 = LastValid(SMA(closes, 100))
	set.SMA200 = LastValid(SMA(closes, 200))

	set.EMA12 = LastValid(EMA(closes, 12))
	set.EMA26 = LastValid(EMA(closes, 26))
	set.EMA50 = LastValid(EMA(closes, 50))

	set.VWAP = LastValid(VWAP(highs, lows, closes, volumes))

	k, d := Stochastic(highs, lows, closes, 14, 3, 3)
	set.StochK = LastValid(k)
	set.StochD = LastValid(d)

	set.ATR14 = LastValid(ATR(highs, lows, closes, 14))
	set.ADX14 = LastValid(ADX(highs, lows, closes, 14))
	set.VolumeSMA = LastValid(SMA(volumes, 20))

	return set
}

// OnBarCompleted recomputes indicators for the bar's pair and runs the
// downstream side effects in a fixed order: persist, cache, publish the
// chart update, evaluate alerts, derive features. Callers must serialize
// invocations per (symbol, timeframe); distinct pairs may run concurrently.
func (e *Engine) OnBarCompleted(ctx context.Context, c models.Candle) {
	start := time.Now()

	window := e.loadWindow(ctx, c)
	set := Compute(window)
	values := set.Values()

	if e.store != nil {
		if err := e.store.InsertIndicators(ctx, set); err != nil {
			log.Error().Err(err).
				Str("symbol", c.Symbol).
				Str("timeframe", c.Timeframe).
				Msg("Failed to persist indicators")
		}
	}

	if e.cache != nil {
		if err := e.cache.CacheIndicators(ctx, c.Symbol, c.Timeframe, values, cacheTTL); err != nil {
			log.Warn().Err(err).
				Str("symbol", c.Symbol).
				Str("timeframe", c.Timeframe).
				Msg("Failed to cache indicators")
		}
	}

	if e.bus != nil {
		if err := e.bus.PublishChartUpdate(ctx, bus.NewChartUpdate(c, set)); err != nil {
			log.Error().Err(err).
				Str("symbol", c.Symbol).
				Str("timeframe", c.Timeframe).
				Msg("Failed to publish chart update")
		}
	}

	if e.alerts != nil {
		// Rules keyed on volume need the bar volume next to the indicators.
		evalValues := make(map[string]float64, len(values)+1)
		for k, v := range values {
			evalValues[k] = v
		}
		evalValues["volume"] = c.Volume
		if err := e.alerts.Evaluate(ctx, c.Symbol, c.Close, evalValues); err != nil {
			log.Error().Err(err).Str("symbol", c.Symbol).Msg("Alert evaluation failed")
		}
	}

	if e.features != nil {
		if err := e.features.ProcessWindow(ctx, window, set); err != nil {
			log.Error().Err(err).Str("symbol", c.Symbol).Msg("Feature extraction failed")
		}
	}

	e.mr.IndicatorDuration.WithLabelValues(c.Symbol).Observe(time.Since(start).Seconds())
}

// loadWindow returns up to window candles ending at the completed bar. The
// cache ring is preferred when it holds a full window; otherwise storage is
// consulted, with whatever the cache held as a last resort.
func (e *Engine) loadWindow(ctx context.Context, c models.Candle) []models.Candle {
	var cached []models.Candle
	if e.cache != nil {
		var err error
		cached, err = e.cache.GetCachedBars(ctx, c.Symbol, c.Timeframe, int64(e.window))
		if err != nil {
			log.Warn().Err(err).Str("symbol", c.Symbol).Msg("Failed to read cached bars")
			cached = nil
		}
		if len(cached) >= e.window {
			return e.ensureLatest(cached, c)
		}
	}

	if e.store != nil {
		loaded, err := e.store.GetRecentCandles(ctx, c.Symbol, c.Timeframe, e.window)
		if err != nil {
			log.Error().Err(err).Str("symbol", c.Symbol).Msg("Failed to load candle window")
		} else if len(loaded) > 0 {
			return e.ensureLatest(loaded, c)
		}
	}

	return e.ensureLatest(cached, c)
}

// ensureLatest appends the triggering bar when the loaded window does not
// already end with it; the bar's own persistence may still be in flight.
func (e *Engine) ensureLatest(bars []models.Candle, c models.Candle) []models.Candle {
	if n := len(bars); n == 0 || bars[n-1].Time.Before(c.Time) {
		bars = append(bars, c)
	}
	if len(bars) > e.window {
		bars = bars[len(bars)-e.window:]
	}
	return bars
}
