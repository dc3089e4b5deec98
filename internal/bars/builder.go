// Package bars turns quality-checked ticks into OHLCV candles. One builder
// owns the open bar for every (symbol, timeframe) pair: base bars are built
// directly from ticks and higher timeframes are rolled up from completed
// base bars, so an aggregate candle is always the sum of its constituents.
package bars

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mytechsonamy/crypto-stock-platform/internal/metrics"
	"github.com/mytechsonamy/crypto-stock-platform/internal/models"
)

var periods = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"1h":  time.Hour,
	"4h":  4 * time.Hour,
	"1d":  24 * time.Hour,
}

// Period returns the bucket length for a supported timeframe string.
func Period(timeframe string) (time.Duration, bool) {
	p, ok := periods[timeframe]
	return p, ok
}

// BucketStart floors t onto the period grid. A tick landing exactly on a
// boundary belongs to the bucket that starts there.
func BucketStart(t time.Time, period time.Duration) time.Time {
	sec := int64(period / time.Second)
	return time.Unix(t.Unix()/sec*sec, 0).UTC()
}

// Store persists completed candles.
type Store interface {
	InsertCandle(ctx context.Context, c models.Candle) error
}

// Publisher announces completed candles on the bus.
type Publisher interface {
	PublishBarCompleted(ctx context.Context, c models.Candle) error
}

// Cacher mirrors completed bars and the open bar into Redis so chart reads
// skip the database.
type Cacher interface {
	CacheBars(ctx context.Context, symbol, timeframe string, bars ...models.Candle) error
	SetCurrentBar(ctx context.Context, bar models.Candle, ttl time.Duration) error
}

// Config controls which timeframes the builder maintains.
type Config struct {
	// BaseTimeframe is the tick-driven timeframe. Defaults to 1m.
	BaseTimeframe string
	// Rollups are aggregated from completed base bars. Each must be a
	// whole multiple of the base period. Defaults to 5m, 15m and 1h.
	Rollups []string
	// RingSize bounds the in-memory completed-bar history kept per pair.
	// Defaults to 1000.
	RingSize int
}

func (c *Config) normalize() {
	if c.BaseTimeframe == "" {
		c.BaseTimeframe = "1m"
	}
	if c.Rollups == nil {
		c.Rollups = []string{"5m", "15m", "1h"}
	}
	if c.RingSize <= 0 {
		c.RingSize = 1000
	}
}

type key struct {
	symbol    string
	timeframe string
}

// Builder aggregates ticks into candles. All bar state is mutated under a
// single mutex, so callers may fan ticks in from multiple goroutines and
// completions still come out in bucket order per symbol.
type Builder struct {
	cfg   Config
	mr    *metrics.Registry
	store Store
	bus   Publisher
	cache Cacher

	basePeriod time.Duration

	mu    sync.Mutex
	open  map[key]*models.Candle
	rings map[key][]models.Candle
}

// NewBuilder validates the timeframe configuration and returns a builder.
// store, bus and cache may each be nil, which skips that side effect.
func NewBuilder(cfg Config, mr *metrics.Registry, store Store, bus Publisher, cache Cacher) (*Builder, error) {
	cfg.normalize()

	base, ok := Period(cfg.BaseTimeframe)
	if !ok {
		return nil, fmt.Errorf("unsupported base timeframe %q", cfg.BaseTimeframe)
	}
	for _, tf := range cfg.Rollups {
		p, ok := Period(tf)
		if !ok {
			return nil, fmt.Errorf("unsupported rollup timeframe %q", tf)
		}
		if p <= base || p%base != 0 {
			return nil, fmt.Errorf("rollup timeframe %s is not a multiple of base %s", tf, cfg.BaseTimeframe)
		}
	}

	return &Builder{
		cfg:        cfg,
		mr:         mr,
		store:      store,
		bus:        bus,
		cache:      cache,
		basePeriod: base,
		open:       make(map[key]*models.Candle),
		rings:      make(map[key][]models.Candle),
	}, nil
}

// ProcessTrade folds one tick into the open base bar for its symbol. When
// the tick starts a new bucket, the previous bar is completed, persisted,
// published and rolled up before the call returns, so downstream consumers
// observe bars in order.
func (b *Builder) ProcessTrade(ctx context.Context, t models.Trade) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bucket := BucketStart(t.Time(), b.basePeriod)
	k := key{t.Symbol, b.cfg.BaseTimeframe}

	cur, ok := b.open[k]
	switch {
	case !ok:
		cur = b.newBar(t, bucket)
		b.open[k] = cur
	case bucket.Equal(cur.Time):
		applyTick(cur, t)
	case bucket.Before(cur.Time):
		// The bucket this tick belongs to has already been completed and
		// published. Amending it would break every consumer, so drop it.
		b.mr.OutOfOrderTicks.WithLabelValues(t.Symbol).Inc()
		log.Debug().
			Str("symbol", t.Symbol).
			Time("bucket", bucket).
			Time("open_bucket", cur.Time).
			Msg("Dropped out-of-order tick")
		return
	default:
		b.completeLocked(ctx, *cur)
		cur = b.newBar(t, bucket)
		b.open[k] = cur
	}

	if b.cache != nil {
		if err := b.cache.SetCurrentBar(ctx, *cur, 2*b.basePeriod); err != nil {
			log.Warn().Err(err).Str("symbol", t.Symbol).Msg("Failed to cache current bar")
		}
	}
}

func (b *Builder) newBar(t models.Trade, bucket time.Time) *models.Candle {
	return &models.Candle{
		Time:       bucket,
		Symbol:     t.Symbol,
		Exchange:   t.Exchange,
		Timeframe:  b.cfg.BaseTimeframe,
		Open:       t.Price,
		High:       t.Price,
		Low:        t.Price,
		Close:      t.Price,
		Volume:     t.Quantity,
		TradeCount: 1,
	}
}

func applyTick(c *models.Candle, t models.Trade) {
	if t.Price > c.High {
		c.High = t.Price
	}
	if t.Price < c.Low {
		c.Low = t.Price
	}
	c.Close = t.Price
	c.Volume += t.Quantity
	c.TradeCount++
}

// completeLocked runs the completion pipeline for one candle: validate,
// persist, publish, ring, cache. A completed base candle then feeds the
// roll-up timeframes, which recurse back here for their own completions.
func (b *Builder) completeLocked(ctx context.Context, c models.Candle) {
	c.Completed = true

	if err := c.Validate(); err != nil {
		// Emit it anyway. A mangled bar in the stream can be diagnosed
		// downstream, a silently missing bucket cannot.
		b.mr.InvalidBars.WithLabelValues(c.Symbol, c.Timeframe).Inc()
		log.Warn().Err(err).
			Str("symbol", c.Symbol).
			Str("timeframe", c.Timeframe).
			Msg("Completed bar failed validation")
	}

	if b.store != nil {
		if err := b.store.InsertCandle(ctx, c); err != nil {
			log.Error().Err(err).
				Str("symbol", c.Symbol).
				Str("timeframe", c.Timeframe).
				Msg("Failed to persist completed bar")
		}
	}

	if b.bus != nil {
		if err := b.bus.PublishBarCompleted(ctx, c); err != nil {
			log.Error().Err(err).
				Str("symbol", c.Symbol).
				Str("timeframe", c.Timeframe).
				Msg("Failed to publish completed bar")
		}
	}

	k := key{c.Symbol, c.Timeframe}
	ring := append(b.rings[k], c)
	if excess := len(ring) - b.cfg.RingSize; excess > 0 {
		ring = ring[excess:]
	}
	b.rings[k] = ring

	if b.cache != nil {
		if err := b.cache.CacheBars(ctx, c.Symbol, c.Timeframe, c); err != nil {
			log.Warn().Err(err).
				Str("symbol", c.Symbol).
				Str("timeframe", c.Timeframe).
				Msg("Failed to cache completed bar")
		}
	}

	b.mr.BarsCompleted.WithLabelValues(c.Symbol, c.Timeframe).Inc()

	if c.Timeframe == b.cfg.BaseTimeframe {
		b.rollupLocked(ctx, c)
	}
}

// rollupLocked folds one completed base candle into every roll-up
// timeframe. When the aggregate's bucket has moved on it is completed
// first and a fresh one is seeded from the base candle, which keeps the
// aggregate's open equal to its first constituent's open.
func (b *Builder) rollupLocked(ctx context.Context, base models.Candle) {
	for _, tf := range b.cfg.Rollups {
		period := periods[tf]
		bucket := BucketStart(base.Time, period)
		k := key{base.Symbol, tf}

		cur, ok := b.open[k]
		if ok && cur.Time.Equal(bucket) {
			if base.High > cur.High {
				cur.High = base.High
			}
			if base.Low < cur.Low {
				cur.Low = base.Low
			}
			cur.Close = base.Close
			cur.Volume += base.Volume
			cur.TradeCount += base.TradeCount
			continue
		}
		if ok {
			b.completeLocked(ctx, *cur)
		}

		seeded := base
		seeded.Time = bucket
		seeded.Timeframe = tf
		seeded.Completed = false
		b.open[k] = &seeded
	}
}

// CurrentBar returns a copy of the open candle for the pair, or nil when no
// tick has opened one yet.
func (b *Builder) CurrentBar(symbol, timeframe string) *models.Candle {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur, ok := b.open[key{symbol, timeframe}]
	if !ok {
		return nil
	}
	c := *cur
	return &c
}

// Recent returns up to limit completed candles for the pair in
// chronological order. limit <= 0 returns the whole ring. Only in-memory
// history is consulted; anything older lives in storage.
func (b *Builder) Recent(symbol, timeframe string, limit int) []models.Candle {
	b.mu.Lock()
	defer b.mu.Unlock()

	ring := b.rings[key{symbol, timeframe}]
	if limit > 0 && len(ring) > limit {
		ring = ring[len(ring)-limit:]
	}
	out := make([]models.Candle, len(ring))
	copy(out, ring)
	return out
}
