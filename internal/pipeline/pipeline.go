// Package pipeline is the processing tier's consumer loop. It subscribes to
// the venue trade channels and bars:completed, folds ticks into the bar
// builder, and drives the indicator engine for every completed bar. Bars are
// handled by one worker per (symbol, timeframe) pair, so indicator rows come
// out in bucket order per pair while distinct pairs proceed in parallel.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mytechsonamy/crypto-stock-platform/internal/bars"
	"github.com/mytechsonamy/crypto-stock-platform/internal/bus"
	"github.com/mytechsonamy/crypto-stock-platform/internal/cache"
	"github.com/mytechsonamy/crypto-stock-platform/internal/indicators"
	"github.com/mytechsonamy/crypto-stock-platform/internal/metrics"
	"github.com/mytechsonamy/crypto-stock-platform/internal/models"
	"github.com/mytechsonamy/crypto-stock-platform/internal/store"
)

// DrainDeadline bounds how long in-flight bar work may run after shutdown.
const DrainDeadline = 5 * time.Second

// Subscriber consumes bus channels until its context ends.
type Subscriber interface {
	Subscribe(ctx context.Context, handler bus.Handler, channels ...string) error
}

// TickSink folds validated ticks into open bars.
type TickSink interface {
	ProcessTrade(ctx context.Context, t models.Trade)
}

// BarSink recomputes indicators for a completed bar.
type BarSink interface {
	OnBarCompleted(ctx context.Context, c models.Candle)
}

// BarStore persists completed bars arriving over the bus. Upserts keep the
// path idempotent: the builder's own publishes come back through here too.
type BarStore interface {
	InsertCandle(ctx context.Context, c models.Candle) error
}

// BarCache mirrors consumed bars into the hot ring.
type BarCache interface {
	CacheBars(ctx context.Context, symbol, timeframe string, bars ...models.Candle) error
}

// HealthSink records the pipeline's periodic health report.
type HealthSink interface {
	UpdateHealth(ctx context.Context, report models.HealthReport) error
}

var (
	_ Subscriber = (*bus.Bus)(nil)
	_ TickSink   = (*bars.Builder)(nil)
	_ BarSink    = (*indicators.Engine)(nil)
	_ BarStore   = (*store.Manager)(nil)
	_ BarCache   = (*cache.Cache)(nil)
	_ HealthSink = (*cache.Cache)(nil)
)

// Deps wires the pipeline to the rest of the platform. Store, Cache and
// Health may be nil, which skips those side effects.
type Deps struct {
	Bus     Subscriber
	Builder TickSink
	Engine  BarSink
	Store   BarStore
	Cache   BarCache
	Health  HealthSink
	Metrics *metrics.Registry
}

// Config tunes the consumer loop.
type Config struct {
	// QueueSize buffers bars per (symbol, timeframe) worker. A full queue
	// blocks the dispatcher, never drops a bar.
	QueueSize int
	// HealthInterval spaces the periodic health records.
	HealthInterval time.Duration
}

func (c Config) normalize() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	return c
}

type pairKey struct {
	symbol    string
	timeframe string
}

// Pipeline runs the trade and bar consumer loops.
type Pipeline struct {
	deps Deps
	cfg  Config

	mu      sync.Mutex
	workers map[pairKey]chan models.Candle
	wg      sync.WaitGroup

	ticks     atomic.Int64
	barsSeen  atomic.Int64
	errs      atomic.Int64
	startedAt time.Time

	now func() time.Time
}

// New builds a pipeline from its dependencies.
func New(deps Deps, cfg Config) *Pipeline {
	return &Pipeline{
		deps:    deps,
		cfg:     cfg.normalize(),
		workers: make(map[pairKey]chan models.Candle),
		now:     time.Now,
	}
}

// Run consumes the bus until ctx is canceled, then drains the per-pair
// workers within the drain deadline. Subscription failures are retried with
// a fixed delay; the error returned is always ctx.Err().
func (p *Pipeline) Run(ctx context.Context) error {
	p.startedAt = p.now()
	log.Info().Msg("Pipeline starting")

	var loops sync.WaitGroup
	loops.Add(3)
	go func() {
		defer loops.Done()
		p.subscribeLoop(ctx, p.onTrade, bus.TradesChannel("*"))
	}()
	go func() {
		defer loops.Done()
		p.subscribeLoop(ctx, p.onBarCompleted, bus.ChannelBarsCompleted)
	}()
	go func() {
		defer loops.Done()
		p.healthLoop(ctx)
	}()

	<-ctx.Done()
	loops.Wait()
	p.drain()

	// Last health record so /health shows the stop.
	final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.publishHealth(final, false)

	log.Info().
		Int64("ticks", p.ticks.Load()).
		Int64("bars", p.barsSeen.Load()).
		Msg("Pipeline stopped")
	return ctx.Err()
}

// subscribeLoop keeps one channel subscription alive across Redis hiccups.
func (p *Pipeline) subscribeLoop(ctx context.Context, handler bus.Handler, channel string) {
	for ctx.Err() == nil {
		err := p.deps.Bus.Subscribe(ctx, handler, channel)
		if ctx.Err() != nil {
			return
		}
		p.errs.Add(1)
		log.Error().Err(err).Str("channel", channel).Msg("Bus subscription lost, retrying")
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

// onTrade folds a validated tick into the bar builder. Malformed payloads
// are dropped with a count; one bad frame must not stop the stream.
func (p *Pipeline) onTrade(ctx context.Context, channel string, payload []byte) error {
	var t models.Trade
	if err := json.Unmarshal(payload, &t); err != nil {
		p.errs.Add(1)
		return fmt.Errorf("decode trade on %s: %w", channel, err)
	}
	if t.Symbol == "" || t.Price <= 0 {
		p.errs.Add(1)
		return fmt.Errorf("invalid trade on %s: symbol=%q price=%f", channel, t.Symbol, t.Price)
	}

	p.deps.Builder.ProcessTrade(ctx, t)
	p.ticks.Add(1)
	return nil
}

// onBarCompleted routes a completed bar to its pair's worker, creating the
// worker on first use.
func (p *Pipeline) onBarCompleted(ctx context.Context, channel string, payload []byte) error {
	var c models.Candle
	if err := json.Unmarshal(payload, &c); err != nil {
		p.errs.Add(1)
		return fmt.Errorf("decode bar on %s: %w", channel, err)
	}
	if c.Symbol == "" || c.Timeframe == "" {
		p.errs.Add(1)
		return fmt.Errorf("bar on %s is missing symbol or timeframe", channel)
	}

	ch := p.worker(pairKey{c.Symbol, c.Timeframe})
	select {
	case ch <- c:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// worker returns the pair's bar channel, starting its goroutine on demand.
func (p *Pipeline) worker(k pairKey) chan models.Candle {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ch, ok := p.workers[k]; ok {
		return ch
	}
	ch := make(chan models.Candle, p.cfg.QueueSize)
	p.workers[k] = ch

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for c := range ch {
			p.handleBar(c)
		}
	}()
	return ch
}

// handleBar runs the full per-bar sequence: persist, mirror into the cache
// ring, then recompute indicators. Running inside the pair's worker makes
// the sequence strictly ordered per (symbol, timeframe).
func (p *Pipeline) handleBar(c models.Candle) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if p.deps.Store != nil {
		if err := p.deps.Store.InsertCandle(ctx, c); err != nil {
			p.errs.Add(1)
			log.Error().Err(err).
				Str("symbol", c.Symbol).
				Str("timeframe", c.Timeframe).
				Msg("Failed to persist consumed bar")
		}
	}
	if p.deps.Cache != nil {
		if err := p.deps.Cache.CacheBars(ctx, c.Symbol, c.Timeframe, c); err != nil {
			log.Warn().Err(err).
				Str("symbol", c.Symbol).
				Str("timeframe", c.Timeframe).
				Msg("Failed to cache consumed bar")
		}
	}

	p.deps.Engine.OnBarCompleted(ctx, c)
	p.barsSeen.Add(1)
	p.deps.Metrics.BarsCompleted.WithLabelValues(c.Symbol, c.Timeframe).Inc()
}

// drain closes every worker and waits out the drain deadline. Workers still
// running after the deadline are abandoned; storage holds the last completed
// state, so restart rebuilds cleanly.
func (p *Pipeline) drain() {
	p.mu.Lock()
	for _, ch := range p.workers {
		close(ch)
	}
	p.workers = make(map[pairKey]chan models.Candle)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(DrainDeadline):
		log.Warn().Dur("deadline", DrainDeadline).Msg("Pipeline drain deadline exceeded")
	}
}

// Health snapshots the pipeline state for the system health hash.
func (p *Pipeline) Health(running bool) models.HealthReport {
	uptime := 0.0
	if !p.startedAt.IsZero() {
		uptime = p.now().Sub(p.startedAt).Seconds()
	}
	return models.HealthReport{
		Component:      "pipeline",
		Running:        running,
		Connected:      running,
		TradesReceived: p.ticks.Load(),
		Errors:         p.errs.Load(),
		CircuitState:   "closed",
		UptimeSeconds:  uptime,
		Timestamp:      p.now().Unix(),
	}
}

func (p *Pipeline) healthLoop(ctx context.Context) {
	if p.deps.Health == nil {
		return
	}
	ticker := time.NewTicker(p.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishHealth(ctx, true)
		}
	}
}

func (p *Pipeline) publishHealth(ctx context.Context, running bool) {
	if p.deps.Health == nil {
		return
	}
	if err := p.deps.Health.UpdateHealth(ctx, p.Health(running)); err != nil {
		log.Warn().Err(err).Msg("Failed to update pipeline health")
	}
}
