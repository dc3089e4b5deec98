// Package collectors ingests venue market data and publishes normalized
// ticks and completed bars onto the bus. Every venue shares one run loop:
// breaker-guarded connect, catalog subscribe, consume, reconnect with
// exponential backoff. Ticks pass through the quality checker before
// publication; rejected ticks never reach the bar path.
package collectors

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mytechsonamy/crypto-stock-platform/internal/breaker"
	"github.com/mytechsonamy/crypto-stock-platform/internal/bus"
	"github.com/mytechsonamy/crypto-stock-platform/internal/cache"
	"github.com/mytechsonamy/crypto-stock-platform/internal/catalog"
	"github.com/mytechsonamy/crypto-stock-platform/internal/metrics"
	"github.com/mytechsonamy/crypto-stock-platform/internal/models"
	"github.com/mytechsonamy/crypto-stock-platform/internal/quality"
)

// Sink receives everything a venue produces during Run.
type Sink interface {
	Tick(ctx context.Context, t models.Trade)
	Bar(ctx context.Context, c models.Candle)
}

// Venue is the per-venue capability set driven by the shared run loop.
type Venue interface {
	Name() string
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, symbols []string) error
	// Run consumes the source until ctx is canceled or the stream ends,
	// delivering data through sink. A nil return requests a clean
	// reconnect cycle.
	Run(ctx context.Context, sink Sink) error
	FetchHistorical(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]models.Candle, error)
	Disconnect() error
}

// SymbolSource yields the active symbols a collector should cover.
type SymbolSource interface {
	SymbolsForExchange(ctx context.Context, exchange string) ([]string, error)
}

// Checker validates ticks before they are published.
type Checker interface {
	Check(ctx context.Context, t models.Trade) models.QualityResult
}

// Publisher is the bus surface collectors write to.
type Publisher interface {
	PublishTrade(ctx context.Context, t models.Trade) error
	PublishBarCompleted(ctx context.Context, c models.Candle) error
}

// HealthSink records periodic collector health reports.
type HealthSink interface {
	UpdateHealth(ctx context.Context, report models.HealthReport) error
}

var (
	_ SymbolSource = (*catalog.Catalog)(nil)
	_ Checker      = (*quality.Checker)(nil)
	_ Publisher    = (*bus.Bus)(nil)
	_ HealthSink   = (*cache.Cache)(nil)
)

// Deps wires a Runner to the rest of the platform.
type Deps struct {
	Symbols SymbolSource
	Checker Checker
	Bus     Publisher
	Health  HealthSink
	Metrics *metrics.Registry
}

// RunnerConfig tunes the shared run loop.
type RunnerConfig struct {
	ReconnectInitial time.Duration // default 1s
	ReconnectMax     time.Duration // default 60s
	HealthInterval   time.Duration // default 30s
	Breaker          breaker.Config
}

func (c RunnerConfig) normalize() RunnerConfig {
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 60 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	return c
}

// Runner drives one venue: it owns the connection lifecycle, the circuit
// breaker, reconnect backoff, counters and health reporting. It is also
// the Sink handed to the venue.
type Runner struct {
	venue Venue
	deps  Deps
	cfg   RunnerConfig
	cb    *breaker.Breaker

	mu             sync.Mutex
	running        bool
	connected      bool
	tradesReceived int64
	errs           int64
	reconnects     int64
	startedAt      time.Time
	delay          time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRunner builds the run loop for a venue.
func NewRunner(venue Venue, deps Deps, cfg RunnerConfig) *Runner {
	cfg = cfg.normalize()
	r := &Runner{
		venue: venue,
		deps:  deps,
		cfg:   cfg,
		cb:    breaker.NewBreaker(venue.Name()+"_collector", cfg.Breaker),
		delay: cfg.ReconnectInitial,
		now:   time.Now,
		sleep: ctxSleep,
	}
	r.cb.OnStateChange(func(component string, from, to breaker.State) {
		deps.Metrics.SetBreakerState(component, to.String())
	})
	return r
}

// Start runs the collector until ctx is canceled. Source failures feed the
// reconnect loop and are never returned.
func (r *Runner) Start(ctx context.Context) {
	name := r.venue.Name()

	r.mu.Lock()
	r.running = true
	r.startedAt = r.now()
	r.mu.Unlock()

	log.Info().Str("collector", name).Msg("Collector starting")

	hctx, cancelHealth := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.healthLoop(hctx)
	}()

	for ctx.Err() == nil {
		if !r.connect(ctx) {
			continue
		}

		symbols, err := r.deps.Symbols.SymbolsForExchange(ctx, name)
		if err != nil {
			r.recordError("catalog_error", err)
			r.sleep(ctx, 10*time.Second)
			continue
		}
		if len(symbols) == 0 {
			log.Warn().Str("collector", name).Msg("No active symbols for collector")
			r.sleep(ctx, 10*time.Second)
			continue
		}

		if err := r.venue.Subscribe(ctx, symbols); err != nil {
			r.recordError("subscribe_error", err)
			r.disconnect()
			r.backoff(ctx)
			continue
		}
		log.Info().Str("collector", name).Int("symbols", len(symbols)).Msg("Collector subscribed")

		err = r.venue.Run(ctx, r)
		r.disconnect()
		if ctx.Err() != nil {
			break
		}
		if err != nil {
			r.recordError("stream_error", err)
		} else {
			log.Info().Str("collector", name).Msg("Stream ended, reconnecting")
		}
		r.backoff(ctx)
	}

	cancelHealth()
	wg.Wait()

	r.mu.Lock()
	r.running = false
	r.connected = false
	r.mu.Unlock()
	r.deps.Metrics.CollectorStatus.WithLabelValues(name).Set(0)

	// One last record so the health endpoint shows the stop.
	final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.publishHealth(final)

	log.Info().Str("collector", name).Msg("Collector stopped")
}

// connect guards venue.Connect with the circuit breaker. Returns true on
// success; on failure it sleeps off the retry delay first.
func (r *Runner) connect(ctx context.Context) bool {
	name := r.venue.Name()
	err := r.cb.Guard(ctx, r.venue.Connect)
	if err == nil {
		r.mu.Lock()
		r.connected = true
		r.delay = r.cfg.ReconnectInitial
		r.mu.Unlock()
		r.deps.Metrics.CollectorStatus.WithLabelValues(name).Set(1)
		log.Info().Str("collector", name).Msg("Collector connected")
		return true
	}

	var open *breaker.OpenError
	if errors.As(err, &open) {
		log.Warn().
			Str("collector", name).
			Dur("retry_after", open.RetryAfter).
			Msg("Circuit open, waiting")
		r.sleep(ctx, open.RetryAfter)
		return false
	}

	r.recordError("connect_error", err)
	r.backoff(ctx)
	return false
}

func (r *Runner) disconnect() {
	if err := r.venue.Disconnect(); err != nil {
		log.Warn().Err(err).Str("collector", r.venue.Name()).Msg("Disconnect failed")
	}
	r.mu.Lock()
	r.connected = false
	r.mu.Unlock()
	r.deps.Metrics.CollectorStatus.WithLabelValues(r.venue.Name()).Set(0)
}

// backoff sleeps the current reconnect delay, then doubles it up to the cap.
func (r *Runner) backoff(ctx context.Context) {
	r.mu.Lock()
	d := r.delay
	r.delay *= 2
	if r.delay > r.cfg.ReconnectMax {
		r.delay = r.cfg.ReconnectMax
	}
	r.reconnects++
	attempt := r.reconnects
	r.mu.Unlock()

	r.deps.Metrics.Reconnections.WithLabelValues(r.venue.Name()).Inc()
	log.Warn().
		Str("collector", r.venue.Name()).
		Int64("attempt", attempt).
		Dur("delay", d).
		Msg("Reconnecting")
	r.sleep(ctx, d)
}

func (r *Runner) recordError(kind string, err error) {
	r.mu.Lock()
	r.errs++
	r.mu.Unlock()
	r.deps.Metrics.CollectorErrors.WithLabelValues(r.venue.Name(), kind).Inc()
	log.Error().Err(err).Str("collector", r.venue.Name()).Msg("Collector error")
}

// Tick gates the trade through the quality checker and publishes survivors
// to the venue's trade channel.
func (r *Runner) Tick(ctx context.Context, t models.Trade) {
	if res := r.deps.Checker.Check(ctx, t); !res.Passed {
		return
	}
	if err := r.deps.Bus.PublishTrade(ctx, t); err != nil {
		r.recordError("publish_error", err)
		return
	}
	r.mu.Lock()
	r.tradesReceived++
	r.mu.Unlock()
	r.deps.Metrics.TradesReceived.WithLabelValues(t.Exchange, t.Symbol).Inc()
}

// Bar publishes an exchange-delivered completed bar.
func (r *Runner) Bar(ctx context.Context, c models.Candle) {
	if err := r.deps.Bus.PublishBarCompleted(ctx, c); err != nil {
		r.recordError("publish_error", err)
	}
}

// Backfill fetches historical bars and feeds them through the completed-bar
// path, so they persist and index exactly like live bars.
func (r *Runner) Backfill(ctx context.Context, symbol, timeframe string, from, to time.Time) (int, error) {
	candles, err := r.venue.FetchHistorical(ctx, symbol, timeframe, from, to)
	if err != nil {
		return 0, fmt.Errorf("fetch historical %s %s: %w", symbol, timeframe, err)
	}
	for _, c := range candles {
		r.Bar(ctx, c)
	}
	return len(candles), nil
}

// Health snapshots the collector state for the system health hash.
func (r *Runner) Health() models.HealthReport {
	r.mu.Lock()
	defer r.mu.Unlock()

	uptime := 0.0
	if !r.startedAt.IsZero() {
		uptime = r.now().Sub(r.startedAt).Seconds()
	}
	return models.HealthReport{
		Component:      r.venue.Name() + "_collector",
		Running:        r.running,
		Connected:      r.connected,
		TradesReceived: r.tradesReceived,
		Errors:         r.errs,
		Reconnects:     r.reconnects,
		CircuitState:   r.cb.State().String(),
		UptimeSeconds:  uptime,
		Timestamp:      r.now().Unix(),
	}
}

func (r *Runner) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.publishHealth(ctx)
		}
	}
}

func (r *Runner) publishHealth(ctx context.Context) {
	if err := r.deps.Health.UpdateHealth(ctx, r.Health()); err != nil {
		log.Warn().Err(err).Str("collector", r.venue.Name()).Msg("Failed to update health status")
	}
}

// ctxSleep waits for d or for ctx, whichever ends first.
func ctxSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
