// Package alerts evaluates user alert rules against price and indicator
// updates and fans fired alerts out to their notification channels.
package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mytechsonamy/crypto-stock-platform/internal/bus"
	"github.com/mytechsonamy/crypto-stock-platform/internal/indicators"
	"github.com/mytechsonamy/crypto-stock-platform/internal/metrics"
	"github.com/mytechsonamy/crypto-stock-platform/internal/models"
	"github.com/mytechsonamy/crypto-stock-platform/internal/store"
)

// Store is the rule persistence surface the engine needs.
type Store interface {
	GetActiveAlerts(ctx context.Context, symbol string) ([]models.Alert, error)
	UpdateAlert(ctx context.Context, a models.Alert) error
}

// Notifier delivers one fired alert over one channel.
type Notifier interface {
	Send(ctx context.Context, a models.Alert, ev bus.AlertEvent) error
}

var (
	_ Store                = (*store.Manager)(nil)
	_ indicators.AlertSink = (*Engine)(nil)
)

// Config tunes rule caching and channel dispatch.
type Config struct {
	// CacheTTL bounds how long fetched rules are reused before the store
	// is consulted again. Mutations invalidate earlier.
	CacheTTL time.Duration
	// DispatchTimeout caps each notification channel individually.
	DispatchTimeout time.Duration
}

func (c Config) normalize() Config {
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Minute
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 10 * time.Second
	}
	return c
}

// rulesEntry is one symbol's cached active rule set. Evaluations mutate the
// rules in place so MACD history survives between checks without a store
// round trip.
type rulesEntry struct {
	alerts    []models.Alert
	fetchedAt time.Time
}

// Engine checks every active rule for a symbol whenever that symbol's
// price and indicators update. Evaluation is sequential per symbol: rule
// metadata carries state between checks, so two concurrent evaluations of
// the same symbol would race on it.
type Engine struct {
	cfg       Config
	mr        *metrics.Registry
	store     Store
	notifiers map[models.NotificationChannel]Notifier

	now func() time.Time

	mu    sync.Mutex
	rules map[string]*rulesEntry
	locks map[string]*sync.Mutex
}

// NewEngine wires an alert engine. Channels without a notifier in the map
// are counted as dispatch failures when a rule selects them.
func NewEngine(cfg Config, mr *metrics.Registry, st Store, notifiers map[models.NotificationChannel]Notifier) *Engine {
	return &Engine{
		cfg:       cfg.normalize(),
		mr:        mr,
		store:     st,
		notifiers: notifiers,
		now:       time.Now,
		rules:     make(map[string]*rulesEntry),
		locks:     make(map[string]*sync.Mutex),
	}
}

// Evaluate runs every active rule for symbol against the update. Fired
// rules dispatch to their channels concurrently, then have their trigger
// state persisted. The returned error covers rule loading only; channel
// failures are counted and logged per channel.
func (e *Engine) Evaluate(ctx context.Context, symbol string, price float64, indicators map[string]float64) error {
	lock := e.symbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()

	rules, err := e.activeRules(ctx, symbol)
	if err != nil {
		return err
	}

	now := e.now()
	for i := range rules {
		rule := &rules[i]
		if !e.shouldFire(rule, price, indicators, now) {
			continue
		}
		e.fire(ctx, rule, price, indicators, now)
	}
	return nil
}

// Invalidate drops the cached rules for a symbol, forcing the next
// evaluation to consult the store. Call after any rule mutation.
func (e *Engine) Invalidate(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.rules, symbol)
}

// InvalidateAll drops every cached rule set. Used when the affected symbol
// is unknown, such as after a delete by id.
func (e *Engine) InvalidateAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = make(map[string]*rulesEntry)
}

func (e *Engine) symbolLock(symbol string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[symbol]
	if !ok {
		l = &sync.Mutex{}
		e.locks[symbol] = l
	}
	return l
}

func (e *Engine) activeRules(ctx context.Context, symbol string) ([]models.Alert, error) {
	e.mu.Lock()
	entry, ok := e.rules[symbol]
	e.mu.Unlock()
	if ok && e.now().Sub(entry.fetchedAt) < e.cfg.CacheTTL {
		return entry.alerts, nil
	}

	alerts, err := e.store.GetActiveAlerts(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("load alert rules for %s: %w", symbol, err)
	}

	e.mu.Lock()
	e.rules[symbol] = &rulesEntry{alerts: alerts, fetchedAt: e.now()}
	e.mu.Unlock()
	return alerts, nil
}

// shouldFire applies the skip chain and then the rule's condition. MACD
// rules record the current macd and signal values in metadata on every
// check, fired or not, so the next check can detect the cross.
func (e *Engine) shouldFire(a *models.Alert, price float64, ind map[string]float64, now time.Time) bool {
	if !a.IsActive {
		return false
	}
	if a.InCooldown(now) {
		return false
	}
	if a.OneTime && a.TriggerCount > 0 {
		return false
	}

	switch a.Condition {
	case models.PriceAbove:
		return price > a.Threshold
	case models.PriceBelow:
		return price < a.Threshold
	case models.RSIAbove:
		rsi, ok := ind["rsi"]
		return ok && rsi > a.Threshold
	case models.RSIBelow:
		rsi, ok := ind["rsi"]
		return ok && rsi < a.Threshold
	case models.MACDCrossover:
		macd, okM := ind["macd"]
		signal, okS := ind["macd_signal"]
		if !okM || !okS {
			return false
		}
		prevMACD, havePrevM := metaFloat(a.Metadata, "prev_macd")
		prevSignal, havePrevS := metaFloat(a.Metadata, "prev_signal")

		fired := false
		if havePrevM && havePrevS {
			if a.Threshold > 0 {
				fired = prevMACD <= prevSignal && macd > signal
			} else {
				fired = prevMACD >= prevSignal && macd < signal
			}
		}

		if a.Metadata == nil {
			a.Metadata = make(map[string]any)
		}
		a.Metadata["prev_macd"] = macd
		a.Metadata["prev_signal"] = signal
		return fired
	case models.VolumeSpike:
		volume, okV := ind["volume"]
		sma, okS := ind["volume_sma"]
		return okV && okS && volume > a.Threshold*sma
	}

	log.Warn().Str("alert_id", a.AlertID).Str("condition", string(a.Condition)).Msg("Unknown alert condition")
	return false
}

// fire dispatches the alert to each of its channels concurrently, waits for
// all of them, then persists the updated trigger state. One channel failing
// never suppresses the others or the state update.
func (e *Engine) fire(ctx context.Context, a *models.Alert, price float64, ind map[string]float64, now time.Time) {
	ev := bus.AlertEvent{
		AlertID:      a.AlertID,
		Symbol:       a.Symbol,
		Condition:    a.Condition,
		Threshold:    a.Threshold,
		CurrentPrice: price,
		Indicators:   ind,
		Timestamp:    now.UTC(),
		Message:      message(*a, price, ind),
	}

	log.Info().
		Str("alert_id", a.AlertID).
		Str("symbol", a.Symbol).
		Str("condition", string(a.Condition)).
		Float64("threshold", a.Threshold).
		Msg("Alert fired")

	var wg sync.WaitGroup
	for _, ch := range a.Channels {
		notifier, ok := e.notifiers[ch]
		if !ok {
			log.Warn().Str("alert_id", a.AlertID).Str("channel", string(ch)).Msg("No notifier for channel")
			e.mr.AlertFailures.WithLabelValues(string(ch)).Inc()
			continue
		}
		wg.Add(1)
		go func(ch models.NotificationChannel, n Notifier) {
			defer wg.Done()
			nctx, cancel := context.WithTimeout(ctx, e.cfg.DispatchTimeout)
			defer cancel()
			if err := n.Send(nctx, *a, ev); err != nil {
				log.Error().Err(err).
					Str("alert_id", a.AlertID).
					Str("channel", string(ch)).
					Msg("Alert dispatch failed")
				e.mr.AlertFailures.WithLabelValues(string(ch)).Inc()
				return
			}
			e.mr.AlertsFired.WithLabelValues(string(a.Condition), string(ch)).Inc()
		}(ch, notifier)
	}
	wg.Wait()

	t := now
	a.LastTriggeredAt = &t
	a.TriggerCount++
	if a.OneTime {
		a.IsActive = false
	}
	if err := e.store.UpdateAlert(ctx, *a); err != nil {
		log.Error().Err(err).Str("alert_id", a.AlertID).Msg("Failed to persist alert trigger state")
	}
	e.Invalidate(a.Symbol)
}

// message renders the human-readable alert text.
func message(a models.Alert, price float64, ind map[string]float64) string {
	switch a.Condition {
	case models.PriceAbove:
		return fmt.Sprintf("%s price %.2f is above %.2f", a.Symbol, price, a.Threshold)
	case models.PriceBelow:
		return fmt.Sprintf("%s price %.2f is below %.2f", a.Symbol, price, a.Threshold)
	case models.RSIAbove:
		return fmt.Sprintf("%s RSI %.2f is above %.2f (overbought)", a.Symbol, ind["rsi"], a.Threshold)
	case models.RSIBelow:
		return fmt.Sprintf("%s RSI %.2f is below %.2f (oversold)", a.Symbol, ind["rsi"], a.Threshold)
	case models.MACDCrossover:
		direction := "bullish"
		if a.Threshold <= 0 {
			direction = "bearish"
		}
		return fmt.Sprintf("%s MACD %s crossover detected", a.Symbol, direction)
	case models.VolumeSpike:
		return fmt.Sprintf("%s volume spike detected: %.0f", a.Symbol, ind["volume"])
	}
	return fmt.Sprintf("Alert triggered for %s", a.Symbol)
}

// metaFloat reads a numeric metadata value. Values arrive either as
// float64 set by a previous check or as float64 decoded from jsonb.
func metaFloat(m map[string]any, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	v, ok := m[key].(float64)
	return v, ok
}
