// Package quality validates ticks before they reach the bar builder. Each
// symbol carries a rolling price/volume history and an EMA quality score;
// rejected ticks land in a bounded quarantine ring and the persistent
// quality log.
package quality

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mytechsonamy/crypto-stock-platform/internal/metrics"
	"github.com/mytechsonamy/crypto-stock-platform/internal/models"
)

// Recorder persists quality samples. The store manager satisfies it.
type Recorder interface {
	InsertQualityMetric(ctx context.Context, s models.QualitySample) error
}

// Config tunes the validation thresholds.
type Config struct {
	ZScoreThreshold    float64
	PctChangeThreshold float64
	MaxAge             time.Duration
	FutureSkew         time.Duration
	VolumeMultiplier   float64
	HistoryWindow      int
	MinHistory         int
	ScoreAlpha         float64
	PassSampleRate     float64
	QuarantineSize     int
}

// Normalize fills zero fields with the default thresholds.
func (c *Config) Normalize() {
	if c.ZScoreThreshold <= 0 {
		c.ZScoreThreshold = 3.0
	}
	if c.PctChangeThreshold <= 0 {
		c.PctChangeThreshold = 0.10
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 60 * time.Second
	}
	if c.FutureSkew <= 0 {
		c.FutureSkew = 5 * time.Second
	}
	if c.VolumeMultiplier <= 0 {
		c.VolumeMultiplier = 100
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 100
	}
	if c.MinHistory <= 0 {
		c.MinHistory = 10
	}
	if c.ScoreAlpha <= 0 {
		c.ScoreAlpha = 0.1
	}
	if c.PassSampleRate <= 0 {
		c.PassSampleRate = 0.01
	}
	if c.QuarantineSize <= 0 {
		c.QuarantineSize = 1000
	}
}

// QuarantineEntry is one rejected tick held for inspection.
type QuarantineEntry struct {
	Time      time.Time    `json:"time"`
	Trade     models.Trade `json:"trade"`
	CheckType string       `json:"check_type"`
	Reason    string       `json:"reason"`
	Score     float64      `json:"quality_score"`
}

type symbolState struct {
	prices  []float64
	volumes []float64
	score   float64
}

// Checker runs the validation pipeline. Safe for concurrent use, though the
// pipeline normally gives each symbol a single caller.
type Checker struct {
	cfg      Config
	mr       *metrics.Registry
	recorder Recorder

	mu         sync.Mutex
	state      map[string]*symbolState
	quarantine []QuarantineEntry

	now    func() time.Time
	sample func() float64
}

func NewChecker(cfg Config, mr *metrics.Registry, recorder Recorder) *Checker {
	cfg.Normalize()
	return &Checker{
		cfg:      cfg,
		mr:       mr,
		recorder: recorder,
		state:    make(map[string]*symbolState),
		now:      time.Now,
		sample:   rand.Float64,
	}
}

// Check validates one tick. The first failing check wins; passing ticks are
// appended to the rolling history so they inform future checks.
func (c *Checker) Check(ctx context.Context, t models.Trade) models.QualityResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.state[t.Symbol]
	if st == nil {
		st = &symbolState{score: 1.0}
		c.state[t.Symbol] = st
	}

	checkType, reason := c.runChecks(t, st)
	if checkType != "" {
		score := c.fail(t, st, checkType, reason)
		return models.QualityResult{CheckType: checkType, Reason: reason, Score: score}
	}

	score := c.pass(t, st)
	st.prices = appendBounded(st.prices, t.Price, c.cfg.HistoryWindow)
	st.volumes = appendBounded(st.volumes, t.Quantity, c.cfg.HistoryWindow)
	return models.QualityResult{Passed: true, CheckType: "all_checks", Score: score}
}

// runChecks returns the failing check's name and reason, or "" on pass.
func (c *Checker) runChecks(t models.Trade, st *symbolState) (string, string) {
	if reason := c.checkValidValues(t); reason != "" {
		return "valid_values", reason
	}
	if reason := c.checkFreshness(t); reason != "" {
		return "data_freshness", reason
	}
	if reason := c.checkPriceAnomaly(t, st); reason != "" {
		return "price_anomaly", reason
	}
	if reason := c.checkVolumeSanity(t, st); reason != "" {
		return "volume_sanity", reason
	}
	return "", ""
}

func (c *Checker) checkValidValues(t models.Trade) string {
	if math.IsNaN(t.Price) || math.IsInf(t.Price, 0) {
		return fmt.Sprintf("non-finite price: %v", t.Price)
	}
	if t.Price <= 0 {
		return fmt.Sprintf("invalid price: %g", t.Price)
	}
	if math.IsNaN(t.Quantity) || math.IsInf(t.Quantity, 0) {
		return fmt.Sprintf("non-finite quantity: %v", t.Quantity)
	}
	if t.Quantity < 0 {
		return fmt.Sprintf("invalid quantity: %g", t.Quantity)
	}
	return ""
}

func (c *Checker) checkFreshness(t models.Trade) string {
	if t.TimestampMS == 0 {
		return "missing timestamp"
	}
	age := c.now().Sub(t.Time())
	if age > c.cfg.MaxAge {
		return fmt.Sprintf("data too old: %.1fs (max: %.0fs)", age.Seconds(), c.cfg.MaxAge.Seconds())
	}
	if age < -c.cfg.FutureSkew {
		return fmt.Sprintf("data from future: %.1fs", age.Seconds())
	}
	return ""
}

func (c *Checker) checkPriceAnomaly(t models.Trade, st *symbolState) string {
	if len(st.prices) < c.cfg.MinHistory {
		return ""
	}

	mean, std := meanStd(st.prices)
	if std > 0 {
		z := math.Abs((t.Price - mean) / std)
		if z > c.cfg.ZScoreThreshold {
			return fmt.Sprintf("price anomaly (z-score: %.2f)", z)
		}
	}

	last := st.prices[len(st.prices)-1]
	if last > 0 {
		pct := math.Abs((t.Price - last) / last)
		if pct > c.cfg.PctChangeThreshold {
			return fmt.Sprintf("large price change: %.1f%%", pct*100)
		}
	}
	return ""
}

func (c *Checker) checkVolumeSanity(t models.Trade, st *symbolState) string {
	if len(st.volumes) < c.cfg.MinHistory {
		return ""
	}

	mean, _ := meanStd(st.volumes)
	if mean > 0 {
		ratio := t.Quantity / mean
		if ratio > c.cfg.VolumeMultiplier {
			return fmt.Sprintf("abnormal volume: %.1fx average", ratio)
		}
	}
	return ""
}

func (c *Checker) fail(t models.Trade, st *symbolState, checkType, reason string) float64 {
	st.score += c.cfg.ScoreAlpha * (0.0 - st.score)
	c.mr.TicksRejected.WithLabelValues(t.Symbol, checkType).Inc()
	c.mr.QualityScore.WithLabelValues(t.Symbol).Set(st.score)

	log.Warn().
		Str("symbol", t.Symbol).
		Str("check", checkType).
		Str("reason", reason).
		Float64("price", t.Price).
		Msg("tick rejected")

	c.quarantine = append(c.quarantine, QuarantineEntry{
		Time:      c.now(),
		Trade:     t,
		CheckType: checkType,
		Reason:    reason,
		Score:     st.score,
	})
	if len(c.quarantine) > c.cfg.QuarantineSize {
		c.quarantine = c.quarantine[1:]
	}

	c.record(t, st.score, checkType, models.QualityResultFailed, &reason)
	return st.score
}

func (c *Checker) pass(t models.Trade, st *symbolState) float64 {
	st.score += c.cfg.ScoreAlpha * (1.0 - st.score)
	c.mr.QualityScore.WithLabelValues(t.Symbol).Set(st.score)

	// Persisting every pass would swamp the quality log; sample instead.
	if c.sample() < c.cfg.PassSampleRate {
		c.record(t, st.score, "all_checks", models.QualityResultPassed, nil)
	}
	return st.score
}

func (c *Checker) record(t models.Trade, score float64, checkType, result string, errMsg *string) {
	if c.recorder == nil {
		return
	}
	sample := models.QualitySample{
		Time:          c.now(),
		Symbol:        t.Symbol,
		Exchange:      t.Exchange,
		CheckType:     checkType,
		Result:        result,
		ErrorMessage:  errMsg,
		TradePrice:    &t.Price,
		TradeQuantity: &t.Quantity,
		QualityScore:  score,
		Metadata: map[string]any{
			"timestamp":            t.TimestampMS,
			"z_score_threshold":    c.cfg.ZScoreThreshold,
			"pct_change_threshold": c.cfg.PctChangeThreshold,
		},
	}
	if err := c.recorder.InsertQualityMetric(context.Background(), sample); err != nil {
		log.Error().Err(err).Str("symbol", t.Symbol).Msg("failed to persist quality sample")
	}
}

// Score returns the current quality score for a symbol, 1.0 when unseen.
func (c *Checker) Score(symbol string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.state[symbol]; ok {
		return st.score
	}
	return 1.0
}

// Quarantine returns up to limit newest entries, optionally filtered by
// symbol.
func (c *Checker) Quarantine(symbol string, limit int) []QuarantineEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	var entries []QuarantineEntry
	for _, e := range c.quarantine {
		if symbol == "" || e.Trade.Symbol == symbol {
			entries = append(entries, e)
		}
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]QuarantineEntry, len(entries))
	copy(out, entries)
	return out
}

// ClearQuarantine drops entries, optionally only one symbol's, and returns
// how many were removed.
func (c *Checker) ClearQuarantine(symbol string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if symbol == "" {
		n := len(c.quarantine)
		c.quarantine = nil
		return n
	}
	kept := c.quarantine[:0]
	for _, e := range c.quarantine {
		if e.Trade.Symbol != symbol {
			kept = append(kept, e)
		}
	}
	n := len(c.quarantine) - len(kept)
	c.quarantine = kept
	return n
}

func appendBounded(s []float64, v float64, max int) []float64 {
	s = append(s, v)
	if len(s) > max {
		s = s[1:]
	}
	return s
}

func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))

	var varSum float64
	for _, x := range xs {
		d := x - mean
		varSum += d * d
	}
	return mean, math.Sqrt(varSum / float64(len(xs)))
}
