// Package ratelimit implements a distributed token bucket over Redis so
// every API instance enforces one shared budget per client.
//
// The bucket is read and written in two commands, not atomically. Two
// concurrent requests for the same client can both observe the same token
// count and over-admit by one request each; the bound is the number of
// concurrent callers, never unbounded. Strict admission would need a
// server-side script, which this deliberately avoids.
package ratelimit

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/mytechsonamy/crypto-stock-platform/internal/metrics"
)

// Key returns the bucket hash key for a client.
func Key(clientID string) string {
	return "rate_limit:" + clientID
}

// Decision is the outcome of one admission check. Remaining and ResetAt
// feed the X-RateLimit response headers; RetryAfter is set on deny.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// Limiter admits requests against a per-client token bucket stored in a
// Redis hash {tokens, last_refill}. If Redis is unreachable the limiter
// fails open: availability of the API outranks strict admission here.
type Limiter struct {
	client *redis.Client
	mr     *metrics.Registry
	rate   int
	period time.Duration

	now func() time.Time
}

// New builds a limiter allowing rate requests per period for each client.
func New(client *redis.Client, mr *metrics.Registry, rate int, period time.Duration) *Limiter {
	if rate <= 0 {
		rate = 100
	}
	if period <= 0 {
		period = time.Minute
	}
	return &Limiter{client: client, mr: mr, rate: rate, period: period, now: time.Now}
}

// Rate returns the bucket capacity, which is also the per-period budget.
func (l *Limiter) Rate() int {
	return l.rate
}

// refillRate is tokens per second.
func (l *Limiter) refillRate() float64 {
	return float64(l.rate) / l.period.Seconds()
}

// Allow admits a single-cost request for clientID.
func (l *Limiter) Allow(ctx context.Context, clientID string) Decision {
	return l.AllowN(ctx, clientID, 1)
}

// AllowN admits a request costing cost tokens. Unknown clients start with
// a full bucket. Tokens refill continuously at rate/period; a denied
// request reports how long until enough tokens accumulate.
func (l *Limiter) AllowN(ctx context.Context, clientID string, cost int) Decision {
	now := l.now()
	key := Key(clientID)

	state, err := l.client.HGetAll(ctx, key).Result()
	if err != nil {
		log.Warn().Err(err).Str("client_id", clientID).Msg("Rate limit store unreachable, allowing request")
		return Decision{Allowed: true, Remaining: l.rate, ResetAt: now}
	}

	tokens := float64(l.rate)
	if len(state) > 0 {
		tokens = parseFloat(state["tokens"], float64(l.rate))
		lastRefill := parseUnix(state["last_refill"], now)
		if elapsed := now.Sub(lastRefill).Seconds(); elapsed > 0 {
			tokens = math.Min(float64(l.rate), tokens+elapsed*l.refillRate())
		}
	}

	if tokens >= float64(cost) {
		tokens -= float64(cost)
		if err := l.persist(ctx, key, tokens, now); err != nil {
			log.Warn().Err(err).Str("client_id", clientID).Msg("Failed to persist rate limit bucket")
		}
		return Decision{Allowed: true, Remaining: int(tokens), ResetAt: l.resetAt(now, tokens)}
	}

	needed := float64(cost) - tokens
	retry := time.Duration(math.Ceil(needed/l.refillRate())) * time.Second
	l.mr.RateLimitDenied.Inc()
	log.Warn().
		Str("client_id", clientID).
		Float64("tokens", tokens).
		Int("cost", cost).
		Dur("retry_after", retry).
		Msg("Rate limit exceeded")
	return Decision{Allowed: false, Remaining: int(tokens), RetryAfter: retry, ResetAt: l.resetAt(now, tokens)}
}

// persist writes the bucket back. The key expires at twice the refill
// period so an idle client's bucket vanishes instead of lingering full.
func (l *Limiter) persist(ctx context.Context, key string, tokens float64, now time.Time) error {
	err := l.client.HSet(ctx, key,
		"tokens", formatFloat(tokens),
		"last_refill", formatFloat(unixSeconds(now)),
	).Err()
	if err != nil {
		return err
	}
	return l.client.Expire(ctx, key, 2*l.period).Err()
}

// resetAt estimates when the bucket is full again.
func (l *Limiter) resetAt(now time.Time, tokens float64) time.Time {
	missing := float64(l.rate) - tokens
	if missing <= 0 {
		return now
	}
	return now.Add(time.Duration(missing / l.refillRate() * float64(time.Second)))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseFloat(s string, fallback float64) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fallback
	}
	return v
}

func parseUnix(s string, fallback time.Time) time.Time {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fallback
	}
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(frac*float64(time.Second)))
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
