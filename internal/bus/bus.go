// Package bus is the Redis pub/sub backbone connecting collectors,
// processors and the API tier. Channels carry JSON-encoded payloads and
// delivery is at-most-once: a subscriber that is down misses messages, and
// durable state always lives in storage, never on the bus.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/mytechsonamy/crypto-stock-platform/internal/models"
)

// Channel names. Trade and alert channels are sharded by venue and user.
const (
	ChannelBarsCompleted = "bars:completed"
	ChannelChartUpdates  = "chart_updates"
	ChannelSystemHealth  = "system:health"
)

// TradesChannel returns the normalized-tick channel for a venue.
func TradesChannel(venue string) string { return "trades:" + venue }

// AlertsChannel returns the per-user alert delivery channel.
func AlertsChannel(userID string) string { return "alerts:" + userID }

// BarPayload is the OHLCV fragment embedded in chart updates.
type BarPayload struct {
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// ChartUpdate is published on chart_updates after every indicator pass.
// TimeMS is the bar bucket time in epoch milliseconds; indicators with
// insufficient history are omitted from the map.
type ChartUpdate struct {
	Symbol     string             `json:"symbol"`
	Timeframe  string             `json:"timeframe"`
	TimeMS     int64              `json:"time"`
	Bar        BarPayload         `json:"bar"`
	Indicators map[string]float64 `json:"indicators"`
}

// NewChartUpdate builds the wire frame for a completed bar and its
// indicator set.
func NewChartUpdate(c models.Candle, set models.IndicatorSet) ChartUpdate {
	return ChartUpdate{
		Symbol:    c.Symbol,
		Timeframe: c.Timeframe,
		TimeMS:    c.Time.UnixMilli(),
		Bar: BarPayload{
			Open:   c.Open,
			High:   c.High,
			Low:    c.Low,
			Close:  c.Close,
			Volume: c.Volume,
		},
		Indicators: set.Values(),
	}
}

// AlertEvent is published on alerts:<user_id> when a rule fires.
type AlertEvent struct {
	AlertID      string                `json:"alert_id"`
	Symbol       string                `json:"symbol"`
	Condition    models.AlertCondition `json:"condition"`
	Threshold    float64               `json:"threshold"`
	CurrentPrice float64               `json:"current_price"`
	Indicators   map[string]float64    `json:"indicators,omitempty"`
	Timestamp    time.Time             `json:"timestamp"`
	Message      string                `json:"message"`
}

// Options configures the Redis connection backing the bus.
type Options struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
}

// Bus wraps a Redis client for publish and subscribe.
type Bus struct {
	client *redis.Client
}

// New connects a Bus. The connection is not verified here; call Ping.
func New(opts Options) *Bus {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,

		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		MaxRetries:      3,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: 500 * time.Millisecond,
	})
	return &Bus{client: client}
}

// Ping verifies the Redis connection.
func (b *Bus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (b *Bus) Close() error {
	return b.client.Close()
}

// Publish marshals v as JSON and publishes it on channel.
func (b *Bus) Publish(ctx context.Context, channel string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal payload for %s: %w", channel, err)
	}
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// PublishTrade publishes a normalized tick on the venue's trade channel.
func (b *Bus) PublishTrade(ctx context.Context, t models.Trade) error {
	return b.Publish(ctx, TradesChannel(t.Exchange), t)
}

// PublishBarCompleted publishes a completed candle on bars:completed.
func (b *Bus) PublishBarCompleted(ctx context.Context, c models.Candle) error {
	return b.Publish(ctx, ChannelBarsCompleted, c)
}

// PublishChartUpdate publishes a bar plus indicators frame on chart_updates.
func (b *Bus) PublishChartUpdate(ctx context.Context, u ChartUpdate) error {
	return b.Publish(ctx, ChannelChartUpdates, u)
}

// PublishAlert publishes an alert event on the owner's channel.
func (b *Bus) PublishAlert(ctx context.Context, userID string, ev AlertEvent) error {
	return b.Publish(ctx, AlertsChannel(userID), ev)
}

// Handler consumes a raw message from a subscribed channel. Returned errors
// are logged, not fatal: one bad payload must not stop the stream.
type Handler func(ctx context.Context, channel string, payload []byte) error

// Subscribe consumes the given channels until ctx is cancelled, invoking
// handler for every message. Patterns with a trailing * use PSUBSCRIBE, so
// trades:* covers every venue.
func (b *Bus) Subscribe(ctx context.Context, handler Handler, channels ...string) error {
	var plain, patterns []string
	for _, ch := range channels {
		if len(ch) > 0 && ch[len(ch)-1] == '*' {
			patterns = append(patterns, ch)
		} else {
			plain = append(plain, ch)
		}
	}

	var sub *redis.PubSub
	switch {
	case len(patterns) > 0 && len(plain) > 0:
		sub = b.client.PSubscribe(ctx, patterns...)
		if err := sub.Subscribe(ctx, plain...); err != nil {
			sub.Close()
			return fmt.Errorf("subscribe %v: %w", plain, err)
		}
	case len(patterns) > 0:
		sub = b.client.PSubscribe(ctx, patterns...)
	default:
		sub = b.client.Subscribe(ctx, plain...)
	}
	defer sub.Close()

	// Wait for the subscription to be confirmed before reporting ready.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("confirm subscription: %w", err)
	}

	log.Info().Strs("channels", channels).Msg("Subscribed to bus channels")

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			if err := handler(ctx, msg.Channel, []byte(msg.Payload)); err != nil {
				log.Error().Err(err).Str("channel", msg.Channel).Msg("Bus handler failed")
			}
		}
	}
}
