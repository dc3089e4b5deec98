// Package cache is the Redis hot-data layer: recent bars as sorted sets,
// indicator and feature snapshots as hashes with TTL, and the system:health
// hash. Storage remains the source of truth; everything here is rebuildable.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/mytechsonamy/crypto-stock-platform/internal/metrics"
	"github.com/mytechsonamy/crypto-stock-platform/internal/models"
)

const (
	// KeySystemHealth is the hash holding per-component health records.
	KeySystemHealth = "system:health"
	// KeySymbolsAll caches the full catalog response for the symbols endpoint.
	KeySymbolsAll = "api:symbols:all"

	// DefaultMaxBars bounds each bars sorted set.
	DefaultMaxBars = 1000
)

// BarsKey returns the sorted-set key for completed bars.
func BarsKey(symbol, timeframe string) string {
	return fmt.Sprintf("bars:%s:%s", symbol, timeframe)
}

// CurrentBarKey returns the key holding the in-progress bar.
func CurrentBarKey(symbol, timeframe string) string {
	return fmt.Sprintf("current_bar:%s:%s", symbol, timeframe)
}

// IndicatorsKey returns the hash key for the latest indicator values.
func IndicatorsKey(symbol, timeframe string) string {
	return fmt.Sprintf("indicators:%s:%s", symbol, timeframe)
}

// FeaturesKey returns the hash key for the latest feature vector.
func FeaturesKey(symbol string) string {
	return fmt.Sprintf("features:%s:latest", symbol)
}

// Options configures the Redis connection.
type Options struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxBars      int
}

// Cache wraps a Redis client plus the metrics registry feeding the
// cache_hits/cache_misses counters.
type Cache struct {
	client  *redis.Client
	mr      *metrics.Registry
	maxBars int
}

// New connects a Cache using the pool settings from opts.
func New(opts Options, mr *metrics.Registry) *Cache {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,

		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	return NewWithClient(client, mr, opts.MaxBars)
}

// NewWithClient wraps an existing client. Tests inject a redismock client
// here.
func NewWithClient(client *redis.Client, mr *metrics.Registry, maxBars int) *Cache {
	if maxBars <= 0 {
		maxBars = DefaultMaxBars
	}
	return &Cache{client: client, mr: mr, maxBars: maxBars}
}

// Ping verifies the Redis connection.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (c *Cache) Close() error {
	return c.client.Close()
}

// CacheBars appends completed bars to the symbol's sorted set, scored by
// bucket time, and trims the set to the configured maximum.
func (c *Cache) CacheBars(ctx context.Context, symbol, timeframe string, bars ...models.Candle) error {
	if len(bars) == 0 {
		return nil
	}
	key := BarsKey(symbol, timeframe)

	members := make([]*redis.Z, 0, len(bars))
	for _, bar := range bars {
		data, err := json.Marshal(bar)
		if err != nil {
			return fmt.Errorf("marshal bar: %w", err)
		}
		members = append(members, &redis.Z{
			Score:  float64(bar.Time.Unix()),
			Member: string(data),
		})
	}

	if err := c.client.ZAdd(ctx, key, members...).Err(); err != nil {
		return fmt.Errorf("zadd %s: %w", key, err)
	}
	if err := c.client.ZRemRangeByRank(ctx, key, 0, int64(-(c.maxBars + 1))).Err(); err != nil {
		return fmt.Errorf("trim %s: %w", key, err)
	}
	return nil
}

// GetCachedBars returns up to limit most recent bars in chronological order.
// A missing or empty set is a cache miss, not an error.
func (c *Cache) GetCachedBars(ctx context.Context, symbol, timeframe string, limit int64) ([]models.Candle, error) {
	key := BarsKey(symbol, timeframe)

	raw, err := c.client.ZRange(ctx, key, -limit, -1).Result()
	if err != nil {
		c.mr.RecordCacheMiss("bars")
		return nil, fmt.Errorf("zrange %s: %w", key, err)
	}
	if len(raw) == 0 {
		c.mr.RecordCacheMiss("bars")
		return nil, nil
	}

	bars := make([]models.Candle, 0, len(raw))
	for _, item := range raw {
		var bar models.Candle
		if err := json.Unmarshal([]byte(item), &bar); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Dropping undecodable cached bar")
			continue
		}
		bars = append(bars, bar)
	}
	c.mr.RecordCacheHit("bars")
	return bars, nil
}

// SetCurrentBar stores the in-progress bar. The TTL covers feeds that stall
// mid-bucket; callers pass twice the timeframe period.
func (c *Cache) SetCurrentBar(ctx context.Context, bar models.Candle, ttl time.Duration) error {
	key := CurrentBarKey(bar.Symbol, bar.Timeframe)
	data, err := json.Marshal(bar)
	if err != nil {
		return fmt.Errorf("marshal current bar: %w", err)
	}
	if err := c.client.Set(ctx, key, string(data), ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// GetCurrentBar returns the in-progress bar, or nil when none is cached.
func (c *Cache) GetCurrentBar(ctx context.Context, symbol, timeframe string) (*models.Candle, error) {
	key := CurrentBarKey(symbol, timeframe)
	data, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	var bar models.Candle
	if err := json.Unmarshal([]byte(data), &bar); err != nil {
		return nil, fmt.Errorf("decode current bar: %w", err)
	}
	return &bar, nil
}

// CacheIndicators stores the latest indicator values as a hash with TTL.
func (c *Cache) CacheIndicators(ctx context.Context, symbol, timeframe string, values map[string]float64, ttl time.Duration) error {
	return c.setHash(ctx, IndicatorsKey(symbol, timeframe), values, ttl)
}

// GetCachedIndicators returns the latest indicator values, or nil on miss.
func (c *Cache) GetCachedIndicators(ctx context.Context, symbol, timeframe string) (map[string]float64, error) {
	return c.getHash(ctx, IndicatorsKey(symbol, timeframe), "indicators")
}

// CacheFeatures stores the latest feature vector as a hash with TTL.
func (c *Cache) CacheFeatures(ctx context.Context, symbol string, values map[string]float64, ttl time.Duration) error {
	return c.setHash(ctx, FeaturesKey(symbol), values, ttl)
}

// GetCachedFeatures returns the latest feature vector, or nil on miss.
func (c *Cache) GetCachedFeatures(ctx context.Context, symbol string) (map[string]float64, error) {
	return c.getHash(ctx, FeaturesKey(symbol), "features")
}

// setHash writes fields in sorted key order so the command stream is
// deterministic, then applies the TTL.
func (c *Cache) setHash(ctx context.Context, key string, values map[string]float64, ttl time.Duration) error {
	if len(values) == 0 {
		return nil
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]interface{}, 0, 2*len(values))
	for _, k := range keys {
		args = append(args, k, strconv.FormatFloat(values[k], 'f', -1, 64))
	}

	if err := c.client.HSet(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", key, err)
	}
	if err := c.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("expire %s: %w", key, err)
	}
	return nil
}

func (c *Cache) getHash(ctx context.Context, key, cacheType string) (map[string]float64, error) {
	raw, err := c.client.HGetAll(ctx, key).Result()
	if err != nil {
		c.mr.RecordCacheMiss(cacheType)
		return nil, fmt.Errorf("hgetall %s: %w", key, err)
	}
	if len(raw) == 0 {
		c.mr.RecordCacheMiss(cacheType)
		return nil, nil
	}

	values := make(map[string]float64, len(raw))
	for k, v := range raw {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			log.Warn().Str("key", key).Str("field", k).Msg("Dropping non-numeric cached field")
			continue
		}
		values[k] = f
	}
	c.mr.RecordCacheHit(cacheType)
	return values, nil
}

// UpdateHealth stores a component health record in the system:health hash.
func (c *Cache) UpdateHealth(ctx context.Context, report models.HealthReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal health report: %w", err)
	}
	if err := c.client.HSet(ctx, KeySystemHealth, report.Component, string(data)).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", KeySystemHealth, err)
	}
	return nil
}

// GetHealth returns all component health records keyed by component name.
func (c *Cache) GetHealth(ctx context.Context) (map[string]models.HealthReport, error) {
	raw, err := c.client.HGetAll(ctx, KeySystemHealth).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", KeySystemHealth, err)
	}

	reports := make(map[string]models.HealthReport, len(raw))
	for component, data := range raw {
		var report models.HealthReport
		if err := json.Unmarshal([]byte(data), &report); err != nil {
			log.Warn().Err(err).Str("component", component).Msg("Dropping undecodable health record")
			continue
		}
		reports[component] = report
	}
	return reports, nil
}

// CacheSymbols stores the full catalog response for the symbols endpoint.
func (c *Cache) CacheSymbols(ctx context.Context, symbols []models.Symbol, ttl time.Duration) error {
	data, err := json.Marshal(symbols)
	if err != nil {
		return fmt.Errorf("marshal symbols: %w", err)
	}
	if err := c.client.Set(ctx, KeySymbolsAll, string(data), ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", KeySymbolsAll, err)
	}
	return nil
}

// GetCachedSymbols returns the cached catalog, or nil on miss.
func (c *Cache) GetCachedSymbols(ctx context.Context) ([]models.Symbol, error) {
	data, err := c.client.Get(ctx, KeySymbolsAll).Result()
	if err == redis.Nil {
		c.mr.RecordCacheMiss("symbols")
		return nil, nil
	}
	if err != nil {
		c.mr.RecordCacheMiss("symbols")
		return nil, fmt.Errorf("get %s: %w", KeySymbolsAll, err)
	}

	var symbols []models.Symbol
	if err := json.Unmarshal([]byte(data), &symbols); err != nil {
		return nil, fmt.Errorf("decode cached symbols: %w", err)
	}
	c.mr.RecordCacheHit("symbols")
	return symbols, nil
}
