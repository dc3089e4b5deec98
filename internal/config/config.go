package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the full application configuration. Values load from YAML and
// are then overlaid with environment variables, so deployments can override
// single fields without editing the file.
type Config struct {
	Environment string           `yaml:"environment" env:"ENVIRONMENT"`
	Server      ServerConfig     `yaml:"server"`
	Database    DatabaseConfig   `yaml:"database"`
	Redis       RedisConfig      `yaml:"redis"`
	Auth        AuthConfig       `yaml:"auth"`
	RateLimit   RateLimitConfig  `yaml:"rate_limit"`
	Collectors  CollectorsConfig `yaml:"collectors"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
	Quality     QualityConfig    `yaml:"quality"`
	Alerts      AlertsConfig     `yaml:"alerts"`
	WS          WSConfig         `yaml:"ws"`
	Breaker     BreakerConfig    `yaml:"breaker"`
	Logging     LoggingConfig    `yaml:"logging"`
}

// ServerConfig configures the REST/WS listener.
type ServerConfig struct {
	Host            string   `yaml:"host" env:"API_HOST"`
	Port            int      `yaml:"port" env:"API_PORT"`
	CORSOrigins     []string `yaml:"cors_origins" env:"CORS_ORIGINS" envSeparator:","`
	ReadTimeoutSecs int      `yaml:"read_timeout_secs"`
	HandlerTimeout  int      `yaml:"handler_timeout_secs"`
	ShutdownSecs    int      `yaml:"shutdown_secs"`
}

// DatabaseConfig configures the Postgres pool.
type DatabaseConfig struct {
	Host             string `yaml:"host" env:"DB_HOST"`
	Port             int    `yaml:"port" env:"DB_PORT"`
	Database         string `yaml:"database" env:"DB_NAME"`
	User             string `yaml:"user" env:"DB_USER"`
	Password         string `yaml:"password" env:"DB_PASSWORD"`
	SSLMode          string `yaml:"ssl_mode" env:"DB_SSLMODE"`
	MaxOpenConns     int    `yaml:"max_open_conns" env:"DB_MAX_POOL_SIZE"`
	MaxIdleConns     int    `yaml:"max_idle_conns" env:"DB_MIN_POOL_SIZE"`
	ConnLifetimeMins int    `yaml:"conn_lifetime_mins"`
	QueryTimeoutSecs int    `yaml:"query_timeout_secs"`
}

// DSN returns the lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		d.Host, d.Port, d.Database, d.User, d.Password, d.SSLMode)
}

// QueryTimeout returns the per-query command timeout.
func (d DatabaseConfig) QueryTimeout() time.Duration {
	return time.Duration(d.QueryTimeoutSecs) * time.Second
}

// RedisConfig configures both Redis clients (cache and bus).
type RedisConfig struct {
	Addr         string `yaml:"addr" env:"REDIS_ADDR"`
	Password     string `yaml:"password" env:"REDIS_PASSWORD"`
	DB           int    `yaml:"db" env:"REDIS_DB"`
	PoolSize     int    `yaml:"pool_size"`
	MinIdleConns int    `yaml:"min_idle_conns"`
}

// AuthConfig configures JWT issuance and the static user store.
type AuthConfig struct {
	JWTSecret       string `yaml:"jwt_secret" env:"JWT_SECRET"`
	AccessTokenMins int    `yaml:"access_token_mins" env:"JWT_EXPIRATION_MINUTES"`
	RefreshDays     int    `yaml:"refresh_days"`
	Users           []User `yaml:"users"`
}

// User is a statically configured account with a bcrypt password hash.
type User struct {
	UserID       string   `yaml:"user_id"`
	Username     string   `yaml:"username"`
	Email        string   `yaml:"email"`
	PasswordHash string   `yaml:"password_hash"`
	Roles        []string `yaml:"roles"`
}

// AccessTokenTTL returns the access token lifetime.
func (a AuthConfig) AccessTokenTTL() time.Duration {
	return time.Duration(a.AccessTokenMins) * time.Minute
}

// RefreshTokenTTL returns the refresh token lifetime.
func (a AuthConfig) RefreshTokenTTL() time.Duration {
	return time.Duration(a.RefreshDays) * 24 * time.Hour
}

// RateLimitConfig configures the shared token bucket.
type RateLimitConfig struct {
	Rate       int `yaml:"rate" env:"RATE_LIMIT_RATE"`
	PeriodSecs int `yaml:"period_secs" env:"RATE_LIMIT_PERIOD_SECS"`
}

// Period returns the refill period.
func (r RateLimitConfig) Period() time.Duration {
	return time.Duration(r.PeriodSecs) * time.Second
}

// CollectorsConfig groups the per-venue collector settings.
type CollectorsConfig struct {
	Binance BinanceConfig `yaml:"binance"`
	BIST    BISTConfig    `yaml:"bist"`
	Polygon PolygonConfig `yaml:"polygon"`
}

// BinanceConfig configures the streaming crypto collector.
type BinanceConfig struct {
	Enabled          bool   `yaml:"enabled" env:"BINANCE_ENABLED"`
	WSURL            string `yaml:"ws_url"`
	RESTURL          string `yaml:"rest_url"`
	ReconnectHours   int    `yaml:"reconnect_hours"`
	RESTBudgetPerMin int    `yaml:"rest_budget_per_min"`
}

// BISTConfig configures the market-hours polled equity collector.
type BISTConfig struct {
	Enabled          bool   `yaml:"enabled" env:"BIST_ENABLED"`
	BaseURL          string `yaml:"base_url"`
	PollIntervalSecs int    `yaml:"poll_interval_secs"`
	Timezone         string `yaml:"timezone"`
	MarketOpen       string `yaml:"market_open"`  // "09:40"
	MarketClose      string `yaml:"market_close"` // "18:10"
}

// PolygonConfig configures the rate-limited previous-close collector.
type PolygonConfig struct {
	Enabled          bool   `yaml:"enabled" env:"POLYGON_ENABLED"`
	BaseURL          string `yaml:"base_url"`
	APIKey           string `yaml:"api_key" env:"POLYGON_API_KEY"`
	RequestsPerMin   int    `yaml:"requests_per_min"`
	PollIntervalSecs int    `yaml:"poll_interval_secs"`
	MaxBackoffSecs   int    `yaml:"max_backoff_secs"`
}

// PipelineConfig configures bar building and indicator computation.
type PipelineConfig struct {
	BaseTimeframe    string   `yaml:"base_timeframe"`
	RollupTimeframes []string `yaml:"rollup_timeframes"`
	IndicatorWindow  int      `yaml:"indicator_window"`
	BarRingSize      int      `yaml:"bar_ring_size"`
	FeatureVersion   string   `yaml:"feature_version"`
}

// QualityConfig configures tick validation thresholds.
type QualityConfig struct {
	WindowSize       int     `yaml:"window_size"`
	MinHistory       int     `yaml:"min_history"`
	ZScoreThreshold  float64 `yaml:"z_score_threshold"`
	MaxPriceChange   float64 `yaml:"max_price_change"`
	MaxAgeSecs       int     `yaml:"max_age_secs"`
	FutureSkewSecs   int     `yaml:"future_skew_secs"`
	VolumeMultiplier float64 `yaml:"volume_multiplier"`
	ScoreAlpha       float64 `yaml:"score_alpha"`
	QuarantineSize   int     `yaml:"quarantine_size"`
	PassSampleRate   float64 `yaml:"pass_sample_rate"`
}

// AlertsConfig configures alert evaluation and delivery.
type AlertsConfig struct {
	CacheTTLSecs        int        `yaml:"cache_ttl_secs"`
	DispatchTimeoutSecs int        `yaml:"dispatch_timeout_secs"`
	SlackWebhookURL     string     `yaml:"slack_webhook_url" env:"SLACK_WEBHOOK_URL"`
	SMTP                SMTPConfig `yaml:"smtp"`
}

// SMTPConfig configures the email channel. Disabled when Host is empty.
type SMTPConfig struct {
	Host     string `yaml:"host" env:"SMTP_HOST"`
	Port     int    `yaml:"port" env:"SMTP_PORT"`
	From     string `yaml:"from"`
	Username string `yaml:"username" env:"SMTP_USERNAME"`
	Password string `yaml:"password" env:"SMTP_PASSWORD"`
}

// WSConfig configures the WebSocket fan-out.
type WSConfig struct {
	ThrottleMS    int `yaml:"throttle_ms"`
	BatchWindowMS int `yaml:"batch_window_ms"`
	QueueSize     int `yaml:"queue_size"`
	SnapshotBars  int `yaml:"snapshot_bars"`
}

// BreakerConfig configures collector circuit breakers.
type BreakerConfig struct {
	FailureThreshold   int  `yaml:"failure_threshold"`
	TimeoutSecs        int  `yaml:"timeout_secs"`
	SuccessThreshold   int  `yaml:"success_threshold"`
	MaxTimeoutSecs     int  `yaml:"max_timeout_secs"`
	ExponentialBackoff bool `yaml:"exponential_backoff"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"` // json|console
}

// Load reads the YAML file at path, applies the environment overlay, fills
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply env overlay: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Default returns the baseline configuration before file and env overlays.
func Default() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000"},
			ReadTimeoutSecs: 30,
			HandlerTimeout:  30,
			ShutdownSecs:    10,
		},
		Database: DatabaseConfig{
			Host:             "localhost",
			Port:             5432,
			Database:         "crypto_stock",
			User:             "postgres",
			Password:         "postgres",
			SSLMode:          "disable",
			MaxOpenConns:     50,
			MaxIdleConns:     10,
			ConnLifetimeMins: 30,
			QueryTimeoutSecs: 60,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     50,
			MinIdleConns: 2,
		},
		Auth: AuthConfig{
			AccessTokenMins: 60,
			RefreshDays:     7,
		},
		RateLimit: RateLimitConfig{
			Rate:       100,
			PeriodSecs: 60,
		},
		Collectors: CollectorsConfig{
			Binance: BinanceConfig{
				Enabled:          true,
				WSURL:            "wss://stream.binance.com:9443",
				RESTURL:          "https://api.binance.com",
				ReconnectHours:   24,
				RESTBudgetPerMin: 1200,
			},
			BIST: BISTConfig{
				Enabled:          true,
				BaseURL:          "https://query1.finance.yahoo.com",
				PollIntervalSecs: 60,
				Timezone:         "Europe/Istanbul",
				MarketOpen:       "09:40",
				MarketClose:      "18:10",
			},
			Polygon: PolygonConfig{
				Enabled:          false,
				BaseURL:          "https://api.polygon.io",
				RequestsPerMin:   5,
				PollIntervalSecs: 60,
				MaxBackoffSecs:   300,
			},
		},
		Pipeline: PipelineConfig{
			BaseTimeframe:    "1m",
			RollupTimeframes: []string{"5m", "15m", "1h"},
			IndicatorWindow:  200,
			BarRingSize:      1000,
			FeatureVersion:   "v1.0",
		},
		Quality: QualityConfig{
			WindowSize:       100,
			MinHistory:       10,
			ZScoreThreshold:  3.0,
			MaxPriceChange:   0.10,
			MaxAgeSecs:       60,
			FutureSkewSecs:   5,
			VolumeMultiplier: 100,
			ScoreAlpha:       0.1,
			QuarantineSize:   1000,
			PassSampleRate:   0.01,
		},
		Alerts: AlertsConfig{
			CacheTTLSecs:        300,
			DispatchTimeoutSecs: 10,
		},
		WS: WSConfig{
			ThrottleMS:    1000,
			BatchWindowMS: 100,
			QueueSize:     100,
			SnapshotBars:  100,
		},
		Breaker: BreakerConfig{
			FailureThreshold:   5,
			TimeoutSecs:        60,
			SuccessThreshold:   2,
			MaxTimeoutSecs:     300,
			ExponentialBackoff: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate ensures the configuration is consistent.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be in (0, 65535], got %d", c.Server.Port)
	}
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database max_open_conns must be positive, got %d", c.Database.MaxOpenConns)
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database max_idle_conns (%d) must be <= max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis addr cannot be empty")
	}
	if c.RateLimit.Rate <= 0 || c.RateLimit.PeriodSecs <= 0 {
		return fmt.Errorf("rate_limit rate and period must be positive")
	}
	if !validTimeframe(c.Pipeline.BaseTimeframe) {
		return fmt.Errorf("pipeline base_timeframe %q is not supported", c.Pipeline.BaseTimeframe)
	}
	for _, tf := range c.Pipeline.RollupTimeframes {
		if !validTimeframe(tf) {
			return fmt.Errorf("pipeline rollup timeframe %q is not supported", tf)
		}
	}
	if c.Pipeline.IndicatorWindow <= 0 {
		return fmt.Errorf("pipeline indicator_window must be positive, got %d", c.Pipeline.IndicatorWindow)
	}
	if err := c.Quality.Validate(); err != nil {
		return fmt.Errorf("quality: %w", err)
	}
	if err := c.Breaker.Validate(); err != nil {
		return fmt.Errorf("breaker: %w", err)
	}
	if c.WS.ThrottleMS <= 0 || c.WS.BatchWindowMS <= 0 || c.WS.QueueSize <= 0 {
		return fmt.Errorf("ws throttle_ms, batch_window_ms and queue_size must be positive")
	}
	if _, err := time.Parse("15:04", c.Collectors.BIST.MarketOpen); err != nil {
		return fmt.Errorf("bist market_open %q: %w", c.Collectors.BIST.MarketOpen, err)
	}
	if _, err := time.Parse("15:04", c.Collectors.BIST.MarketClose); err != nil {
		return fmt.Errorf("bist market_close %q: %w", c.Collectors.BIST.MarketClose, err)
	}
	return nil
}

// Validate ensures quality thresholds are sane.
func (q QualityConfig) Validate() error {
	if q.WindowSize <= 0 || q.MinHistory <= 0 || q.MinHistory > q.WindowSize {
		return fmt.Errorf("window_size/min_history invalid: %d/%d", q.WindowSize, q.MinHistory)
	}
	if q.ZScoreThreshold <= 0 {
		return fmt.Errorf("z_score_threshold must be positive, got %f", q.ZScoreThreshold)
	}
	if q.MaxPriceChange <= 0 || q.MaxPriceChange > 1 {
		return fmt.Errorf("max_price_change must be in (0, 1], got %f", q.MaxPriceChange)
	}
	if q.ScoreAlpha <= 0 || q.ScoreAlpha > 1 {
		return fmt.Errorf("score_alpha must be in (0, 1], got %f", q.ScoreAlpha)
	}
	if q.PassSampleRate < 0 || q.PassSampleRate > 1 {
		return fmt.Errorf("pass_sample_rate must be in [0, 1], got %f", q.PassSampleRate)
	}
	return nil
}

// Validate ensures breaker settings are usable.
func (b BreakerConfig) Validate() error {
	if b.FailureThreshold <= 0 {
		return fmt.Errorf("failure_threshold must be positive, got %d", b.FailureThreshold)
	}
	if b.SuccessThreshold <= 0 {
		return fmt.Errorf("success_threshold must be positive, got %d", b.SuccessThreshold)
	}
	if b.TimeoutSecs <= 0 {
		return fmt.Errorf("timeout_secs must be positive, got %d", b.TimeoutSecs)
	}
	if b.MaxTimeoutSecs < b.TimeoutSecs {
		return fmt.Errorf("max_timeout_secs (%d) must be >= timeout_secs (%d)", b.MaxTimeoutSecs, b.TimeoutSecs)
	}
	return nil
}

// IsProduction reports whether the environment is production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func validTimeframe(tf string) bool {
	switch tf {
	case "1m", "5m", "15m", "1h", "4h", "1d":
		return true
	}
	return false
}
