package models

import (
	"fmt"
	"time"
)

// AssetClass identifies the market a symbol trades in.
type AssetClass string

const (
	AssetCrypto AssetClass = "CRYPTO"
	AssetBIST   AssetClass = "BIST"
	AssetNasdaq AssetClass = "NASDAQ"
	AssetNYSE   AssetClass = "NYSE"
)

// Symbol is a catalog entry identified by (asset_class, symbol, exchange).
// Symbols are soft-deactivated, never deleted.
type Symbol struct {
	ID          int64          `db:"id" json:"id"`
	AssetClass  AssetClass     `db:"asset_class" json:"asset_class"`
	Symbol      string         `db:"symbol" json:"symbol"`
	DisplayName string         `db:"display_name" json:"display_name"`
	Exchange    string         `db:"exchange" json:"exchange"`
	IsActive    bool           `db:"is_active" json:"is_active"`
	Metadata    map[string]any `db:"-" json:"metadata,omitempty"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at" json:"updated_at"`
}

// Trade is a normalized tick from any venue. Transient: it feeds the quality
// checker and bar builder but is never persisted on the core path.
type Trade struct {
	Exchange     string  `json:"exchange"`
	Symbol       string  `json:"symbol"`
	Price        float64 `json:"price"`
	Quantity     float64 `json:"quantity"`
	TimestampMS  int64   `json:"timestamp"`
	IsBuyerMaker *bool   `json:"is_buyer_maker,omitempty"`
}

// Time returns the trade timestamp as a time.Time.
func (t Trade) Time() time.Time {
	return time.UnixMilli(t.TimestampMS).UTC()
}

// Candle is an OHLCV bar keyed by (time, symbol, exchange, timeframe).
type Candle struct {
	Time       time.Time `db:"time" json:"time"`
	Symbol     string    `db:"symbol" json:"symbol"`
	Exchange   string    `db:"exchange" json:"exchange"`
	Timeframe  string    `db:"timeframe" json:"timeframe"`
	Open       float64   `db:"open" json:"open"`
	High       float64   `db:"high" json:"high"`
	Low        float64   `db:"low" json:"low"`
	Close      float64   `db:"close" json:"close"`
	Volume     float64   `db:"volume" json:"volume"`
	TradeCount int64     `db:"trade_count" json:"trade_count"`
	Completed  bool      `db:"-" json:"completed"`
}

// Validate checks the OHLC relations that should hold for every candle.
func (c Candle) Validate() error {
	if c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0 {
		return fmt.Errorf("non-positive price in candle %s %s @ %s", c.Symbol, c.Timeframe, c.Time.Format(time.RFC3339))
	}
	if c.High < c.Open || c.High < c.Close {
		return fmt.Errorf("high %.8f below open/close in candle %s %s", c.High, c.Symbol, c.Timeframe)
	}
	if c.Low > c.Open || c.Low > c.Close {
		return fmt.Errorf("low %.8f above open/close in candle %s %s", c.Low, c.Symbol, c.Timeframe)
	}
	if c.Volume < 0 {
		return fmt.Errorf("negative volume %.8f in candle %s %s", c.Volume, c.Symbol, c.Timeframe)
	}
	return nil
}

// IndicatorSet is the computed indicator row for one (time, symbol, timeframe).
// Nil means insufficient history for that indicator.
type IndicatorSet struct {
	Time      time.Time `db:"time" json:"time"`
	Symbol    string    `db:"symbol" json:"symbol"`
	Timeframe string    `db:"timeframe" json:"timeframe"`

	RSI14      *float64 `db:"rsi_14" json:"rsi_14,omitempty"`
	MACD       *float64 `db:"macd" json:"macd,omitempty"`
	MACDSignal *float64 `db:"macd_signal" json:"macd_signal,omitempty"`
	MACDHist   *float64 `db:"macd_hist" json:"macd_hist,omitempty"`
	BBUpper    *float64 `db:"bb_upper" json:"bb_upper,omitempty"`
	BBMiddle   *float64 `db:"bb_middle" json:"bb_middle,omitempty"`
	BBLower    *float64 `db:"bb_lower" json:"bb_lower,omitempty"`
	SMA20      *float64 `db:"sma_20" json:"sma_20,omitempty"`
	SMA50      *float64 `db:"sma_50" json:"sma_50,omitempty"`
	SMA100     *float64 `db:"sma_100" json:"sma_100,omitempty"`
	SMA200     *float64 `db:"sma_200" json:"sma_200,omitempty"`
	EMA12      *float64 `db:"ema_12" json:"ema_12,omitempty"`
	EMA26      *float64 `db:"ema_26" json:"ema_26,omitempty"`
	EMA50      *float64 `db:"ema_50" json:"ema_50,omitempty"`
	VWAP       *float64 `db:"vwap" json:"vwap,omitempty"`
	StochK     *float64 `db:"stoch_k" json:"stoch_k,omitempty"`
	StochD     *float64 `db:"stoch_d" json:"stoch_d,omitempty"`
	ATR14      *float64 `db:"atr_14" json:"atr_14,omitempty"`
	ADX14      *float64 `db:"adx_14" json:"adx_14,omitempty"`
	VolumeSMA  *float64 `db:"volume_sma" json:"volume_sma,omitempty"`
}

// Values flattens the set into the short-key map used on the wire (chart
// updates, alert checks). Nil indicators are omitted. Storage columns keep
// the period-suffixed names; the wire uses rsi, atr and adx.
func (s IndicatorSet) Values() map[string]float64 {
	out := make(map[string]float64, 20)
	put := func(key string, v *float64) {
		if v != nil {
			out[key] = *v
		}
	}
	put("rsi", s.RSI14)
	put("macd", s.MACD)
	put("macd_signal", s.MACDSignal)
	put("macd_hist", s.MACDHist)
	put("bb_upper", s.BBUpper)
	put("bb_middle", s.BBMiddle)
	put("bb_lower", s.BBLower)
	put("sma_20", s.SMA20)
	put("sma_50", s.SMA50)
	put("sma_100", s.SMA100)
	put("sma_200", s.SMA200)
	put("ema_12", s.EMA12)
	put("ema_26", s.EMA26)
	put("ema_50", s.EMA50)
	put("vwap", s.VWAP)
	put("stoch_k", s.StochK)
	put("stoch_d", s.StochD)
	put("atr", s.ATR14)
	put("adx", s.ADX14)
	put("volume_sma", s.VolumeSMA)
	return out
}

// QualityResult is the outcome of running the validation pipeline on a tick.
type QualityResult struct {
	Passed    bool
	CheckType string
	Reason    string
	Score     float64
}

// Quality log result values as stored in data_quality_metrics.result.
const (
	QualityResultPassed = "passed"
	QualityResultFailed = "failed"
)

// QualitySample is a persisted quality log entry. Append-only.
type QualitySample struct {
	Time          time.Time      `db:"time" json:"time"`
	Symbol        string         `db:"symbol" json:"symbol"`
	Exchange      string         `db:"exchange" json:"exchange"`
	CheckType     string         `db:"check_type" json:"check_type"`
	Result        string         `db:"result" json:"result"`
	ErrorMessage  *string        `db:"error_message" json:"error_message,omitempty"`
	TradePrice    *float64       `db:"trade_price" json:"trade_price,omitempty"`
	TradeQuantity *float64       `db:"trade_quantity" json:"trade_quantity,omitempty"`
	QualityScore  float64        `db:"quality_score" json:"quality_score"`
	Metadata      map[string]any `db:"-" json:"metadata,omitempty"`
}

// AlertCondition enumerates rule trigger types.
type AlertCondition string

const (
	PriceAbove    AlertCondition = "PRICE_ABOVE"
	PriceBelow    AlertCondition = "PRICE_BELOW"
	RSIAbove      AlertCondition = "RSI_ABOVE"
	RSIBelow      AlertCondition = "RSI_BELOW"
	MACDCrossover AlertCondition = "MACD_CROSSOVER"
	VolumeSpike   AlertCondition = "VOLUME_SPIKE"
)

// NotificationChannel enumerates alert delivery targets.
type NotificationChannel string

const (
	ChannelWebsocket NotificationChannel = "websocket"
	ChannelEmail     NotificationChannel = "email"
	ChannelWebhook   NotificationChannel = "webhook"
	ChannelSlack     NotificationChannel = "slack"
)

// Alert is a user-owned alert rule.
type Alert struct {
	AlertID         string                `db:"alert_id" json:"alert_id"`
	UserID          string                `db:"user_id" json:"user_id"`
	Symbol          string                `db:"symbol" json:"symbol"`
	Condition       AlertCondition        `db:"condition" json:"condition"`
	Threshold       float64               `db:"threshold" json:"threshold"`
	Channels        []NotificationChannel `db:"-" json:"channels"`
	CooldownSeconds int                   `db:"cooldown_seconds" json:"cooldown_seconds"`
	OneTime         bool                  `db:"one_time" json:"one_time"`
	IsActive        bool                  `db:"is_active" json:"is_active"`
	CreatedAt       time.Time             `db:"created_at" json:"created_at"`
	LastTriggeredAt *time.Time            `db:"last_triggered_at" json:"last_triggered_at,omitempty"`
	TriggerCount    int                   `db:"trigger_count" json:"trigger_count"`
	Metadata        map[string]any        `db:"-" json:"metadata"`
}

// InCooldown reports whether the rule fired within its cooldown window.
func (a Alert) InCooldown(now time.Time) bool {
	if a.LastTriggeredAt == nil {
		return false
	}
	return now.Sub(*a.LastTriggeredAt) < time.Duration(a.CooldownSeconds)*time.Second
}

// HealthReport is a component's periodic health record, kept in the
// system:health hash keyed by component name.
type HealthReport struct {
	Component      string  `json:"component"`
	Running        bool    `json:"running"`
	Connected      bool    `json:"connected"`
	TradesReceived int64   `json:"trades_received"`
	Errors         int64   `json:"errors"`
	Reconnects     int64   `json:"reconnects"`
	CircuitState   string  `json:"circuit_state"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
	Timestamp      int64   `json:"timestamp"`
}
