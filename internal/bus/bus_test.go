package bus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mytechsonamy/crypto-stock-platform/internal/models"
)

func TestChannelNames(t *testing.T) {
	assert.Equal(t, "trades:binance", TradesChannel("binance"))
	assert.Equal(t, "trades:bist", TradesChannel("bist"))
	assert.Equal(t, "alerts:user-42", AlertsChannel("user-42"))
	assert.Equal(t, "bars:completed", ChannelBarsCompleted)
	assert.Equal(t, "chart_updates", ChannelChartUpdates)
	assert.Equal(t, "system:health", ChannelSystemHealth)
}

func TestNewChartUpdate(t *testing.T) {
	rsi := 55.5
	candle := models.Candle{
		Time:      time.Unix(1700000100, 0).UTC(),
		Symbol:    "BTCUSDT",
		Exchange:  "binance",
		Timeframe: "1m",
		Open:      100, High: 102, Low: 99, Close: 101, Volume: 12.5,
	}
	set := models.IndicatorSet{RSI14: &rsi}

	u := NewChartUpdate(candle, set)
	assert.Equal(t, "BTCUSDT", u.Symbol)
	assert.Equal(t, "1m", u.Timeframe)
	assert.Equal(t, int64(1700000100000), u.TimeMS)
	assert.Equal(t, 100.0, u.Bar.Open)
	assert.Equal(t, 12.5, u.Bar.Volume)

	// Only computed indicators appear, keyed by wire name.
	assert.Equal(t, map[string]float64{"rsi": 55.5}, u.Indicators)
}

func TestChartUpdateWireFormat(t *testing.T) {
	u := ChartUpdate{
		Symbol:     "ETHUSDT",
		Timeframe:  "5m",
		TimeMS:     1700000400000,
		Bar:        BarPayload{Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10},
		Indicators: map[string]float64{"sma_20": 1.2},
	}

	data, err := json.Marshal(u)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, "ETHUSDT", decoded["symbol"])
	assert.Equal(t, float64(1700000400000), decoded["time"])
	bar, ok := decoded["bar"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 1.5, bar["close"])
	inds, ok := decoded["indicators"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 1.2, inds["sma_20"])
}

func TestAlertEventRoundTrip(t *testing.T) {
	ev := AlertEvent{
		AlertID:      "a1",
		Symbol:       "BTCUSDT",
		Condition:    models.PriceAbove,
		Threshold:    100,
		CurrentPrice: 101.5,
		Timestamp:    time.Unix(1700000000, 0).UTC(),
		Message:      "BTCUSDT price 101.50 is above 100.00",
	}

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var got AlertEvent
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, ev, got)
}
