package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	io_prometheus_client "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m io_prometheus_client.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m io_prometheus_client.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func TestCounters(t *testing.T) {
	r := New(prometheus.NewRegistry())

	r.TradesReceived.WithLabelValues("binance", "BTCUSDT").Inc()
	r.TradesReceived.WithLabelValues("binance", "BTCUSDT").Inc()
	r.BarsCompleted.WithLabelValues("BTCUSDT", "1m").Inc()

	c, err := r.TradesReceived.GetMetricWithLabelValues("binance", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 2.0, counterValue(t, c))

	c, err = r.BarsCompleted.GetMetricWithLabelValues("BTCUSDT", "1m")
	require.NoError(t, err)
	assert.Equal(t, 1.0, counterValue(t, c))
}

func TestCacheHitRatio(t *testing.T) {
	r := New(prometheus.NewRegistry())

	r.RecordCacheHit("bars")
	r.RecordCacheHit("bars")
	r.RecordCacheHit("indicators")
	r.RecordCacheMiss("bars")

	assert.InDelta(t, 0.75, gaugeValue(t, r.CacheHitRatio), 1e-9)
}

func TestBreakerStateGauge(t *testing.T) {
	r := New(prometheus.NewRegistry())

	r.SetBreakerState("binance", "open")
	g, err := r.BreakerState.GetMetricWithLabelValues("binance")
	require.NoError(t, err)
	assert.Equal(t, 2.0, gaugeValue(t, g))

	r.SetBreakerState("binance", "half_open")
	assert.Equal(t, 1.0, gaugeValue(t, g))

	r.SetBreakerState("binance", "closed")
	assert.Equal(t, 0.0, gaugeValue(t, g))
}

func TestRegistersWithoutPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	var r *Registry
	require.NotPanics(t, func() { r = New(reg) })

	r.WSConnections.Inc()
	r.RateLimitDenied.Inc()

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["ws_connections"])
	assert.True(t, names["rate_limit_denied_total"])
}
