package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	io_prometheus_client "github.com/prometheus/client_model/go"
)

// Registry holds all Prometheus collectors for the platform.
type Registry struct {
	// Collector metrics
	TradesReceived  *prometheus.CounterVec
	CollectorErrors *prometheus.CounterVec
	Reconnections   *prometheus.CounterVec
	CollectorStatus *prometheus.GaugeVec

	// Quality metrics
	TicksRejected *prometheus.CounterVec
	QualityScore  *prometheus.GaugeVec

	// Processing metrics
	BarsCompleted     *prometheus.CounterVec
	OutOfOrderTicks   *prometheus.CounterVec
	InvalidBars       *prometheus.CounterVec
	IndicatorDuration *prometheus.HistogramVec
	FeatureDuration   *prometheus.HistogramVec

	// Storage metrics
	DBQueries       *prometheus.CounterVec
	DBQueryDuration *prometheus.HistogramVec
	DBErrors        *prometheus.CounterVec

	// Cache metrics
	CacheHits     *prometheus.CounterVec
	CacheMisses   *prometheus.CounterVec
	CacheHitRatio prometheus.Gauge

	// API metrics
	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
	WSConnections   prometheus.Gauge
	WSMessagesSent  *prometheus.CounterVec
	RateLimitDenied prometheus.Counter

	// Alert metrics
	AlertsFired   *prometheus.CounterVec
	AlertFailures *prometheus.CounterVec

	// Breaker state: 0=closed, 1=half-open, 2=open
	BreakerState *prometheus.GaugeVec
}

// New creates the registry and registers every collector with reg. Pass
// prometheus.DefaultRegisterer in binaries and a fresh registry in tests.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		TradesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trades_received_total",
				Help: "Total number of trade events received",
			},
			[]string{"exchange", "symbol"},
		),
		CollectorErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "collector_errors_total",
				Help: "Total number of collector errors",
			},
			[]string{"exchange", "error_type"},
		),
		Reconnections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "websocket_reconnections_total",
				Help: "Total number of collector reconnections",
			},
			[]string{"exchange"},
		),
		CollectorStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "collector_status",
				Help: "Collector status (1=running, 0=stopped)",
			},
			[]string{"exchange"},
		),
		TicksRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ticks_rejected_total",
				Help: "Total number of ticks rejected by quality checks",
			},
			[]string{"symbol", "check_type"},
		),
		QualityScore: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "quality_score",
				Help: "Current per-symbol data quality score (0.0 to 1.0)",
			},
			[]string{"symbol"},
		),
		BarsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bars_completed_total",
				Help: "Total number of completed bars",
			},
			[]string{"symbol", "timeframe"},
		),
		OutOfOrderTicks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "out_of_order_ticks_total",
				Help: "Total number of ticks dropped for arriving behind the open bucket",
			},
			[]string{"symbol"},
		),
		InvalidBars: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "invalid_bars_total",
				Help: "Total number of completed bars that failed OHLC validation",
			},
			[]string{"symbol", "timeframe"},
		),
		IndicatorDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "indicator_calculation_duration_seconds",
				Help:    "Time taken to calculate indicators",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
			[]string{"symbol"},
		),
		FeatureDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "feature_calculation_duration_seconds",
				Help:    "Time taken to calculate ML features",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
			[]string{"symbol"},
		),
		DBQueries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_queries_total",
				Help: "Total number of database queries",
			},
			[]string{"operation", "table"},
		),
		DBQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Database query duration",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		DBErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_errors_total",
				Help: "Total number of database errors",
			},
			[]string{"operation", "error_type"},
		),
		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of cache hits by cache type",
			},
			[]string{"cache_type"},
		),
		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of cache misses by cache type",
			},
			[]string{"cache_type"},
		),
		CacheHitRatio: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cache_hit_ratio",
				Help: "Overall cache hit ratio (0.0 to 1.0)",
			},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"method", "endpoint"},
		),
		WSConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ws_connections",
				Help: "Number of active WebSocket connections",
			},
		),
		WSMessagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ws_messages_sent_total",
				Help: "Total number of WebSocket messages sent by frame type",
			},
			[]string{"type"},
		),
		RateLimitDenied: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rate_limit_denied_total",
				Help: "Total number of rate limited requests",
			},
		),
		AlertsFired: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alerts_fired_total",
				Help: "Total number of alerts fired",
			},
			[]string{"condition", "channel"},
		),
		AlertFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alert_dispatch_failures_total",
				Help: "Total number of alert channel dispatch failures",
			},
			[]string{"channel"},
		),
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"component"},
		),
	}

	reg.MustRegister(
		r.TradesReceived,
		r.CollectorErrors,
		r.Reconnections,
		r.CollectorStatus,
		r.TicksRejected,
		r.QualityScore,
		r.BarsCompleted,
		r.OutOfOrderTicks,
		r.InvalidBars,
		r.IndicatorDuration,
		r.FeatureDuration,
		r.DBQueries,
		r.DBQueryDuration,
		r.DBErrors,
		r.CacheHits,
		r.CacheMisses,
		r.CacheHitRatio,
		r.HTTPRequests,
		r.HTTPDuration,
		r.WSConnections,
		r.WSMessagesSent,
		r.RateLimitDenied,
		r.AlertsFired,
		r.AlertFailures,
		r.BreakerState,
	)
	return r
}

// RecordCacheHit records a cache hit and refreshes the hit ratio gauge.
func (r *Registry) RecordCacheHit(cacheType string) {
	r.CacheHits.WithLabelValues(cacheType).Inc()
	r.updateCacheHitRatio()
}

// RecordCacheMiss records a cache miss and refreshes the hit ratio gauge.
func (r *Registry) RecordCacheMiss(cacheType string) {
	r.CacheMisses.WithLabelValues(cacheType).Inc()
	r.updateCacheHitRatio()
}

var cacheTypes = []string{"bars", "indicators", "features", "symbols", "alerts"}

func (r *Registry) updateCacheHitRatio() {
	var m io_prometheus_client.Metric
	totalHits := 0.0
	totalMisses := 0.0

	for _, cacheType := range cacheTypes {
		if c, err := r.CacheHits.GetMetricWithLabelValues(cacheType); err == nil {
			if err := c.Write(&m); err == nil {
				totalHits += m.GetCounter().GetValue()
			}
		}
		if c, err := r.CacheMisses.GetMetricWithLabelValues(cacheType); err == nil {
			if err := c.Write(&m); err == nil {
				totalMisses += m.GetCounter().GetValue()
			}
		}
	}

	if total := totalHits + totalMisses; total > 0 {
		r.CacheHitRatio.Set(totalHits / total)
	}
}

// SetBreakerState maps a breaker state name onto the gauge.
func (r *Registry) SetBreakerState(component, state string) {
	var v float64
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	r.BreakerState.WithLabelValues(component).Set(v)
}

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
