package collectors

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	io_prometheus_client "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mytechsonamy/crypto-stock-platform/internal/breaker"
	"github.com/mytechsonamy/crypto-stock-platform/internal/metrics"
	"github.com/mytechsonamy/crypto-stock-platform/internal/models"
)

type venueFake struct {
	name         string
	connectErr   error
	subscribeErr error
	runFunc      func(ctx context.Context, sink Sink) error
	historical   []models.Candle
	histErr      error

	connects    int
	subscribes  int
	gotSymbols  []string
	runs        int
	disconnects int
}

func (v *venueFake) Name() string { return v.name }

func (v *venueFake) Connect(ctx context.Context) error {
	v.connects++
	return v.connectErr
}

func (v *venueFake) Subscribe(ctx context.Context, symbols []string) error {
	v.subscribes++
	v.gotSymbols = symbols
	return v.subscribeErr
}

func (v *venueFake) Run(ctx context.Context, sink Sink) error {
	v.runs++
	if v.runFunc != nil {
		return v.runFunc(ctx, sink)
	}
	return errors.New("stream closed")
}

func (v *venueFake) FetchHistorical(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]models.Candle, error) {
	return v.historical, v.histErr
}

func (v *venueFake) Disconnect() error {
	v.disconnects++
	return nil
}

type symbolsFake struct {
	symbols []string
	err     error
}

func (s *symbolsFake) SymbolsForExchange(ctx context.Context, exchange string) ([]string, error) {
	return s.symbols, s.err
}

type checkerFake struct {
	pass bool
}

func (c *checkerFake) Check(ctx context.Context, t models.Trade) models.QualityResult {
	if c.pass {
		return models.QualityResult{Passed: true, Score: 1}
	}
	return models.QualityResult{Passed: false, CheckType: "price_sanity", Reason: "price out of range"}
}

type publisherFake struct {
	trades   []models.Trade
	bars     []models.Candle
	tradeErr error
	barErr   error
}

func (p *publisherFake) PublishTrade(ctx context.Context, t models.Trade) error {
	if p.tradeErr != nil {
		return p.tradeErr
	}
	p.trades = append(p.trades, t)
	return nil
}

func (p *publisherFake) PublishBarCompleted(ctx context.Context, c models.Candle) error {
	if p.barErr != nil {
		return p.barErr
	}
	p.bars = append(p.bars, c)
	return nil
}

type healthFake struct {
	mu      sync.Mutex
	reports []models.HealthReport
}

func (h *healthFake) UpdateHealth(ctx context.Context, report models.HealthReport) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reports = append(h.reports, report)
	return nil
}

func (h *healthFake) last() (models.HealthReport, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.reports) == 0 {
		return models.HealthReport{}, false
	}
	return h.reports[len(h.reports)-1], true
}

type stubClock struct {
	t time.Time
}

func (c *stubClock) Now() time.Time { return c.t }

func (c *stubClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type runnerHarness struct {
	runner    *venueFake
	publisher *publisherFake
	health    *healthFake
	metrics   *metrics.Registry
	sleeps    []time.Duration
}

func newTestRunner(t *testing.T, venue *venueFake) (*Runner, *runnerHarness) {
	t.Helper()
	h := &runnerHarness{
		runner:    venue,
		publisher: &publisherFake{},
		health:    &healthFake{},
		metrics:   metrics.New(prometheus.NewRegistry()),
	}
	deps := Deps{
		Symbols: &symbolsFake{symbols: []string{"BTCUSDT"}},
		Checker: &checkerFake{pass: true},
		Bus:     h.publisher,
		Health:  h.health,
		Metrics: h.metrics,
	}
	r := NewRunner(venue, deps, RunnerConfig{
		ReconnectInitial: time.Second,
		ReconnectMax:     4 * time.Second,
		Breaker:          breaker.Config{FailureThreshold: 100},
	})
	return r, h
}

// recordSleeps swaps the runner's sleep for an instant recorder that cancels
// the context after n recorded waits.
func recordSleeps(r *Runner, h *runnerHarness, n int, cancel context.CancelFunc) {
	r.sleep = func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		if len(h.sleeps) >= n {
			cancel()
		}
		return nil
	}
}

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	c, err := vec.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)
	var m io_prometheus_client.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func gaugeVecValue(t *testing.T, vec *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()
	g, err := vec.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)
	var m io_prometheus_client.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func TestTickPublishesCheckedTrade(t *testing.T) {
	r, h := newTestRunner(t, &venueFake{name: "binance"})

	r.Tick(context.Background(), models.Trade{Exchange: "binance", Symbol: "BTCUSDT", Price: 50000, Quantity: 0.5})

	require.Len(t, h.publisher.trades, 1)
	assert.Equal(t, "BTCUSDT", h.publisher.trades[0].Symbol)
	assert.Equal(t, 1.0, counterValue(t, h.metrics.TradesReceived, "binance", "BTCUSDT"))
	assert.Equal(t, int64(1), r.Health().TradesReceived)
}

func TestTickDropsRejectedTrade(t *testing.T) {
	r, h := newTestRunner(t, &venueFake{name: "binance"})
	r.deps.Checker = &checkerFake{pass: false}

	r.Tick(context.Background(), models.Trade{Exchange: "binance", Symbol: "BTCUSDT", Price: -1})

	assert.Empty(t, h.publisher.trades)
	assert.Equal(t, 0.0, counterValue(t, h.metrics.TradesReceived, "binance", "BTCUSDT"))
	assert.Equal(t, int64(0), r.Health().TradesReceived)
}

func TestTickCountsPublishError(t *testing.T) {
	r, h := newTestRunner(t, &venueFake{name: "binance"})
	h.publisher.tradeErr = errors.New("redis down")

	r.Tick(context.Background(), models.Trade{Exchange: "binance", Symbol: "BTCUSDT", Price: 50000})

	assert.Equal(t, 1.0, counterValue(t, h.metrics.CollectorErrors, "binance", "publish_error"))
	assert.Equal(t, int64(0), r.Health().TradesReceived)
}

func TestBarPublishesCompletedBar(t *testing.T) {
	r, h := newTestRunner(t, &venueFake{name: "binance"})

	candle := models.Candle{Symbol: "BTCUSDT", Exchange: "binance", Timeframe: "1m", Close: 50000, Completed: true}
	r.Bar(context.Background(), candle)

	require.Len(t, h.publisher.bars, 1)
	assert.Equal(t, candle, h.publisher.bars[0])
}

func TestBackfillFeedsCompletedBarPath(t *testing.T) {
	venue := &venueFake{name: "binance", historical: []models.Candle{
		{Symbol: "BTCUSDT", Timeframe: "1h", Close: 100},
		{Symbol: "BTCUSDT", Timeframe: "1h", Close: 101},
		{Symbol: "BTCUSDT", Timeframe: "1h", Close: 102},
	}}
	r, h := newTestRunner(t, venue)

	n, err := r.Backfill(context.Background(), "BTCUSDT", "1h", time.Unix(0, 0), time.Unix(3600, 0))

	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Len(t, h.publisher.bars, 3)
}

func TestBackfillWrapsFetchError(t *testing.T) {
	venue := &venueFake{name: "binance", histErr: errors.New("boom")}
	r, _ := newTestRunner(t, venue)

	_, err := r.Backfill(context.Background(), "BTCUSDT", "1h", time.Unix(0, 0), time.Unix(3600, 0))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch historical BTCUSDT 1h")
}

func TestConnectFailureBacksOffExponentially(t *testing.T) {
	venue := &venueFake{name: "binance", connectErr: errors.New("dial refused")}
	r, h := newTestRunner(t, venue)
	ctx, cancel := context.WithCancel(context.Background())
	recordSleeps(r, h, 4, cancel)

	r.Start(ctx)

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second}, h.sleeps)
	assert.Equal(t, 4.0, counterValue(t, h.metrics.CollectorErrors, "binance", "connect_error"))
	assert.Equal(t, 4.0, counterValue(t, h.metrics.Reconnections, "binance"))
}

func TestStreamErrorTriggersReconnect(t *testing.T) {
	venue := &venueFake{name: "binance", runFunc: func(ctx context.Context, sink Sink) error {
		return errors.New("read stream: connection reset")
	}}
	r, h := newTestRunner(t, venue)
	ctx, cancel := context.WithCancel(context.Background())
	recordSleeps(r, h, 2, cancel)

	r.Start(ctx)

	// A successful connect resets the delay, so it never compounds.
	assert.Equal(t, []time.Duration{time.Second, time.Second}, h.sleeps)
	assert.Equal(t, 2.0, counterValue(t, h.metrics.CollectorErrors, "binance", "stream_error"))
	assert.Equal(t, 2, venue.disconnects)
	assert.Equal(t, []string{"BTCUSDT"}, venue.gotSymbols)
}

func TestOpenCircuitWaitsWithoutCounting(t *testing.T) {
	venue := &venueFake{name: "binance", connectErr: errors.New("dial refused")}
	r, h := newTestRunner(t, venue)
	r.cb = breaker.NewBreaker("binance_collector", breaker.Config{FailureThreshold: 2, Timeout: 60 * time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	recordSleeps(r, h, 3, cancel)

	r.Start(ctx)

	// Two real failures trip the breaker; the third attempt is refused and
	// only waits out the retry delay.
	require.Len(t, h.sleeps, 3)
	assert.Equal(t, 2.0, counterValue(t, h.metrics.CollectorErrors, "binance", "connect_error"))
	assert.Greater(t, h.sleeps[2], 50*time.Second)
	assert.Equal(t, 2, venue.connects)
	assert.Equal(t, breaker.StateOpen, r.cb.State())
}

func TestEmptyCatalogIdlesCollector(t *testing.T) {
	venue := &venueFake{name: "binance"}
	r, h := newTestRunner(t, venue)
	r.deps.Symbols = &symbolsFake{}
	ctx, cancel := context.WithCancel(context.Background())
	recordSleeps(r, h, 1, cancel)

	r.Start(ctx)

	assert.Equal(t, []time.Duration{10 * time.Second}, h.sleeps)
	assert.Equal(t, 0, venue.subscribes)
}

func TestCatalogErrorRecorded(t *testing.T) {
	venue := &venueFake{name: "binance"}
	r, h := newTestRunner(t, venue)
	r.deps.Symbols = &symbolsFake{err: errors.New("db down")}
	ctx, cancel := context.WithCancel(context.Background())
	recordSleeps(r, h, 1, cancel)

	r.Start(ctx)

	assert.Equal(t, 1.0, counterValue(t, h.metrics.CollectorErrors, "binance", "catalog_error"))
}

func TestSubscribeErrorReconnects(t *testing.T) {
	venue := &venueFake{name: "binance", subscribeErr: errors.New("bad stream name")}
	r, h := newTestRunner(t, venue)
	ctx, cancel := context.WithCancel(context.Background())
	recordSleeps(r, h, 1, cancel)

	r.Start(ctx)

	assert.Equal(t, 1.0, counterValue(t, h.metrics.CollectorErrors, "binance", "subscribe_error"))
	assert.Equal(t, 1, venue.disconnects)
	assert.Equal(t, 0, venue.runs)
}

func TestHealthSnapshot(t *testing.T) {
	r, _ := newTestRunner(t, &venueFake{name: "binance"})
	base := time.Date(2023, 11, 14, 10, 0, 0, 0, time.UTC)
	clock := &stubClock{t: base}
	r.now = clock.Now

	r.mu.Lock()
	r.running = true
	r.connected = true
	r.tradesReceived = 5
	r.errs = 2
	r.reconnects = 1
	r.startedAt = base
	r.mu.Unlock()
	clock.Advance(90 * time.Second)

	report := r.Health()

	assert.Equal(t, "binance_collector", report.Component)
	assert.True(t, report.Running)
	assert.True(t, report.Connected)
	assert.Equal(t, int64(5), report.TradesReceived)
	assert.Equal(t, int64(2), report.Errors)
	assert.Equal(t, int64(1), report.Reconnects)
	assert.Equal(t, "closed", report.CircuitState)
	assert.Equal(t, 90.0, report.UptimeSeconds)
	assert.Equal(t, clock.Now().Unix(), report.Timestamp)
}

func TestStopPublishesFinalHealth(t *testing.T) {
	venue := &venueFake{name: "binance", runFunc: func(ctx context.Context, sink Sink) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	r, h := newTestRunner(t, venue)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	r.Start(ctx)

	report, ok := h.health.last()
	require.True(t, ok)
	assert.False(t, report.Running)
	assert.False(t, report.Connected)
	assert.Equal(t, "binance_collector", report.Component)
	assert.Equal(t, 0.0, gaugeVecValue(t, h.metrics.CollectorStatus, "binance"))
}

func TestConnectSetsStatusGauge(t *testing.T) {
	venue := &venueFake{name: "binance", runFunc: func(ctx context.Context, sink Sink) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	r, h := newTestRunner(t, venue)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Start(ctx)
	}()

	require.Eventually(t, func() bool {
		return gaugeVecValue(t, h.metrics.CollectorStatus, "binance") == 1.0
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, 0.0, gaugeVecValue(t, h.metrics.CollectorStatus, "binance"))
}
