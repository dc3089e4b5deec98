package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mytechsonamy/crypto-stock-platform/internal/models"
)

type pingerFake struct{ err error }

func (p pingerFake) Ping(context.Context) error { return p.err }

type componentsFake struct {
	records map[string]models.HealthReport
	err     error
}

func (c componentsFake) GetHealth(context.Context) (map[string]models.HealthReport, error) {
	return c.records, c.err
}

func record(ts time.Time, running, connected bool) models.HealthReport {
	return models.HealthReport{
		Component: "binance_collector",
		Running:   running,
		Connected: connected,
		Timestamp: ts.Unix(),
	}
}

func newTestReporter(db, redis Pinger, src ComponentSource, now time.Time) *Reporter {
	r := NewReporter(db, redis, src)
	r.now = func() time.Time { return now }
	return r
}

func TestCheckHealthy(t *testing.T) {
	now := time.Date(2023, 11, 14, 10, 0, 0, 0, time.UTC)
	src := componentsFake{records: map[string]models.HealthReport{
		"binance_collector": record(now.Add(-10*time.Second), true, true),
	}}
	r := newTestReporter(pingerFake{}, pingerFake{}, src, now)

	report := r.Check(context.Background())

	assert.Equal(t, StatusHealthy, report.Status)
	assert.True(t, report.Database.Connected)
	assert.True(t, report.Redis.Connected)
	require.Contains(t, report.Components, "binance_collector")
	assert.False(t, report.Components["binance_collector"].Stale)
	assert.Positive(t, report.System.Goroutines)
}

func TestCheckUnhealthyWhenDatabaseDown(t *testing.T) {
	now := time.Date(2023, 11, 14, 10, 0, 0, 0, time.UTC)
	r := newTestReporter(pingerFake{err: errors.New("connection refused")}, pingerFake{}, nil, now)

	report := r.Check(context.Background())

	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.False(t, report.Database.Connected)
	assert.Contains(t, report.Database.Error, "connection refused")
}

func TestCheckUnhealthyWhenRedisDown(t *testing.T) {
	now := time.Date(2023, 11, 14, 10, 0, 0, 0, time.UTC)
	r := newTestReporter(pingerFake{}, pingerFake{err: errors.New("dial tcp: refused")}, nil, now)

	report := r.Check(context.Background())

	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Empty(t, report.Components)
}

func TestCheckDegradedOnStaleComponent(t *testing.T) {
	now := time.Date(2023, 11, 14, 10, 0, 0, 0, time.UTC)
	src := componentsFake{records: map[string]models.HealthReport{
		"binance_collector": record(now.Add(-5*time.Minute), true, true),
	}}
	r := newTestReporter(pingerFake{}, pingerFake{}, src, now)

	report := r.Check(context.Background())

	assert.Equal(t, StatusDegraded, report.Status)
	assert.True(t, report.Components["binance_collector"].Stale)
}

func TestCheckDegradedOnDisconnectedComponent(t *testing.T) {
	now := time.Date(2023, 11, 14, 10, 0, 0, 0, time.UTC)
	src := componentsFake{records: map[string]models.HealthReport{
		"binance_collector": record(now.Add(-10*time.Second), true, false),
	}}
	r := newTestReporter(pingerFake{}, pingerFake{}, src, now)

	assert.Equal(t, StatusDegraded, r.Check(context.Background()).Status)
}

func TestCheckMissingPingersAreUnhealthy(t *testing.T) {
	now := time.Date(2023, 11, 14, 10, 0, 0, 0, time.UTC)
	r := newTestReporter(nil, nil, nil, now)

	report := r.Check(context.Background())

	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Equal(t, "not configured", report.Database.Error)
}
