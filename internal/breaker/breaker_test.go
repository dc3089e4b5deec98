package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests drive breaker timeouts without sleeping.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg Config) (*Breaker, *fakeClock) {
	b := NewBreaker("test_component", cfg)
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	b.now = clock.Now
	return b, clock
}

var errBoom = errors.New("boom")

func fail(ctx context.Context) error    { return errBoom }
func succeed(ctx context.Context) error { return nil }

func TestStartsClosed(t *testing.T) {
	b, _ := newTestBreaker(Config{})
	assert.Equal(t, StateClosed, b.State())

	require.NoError(t, b.Guard(context.Background(), succeed))
	assert.Equal(t, StateClosed, b.State())
}

func TestFailureIncrementsWithoutOpening(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3})

	require.ErrorIs(t, b.Guard(context.Background(), fail), errBoom)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 1, b.Stats().Failures)
}

func TestSuccessResetsFailures(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3})
	ctx := context.Background()

	require.Error(t, b.Guard(ctx, fail))
	require.Error(t, b.Guard(ctx, fail))
	require.NoError(t, b.Guard(ctx, succeed))

	assert.Equal(t, 0, b.Stats().Failures)
	assert.Equal(t, StateClosed, b.State())
}

// Full cycle: three failures open the circuit, a call inside the timeout
// fails fast, the first call after the timeout probes half-open, and two
// successes close it again.
func TestOpenHalfOpenClosedCycle(t *testing.T) {
	b, clock := newTestBreaker(Config{
		FailureThreshold:   3,
		SuccessThreshold:   2,
		Timeout:            500 * time.Millisecond,
		ExponentialBackoff: false,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, b.Guard(ctx, fail), errBoom)
	}
	require.Equal(t, StateOpen, b.State())

	// Inside the timeout the call is rejected without running the op.
	called := false
	err := b.Guard(ctx, func(ctx context.Context) error {
		called = true
		return nil
	})
	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.False(t, called)
	assert.Equal(t, "test_component", openErr.Component)
	assert.Greater(t, openErr.RetryAfter, time.Duration(0))

	// After the timeout the next call is allowed and probes recovery.
	clock.Advance(500 * time.Millisecond)
	require.NoError(t, b.Guard(ctx, succeed))
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Guard(ctx, succeed))
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenReopensOnFailure(t *testing.T) {
	b, clock := newTestBreaker(Config{
		FailureThreshold:   2,
		SuccessThreshold:   2,
		Timeout:            time.Second,
		ExponentialBackoff: false,
	})
	ctx := context.Background()

	require.Error(t, b.Guard(ctx, fail))
	require.Error(t, b.Guard(ctx, fail))
	require.Equal(t, StateOpen, b.State())

	clock.Advance(time.Second)
	require.NoError(t, b.Guard(ctx, succeed))
	require.Equal(t, StateHalfOpen, b.State())

	require.ErrorIs(t, b.Guard(ctx, fail), errBoom)
	assert.Equal(t, StateOpen, b.State())
}

func TestExponentialBackoffGrowsAndCaps(t *testing.T) {
	b, clock := newTestBreaker(Config{
		FailureThreshold:   2,
		SuccessThreshold:   2,
		Timeout:            500 * time.Millisecond,
		MaxTimeout:         2 * time.Second,
		ExponentialBackoff: true,
	})
	ctx := context.Background()

	// First open doubles the base timeout.
	require.Error(t, b.Guard(ctx, fail))
	require.Error(t, b.Guard(ctx, fail))
	assert.Equal(t, time.Second, b.Stats().CurrentTimeout)

	// Reopen from half-open doubles again.
	clock.Advance(time.Second)
	require.ErrorIs(t, b.Guard(ctx, fail), errBoom)
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, 2*time.Second, b.Stats().CurrentTimeout)

	// Further reopens are capped at MaxTimeout.
	clock.Advance(2 * time.Second)
	require.ErrorIs(t, b.Guard(ctx, fail), errBoom)
	assert.Equal(t, 2*time.Second, b.Stats().CurrentTimeout)
}

func TestSuccessInClosedResetsBackoff(t *testing.T) {
	b, clock := newTestBreaker(Config{
		FailureThreshold:   2,
		SuccessThreshold:   1,
		Timeout:            500 * time.Millisecond,
		MaxTimeout:         4 * time.Second,
		ExponentialBackoff: true,
	})
	ctx := context.Background()

	require.Error(t, b.Guard(ctx, fail))
	require.Error(t, b.Guard(ctx, fail))
	assert.Equal(t, time.Second, b.Stats().CurrentTimeout)

	clock.Advance(time.Second)
	require.NoError(t, b.Guard(ctx, succeed))
	require.Equal(t, StateClosed, b.State())
	assert.Equal(t, 500*time.Millisecond, b.Stats().CurrentTimeout)
}

func TestOnStateChangeCallback(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 1})

	type change struct{ from, to State }
	var changes []change
	b.OnStateChange(func(component string, from, to State) {
		assert.Equal(t, "test_component", component)
		changes = append(changes, change{from, to})
	})

	require.Error(t, b.Guard(context.Background(), fail))
	require.Len(t, changes, 1)
	assert.Equal(t, change{StateClosed, StateOpen}, changes[0])
}

func TestReset(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 1})

	require.Error(t, b.Guard(context.Background(), fail))
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Stats().Failures)
}

func TestNormalizeDefaults(t *testing.T) {
	cfg := Config{}.Normalize()
	assert.Equal(t, 5, cfg.FailureThreshold)
	assert.Equal(t, 2, cfg.SuccessThreshold)
	assert.Equal(t, 60*time.Second, cfg.Timeout)
	assert.Equal(t, 300*time.Second, cfg.MaxTimeout)
}
