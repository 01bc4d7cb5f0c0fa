package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sleeps = append(f.sleeps, d)
	f.now = f.now.Add(d)
	return nil
}

func (f *fakeClock) Sleeps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.sleeps...)
}

// scripted returns an op that replays errs in order and then succeeds.
func scripted(calls *int, errs ...error) func(context.Context) error {
	return func(context.Context) error {
		i := *calls
		*calls++
		if i < len(errs) {
			return errs[i]
		}
		return nil
	}
}

func throttle(d time.Duration) error { return &ThrottledError{RetryAfter: d} }

func TestCaller_SuccessFirstTry(t *testing.T) {
	clock := newFakeClock()
	c := NewCaller(Policy{Base: time.Second, Max: 8 * time.Second, MaxRetries: 3}, WithClock(clock))

	calls := 0
	require.NoError(t, c.Do(context.Background(), "users.info", scripted(&calls)))
	assert.Equal(t, 1, calls)
	assert.Empty(t, clock.Sleeps())
	assert.Equal(t, time.Second, c.Backoff())
}

func TestCaller_BackoffDoublesAndResets(t *testing.T) {
	clock := newFakeClock()
	c := NewCaller(Policy{Base: time.Second, Max: 8 * time.Second, MaxRetries: 5}, WithClock(clock))

	calls := 0
	err := c.Do(context.Background(), "conversations.history", scripted(&calls, throttle(0), throttle(0)))
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clock.Sleeps())
	assert.Equal(t, time.Second, c.Backoff(), "success resets backoff to base")
}

func TestCaller_RetryAfterWinsWhenLonger(t *testing.T) {
	clock := newFakeClock()
	c := NewCaller(Policy{Base: time.Second, Max: 8 * time.Second, MaxRetries: 5}, WithClock(clock))

	calls := 0
	require.NoError(t, c.Do(context.Background(), "m", scripted(&calls, throttle(5*time.Second), throttle(0))))
	assert.Equal(t, []time.Duration{5 * time.Second, 2 * time.Second}, clock.Sleeps())
}

func TestCaller_BackoffIsMonotonicUpToCeiling(t *testing.T) {
	clock := newFakeClock()
	c := NewCaller(Policy{Base: time.Second, Max: 4 * time.Second, MaxRetries: 10}, WithClock(clock))

	errs := make([]error, 6)
	for i := range errs {
		errs[i] = throttle(0)
	}
	calls := 0
	require.NoError(t, c.Do(context.Background(), "m", scripted(&calls, errs...)))

	sleeps := clock.Sleeps()
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second,
	}, sleeps)
	for i := 1; i < len(sleeps); i++ {
		assert.GreaterOrEqual(t, sleeps[i], sleeps[i-1])
	}
}

func TestCaller_ExhaustsRetryBudget(t *testing.T) {
	clock := newFakeClock()
	c := NewCaller(Policy{Base: time.Second, Max: 8 * time.Second, MaxRetries: 3}, WithClock(clock))

	calls := 0
	op := func(context.Context) error {
		calls++
		return throttle(0)
	}
	err := c.Do(context.Background(), "conversations.replies", op)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimitExceeded)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, "conversations.replies", exhausted.Method)
	assert.Equal(t, 3, calls)
	assert.Len(t, clock.Sleeps(), 2)
}

func TestCaller_PermanentErrorIsNotRetried(t *testing.T) {
	clock := newFakeClock()
	c := NewCaller(Policy{}, WithClock(clock))

	boom := errors.New("channel_not_found")
	calls := 0
	err := c.Do(context.Background(), "m", scripted(&calls, boom))
	assert.Same(t, boom, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, clock.Sleeps())
}

func TestCaller_PermanentErrorResetsBackoff(t *testing.T) {
	clock := newFakeClock()
	c := NewCaller(Policy{Base: time.Second, Max: 8 * time.Second, MaxRetries: 5}, WithClock(clock))

	calls := 0
	err := c.Do(context.Background(), "m", scripted(&calls, throttle(0), errors.New("not_authed")))
	require.Error(t, err)
	assert.Equal(t, time.Second, c.Backoff())
}

func TestCaller_BackoffResetsBetweenCalls(t *testing.T) {
	clock := newFakeClock()
	c := NewCaller(Policy{Base: time.Second, Max: 8 * time.Second, MaxRetries: 5}, WithClock(clock))

	calls := 0
	require.NoError(t, c.Do(context.Background(), "m", scripted(&calls, throttle(0), throttle(0))))
	calls = 0
	require.NoError(t, c.Do(context.Background(), "m", scripted(&calls, throttle(0))))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, time.Second}, clock.Sleeps())
}

func TestCaller_ContextCancelledWhileWaiting(t *testing.T) {
	clock := newFakeClock()
	c := NewCaller(Policy{Base: time.Second, MaxRetries: 5}, WithClock(clock))

	ctx, cancel := context.WithCancel(context.Background())
	op := func(context.Context) error {
		cancel()
		return throttle(0)
	}
	err := c.Do(ctx, "m", op)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCaller_SharedGateHoldsOtherCallers(t *testing.T) {
	clock := newFakeClock()
	gate := NewGate(0, 0)
	gate.Block(clock.Now().Add(3 * time.Second))

	c := NewCaller(Policy{}, WithClock(clock), WithGate(gate))
	calls := 0
	require.NoError(t, c.Do(context.Background(), "m", scripted(&calls)))
	assert.Equal(t, []time.Duration{3 * time.Second}, clock.Sleeps())
}

func TestCaller_ThrottleBlocksSharedGate(t *testing.T) {
	clock := newFakeClock()
	gate := NewGate(0, 0)
	a := NewCaller(Policy{Base: time.Second, MaxRetries: 5}, WithClock(clock), WithGate(gate))

	start := clock.Now()
	calls := 0
	require.NoError(t, a.Do(context.Background(), "m", scripted(&calls, throttle(7*time.Second))))
	assert.Equal(t, start.Add(7*time.Second), gate.BlockedUntil())
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
	waits    []time.Duration
}

func (r *recordingObserver) ObserveCall(_, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *recordingObserver) ObserveBackoff(_ string, wait time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waits = append(r.waits, wait)
}

func TestCaller_ReportsToObserver(t *testing.T) {
	obs := &recordingObserver{}
	c := NewCaller(Policy{Base: time.Second, MaxRetries: 5}, WithClock(newFakeClock()), WithObserver(obs))

	calls := 0
	require.NoError(t, c.Do(context.Background(), "m", scripted(&calls, throttle(0))))
	assert.Equal(t, []string{OutcomeThrottled, OutcomeOK}, obs.outcomes)
	assert.Equal(t, []time.Duration{time.Second}, obs.waits)
}

func TestPolicy_Normalized(t *testing.T) {
	p := Policy{Base: 10 * time.Second, Max: time.Second}.normalized()
	assert.Equal(t, 10*time.Second, p.Max)
	assert.Equal(t, DefaultMaxRetries, p.MaxRetries)

	p = Policy{}.normalized()
	assert.Equal(t, DefaultBase, p.Base)
}

func TestRegistry_GatePerToken(t *testing.T) {
	r := NewRegistry(0, 0)
	a := r.Gate("xoxb-one")
	assert.Same(t, a, r.Gate("xoxb-one"))
	assert.NotSame(t, a, r.Gate("xoxb-two"))
	assert.Equal(t, 2, r.Len())

	r.SetLimit(10, 2)
	assert.Equal(t, 2, r.Gate("xoxb-three").limiter.Burst())
	assert.Equal(t, 2, a.limiter.Burst())
}
