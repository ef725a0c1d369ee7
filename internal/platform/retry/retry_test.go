package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/stationrelay/internal/platform/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastPolicy = retry.Policy{
	Backoff: retry.Linear{Base: time.Millisecond, Max: 5 * time.Millisecond, MaxAttempts: 3},
}

func alwaysRetry(error) retry.Action { return retry.Retry }
func alwaysStop(error) retry.Action  { return retry.Stop }

func TestLinear_Delay(t *testing.T) {
	l := retry.Linear{Base: 2 * time.Second, Max: 7 * time.Second}

	assert.Equal(t, 2*time.Second, l.Delay(1))
	assert.Equal(t, 4*time.Second, l.Delay(2))
	assert.Equal(t, 6*time.Second, l.Delay(3))
	assert.Equal(t, 7*time.Second, l.Delay(4), "capped at Max")
	assert.Equal(t, 2*time.Second, l.Delay(0), "attempt below 1 is treated as the first")
}

func TestLinear_DelayWithoutCap(t *testing.T) {
	l := retry.Linear{Base: time.Second}
	assert.Equal(t, 10*time.Second, l.Delay(10))
}

func TestLinear_Exhausted(t *testing.T) {
	forever := retry.Linear{Base: time.Second}
	assert.False(t, forever.Exhausted(1_000_000))

	bounded := retry.Linear{Base: time.Second, MaxAttempts: 3}
	assert.False(t, bounded.Exhausted(1), "first failure is not a retry")
	assert.False(t, bounded.Exhausted(3), "three retries are allowed")
	assert.True(t, bounded.Exhausted(4))
}

func TestDo_SuccessFirstAttempt(t *testing.T) {
	_, err := retry.Do(context.Background(), fastPolicy, alwaysRetry, func(context.Context) (struct{}, error) {
		return struct{}{}, nil
	})
	require.NoError(t, err)
}

func TestDo_SuccessAfterRetries(t *testing.T) {
	calls := 0
	val, err := retry.Do(context.Background(), fastPolicy, alwaysRetry, func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, val)
	assert.Equal(t, 3, calls)
}

func TestDo_PermanentErrorStopsImmediately(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	err := retry.DoVoid(context.Background(), fastPolicy, alwaysStop, func(context.Context) error {
		calls++
		return permanent
	})

	var permErr *retry.PermanentError
	require.ErrorAs(t, err, &permErr)
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestDo_ExhaustedRetries(t *testing.T) {
	transient := errors.New("transient")
	calls := 0
	err := retry.DoVoid(context.Background(), fastPolicy, alwaysRetry, func(context.Context) error {
		calls++
		return transient
	})

	require.ErrorIs(t, err, transient)
	assert.Contains(t, err.Error(), "failed after 4 attempts")
	assert.Equal(t, 4, calls, "initial attempt plus three retries")
}

func TestDo_OnRetryReceivesLinearBackoff(t *testing.T) {
	var backoffs []time.Duration
	p := fastPolicy
	p.OnRetry = func(_ int, _ error, backoff time.Duration) {
		backoffs = append(backoffs, backoff)
	}

	_ = retry.DoVoid(context.Background(), p, alwaysRetry, func(context.Context) error {
		return errors.New("transient")
	})

	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond}, backoffs)
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ctx, cancel := context.WithCancel(context.Background())

	p := retry.Policy{
		Backoff: retry.Linear{Base: time.Hour},
		Clock:   clock,
	}

	done := make(chan error, 1)
	go func() {
		done <- retry.DoVoid(ctx, p, alwaysRetry, func(context.Context) error {
			return errors.New("transient")
		})
	}()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestDo_WaitsOnClock(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ctx := context.Background()

	p := retry.Policy{
		Backoff: retry.Linear{Base: time.Second, MaxAttempts: 2},
		Clock:   clock,
	}

	calls := make(chan struct{}, 3)
	done := make(chan error, 1)
	go func() {
		done <- retry.DoVoid(ctx, p, alwaysRetry, func(context.Context) error {
			calls <- struct{}{}
			return errors.New("transient")
		})
	}()

	<-calls
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Second)
	<-calls
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(2 * time.Second)
	<-calls

	select {
	case err := <-done:
		assert.Contains(t, err.Error(), "failed after 3 attempts")
	case <-time.After(time.Second):
		t.Fatal("Do did not return")
	}
}
