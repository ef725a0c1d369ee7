// Package retry holds the backoff policies shared by the ingest client and the
// startup dependency checks.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

// Linear grows the delay by Base for every consecutive failure, capped at Max.
// MaxAttempts bounds the retries after the first failure; zero never gives up.
type Linear struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// Delay returns the wait before the next attempt after `attempt` consecutive
// failures (attempt starts at 1).
func (l Linear) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := l.Base * time.Duration(attempt)
	if l.Max > 0 && (d > l.Max || d < 0) {
		return l.Max
	}
	return d
}

// Exhausted reports whether `failures` consecutive failures used up the retry
// budget. The first failure is not a retry.
func (l Linear) Exhausted(failures int) bool {
	return l.MaxAttempts > 0 && failures > l.MaxAttempts
}

type Action int

const (
	Stop  Action = iota // permanent error, abort immediately
	Retry               // transient error, use the backoff
)

type Policy struct {
	Backoff Linear
	Clock   clockwork.Clock
	OnRetry func(attempt int, err error, backoff time.Duration)
}

type Classify func(err error) Action
type Operation[T any] func(ctx context.Context) (T, error)

// Do runs op until it succeeds, the classifier stops it, the backoff is
// exhausted, or ctx ends. A zero Backoff.MaxAttempts retries until ctx ends.
func Do[T any](ctx context.Context, p Policy, classify Classify, op Operation[T]) (T, error) {
	var zero T
	clock := p.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	for attempt := 1; ; attempt++ {
		val, err := op(ctx)
		if err == nil {
			return val, nil
		}

		if classify != nil && classify(err) == Stop {
			return zero, &PermanentError{Err: err}
		}

		if p.Backoff.Exhausted(attempt) {
			return zero, fmt.Errorf("failed after %d attempts: %w", attempt, err)
		}

		backoff := p.Backoff.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, backoff)
		}

		timer := clock.NewTimer(backoff)
		select {
		case <-timer.Chan():
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}
	}
}

// DoVoid is Do for operations without a result.
func DoVoid(ctx context.Context, p Policy, classify Classify, op func(ctx context.Context) error) error {
	_, err := Do(ctx, p, classify, func(ctx context.Context) (struct{}, error) { return struct{}{}, op(ctx) })
	return err
}

type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }
