package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pscheid92/stationrelay/internal/domain"
	"github.com/pscheid92/stationrelay/internal/metrics"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

const breakerComponent = "redis_mirror"

// ErrQueueFull is returned when the mirror cannot keep up with the store.
var ErrQueueFull = errors.New("mirror queue full")

// Publisher is the subset of the go-redis client the mirror needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message any) *goredis.IntCmd
}

type MirrorConfig struct {
	Channel          string
	QueueSize        int
	PublishTimeout   time.Duration
	BreakerTimeout   time.Duration
	FailureThreshold uint32
}

func (c MirrorConfig) withDefaults() MirrorConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 500 * time.Millisecond
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 30 * time.Second
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	return c
}

// Mirror publishes every delta to a Redis channel. Publishing happens on its
// own goroutine so a slow or absent Redis never holds up the store; deltas
// leave in the order they were queued.
type Mirror struct {
	rdb     Publisher
	config  MirrorConfig
	breaker *gobreaker.CircuitBreaker
	queue   chan []byte
}

func NewMirror(rdb Publisher, cfg MirrorConfig) *Mirror {
	cfg = cfg.withDefaults()

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        breakerComponent,
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state changed",
				"component", name,
				"from", from.String(),
				"to", to.String(),
			)
			metrics.CircuitBreakerStateChanges.WithLabelValues(name, to.String()).Inc()
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	})
	metrics.CircuitBreakerState.WithLabelValues(breakerComponent).Set(stateToFloat(gobreaker.StateClosed))

	return &Mirror{
		rdb:     rdb,
		config:  cfg,
		breaker: breaker,
		queue:   make(chan []byte, cfg.QueueSize),
	}
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// Publish queues the delta for mirroring. It never blocks; when the queue is
// full the delta is dropped and ErrQueueFull returned.
func (m *Mirror) Publish(_ context.Context, delta domain.Delta) error {
	payload, err := json.Marshal(domain.DeltaMessage(delta))
	if err != nil {
		return fmt.Errorf("failed to marshal delta: %w", err)
	}

	select {
	case m.queue <- payload:
		return nil
	default:
		metrics.MirrorPublishTotal.WithLabelValues("dropped").Inc()
		return ErrQueueFull
	}
}

// Run drains the queue until ctx is cancelled.
func (m *Mirror) Run(ctx context.Context) {
	slog.InfoContext(ctx, "Redis mirror started", "channel", m.config.Channel)
	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "Redis mirror stopped", "pending", len(m.queue))
			return
		case payload := <-m.queue:
			if err := m.send(ctx, payload); err != nil {
				slog.DebugContext(ctx, "Mirror publish failed", "error", err)
			}
		}
	}
}

// State returns the circuit breaker state.
func (m *Mirror) State() gobreaker.State {
	return m.breaker.State()
}

func (m *Mirror) send(ctx context.Context, payload []byte) error {
	_, err := m.breaker.Execute(func() (interface{}, error) {
		publishCtx, cancel := context.WithTimeout(ctx, m.config.PublishTimeout)
		defer cancel()
		return nil, m.rdb.Publish(publishCtx, m.config.Channel, payload).Err()
	})

	switch {
	case err == nil:
		metrics.MirrorPublishTotal.WithLabelValues("success").Inc()
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.MirrorPublishTotal.WithLabelValues("rejected").Inc()
		return fmt.Errorf("redis mirror unavailable: %w", err)
	default:
		metrics.MirrorPublishTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to publish delta: %w", err)
	}
}

var _ domain.Publisher = (*Mirror)(nil)
