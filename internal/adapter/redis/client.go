// Package redis mirrors relay deltas onto a Redis Pub/Sub channel so other
// processes can follow the station without a WebSocket.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/stationrelay/internal/platform/retry"
	goredis "github.com/redis/go-redis/v9"
)

var startupBackoff = retry.Linear{
	Base:        500 * time.Millisecond,
	Max:         3 * time.Second,
	MaxAttempts: 4,
}

// NewClient parses redisURL and pings the server until it answers or the
// startup backoff is used up.
func NewClient(ctx context.Context, redisURL string) (*goredis.Client, error) {
	return newClientWithClock(ctx, redisURL, clockwork.NewRealClock())
}

func newClientWithClock(ctx context.Context, redisURL string, clock clockwork.Clock) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	rdb := goredis.NewClient(opts)
	rdb.AddHook(&MetricsHook{})

	policy := retry.Policy{
		Backoff: startupBackoff,
		Clock:   clock,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			slog.WarnContext(ctx, "Redis ping failed, retrying",
				"attempt", attempt,
				"backoff", backoff,
				"error", err,
			)
		},
	}
	if err := retry.DoVoid(ctx, policy, nil, func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	slog.InfoContext(ctx, "Connected to Redis", "addr", opts.Addr)
	return rdb, nil
}

// PingCheck adapts a client to a health check function.
func PingCheck(rdb goredis.UniversalClient) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
		return nil
	}
}
