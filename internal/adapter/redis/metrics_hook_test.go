package redis

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/stationrelay/internal/metrics"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestMetricsHook_ProcessCountsByStatus(t *testing.T) {
	hook := &MetricsHook{}
	ctx := context.Background()
	okBefore := testutil.ToFloat64(metrics.RedisOpsTotal.WithLabelValues("publish", "success"))
	errBefore := testutil.ToFloat64(metrics.RedisOpsTotal.WithLabelValues("publish", "error"))

	ok := hook.ProcessHook(func(context.Context, goredis.Cmder) error { return nil })
	failing := hook.ProcessHook(func(context.Context, goredis.Cmder) error { return errors.New("boom") })

	assert.NoError(t, ok(ctx, goredis.NewIntCmd(ctx, "publish", "c", "m")))
	assert.Error(t, failing(ctx, goredis.NewIntCmd(ctx, "publish", "c", "m")))

	assert.Equal(t, okBefore+1, testutil.ToFloat64(metrics.RedisOpsTotal.WithLabelValues("publish", "success")))
	assert.Equal(t, errBefore+1, testutil.ToFloat64(metrics.RedisOpsTotal.WithLabelValues("publish", "error")))
}

func TestMetricsHook_NilIsNotAnError(t *testing.T) {
	assert.Equal(t, "success", opStatus(goredis.Nil))
	assert.Equal(t, "success", opStatus(nil))
	assert.Equal(t, "error", opStatus(errors.New("x")))
}

func TestMetricsHook_DialErrorsCounted(t *testing.T) {
	hook := &MetricsHook{}
	before := testutil.ToFloat64(metrics.RedisConnectionErrors)

	dial := hook.DialHook(func(context.Context, string, string) (net.Conn, error) {
		return nil, errors.New("connection refused")
	})
	_, err := dial(context.Background(), "tcp", "127.0.0.1:1")

	assert.Error(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.RedisConnectionErrors))
}
