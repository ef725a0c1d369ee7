package correlation

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID(t *testing.T) {
	ids := make(map[string]struct{}, 100)
	for range 100 {
		id := NewID()
		require.Len(t, id, 8)
		ids[id] = struct{}{}
	}
	assert.Len(t, ids, 100)
}

func TestWithNewID(t *testing.T) {
	ctx, id := WithNewID(context.Background())

	got, ok := ID(ctx)
	assert.True(t, ok)
	assert.Equal(t, id, got)
}

func TestID_MissingOrEmpty(t *testing.T) {
	_, ok := ID(context.Background())
	assert.False(t, ok)

	_, ok = ID(WithID(context.Background(), ""))
	assert.False(t, ok)
}

func newBufferedLogger(buf *bytes.Buffer) *slog.Logger {
	inner := slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(NewHandler(inner))
}

func TestHandler_AddsCorrelationID(t *testing.T) {
	var buf bytes.Buffer
	logger := newBufferedLogger(&buf)

	ctx := WithID(context.Background(), "conn1234")
	logger.InfoContext(ctx, "Upstream connected", "addr", "127.0.0.1:5000")

	output := buf.String()
	assert.Contains(t, output, "correlation_id=conn1234")
	assert.Contains(t, output, "addr=127.0.0.1:5000")
}

func TestHandler_NoCorrelationID_WhenMissing(t *testing.T) {
	var buf bytes.Buffer
	newBufferedLogger(&buf).InfoContext(context.Background(), "no correlation")

	assert.NotContains(t, buf.String(), "correlation_id")
}

func TestHandler_WithAttrs_PreservesCorrelation(t *testing.T) {
	var buf bytes.Buffer
	logger := newBufferedLogger(&buf).With("component", "ingest")

	logger.InfoContext(WithID(context.Background(), "attr1234"), "with attrs")

	output := buf.String()
	assert.Contains(t, output, "correlation_id=attr1234")
	assert.Contains(t, output, "component=ingest")
}
