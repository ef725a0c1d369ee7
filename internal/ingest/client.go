// Package ingest keeps the connection to the upstream telemetry source alive and
// feeds every decoded record into an event sink.
//
// The client walks Disconnected → Connecting → Connected and back on every
// failure, waiting a linearly growing delay in Reconnecting between attempts.
// A successful connect resets the failure count. With a bounded attempt budget
// the machine ends in Exhausted and Run returns ErrReconnectExhausted.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/stationrelay/internal/decoder"
	"github.com/pscheid92/stationrelay/internal/domain"
	"github.com/pscheid92/stationrelay/internal/metrics"
	"github.com/pscheid92/stationrelay/internal/platform/correlation"
	"github.com/pscheid92/stationrelay/internal/platform/retry"
)

const readBufferSize = 32 * 1024

var expiredDeadline = time.Unix(1, 0)

var (
	ErrReconnectExhausted = errors.New("upstream reconnect attempts exhausted")
	errStreamClosed       = errors.New("upstream closed the stream")
)

// Dialer opens the upstream byte stream. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type Config struct {
	Addr        string
	DialTimeout time.Duration
	// ReadTimeout treats an upstream silent for this long as broken. Zero disables it.
	ReadTimeout time.Duration
	Backoff     retry.Linear
	Decoder     []decoder.Option
	// OnRetry is called before every reconnect wait.
	OnRetry func(attempt int, err error, backoff time.Duration)
}

type Client struct {
	cfg     Config
	sink    domain.EventSink
	dialer  Dialer
	clock   clockwork.Clock
	decoder *decoder.Decoder

	state    atomic.Int32
	attempts atomic.Int64
}

type Option func(*Client)

func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

func NewClient(cfg Config, sink domain.EventSink, opts ...Option) *Client {
	c := &Client{
		cfg:     cfg,
		sink:    sink,
		dialer:  &net.Dialer{Timeout: cfg.DialTimeout},
		clock:   clockwork.NewRealClock(),
		decoder: decoder.New(cfg.Decoder...),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.setState(StateDisconnected)
	return c
}

// State returns the current machine state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Attempts returns the consecutive failures since the last successful connect.
func (c *Client) Attempts() int {
	return int(c.attempts.Load())
}

// Connected reports whether the upstream stream is currently open.
func (c *Client) Connected() bool {
	return c.State() == StateConnected
}

// Run drives the state machine until ctx is cancelled (returns nil) or the
// attempt budget is used up (returns ErrReconnectExhausted).
func (c *Client) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			c.setState(StateStopped)
			return nil
		}

		err := c.connectAndStream(ctx)
		if ctx.Err() != nil {
			c.setState(StateStopped)
			return nil
		}

		attempt := int(c.attempts.Add(1))
		metrics.IngestReconnectAttempt.Set(float64(attempt))

		if c.cfg.Backoff.Exhausted(attempt) {
			c.setState(StateExhausted)
			slog.ErrorContext(ctx, "Upstream reconnect attempts exhausted",
				"addr", c.cfg.Addr,
				"attempts", attempt,
				"error", err,
			)
			return fmt.Errorf("%w after %d attempts: %w", ErrReconnectExhausted, attempt, err)
		}

		delay := c.cfg.Backoff.Delay(attempt)
		c.setState(StateReconnecting)
		metrics.IngestBackoffSeconds.Observe(delay.Seconds())
		if c.cfg.OnRetry != nil {
			c.cfg.OnRetry(attempt, err, delay)
		}
		slog.WarnContext(ctx, "Upstream unavailable, retrying",
			"addr", c.cfg.Addr,
			"attempt", attempt,
			"backoff", delay,
			"error", err,
		)

		if !c.wait(ctx, delay) {
			c.setState(StateStopped)
			return nil
		}
	}
}

func (c *Client) wait(ctx context.Context, delay time.Duration) bool {
	timer := c.clock.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.Chan():
		return true
	case <-ctx.Done():
		return false
	}
}

// connectAndStream returns the reason the connection could not be opened or ended.
func (c *Client) connectAndStream(ctx context.Context) error {
	c.setState(StateConnecting)

	conn, err := c.dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		metrics.IngestConnectAttemptsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("dial %s: %w", c.cfg.Addr, err)
	}
	metrics.IngestConnectAttemptsTotal.WithLabelValues("success").Inc()

	connCtx, connID := correlation.WithNewID(ctx)
	c.attempts.Store(0)
	metrics.IngestReconnectAttempt.Set(0)
	c.setState(StateConnected)
	slog.InfoContext(connCtx, "Upstream connected", "addr", c.cfg.Addr, "connection_id", connID)

	err = c.stream(connCtx, conn)
	c.setState(StateDisconnected)

	reason := "error"
	if errors.Is(err, errStreamClosed) {
		reason = "eof"
	}
	if ctx.Err() != nil {
		reason = "shutdown"
	}
	metrics.IngestDisconnectsTotal.WithLabelValues(reason).Inc()
	slog.InfoContext(connCtx, "Upstream disconnected", "addr", c.cfg.Addr, "reason", reason, "error", err)

	return err
}

// stream reads until the connection fails or ctx is cancelled. Cancellation
// closes the socket so a blocked Read returns.
func (c *Client) stream(ctx context.Context, conn net.Conn) error {
	defer func() { _ = conn.Close() }()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	// A half record from a previous connection must never prefix this one.
	c.decoder.Reset()

	// The idle timer runs on c.clock; when it fires, a deadline in the past
	// fails the pending Read.
	var idle clockwork.Timer
	if c.cfg.ReadTimeout > 0 {
		idle = c.clock.AfterFunc(c.cfg.ReadTimeout, func() { _ = conn.SetReadDeadline(expiredDeadline) })
		defer idle.Stop()
	}

	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if idle != nil && err == nil {
			idle.Reset(c.cfg.ReadTimeout)
		}
		if n > 0 {
			metrics.IngestBytesTotal.Add(float64(n))
			c.dispatch(ctx, buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errStreamClosed
			}
			return fmt.Errorf("read: %w", err)
		}
	}
}

func (c *Client) dispatch(ctx context.Context, chunk []byte) {
	events, errs := c.decoder.Feed(chunk)

	for _, err := range errs {
		metrics.DecoderErrorsTotal.Inc()
		attrs := []any{"error", err}
		var decErr *decoder.DecodeError
		if errors.As(err, &decErr) {
			attrs = append(attrs, "record", string(decErr.Record))
		}
		slog.WarnContext(ctx, "Dropped upstream record", attrs...)
	}

	for _, event := range events {
		metrics.DecoderRecordsTotal.WithLabelValues(eventKind(event)).Inc()
		c.sink.Apply(ctx, event)
	}
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
	metrics.IngestState.Set(float64(s))
}

func eventKind(event domain.Event) string {
	switch event.(type) {
	case domain.DeviceStateEvent:
		return "device"
	case domain.PriceUpdateEvent:
		return "prices"
	case domain.TransactionRelayEvent:
		return "transaction"
	default:
		return "unknown"
	}
}
