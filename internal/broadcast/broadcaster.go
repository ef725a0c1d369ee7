package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/stationrelay/internal/domain"
	"github.com/pscheid92/stationrelay/internal/metrics"
)

const (
	commandTimeout      = 5 * time.Second
	stopTimeout         = 10 * time.Second
	commandChannelSize  = 256
	depthWarnThreshold  = 200 // 80% of commandChannelSize
	shutdownCloseReason = "Server shutting down"
)

var (
	ErrStopped    = errors.New("broadcaster stopped")
	ErrMaxClients = errors.New("max websocket connections reached")
)

// broadcasterCmd is the command interface for the Broadcaster actor.
type broadcasterCmd interface{ isBroadcasterCmd() }

type baseBroadcasterCmd struct{}

func (baseBroadcasterCmd) isBroadcasterCmd() {}

type registerCmd struct {
	baseBroadcasterCmd
	connection   Conn
	errorChannel chan error
}

type unregisterCmd struct {
	baseBroadcasterCmd
	connection Conn
}

type publishCmd struct {
	baseBroadcasterCmd
	seq         uint64
	messageType domain.MessageType
	data        []byte
}

type getClientCountCmd struct {
	baseBroadcasterCmd
	replyChannel chan int
}

type stopCmd struct {
	baseBroadcasterCmd
}

// Broadcaster delivers snapshots and deltas to every registered subscriber.
type Broadcaster struct {
	cmdCh       chan broadcasterCmd
	clock       clockwork.Clock
	source      domain.SnapshotSource
	clients     map[Conn]*clientWriter
	maxClients  int
	sendBuffer  int
	done        chan struct{}
	stopOnce    sync.Once
	stopTimeout time.Duration
}

type Option func(*Broadcaster)

// WithSendBuffer sets how many messages may queue per subscriber. A full
// queue first drops superseded device and price updates; a subscriber is
// evicted as slow only when nothing can be dropped.
func WithSendBuffer(n int) Option {
	return func(b *Broadcaster) { b.sendBuffer = n }
}

// NewBroadcaster starts the actor. source provides the snapshot each new
// subscriber starts from; maxClients of zero or less means unlimited.
func NewBroadcaster(source domain.SnapshotSource, clock clockwork.Clock, maxClients int, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		cmdCh:       make(chan broadcasterCmd, commandChannelSize),
		clock:       clock,
		source:      source,
		clients:     make(map[Conn]*clientWriter),
		maxClients:  maxClients,
		done:        make(chan struct{}),
		sendBuffer:  messageBufferSize,
		stopTimeout: stopTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.run()
	return b
}

// send enqueues cmd unless the actor has exited, ctx ends, or timeout fires first.
func (b *Broadcaster) send(ctx context.Context, timeout <-chan time.Time, cmd broadcasterCmd) error {
	select {
	case <-b.done:
		return ErrStopped
	default:
	}

	select {
	case b.cmdCh <- cmd:
		return nil
	case <-b.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout:
		return fmt.Errorf("command timed out after %v", commandTimeout)
	}
}

// Register subscribes conn. The first message conn receives is a snapshot of
// the current state; after that it receives every newer delta in order.
func (b *Broadcaster) Register(conn Conn) error {
	timer := b.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	errCh := make(chan error, 1)
	if err := b.send(context.Background(), timer.Chan(), registerCmd{connection: conn, errorChannel: errCh}); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	select {
	case err := <-errCh:
		return err
	case <-b.done:
		return ErrStopped
	case <-timer.Chan():
		return fmt.Errorf("register command timed out after %v", commandTimeout)
	}
}

// Unregister removes conn and closes it. Unknown connections are ignored.
func (b *Broadcaster) Unregister(conn Conn) {
	timer := b.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	if err := b.send(context.Background(), timer.Chan(), unregisterCmd{connection: conn}); err != nil && !errors.Is(err, ErrStopped) {
		slog.Warn("Unregister command not delivered", "error", err)
	}
}

// Publish fans delta out to every subscriber. A failing subscriber is removed
// and never fails the publish; only a stopped broadcaster or ctx does.
func (b *Broadcaster) Publish(ctx context.Context, delta domain.Delta) error {
	data, err := json.Marshal(domain.DeltaMessage(delta))
	if err != nil {
		return fmt.Errorf("marshal delta: %w", err)
	}
	return b.send(ctx, nil, publishCmd{seq: delta.Seq, messageType: delta.Type, data: data})
}

// ClientCount returns the number of subscribers. Returns -1 if the command times out.
func (b *Broadcaster) ClientCount() int {
	timer := b.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	replyCh := make(chan int, 1)
	if err := b.send(context.Background(), timer.Chan(), getClientCountCmd{replyChannel: replyCh}); err != nil {
		if errors.Is(err, ErrStopped) {
			return 0
		}
		return -1
	}

	select {
	case count := <-replyCh:
		return count
	case <-b.done:
		return 0
	case <-timer.Chan():
		slog.Warn("ClientCount timed out", "timeout", commandTimeout)
		return -1
	}
}

// Stop closes every subscriber with a close frame and ends the actor.
// It is safe to call more than once.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		timer := b.clock.NewTimer(b.stopTimeout)
		defer timer.Stop()

		if err := b.send(context.Background(), timer.Chan(), stopCmd{}); err != nil {
			return
		}

		select {
		case <-b.done:
			slog.Info("Broadcaster stopped gracefully")
		case <-timer.Chan():
			slog.Warn("Broadcaster stop timeout exceeded", "timeout", b.stopTimeout)
			metrics.BroadcasterStopTimeoutsTotal.Inc()
		}
	})
}

func (b *Broadcaster) run() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Broadcaster panic recovered", "panic", r)
			metrics.BroadcasterPanicsTotal.Inc()
			b.closeAllClients("broadcaster panic")
		}
	}()
	defer close(b.done)

	depthTicker := b.clock.NewTicker(1 * time.Second)
	defer depthTicker.Stop()

	for {
		select {
		case <-depthTicker.Chan():
			depth := len(b.cmdCh)
			metrics.BroadcasterCommandChannelDepth.Set(float64(depth))
			if depth > depthWarnThreshold {
				slog.Warn("Command channel near capacity", "depth", depth, "capacity", cap(b.cmdCh))
			}

		case cmd := <-b.cmdCh:
			switch c := cmd.(type) {
			case registerCmd:
				c.errorChannel <- b.handleRegister(c.connection)
			case unregisterCmd:
				b.handleUnregister(c.connection)
			case publishCmd:
				b.handlePublish(c)
			case getClientCountCmd:
				c.replyChannel <- len(b.clients)
			case stopCmd:
				b.handleStop()
				return
			default:
				slog.Warn("Broadcaster received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
			}
		}
	}
}

func (b *Broadcaster) handleRegister(conn Conn) error {
	if _, exists := b.clients[conn]; exists {
		return nil
	}

	if b.maxClients > 0 && len(b.clients) >= b.maxClients {
		slog.Warn("Rejecting subscriber: max clients reached", "max_clients", b.maxClients)
		return ErrMaxClients
	}

	snapshot := b.source.Snapshot()
	data, err := json.Marshal(domain.SnapshotMessage(snapshot))
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	cw := newClientWriter(conn, b.clock, snapshot.Seq, b.sendBuffer, func() {
		// Runs on the writer goroutine; the actor may be waiting on it.
		go b.Unregister(conn)
	})
	cw.enqueue(outbound{seq: snapshot.Seq, kind: domain.MessageSnapshot, data: data})
	b.clients[conn] = cw

	metrics.BroadcasterConnectedClients.Set(float64(len(b.clients)))
	metrics.BroadcasterMessagesTotal.WithLabelValues(string(domain.MessageSnapshot)).Inc()

	slog.Debug("Subscriber registered", "snapshot_seq", snapshot.Seq, "total_clients", len(b.clients))
	return nil
}

func (b *Broadcaster) handleUnregister(conn Conn) {
	cw, exists := b.clients[conn]
	if !exists {
		return
	}

	cw.stop()
	delete(b.clients, conn)
	metrics.BroadcasterConnectedClients.Set(float64(len(b.clients)))

	slog.Debug("Subscriber unregistered", "remaining_clients", len(b.clients))
}

func (b *Broadcaster) handlePublish(c publishCmd) {
	start := b.clock.Now()
	defer func() {
		metrics.BroadcasterFanoutDuration.Observe(b.clock.Since(start).Seconds())
	}()

	var slow []Conn
	delivered := 0
	for conn, cw := range b.clients {
		if c.seq <= cw.snapshotSeq {
			// Already contained in the snapshot this subscriber started from.
			continue
		}
		if !cw.enqueue(outbound{seq: c.seq, kind: c.messageType, data: c.data}) {
			slow = append(slow, conn)
			continue
		}
		delivered++
	}
	metrics.BroadcasterMessagesTotal.WithLabelValues(string(c.messageType)).Add(float64(delivered))

	for _, conn := range slow {
		slog.Warn("Disconnecting slow subscriber", "seq", c.seq)
		metrics.BroadcasterSlowClientsEvicted.Inc()
		b.handleUnregister(conn)
	}
}

func (b *Broadcaster) handleStop() {
	total := len(b.clients)
	slog.Info("Broadcaster shutting down", "total_clients", total)
	b.closeAllClients(shutdownCloseReason)
	slog.Info("Broadcaster shutdown complete", "disconnected_clients", total)
}

// closeAllClients closes all subscribers with the given reason.
// Used during panic recovery and graceful shutdown.
func (b *Broadcaster) closeAllClients(reason string) {
	for conn, cw := range b.clients {
		cw.stopGraceful(reason)
		delete(b.clients, conn)
	}
	metrics.BroadcasterConnectedClients.Set(0)
}

var _ domain.Publisher = (*Broadcaster)(nil)
