package broadcast

import (
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/stationrelay/internal/domain"
	"github.com/pscheid92/stationrelay/internal/metrics"
)

const (
	writeDeadline     = 5 * time.Second
	pingInterval      = 30 * time.Second
	pongDeadline      = 60 * time.Second
	messageBufferSize = 64
)

// Conn is the subscriber side of a WebSocket. *websocket.Conn satisfies it.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// outbound is one queued message. devices and prices messages carry the full
// state of their kind, so a newer one supersedes any older one still queued.
type outbound struct {
	seq  uint64
	kind domain.MessageType
	data []byte
}

func (m outbound) supersedable() bool {
	return m.kind == domain.MessageDevices || m.kind == domain.MessagePrices
}

type clientWriter struct {
	connection  Conn
	clock       clockwork.Clock
	snapshotSeq uint64
	connectedAt time.Time
	bufferSize  int
	mu          sync.Mutex
	queue       []outbound
	wake        chan struct{}
	doneChannel chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
	onFailure   func()
}

// newClientWriter starts the write goroutine. onFailure runs on that goroutine
// after a failed write and must not block.
func newClientWriter(connection Conn, clock clockwork.Clock, snapshotSeq uint64, bufferSize int, onFailure func()) *clientWriter {
	if bufferSize <= 0 {
		bufferSize = messageBufferSize
	}
	cw := &clientWriter{
		connection:  connection,
		clock:       clock,
		snapshotSeq: snapshotSeq,
		connectedAt: clock.Now(),
		bufferSize:  bufferSize,
		queue:       make([]outbound, 0, bufferSize),
		wake:        make(chan struct{}, 1),
		doneChannel: make(chan struct{}),
		onFailure:   onFailure,
	}
	cw.configurePongHandler()
	cw.wg.Add(1)
	go cw.run()
	return cw
}

func (cw *clientWriter) run() {
	ticker := cw.clock.NewTicker(pingInterval)
	defer ticker.Stop()
	defer cw.wg.Done()

	for {
		select {
		case <-cw.wake:
			if !cw.drain() {
				return
			}
		case <-ticker.Chan():
			cw.updateWriteDeadline()
			if err := cw.connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				metrics.WebSocketPingFailures.Inc()
				cw.fail()
				return
			}
		case <-cw.doneChannel:
			return
		}
	}
}

// drain writes queued messages until the queue is empty. It returns false when
// the writer must exit.
func (cw *clientWriter) drain() bool {
	for {
		select {
		case <-cw.doneChannel:
			return false
		default:
		}

		msg, ok := cw.dequeue()
		if !ok {
			return true
		}

		start := cw.clock.Now()
		cw.updateWriteDeadline()
		if err := cw.connection.WriteMessage(websocket.TextMessage, msg.data); err != nil {
			metrics.WebSocketWriteFailures.Inc()
			cw.fail()
			return false
		}
		metrics.WebSocketMessageSendDuration.Observe(cw.clock.Since(start).Seconds())
	}
}

func (cw *clientWriter) dequeue() (outbound, bool) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if len(cw.queue) == 0 {
		return outbound{}, false
	}
	msg := cw.queue[0]
	cw.queue[0] = outbound{}
	cw.queue = cw.queue[1:]
	return msg, true
}

// enqueue hands msg to the write goroutine. A full queue is first compacted by
// dropping superseded state messages; enqueue returns false only when that
// frees no slot.
func (cw *clientWriter) enqueue(msg outbound) bool {
	cw.mu.Lock()
	if len(cw.queue) >= cw.bufferSize {
		before := len(cw.queue)
		cw.queue = compact(cw.queue, msg)
		metrics.BroadcasterMessagesCoalescedTotal.Add(float64(before - len(cw.queue)))
		if len(cw.queue) >= cw.bufferSize {
			cw.mu.Unlock()
			return false
		}
	}
	cw.queue = append(cw.queue, msg)
	cw.mu.Unlock()

	select {
	case cw.wake <- struct{}{}:
	default:
	}
	return true
}

// queued returns the number of messages waiting for the writer.
func (cw *clientWriter) queued() int {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return len(cw.queue)
}

// compact drops every supersedable message that a later one of the same kind
// (queued or incoming) replaces. Order and all other messages are kept.
func compact(queue []outbound, incoming outbound) []outbound {
	superseded := make(map[domain.MessageType]bool, 2)
	if incoming.supersedable() {
		superseded[incoming.kind] = true
	}

	kept := make([]outbound, 0, len(queue))
	for i := len(queue) - 1; i >= 0; i-- {
		msg := queue[i]
		if msg.supersedable() {
			if superseded[msg.kind] {
				continue
			}
			superseded[msg.kind] = true
		}
		kept = append(kept, msg)
	}
	slices.Reverse(kept)
	return kept
}

func (cw *clientWriter) fail() {
	select {
	case <-cw.doneChannel:
		// Already stopping; the write failed because we closed the socket.
		return
	default:
	}
	if cw.onFailure != nil {
		cw.onFailure()
	}
}

func (cw *clientWriter) stop() {
	cw.stopOnce.Do(func() {
		close(cw.doneChannel)
		_ = cw.connection.Close()
		cw.observeLifetime()
	})
	cw.wg.Wait()
}

// stopGraceful sends a close frame with reason before closing.
func (cw *clientWriter) stopGraceful(reason string) {
	cw.stopOnce.Do(func() {
		close(cw.doneChannel)

		// The write goroutine must be gone before we write the close frame.
		cw.wg.Wait()

		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		cw.updateWriteDeadline()
		_ = cw.connection.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = cw.connection.Close()
		cw.observeLifetime()
	})
}

func (cw *clientWriter) observeLifetime() {
	metrics.WebSocketConnectionDuration.Observe(cw.clock.Since(cw.connectedAt).Seconds())
}

func (cw *clientWriter) configurePongHandler() {
	cw.updateReadDeadline()
	cw.connection.SetPongHandler(func(string) error {
		cw.updateReadDeadline()
		return nil
	})
}

func (cw *clientWriter) updateWriteDeadline() {
	_ = cw.connection.SetWriteDeadline(cw.clock.Now().Add(writeDeadline))
}

func (cw *clientWriter) updateReadDeadline() {
	_ = cw.connection.SetReadDeadline(cw.clock.Now().Add(pongDeadline))
}
