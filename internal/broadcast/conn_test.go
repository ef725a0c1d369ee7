package broadcast

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/pscheid92/stationrelay/internal/domain"
	"github.com/stretchr/testify/require"
)

var errConnClosed = errors.New("use of closed connection")

// fakeConn records text messages. It can fail after a number of text writes,
// block every write until it is closed, or hold text writes until hold is closed.
type fakeConn struct {
	mu        sync.Mutex
	messages  [][]byte
	pings     int
	failAfter int // fail text writes once this many succeeded; <0 never fails
	block     bool
	hold      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{failAfter: -1, closed: make(chan struct{})}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	if c.block {
		<-c.closed
		return errConnClosed
	}

	if c.hold != nil && messageType == ws.TextMessage {
		select {
		case <-c.hold:
		case <-c.closed:
			return errConnClosed
		}
	}

	select {
	case <-c.closed:
		return errConnClosed
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch messageType {
	case ws.TextMessage:
		if c.failAfter >= 0 && len(c.messages) >= c.failAfter {
			return errors.New("broken pipe")
		}
		c.messages = append(c.messages, append([]byte(nil), data...))
	case ws.PingMessage:
		c.pings++
	}
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error         { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error          { return nil }
func (c *fakeConn) SetPongHandler(func(appData string) error) {}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) received() []domain.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Message, 0, len(c.messages))
	for _, raw := range c.messages {
		var m domain.Message
		if err := json.Unmarshal(raw, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeConn) pingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

func seqs(messages []domain.Message) []uint64 {
	out := make([]uint64, len(messages))
	for i, m := range messages {
		out[i] = m.Seq
	}
	return out
}

// newTestConnPair returns both ends of a real WebSocket connection.
func newTestConnPair(t *testing.T) (server *ws.Conn, client *ws.Conn) {
	t.Helper()
	upgrader := ws.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	ready := make(chan *ws.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		ready <- conn
	}))
	t.Cleanup(func() { srv.Close() })

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := ws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { clientConn.Close() })

	serverConn := <-ready
	t.Cleanup(func() { serverConn.Close() })

	return serverConn, clientConn
}
