package httpserver

import (
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/stationrelay/internal/broadcast"
	"github.com/pscheid92/stationrelay/internal/metrics"
)

const (
	// Subscribers only send control frames; anything larger is a misbehaving client.
	maxSubscriberMessageSize = 512
	rejectWriteTimeout       = time.Second
)

func (s *Server) handleWebSocket(c echo.Context) error {
	ctx := c.Request().Context()

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the HTTP error response.
		metrics.WebSocketConnectionsTotal.WithLabelValues("upgrade_failed").Inc()
		slog.DebugContext(ctx, "WebSocket upgrade failed", "error", err)
		return nil
	}
	conn.SetReadLimit(maxSubscriberMessageSize)

	if err := s.subscribers.Register(conn); err != nil {
		metrics.WebSocketConnectionsTotal.WithLabelValues("rejected").Inc()
		slog.WarnContext(ctx, "Subscriber rejected", "remote_addr", c.RealIP(), "error", err)
		rejectSubscriber(conn, err)
		return nil
	}
	metrics.WebSocketConnectionsTotal.WithLabelValues("accepted").Inc()
	slog.InfoContext(ctx, "Subscriber connected", "remote_addr", c.RealIP())

	// The read loop only drives pong and close handling; payloads are ignored.
	defer s.subscribers.Unregister(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.DebugContext(ctx, "Subscriber read error", "error", err)
			}
			break
		}
	}
	slog.InfoContext(ctx, "Subscriber disconnected", "remote_addr", c.RealIP())
	return nil
}

func rejectSubscriber(conn *websocket.Conn, cause error) {
	code, reason := websocket.CloseInternalServerErr, "registration failed"
	switch {
	case errors.Is(cause, broadcast.ErrMaxClients):
		code, reason = websocket.CloseTryAgainLater, "too many subscribers"
	case errors.Is(cause, broadcast.ErrStopped):
		code, reason = websocket.CloseGoingAway, "server shutting down"
	}

	deadline := time.Now().Add(rejectWriteTimeout)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}
