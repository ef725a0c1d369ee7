package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/stationrelay/internal/domain"
	apperrors "github.com/pscheid92/stationrelay/internal/errors"
)

// handleSnapshot serves the current state in the same shape as the WebSocket
// snapshot message, for dashboards that poll. Concurrent polls share one
// snapshot and one encoding.
func (s *Server) handleSnapshot(c echo.Context) error {
	if s.snapshots == nil {
		return apperrors.UnavailableError("state not available", nil)
	}

	body, err, _ := s.snapshotGroup.Do("snapshot", func() (any, error) {
		return json.Marshal(domain.SnapshotMessage(s.snapshots.Snapshot()))
	})
	if err != nil {
		return apperrors.InternalError("failed to encode snapshot", err)
	}

	c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
	if err := c.JSONBlob(http.StatusOK, body.([]byte)); err != nil {
		return fmt.Errorf("failed to write snapshot response: %w", err)
	}
	return nil
}
