package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	apperrors "github.com/pscheid92/stationrelay/internal/errors"
	"github.com/pscheid92/stationrelay/internal/platform/version"
)

const (
	startupProbeTimeout   = 2 * time.Second
	readinessProbeTimeout = 5 * time.Second
)

// HealthCheck is a named health check function. Checks marked Startup also
// gate the startup probe; every check gates readiness.
type HealthCheck struct {
	Name    string
	Check   func(ctx context.Context) error
	Startup bool
}

// healthResponse is the probe body. A failed check carries the dependency
// error in the shared error response shape.
type healthResponse struct {
	Status      string `json:"status"`
	FailedCheck string `json:"failed_check,omitempty"`
	*apperrors.ErrorResponse
}

func (s *Server) registerHealthRoutes() {
	s.echo.GET("/health/startup", s.handleStartup)
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/version", s.handleVersion)
}

func (s *Server) handleStartup(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), startupProbeTimeout)
	defer cancel()

	return s.runHealthChecks(c, ctx, true)
}

func (s *Server) handleLiveness(c echo.Context) error {
	uptime := time.Since(s.startTime).Seconds()

	response := map[string]any{
		"status": "ok",
		"uptime": uptime,
	}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to write liveness response: %w", err)
	}

	return nil
}

func (s *Server) handleReadiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), readinessProbeTimeout)
	defer cancel()

	return s.runHealthChecks(c, ctx, false)
}

func (s *Server) runHealthChecks(c echo.Context, ctx context.Context, startupOnly bool) error {
	for _, hc := range s.healthChecks {
		if startupOnly && !hc.Startup {
			continue
		}
		err := hc.Check(ctx)
		if err == nil {
			continue
		}

		checkErr := apperrors.ExternalError(err.Error(), err)
		slog.WarnContext(ctx, "Health check failed", "failed_check", hc.Name, "error_type", checkErr.Type, "error", err)

		response := healthResponse{Status: "unhealthy", FailedCheck: hc.Name}
		body := checkErr.ToResponse()
		response.ErrorResponse = &body
		if err := c.JSON(http.StatusServiceUnavailable, response); err != nil {
			return fmt.Errorf("failed to send JSON response: %w", err)
		}
		return nil
	}

	if err := c.JSON(http.StatusOK, healthResponse{Status: "ready"}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleVersion(c echo.Context) error {
	if err := c.JSON(http.StatusOK, version.Get()); err != nil {
		return fmt.Errorf("failed to write version response: %w", err)
	}
	return nil
}
