// Package httpserver is the relay's HTTP surface: the subscriber WebSocket,
// a read-only snapshot endpoint, health probes and metrics.
package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	adaptermetrics "github.com/pscheid92/stationrelay/internal/adapter/metrics"
	wsorigin "github.com/pscheid92/stationrelay/internal/adapter/websocket"
	"github.com/pscheid92/stationrelay/internal/broadcast"
	"github.com/pscheid92/stationrelay/internal/domain"
	"github.com/pscheid92/stationrelay/internal/platform/config"
	"golang.org/x/sync/singleflight"
)

// Subscribers is the registry WebSocket connections are handed to.
type Subscribers interface {
	Register(conn broadcast.Conn) error
	Unregister(conn broadcast.Conn)
}

type Deps struct {
	Snapshots    domain.SnapshotSource
	Subscribers  Subscribers
	HealthChecks []HealthCheck
	HTTPMetrics  *adaptermetrics.HTTPMetrics
	Gatherer     prometheus.Gatherer
}

type Server struct {
	echo   *echo.Echo
	config *config.Config

	snapshots    domain.SnapshotSource
	subscribers  Subscribers
	upgrader     websocket.Upgrader
	healthChecks []HealthCheck
	httpMetrics  *adaptermetrics.HTTPMetrics
	gatherer     prometheus.Gatherer
	startTime    time.Time

	snapshotGroup singleflight.Group
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	srv := &Server{
		echo:         e,
		config:       cfg,
		snapshots:    deps.Snapshots,
		subscribers:  deps.Subscribers,
		healthChecks: deps.HealthChecks,
		httpMetrics:  deps.HTTPMetrics,
		gatherer:     gatherer,
		startTime:    time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     wsorigin.NewCheckOrigin(cfg.AllowedOrigins, cfg.AppEnv == "development"),
		},
	}

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
