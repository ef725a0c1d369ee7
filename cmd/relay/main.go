package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/stationrelay/internal/adapter/httpserver"
	adaptermetrics "github.com/pscheid92/stationrelay/internal/adapter/metrics"
	"github.com/pscheid92/stationrelay/internal/adapter/redis"
	"github.com/pscheid92/stationrelay/internal/broadcast"
	"github.com/pscheid92/stationrelay/internal/decoder"
	"github.com/pscheid92/stationrelay/internal/ingest"
	"github.com/pscheid92/stationrelay/internal/platform/config"
	"github.com/pscheid92/stationrelay/internal/platform/logging"
	"github.com/pscheid92/stationrelay/internal/platform/retry"
	"github.com/pscheid92/stationrelay/internal/platform/version"
	"github.com/pscheid92/stationrelay/internal/state"
	goredis "github.com/redis/go-redis/v9"
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupStore(cfg *config.Config) *state.Store {
	prices, err := cfg.InitialPrices()
	if err != nil {
		slog.Error("Invalid initial prices", "error", err)
		os.Exit(1)
	}
	return state.NewStore(prices, cfg.StationName)
}

func setupRedis(ctx context.Context, cfg *config.Config) *goredis.Client {
	client, err := redis.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func setupIngest(cfg *config.Config, store *state.Store, clock clockwork.Clock) *ingest.Client {
	return ingest.NewClient(ingest.Config{
		Addr:        cfg.UpstreamAddr(),
		DialTimeout: cfg.UpstreamDialTimeout,
		ReadTimeout: cfg.UpstreamReadTimeout,
		Backoff: retry.Linear{
			Base:        cfg.ReconnectBaseDelay,
			Max:         cfg.ReconnectMaxDelay,
			MaxAttempts: cfg.ReconnectMaxAttempts,
		},
		Decoder: []decoder.Option{
			decoder.WithQuoteRepair(cfg.QuoteRepair),
			decoder.WithMaxRecordSize(cfg.MaxRecordBytes),
		},
	}, store, ingest.WithClock(clock))
}

func upstreamCheck(client *ingest.Client) httpserver.HealthCheck {
	return httpserver.HealthCheck{
		Name: "upstream",
		Check: func(context.Context) error {
			if !client.Connected() {
				return fmt.Errorf("upstream %s", client.State())
			}
			return nil
		},
	}
}

func runIngest(ctx context.Context, client *ingest.Client) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := client.Run(ctx); err != nil {
			// Subscribers keep the last known state; readiness reports the outage.
			slog.Error("Ingest stopped", "error", err)
		}
	}()
	return done
}

func runGracefulShutdown(srv *httpserver.Server, stopIngest context.CancelFunc, ingestDone <-chan struct{}, broadcaster *broadcast.Broadcaster) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		stopIngest()
		select {
		case <-ingestDone:
		case <-shutdownCtx.Done():
			slog.Warn("Ingest did not stop in time")
		}

		broadcaster.Stop()

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	version.RecordMetric()
	slog.Info("Relay starting",
		"env", cfg.AppEnv,
		"port", cfg.Port,
		"upstream", cfg.UpstreamAddr(),
		"version", version.Version,
	)

	ctx, stopIngest := context.WithCancel(context.Background())
	defer stopIngest()

	store := setupStore(cfg)

	broadcaster := broadcast.NewBroadcaster(store, clock, cfg.MaxWebSocketConnections)
	store.AddPublisher(broadcaster)

	ingestClient := setupIngest(cfg, store, clock)
	healthChecks := []httpserver.HealthCheck{upstreamCheck(ingestClient)}

	if cfg.MirrorEnabled() {
		redisClient := setupRedis(ctx, cfg)
		defer func() { _ = redisClient.Close() }()

		mirror := redis.NewMirror(redisClient, redis.MirrorConfig{Channel: cfg.RedisChannel})
		store.AddPublisher(mirror)
		go mirror.Run(ctx)

		healthChecks = append(healthChecks, httpserver.HealthCheck{
			Name:    "redis",
			Check:   redis.PingCheck(redisClient),
			Startup: true,
		})
		slog.Info("Redis mirror enabled", "channel", cfg.RedisChannel)
	}

	srv := httpserver.NewServer(cfg, httpserver.Deps{
		Snapshots:    store,
		Subscribers:  broadcaster,
		HealthChecks: healthChecks,
		HTTPMetrics:  adaptermetrics.NewHTTPMetrics(prometheus.DefaultRegisterer),
		Gatherer:     prometheus.DefaultGatherer,
	})

	ingestDone := runIngest(ctx, ingestClient)
	done := runGracefulShutdown(srv, stopIngest, ingestDone, broadcaster)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
