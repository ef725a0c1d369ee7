package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pscheid92/stationrelay/internal/domain"
	"github.com/shopspring/decimal"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"4000"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	UpstreamHost        string        `env:"UPSTREAM_HOST" default:"127.0.0.1"`
	UpstreamPort        int           `env:"UPSTREAM_PORT" default:"5000"`
	UpstreamDialTimeout time.Duration `env:"UPSTREAM_DIAL_TIMEOUT" default:"5s"`
	UpstreamReadTimeout time.Duration `env:"UPSTREAM_READ_TIMEOUT" default:"0s"`

	ReconnectBaseDelay   time.Duration `env:"RECONNECT_BASE_DELAY" default:"2s"`
	ReconnectMaxDelay    time.Duration `env:"RECONNECT_MAX_DELAY" default:"30s"`
	ReconnectMaxAttempts int           `env:"RECONNECT_MAX_ATTEMPTS" default:"0"` // 0 = forever

	QuoteRepair    bool `env:"QUOTE_REPAIR" default:"true"`
	MaxRecordBytes int  `env:"MAX_RECORD_BYTES" default:"1048576"`

	StationName        string `env:"STATION_NAME" default:"Estación Local"`
	InitialPrice93     string `env:"INITIAL_PRICE_93" default:"1290"`
	InitialPrice95     string `env:"INITIAL_PRICE_95" default:"1350"`
	InitialPrice97     string `env:"INITIAL_PRICE_97" default:"1400"`
	InitialPriceDiesel string `env:"INITIAL_PRICE_DIESEL" default:"1120"`

	AllowedOrigins          []string `env:"ALLOWED_ORIGINS" default:"http://localhost:3000,http://localhost:3001"`
	MaxWebSocketConnections int      `env:"MAX_WEBSOCKET_CONNECTIONS" default:"10000"`
	ClientRateLimit         float64  `env:"CLIENT_RATE_LIMIT" default:"5"` // requests/s per IP on /ws and /api, 0 = off
	ClientRateBurst         int      `env:"CLIENT_RATE_BURST" default:"20"`

	RedisURL     string `env:"REDIS_URL"`
	RedisChannel string `env:"REDIS_CHANNEL" default:"stationrelay:deltas"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, &env.Options{SliceSep: ","}); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// UpstreamAddr is the host:port the ingest client dials.
func (c *Config) UpstreamAddr() string {
	return net.JoinHostPort(c.UpstreamHost, strconv.Itoa(c.UpstreamPort))
}

// InitialPrices is the price set the store starts with.
func (c *Config) InitialPrices() (domain.PriceSet, error) {
	var prices domain.PriceSet
	for name, field := range map[string]struct {
		raw string
		dst *decimal.Decimal
	}{
		"INITIAL_PRICE_93":     {c.InitialPrice93, &prices.Gasoline93},
		"INITIAL_PRICE_95":     {c.InitialPrice95, &prices.Gasoline95},
		"INITIAL_PRICE_97":     {c.InitialPrice97, &prices.Gasoline97},
		"INITIAL_PRICE_DIESEL": {c.InitialPriceDiesel, &prices.Diesel},
	} {
		d, err := decimal.NewFromString(field.raw)
		if err != nil {
			return domain.PriceSet{}, fmt.Errorf("%s must be a decimal number: %w", name, err)
		}
		*field.dst = d
	}
	return prices, nil
}

// MirrorEnabled reports whether deltas are mirrored to Redis.
func (c *Config) MirrorEnabled() bool {
	return c.RedisURL != ""
}

func validate(cfg *Config) error {
	if cfg.UpstreamHost == "" {
		return errors.New("UPSTREAM_HOST is required")
	}
	if cfg.UpstreamPort < 1 || cfg.UpstreamPort > 65535 {
		return fmt.Errorf("UPSTREAM_PORT must be between 1 and 65535, got %d", cfg.UpstreamPort)
	}
	if cfg.ReconnectBaseDelay <= 0 {
		return errors.New("RECONNECT_BASE_DELAY must be positive")
	}
	if cfg.ReconnectMaxDelay < cfg.ReconnectBaseDelay {
		return errors.New("RECONNECT_MAX_DELAY must not be smaller than RECONNECT_BASE_DELAY")
	}
	if cfg.ReconnectMaxAttempts < 0 {
		return errors.New("RECONNECT_MAX_ATTEMPTS must not be negative")
	}
	if cfg.UpstreamReadTimeout < 0 {
		return errors.New("UPSTREAM_READ_TIMEOUT must not be negative")
	}
	if cfg.MaxRecordBytes <= 0 {
		return errors.New("MAX_RECORD_BYTES must be positive")
	}
	if cfg.MaxWebSocketConnections <= 0 {
		return errors.New("MAX_WEBSOCKET_CONNECTIONS must be positive")
	}
	if cfg.ClientRateLimit < 0 {
		return errors.New("CLIENT_RATE_LIMIT must not be negative")
	}
	if cfg.ClientRateLimit > 0 && cfg.ClientRateBurst <= 0 {
		return errors.New("CLIENT_RATE_BURST must be positive when CLIENT_RATE_LIMIT is set")
	}
	if _, err := cfg.InitialPrices(); err != nil {
		return err
	}
	if cfg.RedisURL != "" {
		if _, err := url.Parse(cfg.RedisURL); err != nil {
			return fmt.Errorf("REDIS_URL is invalid: %w", err)
		}
		if cfg.RedisChannel == "" {
			return errors.New("REDIS_CHANNEL is required when REDIS_URL is set")
		}
	}
	return nil
}
