// Package websocket holds the browser-facing policy of the subscriber endpoint.
package websocket

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/pscheid92/stationrelay/internal/metrics"
)

// NewCheckOrigin returns a CheckOrigin function for the WebSocket upgrader.
// Empty origins (non-browser clients) and origins on the allow list pass. A "*"
// entry allows every origin. When isDevelopment is true, localhost origins on
// any port are additionally allowed.
func NewCheckOrigin(allowedOrigins []string, isDevelopment bool) func(r *http.Request) bool {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	allowAll := false
	for _, o := range allowedOrigins {
		o = strings.TrimSpace(o)
		if o == "*" {
			allowAll = true
			continue
		}
		if normalized := normalizeOrigin(o); normalized != "" {
			allowed[normalized] = struct{}{}
		}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")

		if origin == "" || allowAll {
			return true
		}

		if _, ok := allowed[normalizeOrigin(origin)]; ok {
			return true
		}

		if isDevelopment && isLocalhostOrigin(origin) {
			return true
		}

		metrics.WebSocketConnectionsTotal.WithLabelValues("origin_rejected").Inc()
		slog.Warn("WebSocket origin rejected", "origin", origin, "remote_addr", r.RemoteAddr)
		return false
	}
}

// normalizeOrigin reduces a URL to scheme://host[:port] in lower case.
func normalizeOrigin(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}

func isLocalhostOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
