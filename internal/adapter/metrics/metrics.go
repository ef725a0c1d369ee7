// Package metrics exposes the Prometheus endpoint and the HTTP request metrics
// of the relay's HTTP surface.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stationrelay"

// Handler serves every metric known to gatherer, including the package-level
// promauto metrics when gatherer is prometheus.DefaultGatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
