package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInstrumentedEcho(t *testing.T) (*echo.Echo, *HTTPMetrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := NewHTTPMetrics(reg)

	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/api/snapshot", func(c echo.Context) error { return c.String(http.StatusOK, "{}") })
	e.GET("/health/live", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(Handler(reg)))
	return e, m, reg
}

func TestMiddleware_RecordsRequests(t *testing.T) {
	e, m, _ := newInstrumentedEcho(t)

	for range 2 {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/snapshot", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/api/snapshot", "200")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.InFlightGauge))
}

func TestMiddleware_SkipsHealthAndMetrics(t *testing.T) {
	e, m, _ := newInstrumentedEcho(t)

	for _, path := range []string{"/health/live", "/metrics"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	assert.Equal(t, 0, testutil.CollectAndCount(m.RequestsTotal))
}

func TestHandler_ServesRegisteredMetrics(t *testing.T) {
	e, _, _ := newInstrumentedEcho(t)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/snapshot", nil))

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "stationrelay_http_requests_total"))
}
