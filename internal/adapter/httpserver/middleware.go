package httpserver

import (
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/stationrelay/internal/platform/correlation"
)

const correlationHeader = "X-Correlation-ID"

// correlationMiddleware tags every request with an ID, reusing the caller's
// X-Correlation-ID when present.
func correlationMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Request().Header.Get(correlationHeader)
		if id == "" || len(id) > 64 {
			id = correlation.NewID()
		}
		ctx := correlation.WithID(c.Request().Context(), id)
		c.SetRequest(c.Request().WithContext(ctx))
		c.Response().Header().Set(correlationHeader, id)
		return next(c)
	}
}
