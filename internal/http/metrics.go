package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/errwatch/internal/metrics"
)

// requestMetrics records each request against the route template it
// matched, so /api/v1/errors/:id stays a single series.
func requestMetrics() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			metrics.ObserveRequest(c.Request().Method, routeLabel(c.Path()), responseStatus(c, err), time.Since(start))
			return err
		}
	}
}

// responseStatus is the code the client receives. A handler error is
// written by echo after the middleware chain unwinds.
func responseStatus(c echo.Context, err error) int {
	if err == nil || c.Response().Committed {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}

func routeLabel(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}
