package server

import (
	"fmt"
	"net/http"

	"github.com/VictoriaMetrics/metrics"
	"github.com/labstack/echo/v4"
)

// NewAdmin builds the HTTP admin surface: a version document at /, a
// health check at /healthz, and Prometheus-format metrics at /metrics.
func NewAdmin(health func() error) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(count)

	e.GET("/", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"name":    "exchange",
			"version": "0.1",
		})
	})

	e.GET("/healthz", func(c echo.Context) error {
		if health != nil {
			if err := health(); err != nil {
				return c.String(http.StatusServiceUnavailable, err.Error())
			}
		}
		return c.String(http.StatusOK, "ok")
	})

	e.GET("/metrics", func(c echo.Context) error {
		c.Response().Header().Set(echo.HeaderContentType, "text/plain; charset=utf-8")
		c.Response().WriteHeader(http.StatusOK)
		metrics.WritePrometheus(c.Response(), true)
		return nil
	})

	return e
}

func count(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		path := metrics.GetOrCreateCounter(fmt.Sprintf(`admin_requests_total{path=%q}`, c.Path()))
		path.Inc()
		return next(c)
	}
}
