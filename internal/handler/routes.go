package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tlu-gateway/internal/config"
	"tlu-gateway/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance. The local
// endpoints are the only paths not proxied.
func RegisterRoutes(e *echo.Echo, d *Dispatcher, health *HealthHandler, cfg *config.Config, m *metrics.Metrics) {
	e.GET("/healthz", health.Healthz)
	e.GET("/gateway/status", health.Status)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	e.Any("/*", d.Handle)
	// Any covers echo's fixed method list; other verbs land on the not-found
	// route, which the router prefers over its 405 reply.
	e.RouteNotFound("/*", d.Handle)
}
