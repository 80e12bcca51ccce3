package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"opencloud-proxy-go/internal/config"
	"opencloud-proxy-go/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance. Every path
// not claimed by the gateway's own endpoints is gateway traffic.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, gateway *GatewayHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	e.Any("/*", gateway.Handle)
	// Methods outside Echo's fixed set fall through to the path's not-found
	// route instead of a 405.
	e.RouteNotFound("/*", gateway.Handle)
}
