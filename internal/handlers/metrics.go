package handlers

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mcpmux/mcpmux/internal/metrics"
)

// MetricsHandler serves GET /metrics from the process registry.
type MetricsHandler struct {
	metrics *metrics.Metrics
	enabled bool
}

// NewMetricsHandler creates the metrics handler; disabled instances
// register nothing.
func NewMetricsHandler(m *metrics.Metrics, enabled bool) *MetricsHandler {
	return &MetricsHandler{metrics: m, enabled: enabled}
}

// Register mounts GET /metrics when enabled.
func (h *MetricsHandler) Register(e *echo.Echo) {
	if !h.enabled || h.metrics == nil {
		return
	}
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(
		h.metrics.Registry,
		promhttp.HandlerOpts{},
	)))
}
