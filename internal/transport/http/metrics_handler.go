package http

import (
	"net/http"

	apierrors "stockpulse/internal/errors"
)

// MetricsHandler serves the Prometheus scrape endpoint
type MetricsHandler struct {
	prom   http.Handler
	errors *apierrors.ErrorHandler
}

// NewMetricsHandler wraps the exporter's handler; prom is nil when metrics
// are disabled.
func NewMetricsHandler(prom http.Handler, errorHandler *apierrors.ErrorHandler) *MetricsHandler {
	return &MetricsHandler{prom: prom, errors: errorHandler}
}

// ServeHTTP handles GET /metrics
func (h *MetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.prom == nil {
		h.errors.HandleError(w, r, apierrors.ErrMetricsDisabled)
		return
	}
	h.prom.ServeHTTP(w, r)
}
