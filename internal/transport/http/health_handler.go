package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"stockpulse/internal/infrastructure"
	"stockpulse/pkg/contracts"
)

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	active  func() int
	ping    func(context.Context) error
	runtime *infrastructure.RuntimeCollector
	logger  *slog.Logger
}

// NewHealthHandler creates a new health handler. active reports running
// jobs and ping checks the durable store; either may be nil, as may runtime.
func NewHealthHandler(active func() int, ping func(context.Context) error, runtime *infrastructure.RuntimeCollector, logger *slog.Logger) *HealthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthHandler{
		active:  active,
		ping:    ping,
		runtime: runtime,
		logger:  logger.With(slog.String("handler", "health")),
	}
}

// HealthResponse is the body of GET /healthz
type HealthResponse struct {
	Status     string                       `json:"status"`
	Version    string                       `json:"version"`
	ActiveJobs int                          `json:"active_jobs"`
	Store      string                       `json:"store,omitempty"`
	Runtime    *infrastructure.RuntimeStats `json:"runtime,omitempty"`
}

// HealthCheck handles GET /healthz. An unreachable durable store makes the
// service degraded and answers 503.
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Version: contracts.Version}
	if h.active != nil {
		resp.ActiveJobs = h.active()
	}
	if h.ping != nil {
		resp.Store = "ok"
		if err := h.ping(r.Context()); err != nil {
			h.logger.WarnContext(r.Context(), "durable_store_unhealthy", slog.String("error", err.Error()))
			resp.Status = "degraded"
			resp.Store = "unavailable"
			render.Status(r, http.StatusServiceUnavailable)
		}
	}
	if h.runtime != nil {
		stats := h.runtime.Collect(r.Context())
		resp.Runtime = &stats
	}
	render.JSON(w, r, resp)
}
