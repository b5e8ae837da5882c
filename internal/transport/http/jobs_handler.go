package http

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apierrors "stockpulse/internal/errors"
	"stockpulse/internal/exporter"
	"stockpulse/internal/middleware"
	"stockpulse/internal/operations"
	"stockpulse/internal/websocket"
	"stockpulse/pkg/contracts/domain"
)

// Content types of generated reports
const (
	xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	csvContentType  = "text/csv; charset=utf-8"
)

// JobService is the job API the handlers drive. *operations.Supervisor
// satisfies it.
type JobService interface {
	Start(ctx context.Context, input domain.JobInput) (*operations.StartResult, error)
	Cancel(ctx context.Context, jobID string) error
	GetSnapshot(ctx context.Context, jobID string) (*domain.ProgressSnapshot, error)
	FetchResult(ctx context.Context, jobID string) (*domain.ProgressSnapshot, error)
	Delete(ctx context.Context, jobID string) error
}

// JobsHandler handles the job lifecycle endpoints
type JobsHandler struct {
	service   JobService
	watcher   *websocket.Watcher
	upgrader  *websocket.Upgrader
	validator *middleware.ValidationMiddleware
	errors    *apierrors.ErrorHandler
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewJobsHandler creates a jobs handler. watcher and upgrader may be nil,
// in which case the watch endpoint answers 503.
func NewJobsHandler(
	service JobService,
	watcher *websocket.Watcher,
	upgrader *websocket.Upgrader,
	validator *middleware.ValidationMiddleware,
	errorHandler *apierrors.ErrorHandler,
	logger *slog.Logger,
) *JobsHandler {
	if service == nil {
		panic("service cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &JobsHandler{
		service:   service,
		watcher:   watcher,
		upgrader:  upgrader,
		validator: validator,
		errors:    errorHandler,
		logger:    logger.With(slog.String("handler", "jobs")),
		tracer:    otel.Tracer("jobs-handler"),
	}
}

// Routes mounts under /api/jobs
func (h *JobsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.StartJob)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.GetJob)
		r.Delete("/", h.DeleteJob)
		r.Post("/cancel", h.CancelJob)
		r.Get("/result", h.GetResult)
		r.Get("/report.xlsx", h.GetReport)
		r.Get("/report.csv", h.GetReport)
		r.Get("/watch", h.WatchJob)
	})
	return r
}

// StartResponse is returned by POST /api/jobs
type StartResponse struct {
	JobID  string            `json:"job_id"`
	Status domain.JobStatus  `json:"status"`
	Links  map[string]string `json:"links"`
}

// Render implements render.Renderer
func (s *StartResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, http.StatusAccepted)
	return nil
}

// CancelResponse acknowledges a cancel request; the job reaches cancelled
// asynchronously.
type CancelResponse struct {
	JobID   string `json:"job_id"`
	Message string `json:"message"`
}

func (h *JobsHandler) startSpan(r *http.Request, name, jobID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("http.method", r.Method),
		attribute.String("component", "jobs_handler"),
	}
	if jobID != "" {
		attrs = append(attrs, attribute.String("job.id", jobID))
	}
	return h.tracer.Start(r.Context(), "jobs_handler."+name, trace.WithAttributes(attrs...))
}

func (h *JobsHandler) fail(w http.ResponseWriter, r *http.Request, span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	h.errors.HandleError(w, r, err)
}

// StartJob handles POST /api/jobs
func (h *JobsHandler) StartJob(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "start", "")
	defer span.End()
	r = r.WithContext(ctx)

	var input domain.JobInput
	if err := render.DecodeJSON(r.Body, &input); err != nil {
		h.fail(w, r, span, apierrors.InvalidRequestWithError(err))
		return
	}
	if h.validator != nil {
		if err := h.validator.ValidateStruct(input); err != nil {
			h.fail(w, r, span, err)
			return
		}
	}

	res, err := h.service.Start(ctx, input)
	if err != nil {
		h.fail(w, r, span, err)
		return
	}
	span.SetAttributes(attribute.String("job.id", res.JobID))

	h.logger.InfoContext(ctx, "job_start_requested",
		slog.String("job_id", res.JobID),
		slog.String("subject_id", input.SubjectID),
		slog.String("category", input.Category))

	base := "/api/jobs/" + res.JobID
	w.Header().Set("Location", base)
	_ = render.Render(w, r, &StartResponse{
		JobID:  res.JobID,
		Status: res.Status,
		Links: map[string]string{
			"self":   base,
			"cancel": base + "/cancel",
			"result": base + "/result",
			"watch":  base + "/watch",
		},
	})
}

// GetJob handles GET /api/jobs/{id}
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	ctx, span := h.startSpan(r, "get", jobID)
	defer span.End()
	r = r.WithContext(ctx)

	snap, err := h.service.GetSnapshot(ctx, jobID)
	if err != nil {
		h.fail(w, r, span, err)
		return
	}
	render.JSON(w, r, snap)
}

// CancelJob handles POST /api/jobs/{id}/cancel
func (h *JobsHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	ctx, span := h.startSpan(r, "cancel", jobID)
	defer span.End()
	r = r.WithContext(ctx)

	if err := h.service.Cancel(ctx, jobID); err != nil {
		h.fail(w, r, span, err)
		return
	}

	h.logger.InfoContext(ctx, "job_cancel_requested", slog.String("job_id", jobID))
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, CancelResponse{JobID: jobID, Message: "cancellation requested"})
}

// GetResult handles GET /api/jobs/{id}/result
func (h *JobsHandler) GetResult(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	ctx, span := h.startSpan(r, "result", jobID)
	defer span.End()
	r = r.WithContext(ctx)

	snap, err := h.service.FetchResult(ctx, jobID)
	if err != nil {
		h.fail(w, r, span, err)
		return
	}
	render.JSON(w, r, snap)
}

// GetReport handles GET /api/jobs/{id}/report.xlsx and report.csv. The
// format follows the requested extension.
func (h *JobsHandler) GetReport(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	ctx, span := h.startSpan(r, "report", jobID)
	defer span.End()
	r = r.WithContext(ctx)

	snap, err := h.service.FetchResult(ctx, jobID)
	if err != nil {
		h.fail(w, r, span, err)
		return
	}

	var (
		buf         bytes.Buffer
		contentType = xlsxContentType
		ext         = ".xlsx"
	)
	if strings.HasSuffix(r.URL.Path, ".csv") {
		contentType, ext = csvContentType, ".csv"
		err = exporter.WriteCSV(&buf, snap, exporter.CSVOptions{BOMPrefix: true})
	} else {
		err = exporter.WriteXLSX(&buf, snap)
	}
	if err != nil {
		h.logger.ErrorContext(ctx, "report_failed",
			slog.String("job_id", jobID),
			slog.String("format", ext),
			slog.String("error", err.Error()))
		h.fail(w, r, span, apierrors.ErrReportFailed)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", jobID+ext))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// DeleteJob handles DELETE /api/jobs/{id}
func (h *JobsHandler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	ctx, span := h.startSpan(r, "delete", jobID)
	defer span.End()
	r = r.WithContext(ctx)

	if err := h.service.Delete(ctx, jobID); err != nil {
		h.fail(w, r, span, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// WatchJob handles GET /api/jobs/{id}/watch. Unknown jobs are rejected
// before the upgrade so clients get a plain 404.
func (h *JobsHandler) WatchJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if h.watcher == nil || h.upgrader == nil {
		h.errors.HandleError(w, r, apierrors.ErrServiceUnavailable)
		return
	}

	if _, err := h.service.GetSnapshot(r.Context(), jobID); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r)
	if err != nil {
		// the upgrader has already replied
		h.logger.WarnContext(r.Context(), "watch_upgrade_failed",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()))
		return
	}

	_ = h.watcher.Serve(r.Context(), conn, jobID)
}
