package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"

	"github.com/go-chi/render"

	"stockpulse/internal/infrastructure"
	"stockpulse/internal/operations"
	"stockpulse/internal/store"
)

// Common error types following RFC 7807
const (
	TypeValidation      = "/errors/validation"
	TypeNotFound        = "/errors/not-found"
	TypeRateLimit       = "/errors/rate-limit"
	TypeInternal        = "/errors/internal"
	TypeServiceDown     = "/errors/service-unavailable"
	TypeTimeout         = "/errors/timeout"
	TypeConflict        = "/errors/conflict"
	TypePayloadTooLarge = "/errors/payload-too-large"
)

// Job error types
const (
	TypeJobNotFound      = "/errors/job/not-found"
	TypeJobNotComplete   = "/errors/job/not-complete"
	TypeJobFinished      = "/errors/job/finished"
	TypeStoreUnavailable = "/errors/job/state-undetermined"
	TypeShuttingDown     = "/errors/service/shutting-down"
)

// ErrorHandler provides centralized error handling
type ErrorHandler struct {
	logger       *slog.Logger
	includeStack bool
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(logger *slog.Logger, includeStack bool) *ErrorHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ErrorHandler{
		logger:       logger.With(slog.String("component", "error_handler")),
		includeStack: includeStack,
	}
}

// HandleError converts any error to RFC 7807 format and responds
func (h *ErrorHandler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		return
	}

	traceID := infrastructure.GetTraceID(r.Context())
	problem := h.ErrorToProblem(err, r)
	problem.WithExtension("trace_id", traceID)

	level := slog.LevelWarn
	if problem.Status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	h.logger.Log(r.Context(), level, "request_failed",
		slog.String("error", err.Error()),
		slog.Int("status", problem.Status),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
	)

	if h.includeStack && problem.Status >= http.StatusInternalServerError {
		problem.WithExtension("stack", getStackTrace())
	}

	_ = render.Render(w, r, problem)
}

// ErrorToProblem converts an error to RFC 7807 Problem Details
func (h *ErrorHandler) ErrorToProblem(err error, r *http.Request) *ProblemDetails {
	path := r.URL.Path

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return h.apiErrorToProblem(apiErr, r)
	}

	switch {
	case errors.Is(err, operations.ErrJobNotFound):
		return NewProblemDetails(http.StatusNotFound, TypeJobNotFound, "Job Not Found", err.Error(), path)
	case errors.Is(err, operations.ErrNotComplete):
		return NewProblemDetails(http.StatusConflict, TypeJobNotComplete, "Job Not Complete", err.Error(), path)
	case errors.Is(err, operations.ErrJobFinished):
		return NewProblemDetails(http.StatusConflict, TypeJobFinished, "Job Finished", err.Error(), path)
	case errors.Is(err, operations.ErrShuttingDown):
		return NewProblemDetails(http.StatusServiceUnavailable, TypeShuttingDown, "Shutting Down", err.Error(), path)
	case store.IsUnavailable(err):
		return NewProblemDetails(http.StatusServiceUnavailable, TypeStoreUnavailable, "State Undetermined",
			"The job state could not be determined; retry later", path)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return NewProblemDetails(http.StatusGatewayTimeout, TypeTimeout, "Request Timeout",
			"The request took too long to process and was cancelled", path)
	}

	switch operations.GetErrorType(err) {
	case operations.ErrorTypeValidation:
		var opErr *operations.OperationError
		detail := err.Error()
		if errors.As(err, &opErr) {
			detail = opErr.Message
		}
		return NewProblemDetails(http.StatusBadRequest, TypeValidation, "Validation Failed", detail, path)
	case operations.ErrorTypeNotFound:
		return NewProblemDetails(http.StatusNotFound, TypeNotFound, "Resource Not Found", err.Error(), path)
	case operations.ErrorTypeInvalidState:
		return NewProblemDetails(http.StatusConflict, TypeConflict, "Conflict", err.Error(), path)
	}

	return NewProblemDetails(http.StatusInternalServerError, TypeInternal, "Internal Server Error",
		"An unexpected error occurred while processing your request", path)
}

// apiErrorToProblem keeps the APIError's status and message and adds its
// code as the error_code extension
func (h *ErrorHandler) apiErrorToProblem(apiErr *APIError, r *http.Request) *ProblemDetails {
	problem := NewProblemDetails(
		apiErr.StatusCode,
		apiErr.problemType(),
		http.StatusText(apiErr.StatusCode),
		apiErr.Message,
		r.URL.Path,
	).WithExtension("error_code", apiErr.ErrorCode)

	if apiErr.Details != nil {
		problem.WithExtension("details", apiErr.Details)
	}
	return problem
}

// HandlePanic responds with a 500 problem after a recovered panic
func (h *ErrorHandler) HandlePanic(w http.ResponseWriter, r *http.Request, recovered interface{}) {
	traceID := infrastructure.GetTraceID(r.Context())

	h.logger.ErrorContext(r.Context(), "panic_recovered",
		slog.Any("panic", recovered),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("stack", getStackTrace()),
	)

	problem := NewProblemDetails(
		http.StatusInternalServerError,
		TypeInternal,
		"Internal Server Error",
		"An unexpected error occurred",
		r.URL.Path,
	).WithExtension("trace_id", traceID)

	if h.includeStack {
		problem.WithExtension("panic", fmt.Sprintf("%v", recovered))
	}

	_ = render.Render(w, r, problem)
}

// NotFound returns a standard 404 error
func (h *ErrorHandler) NotFound(w http.ResponseWriter, r *http.Request) {
	problem := NewProblemDetails(
		http.StatusNotFound,
		TypeNotFound,
		"Not Found",
		"The requested resource was not found",
		r.URL.Path,
	).WithExtension("trace_id", infrastructure.GetTraceID(r.Context()))

	_ = render.Render(w, r, problem)
}

// MethodNotAllowed returns a standard 405 error
func (h *ErrorHandler) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	problem := NewProblemDetails(
		http.StatusMethodNotAllowed,
		TypeInternal,
		"Method Not Allowed",
		fmt.Sprintf("Method %s is not allowed for this endpoint", r.Method),
		r.URL.Path,
	).WithExtension("trace_id", infrastructure.GetTraceID(r.Context()))

	_ = render.Render(w, r, problem)
}

func getStackTrace() string {
	buf := make([]byte, 1024*8)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}
