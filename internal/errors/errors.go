package errors

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/render"
)

// Error codes carried in APIError.ErrorCode and in the error_code
// extension of problem responses.
const (
	CodeInvalidRequest       = "INVALID_REQUEST"
	CodeInvalidJSON          = "INVALID_JSON"
	CodeValidationFailed     = "VALIDATION_FAILED"
	CodeMissingContentType   = "MISSING_CONTENT_TYPE"
	CodeUnsupportedMediaType = "UNSUPPORTED_MEDIA_TYPE"
	CodePayloadTooLarge      = "PAYLOAD_TOO_LARGE"
	CodeRateLimitExceeded    = "RATE_LIMIT_EXCEEDED"
	CodeReportFailed         = "REPORT_FAILED"
	CodeMetricsDisabled      = "METRICS_DISABLED"
	CodeServiceUnavailable   = "SERVICE_UNAVAILABLE"
)

// codeTypes maps an error code to its problem type
var codeTypes = map[string]string{
	CodeInvalidRequest:       TypeValidation,
	CodeInvalidJSON:          TypeValidation,
	CodeValidationFailed:     TypeValidation,
	CodeMissingContentType:   TypeValidation,
	CodeUnsupportedMediaType: TypeValidation,
	CodePayloadTooLarge:      TypePayloadTooLarge,
	CodeRateLimitExceeded:    TypeRateLimit,
	CodeMetricsDisabled:      TypeServiceDown,
	CodeServiceUnavailable:   TypeServiceDown,
}

// APIError is an error raised by the HTTP layer itself, before a request
// reaches the supervisor
type APIError struct {
	StatusCode int         `json:"status_code"`
	ErrorCode  string      `json:"error_code"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return e.Message
}

// Render implements render.Renderer
func (e *APIError) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.StatusCode)
	return nil
}

// problemType returns the RFC 7807 type for the error code
func (e *APIError) problemType() string {
	if t, ok := codeTypes[e.ErrorCode]; ok {
		return t
	}
	return TypeInternal
}

// FieldError describes one rejected input field
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors lists every rejected field of a request body
type ValidationErrors struct {
	Errors []FieldError `json:"errors"`
}

// New creates an APIError
func New(statusCode int, errorCode, message string) *APIError {
	return &APIError{StatusCode: statusCode, ErrorCode: errorCode, Message: message}
}

// NewWithDetails creates an APIError carrying extra detail for the client
func NewWithDetails(statusCode int, errorCode, message string, details interface{}) *APIError {
	return &APIError{StatusCode: statusCode, ErrorCode: errorCode, Message: message, Details: details}
}

var (
	ErrPayloadTooLarge    = New(http.StatusRequestEntityTooLarge, CodePayloadTooLarge, "Request body exceeds maximum allowed size")
	ErrRateLimitExceeded  = New(http.StatusTooManyRequests, CodeRateLimitExceeded, "Rate limit exceeded")
	ErrReportFailed       = New(http.StatusInternalServerError, CodeReportFailed, "Report generation failed")
	ErrMetricsDisabled    = New(http.StatusServiceUnavailable, CodeMetricsDisabled, "Metrics export is disabled")
	ErrServiceUnavailable = New(http.StatusServiceUnavailable, CodeServiceUnavailable, "Service temporarily unavailable")
)

// InvalidRequestWithError reports a body that could not be read or decoded
func InvalidRequestWithError(err error) *APIError {
	return NewWithDetails(http.StatusBadRequest, CodeInvalidRequest, "Invalid request format", err.Error())
}

// ErrValidation rejects a single field
func ErrValidation(field, message string) *APIError {
	return NewWithDetails(http.StatusBadRequest, CodeValidationFailed, "Request validation failed",
		FieldError{Field: field, Message: message})
}

// NewValidationErrors rejects several fields at once
func NewValidationErrors(fields []FieldError) *APIError {
	return NewWithDetails(http.StatusBadRequest, CodeValidationFailed, "Request validation failed",
		ValidationErrors{Errors: fields})
}

// ErrorResponse is the envelope used where a problem response is not
// available, such as the rate limiter in front of the router
type ErrorResponse struct {
	Success bool      `json:"success"`
	Error   *APIError `json:"error"`
}

// WriteError writes err as an ErrorResponse without going through render
func WriteError(w http.ResponseWriter, err *APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.StatusCode)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: err})
}
