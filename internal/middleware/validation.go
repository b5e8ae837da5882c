package middleware

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	apierrors "stockpulse/internal/errors"
)

// DefaultMaxBodySize caps request bodies accepted by ValidateRequest
const DefaultMaxBodySize = 1 << 20

// ValidationMiddleware checks request bodies before they reach a handler
// and validates decoded inputs against their struct tags.
type ValidationMiddleware struct {
	validator    *validator.Validate
	logger       *slog.Logger
	errorHandler *apierrors.ErrorHandler
	maxBodySize  int64
}

// NewValidationMiddleware creates a new validation middleware
func NewValidationMiddleware(logger *slog.Logger, errorHandler *apierrors.ErrorHandler) *ValidationMiddleware {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report fields by their JSON names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	return &ValidationMiddleware{
		validator:    v,
		logger:       logger.With(slog.String("component", "validation_middleware")),
		errorHandler: errorHandler,
		maxBodySize:  DefaultMaxBodySize,
	}
}

func bodiless(r *http.Request) bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodDelete:
		return true
	}
	return r.Body == nil || r.ContentLength == 0
}

// ValidateRequest buffers the body, rejecting it when it is too large or
// not well-formed JSON. Handlers downstream read the buffered copy.
func (m *ValidationMiddleware) ValidateRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if bodiless(r) {
			next.ServeHTTP(w, r)
			return
		}

		if r.ContentLength > m.maxBodySize {
			m.errorHandler.HandleError(w, r, apierrors.NewWithDetails(
				http.StatusRequestEntityTooLarge,
				apierrors.CodePayloadTooLarge,
				apierrors.ErrPayloadTooLarge.Message,
				map[string]int64{"max_size": m.maxBodySize, "size": r.ContentLength},
			))
			return
		}

		// ContentLength is -1 for chunked bodies, so the limit is enforced on read too
		body, err := io.ReadAll(io.LimitReader(r.Body, m.maxBodySize+1))
		if err != nil {
			m.logger.WarnContext(r.Context(), "request_body_read_failed", slog.String("error", err.Error()))
			m.errorHandler.HandleError(w, r, apierrors.InvalidRequestWithError(err))
			return
		}
		switch {
		case int64(len(body)) > m.maxBodySize:
			m.errorHandler.HandleError(w, r, apierrors.ErrPayloadTooLarge)
			return
		case len(body) > 0 && !json.Valid(body):
			m.errorHandler.HandleError(w, r, apierrors.New(http.StatusBadRequest, apierrors.CodeInvalidJSON, "Request body contains invalid JSON"))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		next.ServeHTTP(w, r)
	})
}

// ValidateStruct returns an APIError listing every failed field, or nil
func (m *ValidationMiddleware) ValidateStruct(v interface{}) error {
	err := m.validator.Struct(v)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return apierrors.InvalidRequestWithError(err)
	}

	fields := make([]apierrors.FieldError, len(verrs))
	for i, fe := range verrs {
		fields[i] = apierrors.FieldError{Field: fe.Field(), Message: describeFieldError(fe)}
	}
	return apierrors.NewValidationErrors(fields)
}

// ContentTypeValidator rejects request bodies whose Content-Type does not
// start with one of the allowed types. Requests without a body pass.
func ContentTypeValidator(allowed ...string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if bodiless(r) {
				next.ServeHTTP(w, r)
				return
			}

			contentType := r.Header.Get("Content-Type")
			for _, a := range allowed {
				if contentType != "" && strings.HasPrefix(contentType, a) {
					next.ServeHTTP(w, r)
					return
				}
			}

			apiErr := apierrors.NewWithDetails(
				http.StatusUnsupportedMediaType,
				apierrors.CodeUnsupportedMediaType,
				"Unsupported content type",
				map[string]interface{}{"content_type": contentType, "allowed": allowed},
			)
			if contentType == "" {
				apiErr = apierrors.New(http.StatusBadRequest, apierrors.CodeMissingContentType, "Content-Type header is required")
			}
			render.Status(r, apiErr.StatusCode)
			render.JSON(w, r, apiErr)
		})
	}
}

func describeFieldError(fe validator.FieldError) string {
	field, param := fe.Field(), fe.Param()

	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, param)
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, param)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(param, " ", ", "))
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

// QueryParamValidator parses and checks query parameters, answering with a
// 400 problem on the first bad one
type QueryParamValidator struct {
	logger       *slog.Logger
	errorHandler *apierrors.ErrorHandler
}

// NewQueryParamValidator creates a new query parameter validator
func NewQueryParamValidator(logger *slog.Logger, errorHandler *apierrors.ErrorHandler) *QueryParamValidator {
	return &QueryParamValidator{
		logger:       logger.With(slog.String("component", "query_validator")),
		errorHandler: errorHandler,
	}
}

// ValidateFloat parses an optional float query parameter. A missing
// parameter yields nil.
func (v *QueryParamValidator) ValidateFloat(w http.ResponseWriter, r *http.Request, param string) (*float64, bool) {
	raw := r.URL.Query().Get(param)
	if raw == "" {
		return nil, true
	}

	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		v.errorHandler.HandleError(w, r, apierrors.ErrValidation(param, param+" must be a number"))
		return nil, false
	}
	return &f, true
}

// ValidateEnum returns the parameter when it is one of allowed, or
// defaultValue when it is absent
func (v *QueryParamValidator) ValidateEnum(w http.ResponseWriter, r *http.Request, param string, allowed []string, defaultValue string) (string, bool) {
	raw := r.URL.Query().Get(param)
	if raw == "" {
		return defaultValue, true
	}
	for _, a := range allowed {
		if raw == a {
			return raw, true
		}
	}

	v.errorHandler.HandleError(w, r, apierrors.ErrValidation(param, fmt.Sprintf("%s must be one of: %s", param, strings.Join(allowed, ", "))))
	return "", false
}
