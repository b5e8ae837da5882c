package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.28.0"
	"go.opentelemetry.io/otel/trace"

	"stockpulse/internal/infrastructure"
)

// OTelMiddleware provides OpenTelemetry instrumentation for HTTP requests
type OTelMiddleware struct {
	tracer  trace.Tracer
	metrics *infrastructure.BusinessMetrics
}

// NewOTelMiddleware creates a new OpenTelemetry middleware. metrics may be
// shared with the rest of the application.
func NewOTelMiddleware(providers *infrastructure.OTelProviders, metrics *infrastructure.BusinessMetrics) (*OTelMiddleware, error) {
	if metrics == nil {
		var err error
		if metrics, err = infrastructure.CreateBusinessMetrics(providers.Meter); err != nil {
			return nil, fmt.Errorf("failed to create business metrics: %w", err)
		}
	}
	return &OTelMiddleware{
		tracer:  providers.Tracer,
		metrics: metrics,
	}, nil
}

// Handler returns the middleware handler function
func (m *OTelMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		ctx, span := m.tracer.Start(ctx, fmt.Sprintf("%s %s", r.Method, r.URL.Path),
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
				semconv.UserAgentOriginalKey.String(r.UserAgent()),
				semconv.ClientAddressKey.String(r.RemoteAddr),
			),
		)
		defer span.End()

		if span.SpanContext().IsValid() {
			ctx = infrastructure.WithTraceID(ctx, span.SpanContext().TraceID().String())
		}
		r = r.WithContext(ctx)

		// chi's wrapper keeps http.Hijacker for WebSocket upgrades
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		duration := time.Since(start)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := getRoutePattern(r)

		attrs := metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.String("route", route),
			attribute.Int("status_code", status),
		)
		m.metrics.HTTPRequestsTotal.Add(ctx, 1, attrs)
		m.metrics.HTTPRequestDuration.Record(ctx, duration.Seconds(), attrs)

		span.SetName(fmt.Sprintf("%s %s", r.Method, route))
		span.SetAttributes(
			semconv.HTTPRouteKey.String(route),
			semconv.HTTPResponseStatusCodeKey.Int(status),
			semconv.HTTPResponseBodySizeKey.Int(ww.BytesWritten()),
		)
		if status >= 500 {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	})
}

// getRoutePattern extracts the route pattern from request context so
// metrics are not labelled by job ID
func getRoutePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return r.URL.Path
}
