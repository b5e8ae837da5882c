package middleware

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	apierrors "stockpulse/internal/errors"
	"stockpulse/internal/infrastructure"
)

type requestIDKey struct{}

// RequestIDHeader carries the request ID in both directions
const RequestIDHeader = "X-Request-ID"

// RequestID middleware assigns each request an ID, reusing the caller's
// X-Request-ID when present. The ID doubles as the trace_id for logging
// unless an OpenTelemetry span is already active. It should be the FIRST
// middleware in the chain.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, requestID)

		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		ctx = infrastructure.WithTraceID(ctx, requestID)
		if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
			ctx = infrastructure.WithTraceID(ctx, span.SpanContext().TraceID().String())
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID retrieves the request ID from context, falling back to the trace ID
func GetRequestID(ctx context.Context) string {
	if reqID, ok := ctx.Value(requestIDKey{}).(string); ok {
		return reqID
	}
	return infrastructure.GetTraceID(ctx)
}

// StructuredLogger logs one line per request with slog. It should come
// AFTER RequestID and RealIP. Long-lived WebSocket requests are logged when
// they end like any other.
func StructuredLogger(logger *slog.Logger) func(next http.Handler) http.Handler {
	logger = logger.With(slog.String("component", "http"))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			level := slog.LevelInfo
			switch {
			case status >= 500:
				level = slog.LevelError
			case status >= 400:
				level = slog.LevelWarn
			}

			logger.LogAttrs(r.Context(), level, "http_request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("request_id", GetRequestID(r.Context())),
			)
		})
	}
}

// DefaultRateLimitClients bounds how many client limiters are remembered
const DefaultRateLimitClients = 4096

// RateLimiter limits requests per client IP. Each client gets its own token
// bucket; the least recently seen clients are forgotten once the table is full.
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	clients *lru.Cache
	logger  *slog.Logger
}

// NewRateLimiter creates a per-client rate limiter
func NewRateLimiter(rps float64, burst int, logger *slog.Logger) (*RateLimiter, error) {
	clients, err := lru.New(DefaultRateLimitClients)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		clients: clients,
		logger:  logger.With(slog.String("component", "rate_limiter")),
	}, nil
}

func (rl *RateLimiter) limiterFor(client string) *rate.Limiter {
	if v, ok := rl.clients.Get(client); ok {
		return v.(*rate.Limiter)
	}
	l := rate.NewLimiter(rl.limit, rl.burst)
	// a concurrent first request may have added one already
	if prev, ok, _ := rl.clients.PeekOrAdd(client, l); ok {
		return prev.(*rate.Limiter)
	}
	return l
}

// Handler implements rate limiting middleware
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := clientIP(r)
		limiter := rl.limiterFor(client)

		if !limiter.Allow() {
			rl.logger.WarnContext(r.Context(), "rate_limit_exceeded",
				slog.String("client", client),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)
			retry := time.Duration(float64(time.Second) / float64(rl.limit))
			w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())+1))
			apierrors.WriteError(w, apierrors.ErrRateLimitExceeded)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	AllowCredentials bool
	MaxAge           int
	Logger           *slog.Logger
}

// CORS middleware with logging
func CORS(config CORSConfig) func(next http.Handler) http.Handler {
	if len(config.AllowedMethods) == 0 {
		config.AllowedMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	}
	if len(config.AllowedHeaders) == 0 {
		config.AllowedHeaders = []string{"Accept", "Content-Type", RequestIDHeader}
	}
	if config.MaxAge == 0 {
		config.MaxAge = 300
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := len(config.AllowedOrigins) == 0
			for _, allowedOrigin := range config.AllowedOrigins {
				if allowedOrigin == "*" || strings.EqualFold(allowedOrigin, origin) {
					allowed = true
					break
				}
			}

			if allowed && origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}

			w.Header().Set("Access-Control-Allow-Methods", strings.Join(config.AllowedMethods, ", "))
			w.Header().Set("Access-Control-Allow-Headers", strings.Join(config.AllowedHeaders, ", "))
			if len(config.ExposedHeaders) > 0 {
				w.Header().Set("Access-Control-Expose-Headers", strings.Join(config.ExposedHeaders, ", "))
			}
			if config.AllowCredentials {
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}
			w.Header().Set("Access-Control-Max-Age", strconv.Itoa(config.MaxAge))

			if r.Method == http.MethodOptions {
				if config.Logger != nil {
					config.Logger.DebugContext(r.Context(), "cors_preflight",
						slog.String("origin", origin),
						slog.Bool("allowed", allowed),
					)
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeaders adds security-related headers
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// RealIP extracts the real client IP using Chi's implementation
func RealIP(next http.Handler) http.Handler {
	return middleware.RealIP(next)
}
