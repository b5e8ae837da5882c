package infrastructure

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"stockpulse/internal/config"
	"stockpulse/pkg/contracts"
)

var (
	globalLogger     *slog.Logger
	globalLoggerOnce sync.Once

	// logFile is the open file behind "file" and "both" output
	logFile   *os.File
	logFileMu sync.Mutex
)

type contextKey string

// TraceIDContextKey stores the request or job trace ID in a context
const TraceIDContextKey contextKey = "trace_id"

// InitializeLogger builds the process logger from cfg and makes it the
// slog default. Only the first call has an effect.
func InitializeLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	var err error
	globalLoggerOnce.Do(func() {
		var out io.Writer
		out, err = logOutput(cfg)
		if err != nil {
			return
		}
		opts := &slog.HandlerOptions{AddSource: cfg.AddSource, Level: parseLogLevel(cfg.Level)}
		globalLogger = slog.New(newTraceHandler(out, cfg.Format, opts)).
			With(slog.String("service", "stockpulse"), slog.String("version", contracts.Version))
		slog.SetDefault(globalLogger)
	})
	return globalLogger, err
}

// GetLogger returns the process logger, or the slog default before
// InitializeLogger has run
func GetLogger() *slog.Logger {
	if globalLogger == nil {
		return slog.Default()
	}
	return globalLogger
}

// NewLogger builds a standalone JSON logger writing to w. The CLI uses it
// for commands that do not start the service.
func NewLogger(w io.Writer, level string) *slog.Logger {
	return slog.New(newTraceHandler(w, "json", &slog.HandlerOptions{Level: parseLogLevel(level)}))
}

func logOutput(cfg config.LoggingConfig) (io.Writer, error) {
	switch strings.ToLower(cfg.Output) {
	case "file", "both":
		f, err := openLogFile(cfg.FilePath)
		if err != nil {
			return nil, err
		}
		logFileMu.Lock()
		logFile = f
		logFileMu.Unlock()
		if strings.EqualFold(cfg.Output, "both") {
			return io.MultiWriter(os.Stdout, f), nil
		}
		return f, nil
	case "stderr":
		return os.Stderr, nil
	default:
		return os.Stdout, nil
	}
}

// traceHandler adds trace_id to every record: the ID stored with
// WithTraceID when there is one, else the active OTel span's trace ID.
type traceHandler struct {
	slog.Handler
}

func newTraceHandler(w io.Writer, format string, opts *slog.HandlerOptions) *traceHandler {
	if strings.EqualFold(format, "text") {
		return &traceHandler{Handler: slog.NewTextHandler(w, opts)}
	}
	return &traceHandler{Handler: slog.NewJSONHandler(w, opts)}
}

func (h *traceHandler) Handle(ctx context.Context, r slog.Record) error {
	if traceID := GetTraceID(ctx); traceID != "" {
		r.AddAttrs(slog.String("trace_id", traceID))
	} else if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		r.AddAttrs(slog.String("trace_id", sc.TraceID().String()))
	}
	return h.Handler.Handle(ctx, r)
}

func (h *traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &traceHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *traceHandler) WithGroup(name string) slog.Handler {
	return &traceHandler{Handler: h.Handler.WithGroup(name)}
}

func parseLogLevel(level string) slog.Level {
	var l slog.Level
	if strings.EqualFold(level, "warning") {
		return slog.LevelWarn
	}
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// WithTraceID stores traceID in ctx
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDContextKey, traceID)
}

// GetTraceID returns the trace ID stored in ctx, or ""
func GetTraceID(ctx context.Context) string {
	traceID, _ := ctx.Value(TraceIDContextKey).(string)
	return traceID
}

// CloseLogFile closes the log file opened by InitializeLogger, if any
func CloseLogFile() error {
	logFileMu.Lock()
	defer logFileMu.Unlock()

	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	return err
}

// ResetLoggerForTesting lets a test call InitializeLogger again
func ResetLoggerForTesting() {
	_ = CloseLogFile()
	globalLogger = nil
	globalLoggerOnce = sync.Once{}
}

func openLogFile(path string) (*os.File, error) {
	if path == "" {
		return nil, fmt.Errorf("log output to file needs logging.file_path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	return f, nil
}
