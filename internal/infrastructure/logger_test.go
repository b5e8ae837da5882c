package infrastructure

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"stockpulse/internal/config"
)

func decodeLines(t *testing.T, raw []byte) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry), line)
		out = append(out, entry)
	}
	return out
}

func TestInitializeLoggerToFile(t *testing.T) {
	ResetLoggerForTesting()
	defer ResetLoggerForTesting()

	logFile := filepath.Join(t.TempDir(), "logs", "test.log")
	logger, err := InitializeLogger(config.LoggingConfig{
		Level:    "info",
		Format:   "json",
		Output:   "file",
		FilePath: logFile,
	})
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.Same(t, logger, GetLogger())

	logger.Info("job_start", "job_id", "j-1")
	require.NoError(t, CloseLogFile())

	content, err := os.ReadFile(logFile)
	require.NoError(t, err)
	entries := decodeLines(t, content)
	require.Len(t, entries, 1)
	assert.Equal(t, "job_start", entries[0]["msg"])
	assert.Equal(t, "j-1", entries[0]["job_id"])
	assert.Equal(t, "INFO", entries[0]["level"])
	assert.Equal(t, "stockpulse", entries[0]["service"])
}

func TestInitializeLoggerFileNeedsPath(t *testing.T) {
	ResetLoggerForTesting()
	defer ResetLoggerForTesting()

	_, err := InitializeLogger(config.LoggingConfig{Output: "file"})
	assert.ErrorContains(t, err, "file_path")
}

func TestInitializeLoggerOnce(t *testing.T) {
	ResetLoggerForTesting()
	defer ResetLoggerForTesting()

	first, err := InitializeLogger(config.LoggingConfig{Level: "info", Output: "stdout"})
	require.NoError(t, err)
	second, err := InitializeLogger(config.LoggingConfig{Level: "debug", Output: "stderr"})
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestTraceIDInjection(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "debug")

	ctx := WithTraceID(context.Background(), "trace-123")
	logger.InfoContext(ctx, "stage_start", "stage", "analyze")
	logger.With("component", "executor").InfoContext(ctx, "stage_complete")
	logger.InfoContext(context.Background(), "no_trace")

	entries := decodeLines(t, buf.Bytes())
	require.Len(t, entries, 3)
	assert.Equal(t, "trace-123", entries[0]["trace_id"])
	assert.Equal(t, "trace-123", entries[1]["trace_id"])
	assert.Equal(t, "executor", entries[1]["component"])
	assert.NotContains(t, entries[2], "trace_id")
}

func TestSpanTraceIDInjection(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "info")

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: trace.TraceID{0x4b, 0xf9, 0x2f, 0x35, 0x77, 0xb3, 0x4d, 0xa6, 0xa3, 0xce, 0x92, 0x9d, 0x0e, 0x0e, 0x47, 0x36},
		SpanID:  trace.SpanID{0x00, 0xf0, 0x67, 0xaa, 0x0b, 0xa9, 0x02, 0xb7},
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	logger.InfoContext(ctx, "stage_start")
	logger.InfoContext(WithTraceID(ctx, "req-7"), "stage_complete")

	entries := decodeLines(t, buf.Bytes())
	require.Len(t, entries, 2)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", entries[0]["trace_id"])
	assert.Equal(t, "req-7", entries[1]["trace_id"])
}

func TestLogLevels(t *testing.T) {
	tests := []struct {
		level string
		want  int
	}{
		{"debug", 4},
		{"info", 3},
		{"warn", 2},
		{"warning", 2},
		{"error", 1},
		{"bogus", 3},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(&buf, tt.level)
			logger.Debug("d")
			logger.Info("i")
			logger.Warn("w")
			logger.Error("e")
			assert.Len(t, decodeLines(t, buf.Bytes()), tt.want)
		})
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := EnsureTraceID(context.Background())
	id := GetTraceID(ctx)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, GetTraceID(EnsureTraceID(ctx)))

	parent, cancel := context.WithCancel(ctx)
	detached := DetachedContext(parent)
	cancel()
	assert.Error(t, parent.Err())
	assert.NoError(t, detached.Err())
	assert.Equal(t, id, GetTraceID(detached))

	assert.Empty(t, GetTraceID(context.Background()))
	assert.NotEqual(t, GenerateTraceID(), GenerateTraceID())
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	WithComponent(NewLogger(&buf, "info"), "store").Info("read_undetermined")

	entries := decodeLines(t, buf.Bytes())
	require.Len(t, entries, 1)
	assert.Equal(t, "store", entries[0]["component"])

	assert.NotNil(t, WithComponent(nil, "x"))
}
