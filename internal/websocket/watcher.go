package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"stockpulse/internal/config"
	"stockpulse/internal/infrastructure"
	"stockpulse/internal/operations"
	"stockpulse/internal/store"
	"stockpulse/pkg/contracts/events"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultWriteWait    = 10 * time.Second
	defaultPongWait     = 60 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 512
)

// Config tunes a watch stream
type Config struct {
	PollInterval time.Duration
	PingPeriod   time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
}

// ConfigFrom fills zero values with defaults. PingPeriod must be shorter
// than PongWait; it is forced to 9/10 of PongWait otherwise.
func ConfigFrom(cfg config.WebSocketConfig) Config {
	c := Config{
		PollInterval: cfg.PollInterval,
		PingPeriod:   cfg.PingPeriod,
		PongWait:     cfg.PongWait,
		WriteWait:    cfg.WriteWait,
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.PongWait <= 0 {
		c.PongWait = defaultPongWait
	}
	if c.WriteWait <= 0 {
		c.WriteWait = defaultWriteWait
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = (c.PongWait * 9) / 10
	}
	return c
}

// Watcher streams a job's progress to WebSocket peers. Each stream polls
// the SnapshotReader and pushes a frame whenever the snapshot changes,
// ending after the first terminal snapshot.
type Watcher struct {
	reader  SnapshotReader
	cfg     Config
	logger  *slog.Logger
	metrics *infrastructure.BusinessMetrics

	done     chan struct{}
	doneOnce sync.Once
}

// NewWatcher creates a watcher. metrics may be nil.
func NewWatcher(reader SnapshotReader, cfg Config, logger *slog.Logger, metrics *infrastructure.BusinessMetrics) *Watcher {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	return &Watcher{
		reader:  reader,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "watcher")),
		metrics: metrics,
		done:    make(chan struct{}),
	}
}

// Shutdown ends every open stream. Hijacked connections are not tracked by
// http.Server.Shutdown so the app calls this on its way down.
func (w *Watcher) Shutdown() {
	w.doneOnce.Do(func() { close(w.done) })
}

// Serve streams jobID over conn until the job is terminal, the peer goes
// away, ctx ends or the watcher shuts down. conn is closed on return.
func (w *Watcher) Serve(ctx context.Context, conn Connection, jobID string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close()

	logger := w.logger.With(
		slog.String("job_id", jobID),
		slog.String("remote_addr", conn.RemoteAddr()),
	)
	traceID := infrastructure.GetTraceID(ctx)
	started := time.Now()

	if w.metrics != nil {
		w.metrics.WatchersActive.Add(ctx, 1)
		defer w.metrics.WatchersActive.Add(context.Background(), -1)
	}
	logger.InfoContext(ctx, "watch_started")

	go w.readPump(ctx, conn, cancel, logger)

	s := &stream{w: w, conn: conn, jobID: jobID, traceID: traceID, logger: logger}
	if err := s.send(ctx, events.NewConnectMessage(jobID, traceID)); err != nil {
		return err
	}

	poll := time.NewTicker(w.cfg.PollInterval)
	defer poll.Stop()
	ping := time.NewTicker(w.cfg.PingPeriod)
	defer ping.Stop()

	finished, err := s.poll(ctx)
	for !finished && err == nil {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "watch_ended",
				slog.String("reason", "peer_gone"),
				slog.Int("frames", s.frames),
				slog.Duration("duration", time.Since(started)))
			return nil
		case <-w.done:
			s.close(websocket.CloseGoingAway, "server shutting down")
			logger.InfoContext(ctx, "watch_ended", slog.String("reason", "shutdown"))
			return nil
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteWait))
			err = conn.WriteMessage(websocket.PingMessage, nil)
		case <-poll.C:
			finished, err = s.poll(ctx)
		}
	}
	if err != nil {
		logger.WarnContext(ctx, "watch_write_failed", slog.String("error", err.Error()))
		return err
	}

	s.close(websocket.CloseNormalClosure, "watch complete")
	logger.InfoContext(ctx, "watch_ended",
		slog.String("reason", "complete"),
		slog.Int("frames", s.frames),
		slog.Duration("duration", time.Since(started)))
	return nil
}

// readPump drains the peer. Inbound frames are ignored; a read error (close
// frame, missed pong, broken socket) ends the stream.
func (w *Watcher) readPump(ctx context.Context, conn Connection, cancel context.CancelFunc, logger *slog.Logger) {
	defer cancel()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(w.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(w.cfg.PongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && ctx.Err() == nil {
				logger.DebugContext(ctx, "watch_peer_error", slog.String("error", err.Error()))
			}
			return
		}
	}
}

// stream is the per-connection state of one Serve call
type stream struct {
	w       *Watcher
	conn    Connection
	jobID   string
	traceID string
	logger  *slog.Logger

	last        []byte
	unavailable bool
	frames      int
}

// poll reads the snapshot once and pushes it if it changed. It reports
// true once nothing more will be sent.
func (s *stream) poll(ctx context.Context) (bool, error) {
	snap, err := s.w.reader.GetSnapshot(ctx, s.jobID)
	switch {
	case err == nil:
	case errors.Is(err, operations.ErrJobNotFound):
		return true, s.send(ctx, events.NewErrorMessage(s.jobID, events.ErrorCodeJobNotFound, "job not found", s.traceID))
	case ctx.Err() != nil:
		return false, nil
	default:
		// state undetermined; report once per outage and keep polling
		s.logger.WarnContext(ctx, "watch_read_failed", slog.String("error", err.Error()))
		if store.IsUnavailable(err) && !s.unavailable {
			s.unavailable = true
			return false, s.send(ctx, events.NewErrorMessage(s.jobID, events.ErrorCodeStoreUnavailable, "job state is temporarily unavailable", s.traceID))
		}
		return false, nil
	}
	s.unavailable = false

	key, err := json.Marshal(snap)
	if err != nil {
		return false, err
	}
	if bytes.Equal(key, s.last) {
		return false, nil
	}
	s.last = key

	msg := events.NewSnapshotMessage(snap, s.traceID)
	if err := s.send(ctx, msg); err != nil {
		return false, err
	}
	return msg.Terminal(), nil
}

func (s *stream) send(ctx context.Context, msg *events.WatchMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.w.cfg.WriteWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	s.frames++
	if s.w.metrics != nil {
		s.w.metrics.WatchMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(msg.Type))))
	}
	return nil
}

func (s *stream) close(code int, text string) {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.w.cfg.WriteWait))
	_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
}
