package websocket

import (
	"context"
	"time"

	"stockpulse/pkg/contracts/domain"
)

// Connection defines the interface for WebSocket connections
// This allows for proper mocking in tests
type Connection interface {
	// WriteMessage writes a message with the given message type and payload
	WriteMessage(messageType int, data []byte) error

	// ReadMessage reads a message from the connection
	ReadMessage() (messageType int, p []byte, err error)

	Close() error

	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(string) error)

	// RemoteAddr returns the remote network address
	RemoteAddr() string
}

// SnapshotReader is the read side a watcher polls. It must answer from the
// state store only and never from the job's own goroutine.
type SnapshotReader interface {
	GetSnapshot(ctx context.Context, jobID string) (*domain.ProgressSnapshot, error)
}
