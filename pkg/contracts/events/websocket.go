// Package events defines the messages pushed to job watchers over WebSocket.
package events

import (
	"time"

	"stockpulse/pkg/contracts/domain"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// MessageTypeJobSnapshot carries the latest progress snapshot of a job
	MessageTypeJobSnapshot MessageType = "job:snapshot"

	// MessageTypeConnect is sent once when the watch is established
	MessageTypeConnect MessageType = "connect"
	// MessageTypeError reports a condition that ends or degrades the watch
	MessageTypeError MessageType = "error"
)

// Error codes carried by MessageTypeError
const (
	ErrorCodeJobNotFound      = "JOB_NOT_FOUND"
	ErrorCodeStoreUnavailable = "STORE_UNAVAILABLE"
)

// BaseMessage represents the base structure for all WebSocket messages
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	TraceID   string      `json:"trace_id,omitempty"`
}

// WatchMessage is one frame of a job watch stream
type WatchMessage struct {
	BaseMessage
	JobID    string                   `json:"job_id"`
	Snapshot *domain.ProgressSnapshot `json:"snapshot,omitempty"`
	Error    *ErrorPayload            `json:"error,omitempty"`
}

// ErrorPayload describes a watch error
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Terminal reports whether the message carries a finished job
func (m *WatchMessage) Terminal() bool {
	return m.Snapshot != nil && m.Snapshot.Status.IsTerminal()
}

// NewConnectMessage creates the greeting frame
func NewConnectMessage(jobID, traceID string) *WatchMessage {
	return &WatchMessage{
		BaseMessage: BaseMessage{Type: MessageTypeConnect, Timestamp: time.Now().UTC(), TraceID: traceID},
		JobID:       jobID,
	}
}

// NewSnapshotMessage wraps a snapshot for delivery
func NewSnapshotMessage(snap *domain.ProgressSnapshot, traceID string) *WatchMessage {
	return &WatchMessage{
		BaseMessage: BaseMessage{Type: MessageTypeJobSnapshot, Timestamp: time.Now().UTC(), TraceID: traceID},
		JobID:       snap.JobID,
		Snapshot:    snap,
	}
}

// NewErrorMessage creates an error frame
func NewErrorMessage(jobID, code, message, traceID string) *WatchMessage {
	return &WatchMessage{
		BaseMessage: BaseMessage{Type: MessageTypeError, Timestamp: time.Now().UTC(), TraceID: traceID},
		JobID:       jobID,
		Error:       &ErrorPayload{Code: code, Message: message},
	}
}
