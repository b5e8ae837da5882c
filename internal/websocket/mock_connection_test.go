package websocket

import (
	"errors"
	"sync"
	"time"
)

var errMockClosed = errors.New("connection closed")

// mockFrame is one frame seen by or queued for a mockConnection
type mockFrame struct {
	typ  int
	data []byte
	err  error
}

// mockConnection records writes and blocks reads until a frame is queued or
// the connection is closed.
type mockConnection struct {
	mu       sync.Mutex
	written  []mockFrame
	writeErr error
	pong     func(string) error

	inbound   chan mockFrame
	closed    chan struct{}
	closeOnce sync.Once
}

func newMockConnection() *mockConnection {
	return &mockConnection{
		inbound: make(chan mockFrame, 8),
		closed:  make(chan struct{}),
	}
}

func (m *mockConnection) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.closed:
		return errMockClosed
	default:
	}
	if m.writeErr != nil {
		return m.writeErr
	}
	m.written = append(m.written, mockFrame{typ: messageType, data: append([]byte(nil), data...)})
	return nil
}

func (m *mockConnection) ReadMessage() (int, []byte, error) {
	select {
	case f := <-m.inbound:
		return f.typ, f.data, f.err
	case <-m.closed:
		return 0, nil, errMockClosed
	}
}

func (m *mockConnection) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

func (m *mockConnection) SetReadDeadline(time.Time) error  { return nil }
func (m *mockConnection) SetWriteDeadline(time.Time) error { return nil }
func (m *mockConnection) SetReadLimit(int64)               {}

func (m *mockConnection) SetPongHandler(h func(string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pong = h
}

func (m *mockConnection) RemoteAddr() string { return "127.0.0.1:52100" }

func (m *mockConnection) frames() []mockFrame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mockFrame(nil), m.written...)
}

func (m *mockConnection) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}
