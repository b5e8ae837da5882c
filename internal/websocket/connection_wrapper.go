package websocket

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// ConnectionWrapper wraps a gorilla/websocket connection to implement our Connection interface
type ConnectionWrapper struct {
	conn *websocket.Conn
}

// NewConnectionWrapper creates a new connection wrapper
func NewConnectionWrapper(conn *websocket.Conn) Connection {
	return &ConnectionWrapper{conn: conn}
}

func (c *ConnectionWrapper) WriteMessage(messageType int, data []byte) error {
	return c.conn.WriteMessage(messageType, data)
}

func (c *ConnectionWrapper) ReadMessage() (int, []byte, error) {
	return c.conn.ReadMessage()
}

func (c *ConnectionWrapper) Close() error {
	return c.conn.Close()
}

func (c *ConnectionWrapper) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *ConnectionWrapper) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

func (c *ConnectionWrapper) SetReadLimit(limit int64) {
	c.conn.SetReadLimit(limit)
}

func (c *ConnectionWrapper) SetPongHandler(h func(string) error) {
	c.conn.SetPongHandler(h)
}

// RemoteAddr returns the remote network address
func (c *ConnectionWrapper) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Upgrader turns watch requests into Connections
type Upgrader struct {
	upgrader *websocket.Upgrader
}

// NewUpgrader builds the upgrader for watch requests. An empty
// allowedOrigins list, or one containing "*", accepts any origin; requests
// without an Origin header (non-browser clients) are always accepted.
func NewUpgrader(readBufferSize, writeBufferSize int, allowedOrigins []string) *Upgrader {
	u := &Upgrader{}
	u.upgrader = &websocket.Upgrader{
		ReadBufferSize:  readBufferSize,
		WriteBufferSize: writeBufferSize,
		CheckOrigin:     func(r *http.Request) bool { return checkOrigin(r, allowedOrigins) },
	}
	return u
}

// Upgrade completes the handshake. On failure the HTTP error response has
// already been written.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (Connection, error) {
	conn, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewConnectionWrapper(conn), nil
}

// CheckOrigin reports whether r may be upgraded
func (u *Upgrader) CheckOrigin(r *http.Request) bool {
	return u.upgrader.CheckOrigin(r)
}

func checkOrigin(r *http.Request, allowedOrigins []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(allowedOrigins) == 0 {
		return true
	}
	for _, allowed := range allowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}
