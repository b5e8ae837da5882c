package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	lru "github.com/hashicorp/golang-lru"
)

// DefaultMemoryEntries bounds the in-process fast backend
const DefaultMemoryEntries = 4096

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryBackend is an in-process FastBackend: a bounded LRU map with
// per-entry expiry. The least recently used entries are dropped when the
// bound is reached, the same way an external cache evicts under pressure.
type MemoryBackend struct {
	entries *lru.Cache
	now     func() time.Time
}

// NewMemoryBackend creates a memory backend holding at most size entries
func NewMemoryBackend(size int) (*MemoryBackend, error) {
	if size <= 0 {
		size = DefaultMemoryEntries
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, errors.Wrap(err, "create lru")
	}
	return &MemoryBackend{entries: c, now: time.Now}, nil
}

// Set stores a copy of value. A non-positive ttl never expires.
func (m *MemoryBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return unavailable(err, "memory set")
	}
	e := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.entries.Add(key, e)
	return nil
}

// Get returns a copy of the value stored under key
func (m *MemoryBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(err, "memory get")
	}
	v, ok := m.entries.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	e := v.(memoryEntry)
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		m.entries.Remove(key)
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

// Delete removes key; deleting a missing key is not an error
func (m *MemoryBackend) Delete(ctx context.Context, key string) error {
	m.entries.Remove(key)
	return nil
}

// Evict drops key immediately, as if it had expired
func (m *MemoryBackend) Evict(key string) {
	m.entries.Remove(key)
}

// Len returns the number of live and not-yet-reaped entries
func (m *MemoryBackend) Len() int {
	return m.entries.Len()
}

// Keys returns current keys, oldest first
func (m *MemoryBackend) Keys() []string {
	raw := m.entries.Keys()
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		keys = append(keys, k.(string))
	}
	return keys
}

// SetClock replaces the time source, for tests
func (m *MemoryBackend) SetClock(now func() time.Time) {
	m.now = now
}
