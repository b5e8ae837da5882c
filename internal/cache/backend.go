package cache

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	lru "github.com/hashicorp/golang-lru"
)

// Backend names
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// ErrMiss is returned by backends when a key is absent or expired
var ErrMiss = errors.New("cache miss")

// Backend stores opaque payloads by key
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	Name() string
	Close() error
}

// DefaultMemoryEntries bounds the memory backend
const DefaultMemoryEntries = 10000

type entry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryBackend keeps entries in a bounded in-process LRU
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

func (m *MemoryBackend) Get(ctx context.Context, key string) ([]byte, error) {
	v, ok := m.entries.Get(key)
	if !ok {
		return nil, ErrMiss
	}
	e := v.(entry)
	if !m.now().Before(e.expiresAt) {
		m.entries.Remove(key)
		return nil, ErrMiss
	}
	return append([]byte(nil), e.value...), nil
}

func (m *MemoryBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.entries.Add(key, entry{value: append([]byte(nil), value...), expiresAt: m.now().Add(ttl)})
	return nil
}

func (m *MemoryBackend) Delete(ctx context.Context, key string) error {
	m.entries.Remove(key)
	return nil
}

func (m *MemoryBackend) Keys(ctx context.Context) ([]string, error) {
	raw := m.entries.Keys()
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		keys = append(keys, k.(string))
	}
	return keys, nil
}

func (m *MemoryBackend) Name() string { return BackendMemory }

func (m *MemoryBackend) Close() error {
	m.entries.Purge()
	return nil
}
