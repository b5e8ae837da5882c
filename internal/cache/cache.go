// Package cache holds reference data the analysis stages reuse across jobs:
// quotes, news, sentiment and finished analyst reports. Entries are opaque
// bytes keyed by namespace, entity, category and an optional day bucket.
package cache

import (
	"context"
	"log/slog"
	"path"
	"time"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Config selects and tunes the cache backend
type Config struct {
	Backend    string                   `yaml:"backend"`
	Path       string                   `yaml:"path"`
	MaxEntries int                      `yaml:"max_entries"`
	TTLs       map[string]time.Duration `yaml:"ttls"`
}

// Cache is the entry point used by stages. A cache is bound to one backend
// for its lifetime.
type Cache struct {
	backend Backend
	ttls    map[string]time.Duration
	logger  *slog.Logger

	hits   metric.Int64Counter
	misses metric.Int64Counter
}

// Option customizes a Cache
type Option func(*Cache)

// WithCounters records hits and misses on the given counters
func WithCounters(hits, misses metric.Int64Counter) Option {
	return func(c *Cache) {
		c.hits = hits
		c.misses = misses
	}
}

// WithTTLs overrides entries of the category TTL table
func WithTTLs(overrides map[string]time.Duration) Option {
	return func(c *Cache) {
		for k, v := range overrides {
			if v > 0 {
				c.ttls[k] = v
			}
		}
	}
}

// New wraps an already open backend
func New(backend Backend, logger *slog.Logger, opts ...Option) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		backend: backend,
		ttls:    DefaultTTLs(),
		logger:  logger.With(slog.String("component", "aux_cache")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open picks the configured backend. If it cannot be opened the cache
// falls back to memory and says so in the log; it never switches later.
func Open(cfg Config, logger *slog.Logger, opts ...Option) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts = append([]Option{WithTTLs(cfg.TTLs)}, opts...)

	switch cfg.Backend {
	case "", BackendMemory:
	case BackendSQLite:
		g, err := OpenGorm(cfg.Path)
		if err == nil {
			logger.Info("aux_cache_opened", slog.String("backend", BackendSQLite), slog.String("path", cfg.Path))
			return New(g, logger, opts...), nil
		}
		logger.Warn("aux_cache_fallback",
			slog.String("backend", BackendSQLite),
			slog.String("fallback", BackendMemory),
			slog.String("error", err.Error()))
	default:
		return nil, errors.Newf("unknown cache backend %q", cfg.Backend)
	}

	m, err := NewMemoryBackend(cfg.MaxEntries)
	if err != nil {
		return nil, err
	}
	logger.Info("aux_cache_opened", slog.String("backend", BackendMemory))
	return New(m, logger, opts...), nil
}

// Backend returns the name of the backend in use
func (c *Cache) Backend() string {
	return c.backend.Name()
}

// TTL returns the expiry for a category
func (c *Cache) TTL(category string) time.Duration {
	if ttl, ok := c.ttls[category]; ok {
		return ttl
	}
	return DefaultTTL
}

// Get looks up an entry. Backend failures are logged and count as a miss.
func (c *Cache) Get(ctx context.Context, namespace, entity, category, date string) ([]byte, bool) {
	key := Key(namespace, entity, category, date)
	value, err := c.backend.Get(ctx, key)
	switch {
	case err == nil:
		c.count(ctx, c.hits, category)
		return value, true
	case errors.Is(err, ErrMiss):
	default:
		c.logger.WarnContext(ctx, "aux_cache_get_failed",
			slog.String("key", key),
			slog.String("error", err.Error()))
	}
	c.count(ctx, c.misses, category)
	return nil, false
}

// Set stores payload. A non-positive ttl uses the category's TTL.
func (c *Cache) Set(ctx context.Context, namespace, entity, category, date string, payload []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.TTL(category)
	}
	key := Key(namespace, entity, category, date)
	if err := c.backend.Set(ctx, key, payload, ttl); err != nil {
		c.logger.WarnContext(ctx, "aux_cache_set_failed",
			slog.String("key", key),
			slog.String("error", err.Error()))
		return err
	}
	return nil
}

// Invalidate deletes every key matching the glob pattern and returns the
// number deleted.
func (c *Cache) Invalidate(ctx context.Context, pattern string) (int, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return 0, errors.Wrapf(err, "invalid pattern %q", pattern)
	}
	keys, err := c.backend.Keys(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, k := range keys {
		if ok, _ := path.Match(pattern, k); !ok {
			continue
		}
		if err := c.backend.Delete(ctx, k); err != nil {
			return n, err
		}
		n++
	}
	c.logger.InfoContext(ctx, "aux_cache_invalidated",
		slog.String("pattern", pattern),
		slog.Int("deleted", n))
	return n, nil
}

// Close releases the backend
func (c *Cache) Close() error {
	return c.backend.Close()
}

func (c *Cache) count(ctx context.Context, counter metric.Int64Counter, category string) {
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attribute.String("category", category)))
}
