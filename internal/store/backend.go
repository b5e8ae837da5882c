package store

import (
	"context"
	"time"

	"stockpulse/pkg/contracts/domain"
)

// FastBackend is the ephemeral, low-latency side of the store. Entries
// expire after their TTL. Get returns ErrNotFound for a missing or expired key.
type FastBackend interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// DurableBackend keeps job records across process restarts. Load returns
// ErrNotFound when the job has no record.
type DurableBackend interface {
	Save(ctx context.Context, jobID string, status domain.JobStatus, payload []byte) error
	Load(ctx context.Context, jobID string) ([]byte, error)
	Delete(ctx context.Context, jobID string) error
	ListByStatus(ctx context.Context, statuses ...domain.JobStatus) ([][]byte, error)
	Ping(ctx context.Context) error
	Close() error
}
