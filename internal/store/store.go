package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"

	"stockpulse/pkg/contracts/domain"
)

// Defaults for Options
const (
	DefaultFastTTL     = 24 * time.Hour
	DefaultReadTimeout = 2 * time.Second
	DefaultKeyPrefix   = "job:progress:"
)

// Options tune the dual-backend store
type Options struct {
	// How long progress lives in the fast backend after its last write
	FastTTL time.Duration

	// Bound on a single Read across both backends
	ReadTimeout time.Duration

	// Prefix for fast backend keys
	KeyPrefix string
}

func (o Options) withDefaults() Options {
	if o.FastTTL <= 0 {
		o.FastTTL = DefaultFastTTL
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.KeyPrefix == "" {
		o.KeyPrefix = DefaultKeyPrefix
	}
	return o
}

// Store keeps job snapshots in a fast backend for live progress and a
// durable backend for records that must survive fast-side expiry.
// It is safe for concurrent use; each backend guards its own state.
type Store struct {
	fast    FastBackend
	durable DurableBackend
	opts    Options
	logger  *slog.Logger
}

// New creates a store over the given backends
func New(fast FastBackend, durable DurableBackend, opts Options, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		fast:    fast,
		durable: durable,
		opts:    opts.withDefaults(),
		logger:  logger.With(slog.String("component", "store")),
	}
}

func (s *Store) key(jobID string) string {
	return s.opts.KeyPrefix + jobID
}

// Publish writes an in-flight snapshot to both backends. The durable write
// is attempted even when the fast one fails, so readers can fall back to
// it; only a fast failure is returned. A snapshot that cannot be encoded
// is dropped with a log line.
func (s *Store) Publish(ctx context.Context, snap *domain.ProgressSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		s.logger.ErrorContext(ctx, "publish_encode_failed",
			slog.String("job_id", snap.JobID),
			slog.String("error", err.Error()),
		)
		return nil
	}

	fastErr := s.fast.Set(ctx, s.key(snap.JobID), payload, s.opts.FastTTL)

	if err := s.durable.Save(ctx, snap.JobID, snap.Status, payload); err != nil {
		s.logger.WarnContext(ctx, "durable_publish_failed",
			slog.String("job_id", snap.JobID),
			slog.String("status", string(snap.Status)),
			slog.String("error", err.Error()),
		)
	}

	if fastErr != nil {
		return errors.Mark(errors.Wrapf(fastErr, "publish job %s", snap.JobID), ErrBackendUnavailable)
	}
	return nil
}

// Read returns the latest snapshot for a job. found is false when neither
// backend holds a readable record. An error is returned only when a miss
// cannot be trusted because a backend failed to answer.
func (s *Store) Read(ctx context.Context, jobID string) (*domain.ProgressSnapshot, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ReadTimeout)
	defer cancel()

	fastDown := false
	payload, err := s.fast.Get(ctx, s.key(jobID))
	switch {
	case err == nil:
		snap, derr := decode(payload)
		if derr == nil {
			return snap, true, nil
		}
		s.logger.WarnContext(ctx, "fast_record_corrupt",
			slog.String("job_id", jobID),
			slog.String("error", derr.Error()),
		)
	case errors.Is(err, ErrNotFound):
	default:
		fastDown = true
		s.logger.WarnContext(ctx, "fast_read_failed",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}

	payload, err = s.durable.Load(ctx, jobID)
	switch {
	case err == nil:
		snap, derr := decode(payload)
		if derr != nil {
			s.logger.ErrorContext(ctx, "durable_record_corrupt",
				slog.String("job_id", jobID),
				slog.String("error", derr.Error()),
			)
			return nil, false, nil
		}
		return snap, true, nil
	case errors.Is(err, ErrNotFound):
		if fastDown {
			s.logger.WarnContext(ctx, "read_undetermined",
				slog.String("job_id", jobID),
				slog.String("reason", "fast backend failed, durable has no record"),
			)
			return nil, false, errors.Mark(errors.Newf("job %s: fast backend unavailable", jobID), ErrBackendUnavailable)
		}
		return nil, false, nil
	default:
		s.logger.WarnContext(ctx, "read_undetermined",
			slog.String("job_id", jobID),
			slog.String("reason", "durable backend failed"),
			slog.String("error", err.Error()),
		)
		return nil, false, errors.Mark(errors.Wrapf(err, "read job %s", jobID), ErrBackendUnavailable)
	}
}

// PersistFinal writes the terminal record to the durable backend and then
// drops the fast copy. If the durable write fails the terminal snapshot is
// kept in the fast backend so clients still see the outcome until it
// expires, and the durable error is returned. A durable record that is
// already terminal is kept and ErrRecordFinal is returned.
func (s *Store) PersistFinal(ctx context.Context, snap *domain.ProgressSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return serialization(err, "encode final record")
	}

	if derr := s.durable.Save(ctx, snap.JobID, snap.Status, payload); derr != nil {
		if errors.Is(derr, ErrRecordFinal) {
			// Another writer already finished this job; its record stands
			// and the fast copy must not shadow it.
			if ferr := s.fast.Delete(ctx, s.key(snap.JobID)); ferr != nil {
				s.logger.WarnContext(ctx, "fast_delete_failed",
					slog.String("job_id", snap.JobID),
					slog.String("error", ferr.Error()),
				)
			}
			return errors.Wrapf(derr, "persist final record for job %s", snap.JobID)
		}
		if ferr := s.fast.Set(ctx, s.key(snap.JobID), payload, s.opts.FastTTL); ferr != nil {
			s.logger.ErrorContext(ctx, "final_record_lost",
				slog.String("job_id", snap.JobID),
				slog.String("durable_error", derr.Error()),
				slog.String("fast_error", ferr.Error()),
			)
		}
		return errors.Wrapf(derr, "persist final record for job %s", snap.JobID)
	}

	if err := s.fast.Delete(ctx, s.key(snap.JobID)); err != nil {
		// Durable is authoritative now; a stale fast copy would still be the
		// terminal snapshot, so this is only noise.
		s.logger.DebugContext(ctx, "fast_delete_failed",
			slog.String("job_id", snap.JobID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// Delete removes a job from both backends
func (s *Store) Delete(ctx context.Context, jobID string) error {
	if err := s.durable.Delete(ctx, jobID); err != nil {
		return errors.Wrapf(err, "delete job %s", jobID)
	}
	if err := s.fast.Delete(ctx, s.key(jobID)); err != nil {
		return errors.Wrapf(err, "delete job %s", jobID)
	}
	return nil
}

// Unfinished returns durable records still marked pending or running.
// Undecodable rows are skipped and logged.
func (s *Store) Unfinished(ctx context.Context) ([]*domain.ProgressSnapshot, error) {
	rows, err := s.durable.ListByStatus(ctx, domain.JobStatusPending, domain.JobStatusRunning)
	if err != nil {
		return nil, errors.Wrap(err, "list unfinished jobs")
	}
	out := make([]*domain.ProgressSnapshot, 0, len(rows))
	for _, payload := range rows {
		snap, err := decode(payload)
		if err != nil {
			s.logger.WarnContext(ctx, "durable_record_corrupt", slog.String("error", err.Error()))
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

// Ping checks that the durable backend answers within ReadTimeout
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ReadTimeout)
	defer cancel()
	return s.durable.Ping(ctx)
}

// Close releases the durable backend
func (s *Store) Close() error {
	return s.durable.Close()
}

func decode(payload []byte) (*domain.ProgressSnapshot, error) {
	var snap domain.ProgressSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, serialization(err, "decode record")
	}
	if snap.JobID == "" || !snap.Status.Valid() {
		return nil, serialization(errors.New("missing job_id or status"), "decode record")
	}
	return &snap, nil
}
