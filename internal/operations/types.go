package operations

import (
	"context"
	"sync"
	"time"

	"stockpulse/internal/signal"
	"stockpulse/pkg/contracts/domain"
)

// EmitFunc reports progress within the current stage. fraction is the share
// of the stage that is done (0..1). An optional aux payload carries a short
// excerpt of intermediate output for watchers.
type EmitFunc func(fraction float64, message string, aux ...domain.AuxPayload)

// StageFunc runs one stage
type StageFunc func(ctx context.Context, emit EmitFunc) (any, error)

// RoundsFunc runs a stage whose amount of work is set by the market-heat
// round count
type RoundsFunc func(ctx context.Context, rounds int, emit EmitFunc) (any, error)

// Stage binds a stage name from the job's table to its callable. Exactly
// one of Run and Rounds is set.
type Stage struct {
	Name   string
	Run    StageFunc
	Rounds RoundsFunc
}

// Excerpter is implemented by stage outputs that have a short
// human-readable summary worth showing while the job is still running.
type Excerpter interface {
	Excerpt() string
}

// StageBuilder produces the callables for one job. Builders close over
// per-job state; the returned stages are run by a single goroutine.
type StageBuilder interface {
	BuildStages(ctx context.Context, job *Job, sig signal.CompositeSignal) ([]Stage, error)
}

// StageBuilderFunc adapts a function to StageBuilder
type StageBuilderFunc func(ctx context.Context, job *Job, sig signal.CompositeSignal) ([]Stage, error)

// BuildStages implements StageBuilder
func (f StageBuilderFunc) BuildStages(ctx context.Context, job *Job, sig signal.CompositeSignal) ([]Stage, error) {
	return f(ctx, job, sig)
}

// Job is one analysis run. It is owned by the goroutine executing it;
// clients never see a Job, only the snapshots it publishes. A Job built
// as a literal starts out pending.
type Job struct {
	ID        string
	Input     domain.JobInput
	Table     *StageTable
	CreatedAt time.Time

	mu          sync.Mutex
	status      domain.JobStatus
	startedAt   time.Time
	completedAt time.Time
}

func newJob(id string, input domain.JobInput, table *StageTable, now time.Time) *Job {
	return &Job{
		ID:        id,
		Input:     input,
		Table:     table,
		CreatedAt: now,
		status:    domain.JobStatusPending,
	}
}

// Status returns the current lifecycle state
func (j *Job) Status() domain.JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status == "" {
		return domain.JobStatusPending
	}
	return j.status
}

// StartedAt returns when the job first entered running
func (j *Job) StartedAt() (time.Time, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.startedAt, !j.startedAt.IsZero()
}

// CompletedAt returns when the job reached a terminal state
func (j *Job) CompletedAt() (time.Time, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.completedAt, !j.completedAt.IsZero()
}

// markRunning moves a pending job to running. The start time is stamped
// on the first call only.
func (j *Job) markRunning(now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != "" && j.status != domain.JobStatusPending {
		return false
	}
	j.status = domain.JobStatusRunning
	j.startedAt = now
	return true
}

// markTerminal records the final state once; later calls are ignored.
func (j *Job) markTerminal(status domain.JobStatus, now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.IsTerminal() || !status.IsTerminal() {
		return false
	}
	j.status = status
	j.completedAt = now
	return true
}
