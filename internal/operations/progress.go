package operations

import (
	"context"
	"math"
	"sync"
	"time"

	"stockpulse/pkg/contracts/domain"
)

// Publisher accepts progress snapshots
type Publisher interface {
	Publish(ctx context.Context, snap *domain.ProgressSnapshot) error
}

// ProgressTracker turns stage-local progress into the job's overall
// weighted progress and publishes it. Overall progress never goes down:
// a lower value than one already published is raised to the maximum seen.
// Publishes happen under the tracker lock so one job's snapshots reach the
// store in order.
type ProgressTracker struct {
	mu    sync.Mutex
	job   *Job
	table *StageTable
	pub   Publisher
	now   func() time.Time

	overall    float64
	stageIndex int
	stageName  string
	message    string
	aux        *domain.AuxPayload
	signal     *domain.SignalSummary
	updatedAt  time.Time
}

// NewProgressTracker creates a tracker for job publishing to pub
func NewProgressTracker(job *Job, pub Publisher) *ProgressTracker {
	return &ProgressTracker{
		job:   job,
		table: job.Table,
		pub:   pub,
		now:   time.Now,
	}
}

// Pending publishes the initial snapshot for a job that has not started.
func (t *ProgressTracker) Pending(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.message = "queued"
	t.updatedAt = t.now()
	return t.pub.Publish(ctx, t.snapshotLocked())
}

// SetSignal attaches the market-heat summary to subsequent snapshots
func (t *ProgressTracker) SetSignal(sig *domain.SignalSummary) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.signal = sig
}

// Advance records progress within stage stageIndex and publishes it. The
// first call moves the job to running. Publish errors are returned for the
// caller to log; they never change the job's outcome.
func (t *ProgressTracker) Advance(ctx context.Context, stageIndex int, fraction float64, message string, aux *domain.AuxPayload) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Late emits from a stage that outlived its job would republish a
	// record without the result over the final one.
	if t.job.Status().IsTerminal() {
		return nil
	}

	now := t.now()
	t.job.markRunning(now)

	if math.IsNaN(fraction) || fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}

	overall := t.table.CumulativeWeightBefore(stageIndex) + fraction*t.table.Weight(stageIndex)
	if overall > 1 {
		overall = 1
	}
	if overall >= t.overall {
		t.overall = overall
		t.stageIndex = stageIndex
		t.stageName = t.table.Name(stageIndex)
	}
	t.message = message
	if aux != nil {
		a := *aux
		t.aux = &a
	}
	t.updatedAt = now

	return t.pub.Publish(ctx, t.snapshotLocked())
}

// Overall returns the highest overall progress recorded
func (t *ProgressTracker) Overall() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.overall
}

// Snapshot returns the current snapshot without publishing it
func (t *ProgressTracker) Snapshot() *domain.ProgressSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Final builds the terminal record. A completed job reports full progress;
// failed and cancelled jobs keep the progress they reached.
func (t *ProgressTracker) Final(status domain.JobStatus, errMsg, failedStage string, result []domain.StageOutput) *domain.ProgressSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.updatedAt = t.now()
	switch status {
	case domain.JobStatusCompleted:
		t.overall = 1.0
		t.stageIndex = t.table.Count() - 1
		t.stageName = t.table.Name(t.stageIndex)
		t.message = "analysis complete"
	case domain.JobStatusCancelled:
		t.message = "cancelled"
	case domain.JobStatusFailed:
		t.message = errMsg
	}

	snap := t.snapshotLocked()
	snap.Status = status
	snap.RemainingSeconds = nil
	if status == domain.JobStatusCompleted {
		zero := 0.0
		snap.RemainingSeconds = &zero
	}
	snap.Error = errMsg
	snap.FailedStage = failedStage
	snap.Result = result
	if done, ok := t.job.CompletedAt(); ok {
		snap.CompletedAt = &done
	} else {
		snap.CompletedAt = &t.updatedAt
	}
	return snap
}

func (t *ProgressTracker) snapshotLocked() *domain.ProgressSnapshot {
	snap := &domain.ProgressSnapshot{
		JobID:      t.job.ID,
		Status:     t.job.Status(),
		SubjectID:  t.job.Input.SubjectID,
		Category:   t.job.Input.Category,
		Overall:    t.overall,
		Percent:    math.Round(t.overall*10000) / 100,
		StageIndex: t.stageIndex,
		StageName:  t.stageName,
		StageCount: t.table.Count(),
		Message:    t.message,
		CreatedAt:  t.job.CreatedAt,
		UpdatedAt:  t.updatedAt,
	}
	if t.aux != nil {
		a := *t.aux
		snap.Aux = &a
	}
	if t.signal != nil {
		s := *t.signal
		snap.Signal = &s
	}

	if started, ok := t.job.StartedAt(); ok {
		snap.StartedAt = &started
		elapsed := t.updatedAt.Sub(started).Seconds()
		if elapsed < 0 {
			elapsed = 0
		}
		snap.ElapsedSeconds = elapsed
		if t.overall > 0 {
			remaining := elapsed * (1/t.overall - 1)
			snap.RemainingSeconds = &remaining
		}
	}
	return snap
}
