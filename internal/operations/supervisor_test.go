package operations_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockpulse/internal/operations"
	"stockpulse/internal/signal"
	"stockpulse/internal/store"
	"stockpulse/pkg/contracts/domain"
)

type supervisorFixture struct {
	sup     *operations.Supervisor
	store   *store.Store
	fast    *store.MemoryBackend
	durable *store.SQLBackend
}

func newSupervisorFixture(t *testing.T, builder operations.StageBuilder, opts ...operations.SupervisorOption) *supervisorFixture {
	t.Helper()
	ctx := context.Background()

	fast, err := store.NewMemoryBackend(256)
	require.NoError(t, err)
	durable, err := store.OpenSQL(ctx, store.DriverSQLite, ":memory:", nil)
	require.NoError(t, err)
	st := store.New(fast, durable, store.Options{}, nil)
	t.Cleanup(func() { _ = st.Close() })

	var seq atomic.Int64
	opts = append([]operations.SupervisorOption{
		operations.WithIDGenerator(func() string { return fmt.Sprintf("job-%d", seq.Add(1)) }),
	}, opts...)

	cfg := operations.NewConfigBuilder().
		WithPublishInterval(0).
		WithShutdownTimeout(5 * time.Second).
		Build()
	sup := operations.NewSupervisor(operations.MustStageTable(operations.DefaultStageWeights()), st, builder, cfg, opts...)
	return &supervisorFixture{sup: sup, store: st, fast: fast, durable: durable}
}

func simpleBuilder(gate <-chan struct{}) operations.StageBuilder {
	return operations.StageBuilderFunc(func(ctx context.Context, job *operations.Job, sig signal.CompositeSignal) ([]operations.Stage, error) {
		stages := make([]operations.Stage, 0, job.Table.Count())
		for _, name := range job.Table.Names() {
			name := name
			run := func(ctx context.Context, emit operations.EmitFunc) (any, error) {
				if gate != nil && name == operations.StageAnalyze {
					select {
					case <-gate:
					case <-ctx.Done():
						return nil, ctx.Err()
					}
				}
				emit(0.5, name+" working")
				return map[string]string{"stage": name, "subject": job.Input.SubjectID}, nil
			}
			if name == operations.StageDebate {
				stages = append(stages, operations.Stage{Name: name, Rounds: func(ctx context.Context, rounds int, emit operations.EmitFunc) (any, error) {
					return map[string]int{"rounds": rounds}, nil
				}})
				continue
			}
			stages = append(stages, operations.Stage{Name: name, Run: run})
		}
		return stages, nil
	})
}

func waitTerminal(t *testing.T, sup *operations.Supervisor, id string) *domain.ProgressSnapshot {
	t.Helper()
	var snap *domain.ProgressSnapshot
	require.Eventually(t, func() bool {
		s, err := sup.GetSnapshot(context.Background(), id)
		if err != nil || !s.Status.IsTerminal() {
			return false
		}
		snap = s
		return true
	}, 5*time.Second, 5*time.Millisecond)
	return snap
}

func TestSupervisorRunsJobToCompletion(t *testing.T) {
	f := newSupervisorFixture(t, simpleBuilder(nil))
	ctx := context.Background()

	res, err := f.sup.Start(ctx, domain.JobInput{SubjectID: "600519", Category: domain.CategoryAShare})
	require.NoError(t, err)
	assert.Equal(t, "job-1", res.JobID)
	assert.Equal(t, domain.JobStatusPending, res.Status)

	snap := waitTerminal(t, f.sup, res.JobID)
	assert.Equal(t, domain.JobStatusCompleted, snap.Status)
	assert.Equal(t, 1.0, snap.Overall)
	assert.Equal(t, 100.0, snap.Percent)
	require.Len(t, snap.Result, 4)
	assert.JSONEq(t, `{"rounds":2}`, string(snap.Result[2].Output))
	require.NotNil(t, snap.Signal)
	assert.Equal(t, signal.TierNormal, snap.Signal.Tier)
	assert.Len(t, snap.Signal.Defaulted, 6)

	result, err := f.sup.FetchResult(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, snap.Result, result.Result)

	// Final records move to the durable side only
	assert.Eventually(t, func() bool { return f.fast.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, f.sup.Active())
}

func TestSupervisorUsesSuppliedIndicators(t *testing.T) {
	var rounds atomic.Int64
	builder := operations.StageBuilderFunc(func(ctx context.Context, job *operations.Job, sig signal.CompositeSignal) ([]operations.Stage, error) {
		rounds.Store(int64(sig.Iterations))
		return simpleBuilder(nil).BuildStages(ctx, job, sig)
	})
	f := newSupervisorFixture(t, builder)

	res, err := f.sup.Start(context.Background(), domain.JobInput{
		SubjectID: "AAPL",
		Category:  domain.CategoryUS,
		Indicators: map[string]*float64{
			signal.IndicatorVolume:     signal.Float(0),
			signal.IndicatorVolatility: signal.Float(0),
			signal.IndicatorTurnover:   signal.Float(0),
			signal.IndicatorBreadth:    signal.Float(0),
			signal.IndicatorSentiment:  signal.Float(-1),
			signal.IndicatorMomentum:   signal.Float(-5),
		},
	})
	require.NoError(t, err)

	snap := waitTerminal(t, f.sup, res.JobID)
	require.NotNil(t, snap.Signal)
	assert.Equal(t, signal.TierCold, snap.Signal.Tier)
	assert.Equal(t, int64(1), rounds.Load())
}

func TestSupervisorFallsBackToIndicatorSource(t *testing.T) {
	src := signal.NewStaticSource()
	src.Set(domain.CategoryHK, "*", map[string]*float64{signal.IndicatorVolume: signal.Float(2)})

	f := newSupervisorFixture(t, simpleBuilder(nil), operations.WithIndicatorSource(src))
	res, err := f.sup.Start(context.Background(), domain.JobInput{SubjectID: "00700", Category: domain.CategoryHK})
	require.NoError(t, err)

	snap := waitTerminal(t, f.sup, res.JobID)
	require.NotNil(t, snap.Signal)
	assert.Equal(t, signal.TierWarm, snap.Signal.Tier)
}

func TestSupervisorStartValidation(t *testing.T) {
	f := newSupervisorFixture(t, simpleBuilder(nil))
	ctx := context.Background()

	tests := []struct {
		name  string
		input domain.JobInput
	}{
		{"missing subject", domain.JobInput{Category: domain.CategoryUS}},
		{"unknown category", domain.JobInput{SubjectID: "AAPL", Category: "EU"}},
		{"unknown stage", domain.JobInput{SubjectID: "AAPL", Category: domain.CategoryUS, RequestedStages: []string{"backtest"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.sup.Start(ctx, tt.input)
			require.Error(t, err)
			assert.Equal(t, operations.ErrorTypeValidation, operations.GetErrorType(err))
		})
	}
	assert.Equal(t, 0, f.sup.Active())
}

func TestSupervisorRequestedStageSubset(t *testing.T) {
	f := newSupervisorFixture(t, simpleBuilder(nil))

	res, err := f.sup.Start(context.Background(), domain.JobInput{
		SubjectID:       "MSFT",
		Category:        domain.CategoryUS,
		RequestedStages: []string{"risk", "validate"},
	})
	require.NoError(t, err)

	snap := waitTerminal(t, f.sup, res.JobID)
	assert.Equal(t, domain.JobStatusCompleted, snap.Status)
	assert.Equal(t, 2, snap.StageCount)
	require.Len(t, snap.Result, 2)
	assert.Equal(t, "validate", snap.Result[0].Stage)
	assert.Equal(t, "risk", snap.Result[1].Stage)
}

func TestSupervisorCancelRunningJob(t *testing.T) {
	gate := make(chan struct{})
	f := newSupervisorFixture(t, simpleBuilder(gate))
	ctx := context.Background()

	res, err := f.sup.Start(ctx, domain.JobInput{SubjectID: "600519", Category: domain.CategoryAShare})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := f.sup.GetSnapshot(ctx, res.JobID)
		return err == nil && s.StageName == operations.StageAnalyze
	}, 5*time.Second, 5*time.Millisecond)

	_, err = f.sup.FetchResult(ctx, res.JobID)
	assert.ErrorIs(t, err, operations.ErrNotComplete)

	require.NoError(t, f.sup.Cancel(ctx, res.JobID))

	snap := waitTerminal(t, f.sup, res.JobID)
	assert.Equal(t, domain.JobStatusCancelled, snap.Status)
	assert.Empty(t, snap.Error)
	assert.Nil(t, snap.RemainingSeconds)
	assert.InDelta(t, 0.1, snap.Overall, 1e-9)

	// Cancelling a finished job is reported, not ignored
	assert.ErrorIs(t, f.sup.Cancel(ctx, res.JobID), operations.ErrJobFinished)
}

func TestSupervisorStageFailure(t *testing.T) {
	builder := operations.StageBuilderFunc(func(ctx context.Context, job *operations.Job, sig signal.CompositeSignal) ([]operations.Stage, error) {
		stages, _ := simpleBuilder(nil).BuildStages(ctx, job, sig)
		stages[2] = operations.Stage{Name: operations.StageDebate, Rounds: func(ctx context.Context, rounds int, emit operations.EmitFunc) (any, error) {
			return nil, errors.New("debate moderator unreachable")
		}}
		return stages, nil
	})
	f := newSupervisorFixture(t, builder)

	res, err := f.sup.Start(context.Background(), domain.JobInput{SubjectID: "0700", Category: domain.CategoryHK})
	require.NoError(t, err)

	snap := waitTerminal(t, f.sup, res.JobID)
	assert.Equal(t, domain.JobStatusFailed, snap.Status)
	assert.Equal(t, "debate moderator unreachable", snap.Error)
	assert.Equal(t, operations.StageDebate, snap.FailedStage)
	assert.InDelta(t, 0.4, snap.Overall, 1e-9)
	assert.Len(t, snap.Result, 2)
}

func TestSupervisorBuilderFailure(t *testing.T) {
	builder := operations.StageBuilderFunc(func(ctx context.Context, job *operations.Job, sig signal.CompositeSignal) ([]operations.Stage, error) {
		return nil, errors.New("no analysts configured")
	})
	f := newSupervisorFixture(t, builder)

	res, err := f.sup.Start(context.Background(), domain.JobInput{SubjectID: "AAPL", Category: domain.CategoryUS})
	require.NoError(t, err)

	snap := waitTerminal(t, f.sup, res.JobID)
	assert.Equal(t, domain.JobStatusFailed, snap.Status)
	assert.Equal(t, "no analysts configured", snap.Error)
}

func TestSupervisorUnknownJob(t *testing.T) {
	f := newSupervisorFixture(t, simpleBuilder(nil))
	ctx := context.Background()

	_, err := f.sup.GetSnapshot(ctx, "nope")
	assert.ErrorIs(t, err, operations.ErrJobNotFound)
	_, err = f.sup.FetchResult(ctx, "nope")
	assert.ErrorIs(t, err, operations.ErrJobNotFound)
	assert.ErrorIs(t, f.sup.Cancel(ctx, "nope"), operations.ErrJobNotFound)
	assert.ErrorIs(t, f.sup.Delete(ctx, "nope"), operations.ErrJobNotFound)
}

func TestSupervisorDelete(t *testing.T) {
	gate := make(chan struct{})
	f := newSupervisorFixture(t, simpleBuilder(gate))
	ctx := context.Background()

	res, err := f.sup.Start(ctx, domain.JobInput{SubjectID: "600519", Category: domain.CategoryAShare})
	require.NoError(t, err)

	// Running jobs cannot be deleted
	assert.ErrorIs(t, f.sup.Delete(ctx, res.JobID), operations.ErrNotComplete)

	close(gate)
	waitTerminal(t, f.sup, res.JobID)

	require.NoError(t, f.sup.Delete(ctx, res.JobID))
	_, err = f.sup.GetSnapshot(ctx, res.JobID)
	assert.ErrorIs(t, err, operations.ErrJobNotFound)
}

func TestSupervisorRecover(t *testing.T) {
	f := newSupervisorFixture(t, simpleBuilder(nil))
	ctx := context.Background()

	// A record left running by a previous process
	orphan := &domain.ProgressSnapshot{
		JobID:      "orphan-1",
		Status:     domain.JobStatusRunning,
		SubjectID:  "AAPL",
		Category:   domain.CategoryUS,
		Overall:    0.4,
		StageIndex: 2,
		StageName:  operations.StageDebate,
		StageCount: 4,
		CreatedAt:  time.Now().Add(-3 * time.Hour),
		UpdatedAt:  time.Now().Add(-2 * time.Hour),
	}
	require.NoError(t, f.store.Publish(ctx, orphan))

	// Updated a minute ago: within one stage timeout, so possibly still alive
	recent := orphan.Clone()
	recent.JobID = "recent-1"
	recent.UpdatedAt = time.Now().Add(-time.Minute)
	require.NoError(t, f.store.Publish(ctx, recent))

	n, err := f.sup.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	still, err := f.sup.GetSnapshot(ctx, "recent-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, still.Status)

	snap, err := f.sup.FetchResult(ctx, "orphan-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, snap.Status)
	assert.Equal(t, operations.InterruptedMessage, snap.Error)
	assert.Equal(t, operations.StageDebate, snap.FailedStage)
	assert.InDelta(t, 0.4, snap.Overall, 1e-9)

	n, err = f.sup.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// newSharedSupervisor builds a supervisor with its own fast backend on top
// of the durable database at dsn, like a second API process would
func newSharedSupervisor(t *testing.T, dsn string, builder operations.StageBuilder, prefix string) *operations.Supervisor {
	t.Helper()
	ctx := context.Background()

	fast, err := store.NewMemoryBackend(64)
	require.NoError(t, err)
	durable, err := store.OpenSQL(ctx, store.DriverSQLite, dsn, nil)
	require.NoError(t, err)
	st := store.New(fast, durable, store.Options{}, nil)
	t.Cleanup(func() { _ = st.Close() })

	var seq atomic.Int64
	cfg := operations.NewConfigBuilder().WithPublishInterval(0).Build()
	return operations.NewSupervisor(operations.MustStageTable(operations.DefaultStageWeights()), st, builder, cfg,
		operations.WithIDGenerator(func() string { return fmt.Sprintf("%s-%d", prefix, seq.Add(1)) }))
}

func TestSupervisorRecoverLeavesJobsOfAnotherProcess(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "jobs.db")

	gate := make(chan struct{})
	first := newSharedSupervisor(t, dsn, simpleBuilder(gate), "a")
	second := newSharedSupervisor(t, dsn, simpleBuilder(nil), "b")

	res, err := first.Start(ctx, domain.JobInput{SubjectID: "600519", Category: domain.CategoryAShare})
	require.NoError(t, err)

	// the second process only sees the job through the durable store
	require.Eventually(t, func() bool {
		snap, err := second.GetSnapshot(ctx, res.JobID)
		return err == nil && snap.StageName == operations.StageAnalyze
	}, 5*time.Second, 5*time.Millisecond)

	n, err := second.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	close(gate)
	snap := waitTerminal(t, first, res.JobID)
	assert.Equal(t, domain.JobStatusCompleted, snap.Status)

	result, err := second.FetchResult(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, result.Status)
	assert.Empty(t, result.Error)
	assert.Len(t, result.Result, 4)
}

func TestSupervisorSweepOrphans(t *testing.T) {
	f := newSupervisorFixture(t, simpleBuilder(nil))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stale := &domain.ProgressSnapshot{
		JobID:      "orphan-2",
		Status:     domain.JobStatusPending,
		SubjectID:  "AAPL",
		Category:   domain.CategoryUS,
		StageCount: 4,
		CreatedAt:  time.Now().Add(-2 * time.Hour),
		UpdatedAt:  time.Now().Add(-2 * time.Hour),
	}
	require.NoError(t, f.store.Publish(ctx, stale))

	done := make(chan struct{})
	go func() {
		f.sup.SweepOrphans(ctx, 10*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		snap, err := f.sup.FetchResult(context.Background(), "orphan-2")
		return err == nil && snap.Status == domain.JobStatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweep did not stop")
	}
}

func TestSupervisorShutdown(t *testing.T) {
	gate := make(chan struct{})
	f := newSupervisorFixture(t, simpleBuilder(gate))
	ctx := context.Background()

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		res, err := f.sup.Start(ctx, domain.JobInput{SubjectID: "600519", Category: domain.CategoryAShare})
		require.NoError(t, err)
		ids = append(ids, res.JobID)
	}

	require.NoError(t, f.sup.Shutdown(ctx))
	assert.Equal(t, 0, f.sup.Active())

	for _, id := range ids {
		snap, err := f.sup.FetchResult(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusCancelled, snap.Status)
	}

	_, err := f.sup.Start(ctx, domain.JobInput{SubjectID: "600519", Category: domain.CategoryAShare})
	assert.ErrorIs(t, err, operations.ErrShuttingDown)
}

type failingPublishStore struct {
	operations.SnapshotStore
}

func (failingPublishStore) Publish(context.Context, *domain.ProgressSnapshot) error {
	return errors.New("fast backend down")
}

func TestSupervisorStartFailsWhenPendingNotStored(t *testing.T) {
	f := newSupervisorFixture(t, simpleBuilder(nil))
	sup := operations.NewSupervisor(f.sup.Table(), failingPublishStore{f.store}, simpleBuilder(nil), nil)

	_, err := sup.Start(context.Background(), domain.JobInput{SubjectID: "AAPL", Category: domain.CategoryUS})
	require.Error(t, err)
	assert.Equal(t, 0, sup.Active())
}
