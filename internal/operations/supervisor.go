package operations

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"stockpulse/internal/infrastructure"
	"stockpulse/internal/signal"
	"stockpulse/pkg/contracts/domain"
)

// InterruptedMessage is the error recorded on jobs found unfinished at startup
const InterruptedMessage = "interrupted by service restart"

// SnapshotStore is the store the supervisor publishes to and reads from
type SnapshotStore interface {
	Publisher
	Read(ctx context.Context, jobID string) (*domain.ProgressSnapshot, bool, error)
	PersistFinal(ctx context.Context, snap *domain.ProgressSnapshot) error
	Delete(ctx context.Context, jobID string) error
	Unfinished(ctx context.Context) ([]*domain.ProgressSnapshot, error)
}

// StartResult is returned by Start
type StartResult struct {
	JobID  string           `json:"job_id"`
	Status domain.JobStatus `json:"status"`
}

// Supervisor starts jobs, lets clients cancel them and serves their
// snapshots. Each job runs on its own goroutine. The only state the
// supervisor shares between goroutines is the cancel function of each
// running job; everything clients see comes from the store.
type Supervisor struct {
	table    *StageTable
	store    SnapshotStore
	builder  StageBuilder
	executor *Executor
	tracer   *OperationTracer
	cfg      *Config
	logger   *slog.Logger
	validate *validator.Validate

	calc   *signal.Calculator
	source signal.IndicatorSource

	now   func() time.Time
	newID func() string

	mu      sync.Mutex
	running map[string]context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

// SupervisorOption customizes a Supervisor
type SupervisorOption func(*Supervisor)

// WithIndicatorSource sets where market-heat inputs come from when a job
// does not supply them
func WithIndicatorSource(src signal.IndicatorSource) SupervisorOption {
	return func(s *Supervisor) { s.source = src }
}

// WithCalculator replaces the default market-heat calculator
func WithCalculator(calc *signal.Calculator) SupervisorOption {
	return func(s *Supervisor) { s.calc = calc }
}

// WithTracer sets the OpenTelemetry tracer
func WithTracer(t *OperationTracer) SupervisorOption {
	return func(s *Supervisor) { s.tracer = t }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) SupervisorOption {
	return func(s *Supervisor) { s.logger = l }
}

// WithIDGenerator replaces uuid job IDs
func WithIDGenerator(f func() string) SupervisorOption {
	return func(s *Supervisor) { s.newID = f }
}

// NewSupervisor creates a supervisor for the given stage table
func NewSupervisor(table *StageTable, store SnapshotStore, builder StageBuilder, cfg *Config, opts ...SupervisorOption) *Supervisor {
	if cfg == nil {
		cfg = NewConfig()
	}
	s := &Supervisor{
		table:    table,
		store:    store,
		builder:  builder,
		cfg:      cfg,
		logger:   slog.Default(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		calc:     signal.Default(),
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
		running:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tracer == nil {
		s.tracer = NewNoopTracer()
	}
	s.logger = infrastructure.WithComponent(s.logger, "supervisor")
	s.executor = NewExecutor(cfg, s.tracer, s.logger)
	return s
}

// Table returns the full stage table
func (s *Supervisor) Table() *StageTable {
	return s.table
}

// Start validates input, records the job as pending and launches it. It
// returns as soon as the pending snapshot is stored.
func (s *Supervisor) Start(ctx context.Context, input domain.JobInput) (*StartResult, error) {
	if err := s.validate.StructCtx(ctx, input); err != nil {
		return nil, NewValidationError("", describeValidation(err))
	}
	table, err := s.table.Subset(input.RequestedStages)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrShuttingDown
	}
	s.mu.Unlock()

	job := newJob(s.newID(), input, table, s.now())
	tracker := NewProgressTracker(job, s.store)
	tracker.now = s.now

	if err := tracker.Pending(ctx); err != nil {
		s.logger.ErrorContext(ctx, "job_start_failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("record pending job: %w", err)
	}

	// The job outlives the request that started it but keeps its trace ID
	jobCtx, cancel := context.WithCancel(infrastructure.DetachedContext(infrastructure.EnsureTraceID(ctx)))

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return nil, ErrShuttingDown
	}
	s.running[job.ID] = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "job_start",
		slog.String("job_id", job.ID),
		slog.String("subject_id", input.SubjectID),
		slog.String("category", input.Category),
		slog.Any("stages", table.Names()))

	go s.run(jobCtx, job, tracker)

	return &StartResult{JobID: job.ID, Status: domain.JobStatusPending}, nil
}

func (s *Supervisor) run(ctx context.Context, job *Job, tracker *ProgressTracker) {
	defer s.wg.Done()
	defer s.release(job.ID)

	ctx, span := s.tracer.TraceJob(ctx, job)
	defer span.End()

	sig := s.computeSignal(ctx, job)
	tracker.SetSignal(sig.Summary())
	s.tracer.RecordSignal(ctx, sig)

	var result *Result
	stages, err := s.builder.BuildStages(ctx, job, sig)
	if err != nil {
		opErr := NewConfigurationError(err.Error(), err)
		result = &Result{Outcome: OutcomeFailed, Err: opErr, ErrorMessage: err.Error()}
	} else {
		result = s.executor.Run(ctx, job, tracker, stages, sig)
	}

	s.finalize(ctx, job, tracker, result)
	s.tracer.RecordJobCompletion(ctx, span, job, result.Duration, result.Outcome)
}

func (s *Supervisor) release(jobID string) {
	s.mu.Lock()
	cancel, ok := s.running[jobID]
	delete(s.running, jobID)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Supervisor) computeSignal(ctx context.Context, job *Job) signal.CompositeSignal {
	values := job.Input.Indicators
	if values == nil && s.source != nil {
		fetched, err := s.source.Indicators(ctx, job.Input.SubjectID, job.Input.Category)
		if err != nil {
			s.logger.WarnContext(ctx, "indicator_fetch_failed",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()))
		} else {
			values = fetched
		}
	}

	sig := s.calc.Compute(values)
	s.logger.InfoContext(ctx, "market_heat",
		slog.String("job_id", job.ID),
		slog.Float64("score", sig.Score),
		slog.String("tier", sig.Tier),
		slog.Int("iterations", sig.Iterations),
		slog.Any("defaulted", sig.Defaulted))
	return sig
}

// finalize writes the terminal record. The write gets its own deadline so
// a cancelled job still persists its outcome.
func (s *Supervisor) finalize(ctx context.Context, job *Job, tracker *ProgressTracker, result *Result) {
	status := result.Outcome.Status()
	job.markTerminal(status, s.now())
	snap := tracker.Final(status, result.ErrorMessage, result.FailedStage, result.Outputs)

	fctx, cancel := context.WithTimeout(infrastructure.DetachedContext(ctx), s.cfg.finalizeTimeout())
	defer cancel()

	persisted := true
	if err := s.store.PersistFinal(fctx, snap); err != nil {
		persisted = false
		s.tracer.RecordDurableFailure(fctx, string(status))
		s.logger.ErrorContext(fctx, "final_persist_failed",
			slog.String("job_id", job.ID),
			slog.String("status", string(status)),
			slog.String("error", err.Error()))
	}

	attrs := []any{
		slog.String("job_id", job.ID),
		slog.String("status", string(status)),
		slog.Duration("duration", result.Duration),
		slog.Bool("persisted", persisted),
	}
	if result.FailedStage != "" {
		attrs = append(attrs, slog.String("failed_stage", result.FailedStage), slog.String("error", result.ErrorMessage))
	}
	s.logger.InfoContext(fctx, "job_complete", attrs...)
}

// Cancel asks a running job to stop. It returns at once; the job observes
// the request at its next check and ends as cancelled.
func (s *Supervisor) Cancel(ctx context.Context, jobID string) error {
	s.mu.Lock()
	cancel, ok := s.running[jobID]
	s.mu.Unlock()

	if ok {
		cancel()
		s.logger.InfoContext(ctx, "job_cancel_requested", slog.String("job_id", jobID))
		return nil
	}

	snap, found, err := s.store.Read(ctx, jobID)
	if err != nil {
		return err
	}
	if found && snap.Status.IsTerminal() {
		return ErrJobFinished
	}
	return ErrJobNotFound
}

// GetSnapshot returns the latest stored snapshot for a job
func (s *Supervisor) GetSnapshot(ctx context.Context, jobID string) (*domain.ProgressSnapshot, error) {
	snap, found, err := s.store.Read(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrJobNotFound
	}
	return snap, nil
}

// FetchResult returns the final record of a finished job
func (s *Supervisor) FetchResult(ctx context.Context, jobID string) (*domain.ProgressSnapshot, error) {
	snap, err := s.GetSnapshot(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !snap.Status.IsTerminal() {
		return nil, ErrNotComplete
	}
	return snap, nil
}

// Delete removes a finished job's record
func (s *Supervisor) Delete(ctx context.Context, jobID string) error {
	if _, err := s.FetchResult(ctx, jobID); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, jobID); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "job_deleted", slog.String("job_id", jobID))
	return nil
}

// Recover marks abandoned records as failed. A pending or running record
// is abandoned when it is not running in this process and has not been
// updated for longer than a live job can stay silent, so jobs owned by
// another process sharing the durable store are left alone.
func (s *Supervisor) Recover(ctx context.Context) (int, error) {
	open, err := s.store.Unfinished(ctx)
	if err != nil {
		return 0, err
	}

	maxAge := s.cfg.orphanAfter()
	recovered := 0
	for _, snap := range open {
		s.mu.Lock()
		_, live := s.running[snap.JobID]
		s.mu.Unlock()
		if live {
			continue
		}

		now := s.now()
		if age := now.Sub(snap.UpdatedAt); age < maxAge {
			s.logger.DebugContext(ctx, "recover_job_skipped",
				slog.String("job_id", snap.JobID),
				slog.Duration("age", age),
				slog.Duration("orphan_after", maxAge))
			continue
		}

		snap.Status = domain.JobStatusFailed
		snap.Error = InterruptedMessage
		snap.FailedStage = snap.StageName
		snap.Message = InterruptedMessage
		snap.RemainingSeconds = nil
		snap.CompletedAt = &now
		snap.UpdatedAt = now

		if err := s.store.PersistFinal(ctx, snap); err != nil {
			s.logger.ErrorContext(ctx, "recover_job_failed",
				slog.String("job_id", snap.JobID),
				slog.String("error", err.Error()))
			continue
		}
		recovered++
		s.logger.WarnContext(ctx, "job_recovered_as_failed",
			slog.String("job_id", snap.JobID),
			slog.String("stage", snap.StageName))
	}
	return recovered, nil
}

// SweepOrphans runs Recover every interval until ctx ends. It blocks.
func (s *Supervisor) SweepOrphans(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Recover(ctx)
			if err != nil {
				s.logger.WarnContext(ctx, "orphan_sweep_failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				s.logger.InfoContext(ctx, "orphan_sweep", slog.Int("recovered", n))
			}
		}
	}
}

// Active returns the number of jobs running in this process
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Shutdown stops accepting jobs, cancels the running ones and waits for
// them to write their final records.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, cancel := range s.running {
		cancel()
	}
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "supervisor_stopping")

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(s.cfg.shutdownTimeout())
	defer timer.Stop()

	select {
	case <-done:
		s.logger.InfoContext(ctx, "supervisor_stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		s.logger.WarnContext(ctx, "supervisor_stop_timeout")
		return fmt.Errorf("timeout waiting for jobs to finish")
	}
}

func describeValidation(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
