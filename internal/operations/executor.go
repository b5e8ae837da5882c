package operations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"stockpulse/internal/signal"
	"stockpulse/pkg/contracts/domain"
)

// Outcome is how a run ended
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Status maps the outcome to the job status it produces
func (o Outcome) Status() domain.JobStatus {
	switch o {
	case OutcomeCompleted:
		return domain.JobStatusCompleted
	case OutcomeCancelled:
		return domain.JobStatusCancelled
	default:
		return domain.JobStatusFailed
	}
}

// Result is the outcome of running a job's stages
type Result struct {
	Outcome      Outcome
	FailedStage  string
	ErrorMessage string
	Err          error
	Outputs      []domain.StageOutput
	Duration     time.Duration
}

// Executor runs a job's stages strictly in table order. A stage error
// ends the run as failed with the stage's message kept as is; there are
// no retries. Cancellation is checked before every stage and after the last.
type Executor struct {
	cfg    *Config
	tracer *OperationTracer
	logger *slog.Logger
}

// NewExecutor creates an executor
func NewExecutor(cfg *Config, tracer *OperationTracer, logger *slog.Logger) *Executor {
	if cfg == nil {
		cfg = NewConfig()
	}
	if tracer == nil {
		tracer = NewNoopTracer()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{cfg: cfg, tracer: tracer, logger: logger.With(slog.String("component", "executor"))}
}

// Run executes stages for job, reporting progress through tracker.
func (e *Executor) Run(ctx context.Context, job *Job, tracker *ProgressTracker, stages []Stage, sig signal.CompositeSignal) *Result {
	start := time.Now()
	result := &Result{}

	if err := checkStages(job.Table, stages); err != nil {
		result.Outcome = OutcomeFailed
		result.Err = err
		result.ErrorMessage = err.Message
		result.Duration = time.Since(start)
		return result
	}

	for i, st := range stages {
		if ctx.Err() != nil {
			e.logCancelled(ctx, job.ID, st.Name)
			result.Outcome = OutcomeCancelled
			result.Err = NewCancellationError(st.Name)
			result.Duration = time.Since(start)
			return result
		}

		output, err := e.runStage(ctx, job, tracker, i, st, sig)
		if err != nil {
			if ctx.Err() != nil {
				e.logCancelled(ctx, job.ID, st.Name)
				result.Outcome = OutcomeCancelled
				result.Err = NewCancellationError(st.Name)
			} else {
				result.Outcome = OutcomeFailed
				result.FailedStage = st.Name
				result.Err = err
				result.ErrorMessage = err.Message
			}
			result.Duration = time.Since(start)
			return result
		}
		result.Outputs = append(result.Outputs, output)
	}

	// A cancel that lands while the last stage finishes still wins
	if ctx.Err() != nil {
		e.logCancelled(ctx, job.ID, "")
		result.Outcome = OutcomeCancelled
		result.Err = NewCancellationError("")
		result.Duration = time.Since(start)
		return result
	}

	result.Outcome = OutcomeCompleted
	result.Duration = time.Since(start)
	return result
}

func (e *Executor) runStage(ctx context.Context, job *Job, tracker *ProgressTracker, index int, st Stage, sig signal.CompositeSignal) (domain.StageOutput, *OperationError) {
	out := domain.StageOutput{Stage: st.Name}
	started := time.Now()

	ctx, span := e.tracer.TraceStage(ctx, job.ID, st.Name, index)
	defer span.End()

	e.logger.InfoContext(ctx, "stage_start",
		slog.String("job_id", job.ID),
		slog.String("stage", st.Name),
		slog.Int("stage_index", index))
	e.publish(ctx, tracker, index, st.Name, 0, "starting "+st.Name, nil)

	timeout := e.cfg.GetStageTimeout(st.Name)
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	value, err := invoke(stageCtx, st, sig.Iterations, e.emitter(ctx, tracker, index, st.Name))
	deadline := stageCtx.Err() == context.DeadlineExceeded
	cancel()

	duration := time.Since(started)
	out.DurationMS = duration.Milliseconds()

	if err != nil {
		var opErr *OperationError
		switch {
		case deadline && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded):
			opErr = NewTimeoutError(st.Name, timeout.String())
			opErr.Cause = err
		default:
			opErr = NewExecutionError(st.Name, err)
		}
		e.tracer.RecordStageCompletion(ctx, span, st.Name, duration, opErr)
		e.logger.ErrorContext(ctx, "stage_error",
			slog.String("job_id", job.ID),
			slog.String("stage", st.Name),
			slog.String("error_type", string(opErr.Type)),
			slog.String("error", opErr.Message))
		return out, opErr
	}

	if value != nil {
		raw, merr := json.Marshal(value)
		if merr != nil {
			opErr := NewExecutionError(st.Name, fmt.Errorf("encode %s output: %w", st.Name, merr))
			e.tracer.RecordStageCompletion(ctx, span, st.Name, duration, opErr)
			return out, opErr
		}
		out.Output = raw
	}

	var aux *domain.AuxPayload
	if ex, ok := value.(Excerpter); ok {
		if text := ex.Excerpt(); text != "" {
			aux = &domain.AuxPayload{Producer: st.Name, Content: text}
		}
	}
	e.publish(ctx, tracker, index, st.Name, 1.0, st.Name+" complete", aux)

	e.tracer.RecordStageCompletion(ctx, span, st.Name, duration, nil)
	e.logger.InfoContext(ctx, "stage_complete",
		slog.String("job_id", job.ID),
		slog.String("stage", st.Name),
		slog.Duration("duration", duration))

	return out, nil
}

// emitter binds an EmitFunc to one stage. Intermediate updates are
// coalesced to at most one per PublishInterval; updates carrying an aux
// payload and the stage's final update always go through.
func (e *Executor) emitter(ctx context.Context, tracker *ProgressTracker, index int, stage string) EmitFunc {
	var limiter *rate.Limiter
	if e.cfg.PublishInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(e.cfg.PublishInterval), 1)
	}

	return func(fraction float64, message string, aux ...domain.AuxPayload) {
		var a *domain.AuxPayload
		if len(aux) > 0 {
			last := aux[len(aux)-1]
			a = &last
		}
		if a == nil && fraction < 1 && limiter != nil && !limiter.Allow() {
			return
		}
		e.publish(ctx, tracker, index, stage, fraction, message, a)
	}
}

func (e *Executor) publish(ctx context.Context, tracker *ProgressTracker, index int, stage string, fraction float64, message string, aux *domain.AuxPayload) {
	if err := tracker.Advance(ctx, index, fraction, message, aux); err != nil {
		e.tracer.RecordPublishFailure(ctx, stage)
		e.logger.WarnContext(ctx, "publish_failed",
			slog.String("job_id", tracker.job.ID),
			slog.String("stage", stage),
			slog.String("error", err.Error()))
	}
}

func (e *Executor) logCancelled(ctx context.Context, jobID, stage string) {
	e.logger.InfoContext(ctx, "job_cancelled",
		slog.String("job_id", jobID),
		slog.String("stage", stage))
}

func invoke(ctx context.Context, st Stage, rounds int, emit EmitFunc) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage %s panicked: %v", st.Name, r)
		}
	}()
	if st.Rounds != nil {
		if rounds < 1 {
			rounds = 1
		}
		return st.Rounds(ctx, rounds, emit)
	}
	return st.Run(ctx, emit)
}

// checkStages verifies the callables line up one to one with the table
func checkStages(table *StageTable, stages []Stage) *OperationError {
	if len(stages) != table.Count() {
		return NewConfigurationError(fmt.Sprintf("got %d stage callables for %d table stages", len(stages), table.Count()), nil)
	}
	for i, st := range stages {
		if st.Name != table.Name(i) {
			return NewConfigurationError(fmt.Sprintf("stage %d is %q, table expects %q", i, st.Name, table.Name(i)), nil)
		}
		if (st.Run == nil) == (st.Rounds == nil) {
			return NewConfigurationError(fmt.Sprintf("stage %q must set exactly one of Run or Rounds", st.Name), nil)
		}
	}
	return nil
}
