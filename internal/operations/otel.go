package operations

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"stockpulse/internal/infrastructure"
	"stockpulse/internal/signal"
)

// OperationTracer provides OpenTelemetry instrumentation for jobs and stages
type OperationTracer struct {
	tracer  trace.Tracer
	metrics *infrastructure.BusinessMetrics
}

// NewOperationTracer creates a tracer from initialized providers
func NewOperationTracer(providers *infrastructure.OTelProviders) (*OperationTracer, error) {
	metrics, err := infrastructure.CreateBusinessMetrics(providers.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create business metrics: %w", err)
	}
	return NewOperationTracerWithMetrics(providers.Tracer, metrics), nil
}

// NewOperationTracerWithMetrics shares an existing metric set
func NewOperationTracerWithMetrics(tracer trace.Tracer, metrics *infrastructure.BusinessMetrics) *OperationTracer {
	return &OperationTracer{tracer: tracer, metrics: metrics}
}

// NewNoopTracer returns a tracer that records nothing
func NewNoopTracer() *OperationTracer {
	t, err := NewOperationTracer(infrastructure.NoopProviders(nil))
	if err != nil {
		// noop instruments cannot fail to register
		panic(err)
	}
	return t
}

// TraceJob starts the span covering a whole job
func (ot *OperationTracer) TraceJob(ctx context.Context, job *Job) (context.Context, trace.Span) {
	ctx, span := ot.tracer.Start(ctx, "job.execute",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("job.subject_id", job.Input.SubjectID),
			attribute.String("job.category", job.Input.Category),
			attribute.Int("job.stage_count", job.Table.Count()),
		),
	)

	attrs := metric.WithAttributes(attribute.String("category", job.Input.Category))
	ot.metrics.JobsStarted.Add(ctx, 1, attrs)
	ot.metrics.ActiveJobs.Add(ctx, 1, attrs)

	return ctx, span
}

// RecordSignal annotates the job span with the market-heat result
func (ot *OperationTracer) RecordSignal(ctx context.Context, sig signal.CompositeSignal) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.Float64("signal.score", sig.Score),
		attribute.String("signal.tier", sig.Tier),
		attribute.Int("signal.iterations", sig.Iterations),
	)
	ot.metrics.SignalScore.Record(ctx, sig.Score,
		metric.WithAttributes(attribute.String("tier", sig.Tier)))
}

// RecordJobCompletion closes out the job span and metrics
func (ot *OperationTracer) RecordJobCompletion(ctx context.Context, span trace.Span, job *Job, duration time.Duration, outcome Outcome) {
	span.SetAttributes(
		attribute.String("job.outcome", string(outcome)),
		attribute.Float64("job.duration_seconds", duration.Seconds()),
	)

	category := attribute.String("category", job.Input.Category)
	ot.metrics.JobsFinished.Add(ctx, 1, metric.WithAttributes(category, attribute.String("status", string(outcome))))
	ot.metrics.JobDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("status", string(outcome))))
	ot.metrics.ActiveJobs.Add(ctx, -1, metric.WithAttributes(category))

	infrastructure.AddSpanEvent(ctx, "job.completed", map[string]interface{}{
		"job_id":   job.ID,
		"outcome":  string(outcome),
		"duration": duration.Seconds(),
	})

	if outcome == OutcomeFailed {
		span.SetStatus(codes.Error, "job failed")
	} else {
		span.SetStatus(codes.Ok, string(outcome))
	}
}

// TraceStage starts the span for one stage
func (ot *OperationTracer) TraceStage(ctx context.Context, jobID, stage string, index int) (context.Context, trace.Span) {
	return ot.tracer.Start(ctx, "job.stage."+stage,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("job.id", jobID),
			attribute.String("stage.name", stage),
			attribute.Int("stage.index", index),
		),
	)
}

// RecordStageCompletion closes out a stage span
func (ot *OperationTracer) RecordStageCompletion(ctx context.Context, span trace.Span, stage string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "failure"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "stage completed")
	}
	span.SetAttributes(
		attribute.String("stage.status", status),
		attribute.Float64("stage.duration_seconds", duration.Seconds()),
	)

	ot.metrics.StageDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("status", status),
		),
	)
}

// RecordPublishFailure counts a progress update the store rejected
func (ot *OperationTracer) RecordPublishFailure(ctx context.Context, stage string) {
	ot.metrics.PublishFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordDurableFailure counts a final record the durable store rejected
func (ot *OperationTracer) RecordDurableFailure(ctx context.Context, status string) {
	ot.metrics.DurableFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
