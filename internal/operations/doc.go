/*
Package operations runs staged analysis jobs and tracks their progress.

A job walks an ordered StageTable. Each stage carries a weight and the
weights sum to 1.0, so overall progress is the cumulative weight of the
finished stages plus the weighted fraction of the current one.

# Components

  - Supervisor owns the job lifecycle: Start, Cancel, GetSnapshot,
    FetchResult, Delete, Recover and Shutdown. Each job runs on its own
    goroutine with its own cancel function.
  - Executor calls the stage callables in order, applies per-stage
    timeouts and turns panics and errors into OperationErrors.
  - ProgressTracker folds stage reports into ProgressSnapshots and hands
    them to a Publisher. Overall progress never decreases.
  - StageTable holds the stage names and weights and validates them once
    at startup.

# Errors

Failures are reported as *OperationError with an ErrorType. The
sentinels ErrJobNotFound, ErrJobFinished, ErrNotComplete and
ErrShuttingDown compare with errors.Is.

# Usage

	table := operations.MustStageTable(operations.DefaultStageWeights())
	sup := operations.NewSupervisor(table, store, builder, operations.NewConfig(),
		operations.WithLogger(logger),
	)
	res, err := sup.Start(ctx, domain.JobInput{SubjectID: "AAPL", Category: domain.CategoryUS})
*/
package operations
