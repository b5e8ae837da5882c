package testutil

import (
	"encoding/json"
	"time"

	"stockpulse/pkg/contracts/domain"
)

// FixedTime is the reference clock used by snapshot fixtures
var FixedTime = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

// Snapshot returns a running snapshot halfway through the analyze stage
func Snapshot(jobID string) *domain.ProgressSnapshot {
	started := FixedTime.Add(time.Second)
	remaining := 42.0
	return &domain.ProgressSnapshot{
		JobID:            jobID,
		Status:           domain.JobStatusRunning,
		SubjectID:        "600519",
		Category:         domain.CategoryAShare,
		Overall:          0.25,
		Percent:          25,
		StageIndex:       1,
		StageName:        "analyze",
		StageCount:       4,
		Message:          "2/4 analysts",
		ElapsedSeconds:   14,
		RemainingSeconds: &remaining,
		Aux:              &domain.AuxPayload{Producer: "news", Content: "neutral coverage"},
		Signal: &domain.SignalSummary{
			Score:         50,
			Tier:          "normal",
			Iterations:    2,
			IterationMult: 1,
			PositionMult:  1,
			StopLossMult:  1,
		},
		CreatedAt: FixedTime,
		StartedAt: &started,
		UpdatedAt: FixedTime.Add(15 * time.Second),
	}
}

// CompletedSnapshot returns a finished snapshot with one output per stage
func CompletedSnapshot(jobID string) *domain.ProgressSnapshot {
	snap := Snapshot(jobID)
	done := FixedTime.Add(time.Minute)
	snap.Status = domain.JobStatusCompleted
	snap.Overall = 1
	snap.Percent = 100
	snap.StageIndex = 3
	snap.StageName = "risk"
	snap.Message = "completed"
	snap.RemainingSeconds = nil
	snap.CompletedAt = &done
	snap.UpdatedAt = done
	snap.Result = []domain.StageOutput{
		{Stage: "validate", Output: raw(map[string]any{"valid": true}), DurationMS: 3},
		{Stage: "analyze", Output: raw(map[string]any{"reports": 4}), DurationMS: 8000},
		{Stage: "debate", Output: raw(map[string]any{"rounds": 2, "verdict": "buy"}), DurationMS: 16000},
		{Stage: "risk", Output: raw(map[string]any{"rating": "buy", "position_size": 0.1}), DurationMS: 2000},
	}
	return snap
}

// FailedSnapshot returns a snapshot that failed in the given stage
func FailedSnapshot(jobID, stage, message string) *domain.ProgressSnapshot {
	snap := Snapshot(jobID)
	done := FixedTime.Add(30 * time.Second)
	snap.Status = domain.JobStatusFailed
	snap.StageName = stage
	snap.Message = message
	snap.Error = message
	snap.FailedStage = stage
	snap.RemainingSeconds = nil
	snap.CompletedAt = &done
	snap.UpdatedAt = done
	return snap
}

func raw(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
