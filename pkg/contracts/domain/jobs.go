package domain

import (
	"encoding/json"
	"time"
)

// JobStatus represents the lifecycle state of an analysis job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Market categories accepted by the analysis pipeline
const (
	CategoryAShare = "A"
	CategoryHK     = "HK"
	CategoryUS     = "US"
)

// JobInput is what a client submits to start an analysis job.
// Indicators optionally supplies market-heat inputs directly; a nil value
// (or a missing key) means the indicator is unavailable.
type JobInput struct {
	SubjectID       string              `json:"subject_id" validate:"required,min=1,max=16"`
	Category        string              `json:"category" validate:"required,oneof=A HK US"`
	RequestedStages []string            `json:"requested_stages,omitempty" validate:"omitempty,dive,required"`
	Indicators      map[string]*float64 `json:"indicators,omitempty"`
}

// AuxPayload is a short excerpt of intermediate output shown to watchers
// while a job is still running.
type AuxPayload struct {
	Producer string `json:"producer"`
	Content  string `json:"content"`
}

// SignalSummary is the persisted view of the market-heat signal a job ran with.
type SignalSummary struct {
	Score         float64  `json:"score"`
	Tier          string   `json:"tier"`
	Iterations    int      `json:"iterations"`
	IterationMult float64  `json:"iteration_multiplier"`
	PositionMult  float64  `json:"position_multiplier"`
	StopLossMult  float64  `json:"stop_loss_multiplier"`
	Defaulted     []string `json:"defaulted,omitempty"`
}

// StageOutput is one stage's contribution to the final result.
type StageOutput struct {
	Stage      string          `json:"stage"`
	Output     json.RawMessage `json:"output,omitempty"`
	DurationMS int64           `json:"duration_ms"`
}

// ProgressSnapshot is the single record shape stored for a job. The same
// shape serves in-flight progress and the final durable record; the
// terminal-only fields are empty until the job finishes.
type ProgressSnapshot struct {
	JobID            string         `json:"job_id"`
	Status           JobStatus      `json:"status"`
	SubjectID        string         `json:"subject_id"`
	Category         string         `json:"category"`
	Overall          float64        `json:"overall"`
	Percent          float64        `json:"percent"`
	StageIndex       int            `json:"stage_index"`
	StageName        string         `json:"stage_name,omitempty"`
	StageCount       int            `json:"stage_count"`
	Message          string         `json:"message,omitempty"`
	ElapsedSeconds   float64        `json:"elapsed_seconds"`
	RemainingSeconds *float64       `json:"remaining_seconds,omitempty"`
	Aux              *AuxPayload    `json:"aux,omitempty"`
	Signal           *SignalSummary `json:"signal,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt        time.Time      `json:"updated_at"`

	// Terminal-only
	Error       string        `json:"error,omitempty"`
	FailedStage string        `json:"failed_stage,omitempty"`
	Result      []StageOutput `json:"result,omitempty"`
}

// Clone returns a deep copy so callers can mutate freely.
func (p *ProgressSnapshot) Clone() *ProgressSnapshot {
	if p == nil {
		return nil
	}
	cp := *p
	if p.RemainingSeconds != nil {
		v := *p.RemainingSeconds
		cp.RemainingSeconds = &v
	}
	if p.Aux != nil {
		a := *p.Aux
		cp.Aux = &a
	}
	if p.Signal != nil {
		s := *p.Signal
		s.Defaulted = append([]string(nil), p.Signal.Defaulted...)
		cp.Signal = &s
	}
	if p.StartedAt != nil {
		t := *p.StartedAt
		cp.StartedAt = &t
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		cp.CompletedAt = &t
	}
	if p.Result != nil {
		cp.Result = make([]StageOutput, len(p.Result))
		for i, r := range p.Result {
			cp.Result[i] = StageOutput{
				Stage:      r.Stage,
				Output:     append(json.RawMessage(nil), r.Output...),
				DurationMS: r.DurationMS,
			}
		}
	}
	return &cp
}
