package analysis

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Stance is an analyst's or debater's directional view
type Stance string

const (
	StanceBullish Stance = "bullish"
	StanceBearish Stance = "bearish"
	StanceNeutral Stance = "neutral"
)

// Side of the debate
type Side string

const (
	SideBull Side = "bull"
	SideBear Side = "bear"
)

// Request is what every collaborator is told about the job
type Request struct {
	JobID     string    `json:"job_id"`
	SubjectID string    `json:"subject_id"`
	Category  string    `json:"category"`
	Date      time.Time `json:"date"`
	Tier      string    `json:"tier"`
}

// Report is one analyst's output
type Report struct {
	Analyst    string  `json:"analyst"`
	Stance     Stance  `json:"stance"`
	Confidence float64 `json:"confidence"`
	Summary    string  `json:"summary"`
	Cached     bool    `json:"cached,omitempty"`
}

// Argument is one side's contribution to a debate round
type Argument struct {
	Round      int     `json:"round"`
	Side       Side    `json:"side"`
	Conviction float64 `json:"conviction"`
	Text       string  `json:"text"`
}

// ValidationResult is the output of the validate stage
type ValidationResult struct {
	SubjectID string `json:"subject_id"`
	Category  string `json:"category"`
}

// AnalyzeResult is the output of the analyze stage
type AnalyzeResult struct {
	Reports   []Report `json:"reports"`
	CacheHits int      `json:"cache_hits"`
}

// Excerpt lists each analyst's stance
func (r AnalyzeResult) Excerpt() string {
	parts := make([]string, 0, len(r.Reports))
	for _, rep := range r.Reports {
		parts = append(parts, rep.Analyst+" "+string(rep.Stance))
	}
	return strings.Join(parts, ", ")
}

// DebateResult is the output of the debate stage
type DebateResult struct {
	Rounds    int        `json:"rounds"`
	Arguments []Argument `json:"arguments"`
	Verdict   Stance     `json:"verdict"`
	Summary   string     `json:"summary"`
}

// Excerpt implements operations.Excerpter
func (d DebateResult) Excerpt() string { return d.Summary }

// RiskRequest carries the debate outcome and the market-heat multipliers
type RiskRequest struct {
	Request
	Reports      []Report     `json:"reports"`
	Debate       DebateResult `json:"debate"`
	PositionMult float64      `json:"position_multiplier"`
	StopLossMult float64      `json:"stop_loss_multiplier"`
}

// RiskReport is the output of the risk stage
type RiskReport struct {
	Rating       string  `json:"rating"`
	PositionSize float64 `json:"position_size"`
	StopLoss     float64 `json:"stop_loss"`
	Notes        string  `json:"notes"`
}

// Excerpt implements operations.Excerpter
func (r RiskReport) Excerpt() string {
	return fmt.Sprintf("%s: position %.1f%%, stop-loss %.1f%%", r.Rating, r.PositionSize*100, r.StopLoss*100)
}

// Analyst produces one report on a subject
type Analyst interface {
	Name() string
	Analyze(ctx context.Context, req Request) (Report, error)
}

// Debater argues one side of a round given the reports and the arguments so far
type Debater interface {
	Argue(ctx context.Context, req Request, side Side, round int, reports []Report, history []Argument) (Argument, error)
}

// RiskAssessor turns the debate into a position recommendation
type RiskAssessor interface {
	Assess(ctx context.Context, req RiskRequest) (RiskReport, error)
}
