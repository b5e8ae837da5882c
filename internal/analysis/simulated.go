package analysis

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"time"
)

// Simulated collaborators back the demo binary. Their output is a
// deterministic function of the request so runs are reproducible.

// SimulatedAnalyst pretends to research a subject for Delay
type SimulatedAnalyst struct {
	Label string
	Focus string
	Delay time.Duration
}

// StandardAnalysts returns the four analysts of the default team
func StandardAnalysts(delay time.Duration) []Analyst {
	return []Analyst{
		&SimulatedAnalyst{Label: "market", Focus: "price action and volume", Delay: delay},
		&SimulatedAnalyst{Label: "news", Focus: "recent headlines", Delay: delay},
		&SimulatedAnalyst{Label: "fundamentals", Focus: "earnings and balance sheet", Delay: delay},
		&SimulatedAnalyst{Label: "sentiment", Focus: "social chatter", Delay: delay},
	}
}

func (a *SimulatedAnalyst) Name() string { return a.Label }

func (a *SimulatedAnalyst) Analyze(ctx context.Context, req Request) (Report, error) {
	if err := sleep(ctx, a.Delay); err != nil {
		return Report{}, err
	}
	score := unit(a.Label, req.SubjectID, req.Date.Format("2006-01-02"))
	stance := StanceNeutral
	switch {
	case score > 0.6:
		stance = StanceBullish
	case score < 0.4:
		stance = StanceBearish
	}
	return Report{
		Analyst:    a.Label,
		Stance:     stance,
		Confidence: round2(0.5 + math.Abs(score-0.5)),
		Summary:    fmt.Sprintf("%s looks %s on %s", req.SubjectID, stance, a.Focus),
	}, nil
}

// SimulatedDebater leans toward whichever side the reports favour
type SimulatedDebater struct {
	Delay time.Duration
}

func (d *SimulatedDebater) Argue(ctx context.Context, req Request, side Side, round int, reports []Report, history []Argument) (Argument, error) {
	if err := sleep(ctx, d.Delay); err != nil {
		return Argument{}, err
	}
	support := 0.5
	if len(reports) > 0 {
		agree := 0
		for _, r := range reports {
			if (side == SideBull && r.Stance == StanceBullish) || (side == SideBear && r.Stance == StanceBearish) {
				agree++
			}
		}
		support = float64(agree) / float64(len(reports))
	}
	jitter := unit(string(side), req.SubjectID, fmt.Sprint(round)) * 0.2
	conviction := round2(math.Min(1, 0.3+0.5*support+jitter))
	return Argument{
		Round:      round,
		Side:       side,
		Conviction: conviction,
		Text:       fmt.Sprintf("%s case for %s, round %d: %.0f%% of analysts agree", side, req.SubjectID, round, support*100),
	}, nil
}

// SimulatedRiskAssessor scales a base position and stop-loss by the
// market-heat multipliers and the debate verdict
type SimulatedRiskAssessor struct {
	BasePosition float64
	BaseStopLoss float64
}

func (r *SimulatedRiskAssessor) Assess(ctx context.Context, req RiskRequest) (RiskReport, error) {
	if err := ctx.Err(); err != nil {
		return RiskReport{}, err
	}
	base, stop := r.BasePosition, r.BaseStopLoss
	if base <= 0 {
		base = 0.10
	}
	if stop <= 0 {
		stop = 0.08
	}

	rating, lean := "hold", 0.5
	switch req.Debate.Verdict {
	case StanceBullish:
		rating, lean = "buy", 1.0
	case StanceBearish:
		rating, lean = "sell", 0.25
	}
	pm, sm := req.PositionMult, req.StopLossMult
	if pm <= 0 {
		pm = 1
	}
	if sm <= 0 {
		sm = 1
	}
	return RiskReport{
		Rating:       rating,
		PositionSize: round4(base * lean * pm),
		StopLoss:     round4(stop * sm),
		Notes:        fmt.Sprintf("%s market, debate %s", req.Tier, req.Debate.Verdict),
	}, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// unit maps its inputs to a stable value in [0,1)
func unit(parts ...string) float64 {
	h := fnv.New64a()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return float64(h.Sum64()%10000) / 10000
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
