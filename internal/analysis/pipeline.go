// Package analysis provides the stage callables of the standard analysis
// job: validate, analyze, debate and risk. The agents doing the actual work
// sit behind the Analyst, Debater and RiskAssessor interfaces.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"stockpulse/internal/cache"
	"stockpulse/internal/operations"
	"stockpulse/internal/signal"
	"stockpulse/pkg/contracts/domain"
)

// CacheNamespace is the aux cache namespace for analyst reports
const CacheNamespace = "analysis"

// DefaultConcurrency bounds concurrent analysts within the analyze stage
const DefaultConcurrency = 4

var subjectPatterns = map[string]*regexp.Regexp{
	domain.CategoryAShare: regexp.MustCompile(`^\d{6}$`),
	domain.CategoryHK:     regexp.MustCompile(`^\d{4,5}$`),
	domain.CategoryUS:     regexp.MustCompile(`^[A-Z]{1,5}$`),
}

// Pipeline builds the standard stages for each job
type Pipeline struct {
	analysts    []Analyst
	debater     Debater
	risk        RiskAssessor
	cache       *cache.Cache
	concurrency int
	logger      *slog.Logger
	now         func() time.Time
}

// Option customizes a Pipeline
type Option func(*Pipeline)

// WithCache reuses analyst reports across jobs through the aux cache
func WithCache(c *cache.Cache) Option {
	return func(p *Pipeline) { p.cache = c }
}

// WithConcurrency bounds how many analysts run at once
func WithConcurrency(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// NewPipeline creates a pipeline over the given collaborators
func NewPipeline(analysts []Analyst, debater Debater, risk RiskAssessor, opts ...Option) (*Pipeline, error) {
	if len(analysts) == 0 {
		return nil, errors.New("at least one analyst is required")
	}
	if debater == nil || risk == nil {
		return nil, errors.New("debater and risk assessor are required")
	}
	p := &Pipeline{
		analysts:    analysts,
		debater:     debater,
		risk:        risk,
		concurrency: DefaultConcurrency,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(slog.String("component", "analysis"))
	return p, nil
}

// session is the per-job state shared by the stages of one job. Stages run
// one after another on the job goroutine, so it needs no lock.
type session struct {
	req     Request
	sig     signal.CompositeSignal
	reports []Report
	debate  DebateResult
}

// BuildStages implements operations.StageBuilder
func (p *Pipeline) BuildStages(ctx context.Context, job *operations.Job, sig signal.CompositeSignal) ([]operations.Stage, error) {
	s := &session{
		req: Request{
			JobID:     job.ID,
			SubjectID: job.Input.SubjectID,
			Category:  job.Input.Category,
			Date:      job.CreatedAt,
			Tier:      sig.Tier,
		},
		sig: sig,
	}

	stages := make([]operations.Stage, 0, job.Table.Count())
	for _, name := range job.Table.Names() {
		switch name {
		case operations.StageValidate:
			stages = append(stages, operations.Stage{Name: name, Run: func(ctx context.Context, emit operations.EmitFunc) (any, error) {
				return p.validate(ctx, s)
			}})
		case operations.StageAnalyze:
			stages = append(stages, operations.Stage{Name: name, Run: func(ctx context.Context, emit operations.EmitFunc) (any, error) {
				return p.analyze(ctx, s, emit)
			}})
		case operations.StageDebate:
			stages = append(stages, operations.Stage{Name: name, Rounds: func(ctx context.Context, rounds int, emit operations.EmitFunc) (any, error) {
				return p.runDebate(ctx, s, rounds, emit)
			}})
		case operations.StageRisk:
			stages = append(stages, operations.Stage{Name: name, Run: func(ctx context.Context, emit operations.EmitFunc) (any, error) {
				return p.assess(ctx, s)
			}})
		default:
			return nil, errors.Newf("no stage callable for %q", name)
		}
	}
	return stages, nil
}

func (p *Pipeline) validate(ctx context.Context, s *session) (ValidationResult, error) {
	pattern, ok := subjectPatterns[s.req.Category]
	if !ok {
		return ValidationResult{}, errors.Newf("unsupported category %q", s.req.Category)
	}
	if !pattern.MatchString(s.req.SubjectID) {
		return ValidationResult{}, errors.Newf("invalid subject id %q for category %s", s.req.SubjectID, s.req.Category)
	}
	return ValidationResult{SubjectID: s.req.SubjectID, Category: s.req.Category}, nil
}

// analyze runs every analyst concurrently. The first failure cancels the
// rest and fails the stage.
func (p *Pipeline) analyze(ctx context.Context, s *session, emit operations.EmitFunc) (AnalyzeResult, error) {
	total := len(p.analysts)
	reports := make([]Report, total)
	var done, hits atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for i, a := range p.analysts {
		g.Go(func() error {
			rep, cached, err := p.runAnalyst(gctx, s.req, a)
			if err != nil {
				return errors.Wrapf(err, "%s analyst", a.Name())
			}
			reports[i] = rep
			if cached {
				hits.Add(1)
			}
			n := done.Add(1)
			emit(float64(n)/float64(total), fmt.Sprintf("%d/%d analysts", n, total),
				domain.AuxPayload{Producer: a.Name(), Content: rep.Summary})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return AnalyzeResult{}, err
	}

	s.reports = reports
	return AnalyzeResult{Reports: reports, CacheHits: int(hits.Load())}, nil
}

func (p *Pipeline) runAnalyst(ctx context.Context, req Request, a Analyst) (Report, bool, error) {
	entity := a.Name() + "-" + req.SubjectID
	date := cache.DateBucket(req.Date)

	if p.cache != nil {
		if raw, ok := p.cache.Get(ctx, CacheNamespace, entity, cache.CategoryAnalysis, date); ok {
			var rep Report
			if err := json.Unmarshal(raw, &rep); err == nil {
				rep.Cached = true
				return rep, true, nil
			}
			p.logger.WarnContext(ctx, "cached_report_unreadable", slog.String("analyst", a.Name()))
		}
	}

	rep, err := a.Analyze(ctx, req)
	if err != nil {
		return Report{}, false, err
	}
	if rep.Analyst == "" {
		rep.Analyst = a.Name()
	}

	if p.cache != nil {
		if raw, err := json.Marshal(rep); err == nil {
			_ = p.cache.Set(ctx, CacheNamespace, entity, cache.CategoryAnalysis, date, raw, 0)
		}
	}
	return rep, false, nil
}

func (p *Pipeline) runDebate(ctx context.Context, s *session, rounds int, emit operations.EmitFunc) (DebateResult, error) {
	result := DebateResult{Rounds: rounds}
	var bull, bear float64

	for round := 1; round <= rounds; round++ {
		if err := ctx.Err(); err != nil {
			return DebateResult{}, err
		}
		for _, side := range []Side{SideBull, SideBear} {
			arg, err := p.debater.Argue(ctx, s.req, side, round, s.reports, result.Arguments)
			if err != nil {
				return DebateResult{}, errors.Wrapf(err, "round %d %s", round, side)
			}
			arg.Round, arg.Side = round, side
			result.Arguments = append(result.Arguments, arg)
			if side == SideBull {
				bull += arg.Conviction
			} else {
				bear += arg.Conviction
			}
			emit(float64(2*(round-1)+sideOffset(side))/float64(2*rounds),
				fmt.Sprintf("round %d/%d %s", round, rounds, side),
				domain.AuxPayload{Producer: string(side), Content: arg.Text})
		}
	}

	result.Verdict = verdict(bull, bear)
	result.Summary = fmt.Sprintf("%s after %d round(s): bull %.2f vs bear %.2f", result.Verdict, rounds, bull, bear)
	s.debate = result
	return result, nil
}

func sideOffset(side Side) int {
	if side == SideBull {
		return 1
	}
	return 2
}

func verdict(bull, bear float64) Stance {
	const margin = 0.05
	switch {
	case bull-bear > margin:
		return StanceBullish
	case bear-bull > margin:
		return StanceBearish
	default:
		return StanceNeutral
	}
}

func (p *Pipeline) assess(ctx context.Context, s *session) (RiskReport, error) {
	return p.risk.Assess(ctx, RiskRequest{
		Request:      s.req,
		Reports:      s.reports,
		Debate:       s.debate,
		PositionMult: s.sig.PositionMult,
		StopLossMult: s.sig.StopLossMult,
	})
}
