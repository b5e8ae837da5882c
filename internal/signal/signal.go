package signal

import (
	"math"
	"sort"

	"github.com/cockroachdb/errors"

	"stockpulse/pkg/contracts/domain"
)

// Indicator names
const (
	IndicatorVolume     = "volume"
	IndicatorVolatility = "volatility"
	IndicatorTurnover   = "turnover"
	IndicatorBreadth    = "breadth"
	IndicatorSentiment  = "sentiment"
	IndicatorMomentum   = "momentum"
)

// Tier names
const (
	TierCold   = "cold"
	TierCool   = "cool"
	TierNormal = "normal"
	TierWarm   = "warm"
	TierHot    = "hot"
)

// Indicator describes one input to the composite score.
type Indicator struct {
	Name    string
	Weight  float64
	Min     float64
	Max     float64
	Neutral float64
}

// Tier maps a score band to pipeline behavior.
type Tier struct {
	LowerBound   float64
	Name         string
	Iterations   int
	PositionMult float64
	StopLossMult float64
}

// CompositeSignal is the immutable result of one computation.
type CompositeSignal struct {
	Score         float64
	Tier          string
	Iterations    int
	IterationMult float64
	PositionMult  float64
	StopLossMult  float64
	Values        map[string]float64
	Defaulted     []string
}

// Summary converts the signal to its persisted form.
func (s CompositeSignal) Summary() *domain.SignalSummary {
	return &domain.SignalSummary{
		Score:         s.Score,
		Tier:          s.Tier,
		Iterations:    s.Iterations,
		IterationMult: s.IterationMult,
		PositionMult:  s.PositionMult,
		StopLossMult:  s.StopLossMult,
		Defaulted:     append([]string(nil), s.Defaulted...),
	}
}

// DefaultIndicators returns the standard indicator set.
//
//	volume      volume ratio vs 20-day average  [0,2]   neutral 1
//	volatility  daily range, percent            [0,6]   neutral 3
//	turnover    turnover rate, percent          [0,10]  neutral 5
//	breadth     share of advancing issues       [0,1]   neutral 0.5
//	sentiment   news sentiment                  [-1,1]  neutral 0
//	momentum    index 5-day change, percent     [-5,5]  neutral 0
func DefaultIndicators() []Indicator {
	return []Indicator{
		{Name: IndicatorVolume, Weight: 0.25, Min: 0, Max: 2, Neutral: 1},
		{Name: IndicatorVolatility, Weight: 0.20, Min: 0, Max: 6, Neutral: 3},
		{Name: IndicatorTurnover, Weight: 0.15, Min: 0, Max: 10, Neutral: 5},
		{Name: IndicatorBreadth, Weight: 0.15, Min: 0, Max: 1, Neutral: 0.5},
		{Name: IndicatorSentiment, Weight: 0.15, Min: -1, Max: 1, Neutral: 0},
		{Name: IndicatorMomentum, Weight: 0.10, Min: -5, Max: 5, Neutral: 0},
	}
}

// DefaultTiers returns the standard tier table, ordered by lower bound.
func DefaultTiers() []Tier {
	return []Tier{
		{LowerBound: 0, Name: TierCold, Iterations: 1, PositionMult: 0.5, StopLossMult: 0.8},
		{LowerBound: 20, Name: TierCool, Iterations: 1, PositionMult: 0.8, StopLossMult: 0.9},
		{LowerBound: 40, Name: TierNormal, Iterations: 2, PositionMult: 1.0, StopLossMult: 1.0},
		{LowerBound: 60, Name: TierWarm, Iterations: 3, PositionMult: 1.2, StopLossMult: 1.2},
		{LowerBound: 80, Name: TierHot, Iterations: 3, PositionMult: 1.5, StopLossMult: 1.5},
	}
}

// Calculator computes composite signals from a fixed indicator set and tier table.
type Calculator struct {
	indicators       []Indicator
	tiers            []Tier
	normalIterations int
}

// NewCalculator validates the indicator set and tier table.
func NewCalculator(indicators []Indicator, tiers []Tier) (*Calculator, error) {
	if len(indicators) == 0 {
		return nil, errors.New("signal: no indicators configured")
	}
	sum := 0.0
	seen := make(map[string]bool, len(indicators))
	for _, ind := range indicators {
		if ind.Name == "" || seen[ind.Name] {
			return nil, errors.Newf("signal: indicator name %q is empty or duplicated", ind.Name)
		}
		seen[ind.Name] = true
		if ind.Weight <= 0 {
			return nil, errors.Newf("signal: indicator %q has non-positive weight", ind.Name)
		}
		if ind.Max <= ind.Min || ind.Neutral < ind.Min || ind.Neutral > ind.Max {
			return nil, errors.Newf("signal: indicator %q has invalid range", ind.Name)
		}
		sum += ind.Weight
	}
	if math.Abs(sum-1.0) > 1e-6 {
		return nil, errors.Newf("signal: indicator weights sum to %.6f, want 1.0", sum)
	}

	if len(tiers) == 0 {
		return nil, errors.New("signal: no tiers configured")
	}
	sorted := append([]Tier(nil), tiers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LowerBound < sorted[j].LowerBound })
	if sorted[0].LowerBound != 0 {
		return nil, errors.New("signal: lowest tier must start at 0")
	}

	normal := 0
	for i, t := range sorted {
		if t.Iterations < 1 {
			return nil, errors.Newf("signal: tier %q needs at least one iteration", t.Name)
		}
		if i > 0 && t.LowerBound == sorted[i-1].LowerBound {
			return nil, errors.Newf("signal: tiers %q and %q share a lower bound", sorted[i-1].Name, t.Name)
		}
		if t.Name == TierNormal {
			normal = t.Iterations
		}
	}
	if normal == 0 {
		// No tier called normal: scale against the tier holding the midpoint
		normal = tierFor(sorted, 50).Iterations
	}

	return &Calculator{
		indicators:       append([]Indicator(nil), indicators...),
		tiers:            sorted,
		normalIterations: normal,
	}, nil
}

var defaultCalculator = func() *Calculator {
	c, err := NewCalculator(DefaultIndicators(), DefaultTiers())
	if err != nil {
		panic(err)
	}
	return c
}()

// Default returns the calculator built from the standard tables.
func Default() *Calculator {
	return defaultCalculator
}

// Compute is Default().Compute.
func Compute(values map[string]*float64) CompositeSignal {
	return defaultCalculator.Compute(values)
}

// Compute scores the given indicator values. Nil, missing and NaN values
// fall back to the indicator's neutral value. Keys that are not known
// indicators are ignored.
func (c *Calculator) Compute(values map[string]*float64) CompositeSignal {
	resolved := make(map[string]float64, len(c.indicators))
	var defaulted []string

	score := 0.0
	for _, ind := range c.indicators {
		v := ind.Neutral
		if p, ok := values[ind.Name]; ok && p != nil && !math.IsNaN(*p) {
			v = clamp(*p, ind.Min, ind.Max)
		} else {
			defaulted = append(defaulted, ind.Name)
		}
		resolved[ind.Name] = v
		score += ind.Weight * (v - ind.Min) / (ind.Max - ind.Min) * 100
	}
	score = clamp(score, 0, 100)
	// Keep tier boundaries stable against float noise from the weighted sum
	score = math.Round(score*1e6) / 1e6

	tier := tierFor(c.tiers, score)
	return CompositeSignal{
		Score:         score,
		Tier:          tier.Name,
		Iterations:    tier.Iterations,
		IterationMult: float64(tier.Iterations) / float64(c.normalIterations),
		PositionMult:  tier.PositionMult,
		StopLossMult:  tier.StopLossMult,
		Values:        resolved,
		Defaulted:     defaulted,
	}
}

// TierFor returns the tier a score falls in.
func (c *Calculator) TierFor(score float64) Tier {
	return tierFor(c.tiers, score)
}

// Tiers returns the tier table in ascending order.
func (c *Calculator) Tiers() []Tier {
	return append([]Tier(nil), c.tiers...)
}

// Indicators returns the indicator set.
func (c *Calculator) Indicators() []Indicator {
	return append([]Indicator(nil), c.indicators...)
}

func tierFor(tiers []Tier, score float64) Tier {
	picked := tiers[0]
	for _, t := range tiers {
		if score >= t.LowerBound {
			picked = t
		}
	}
	return picked
}

func clamp(v, lo, hi float64) float64 {
	if math.IsInf(v, 1) || v > hi {
		return hi
	}
	if math.IsInf(v, -1) || v < lo {
		return lo
	}
	return v
}

// Float returns a pointer to v, for building indicator maps.
func Float(v float64) *float64 {
	return &v
}
