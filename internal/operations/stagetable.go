package operations

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// WeightTolerance is how far the weight sum may drift from 1.0
const WeightTolerance = 1e-6

// Standard stage names
const (
	StageValidate = "validate"
	StageAnalyze  = "analyze"
	StageDebate   = "debate"
	StageRisk     = "risk"
)

// StageWeight pairs a stage name with its share of total progress.
type StageWeight struct {
	Name   string  `json:"name" yaml:"name"`
	Weight float64 `json:"weight" yaml:"weight"`
}

// StageTable is the ordered list of stages a job runs, with weights
// summing to 1.0. A StageTable is immutable once built.
type StageTable struct {
	stages     []StageWeight
	cumulative []float64
	index      map[string]int
}

// DefaultStageWeights is the standard validate/analyze/debate/risk split
func DefaultStageWeights() []StageWeight {
	return []StageWeight{
		{Name: StageValidate, Weight: 0.10},
		{Name: StageAnalyze, Weight: 0.30},
		{Name: StageDebate, Weight: 0.40},
		{Name: StageRisk, Weight: 0.20},
	}
}

// NewStageTable validates weights and builds a table. The weights must be
// positive and sum to 1.0 within WeightTolerance.
func NewStageTable(weights []StageWeight) (*StageTable, error) {
	if len(weights) == 0 {
		return nil, NewConfigurationError("stage table is empty", nil)
	}

	t := &StageTable{
		stages:     make([]StageWeight, len(weights)),
		cumulative: make([]float64, len(weights)+1),
		index:      make(map[string]int, len(weights)),
	}

	sum := 0.0
	for i, w := range weights {
		name := strings.TrimSpace(w.Name)
		if name == "" {
			return nil, NewConfigurationError(fmt.Sprintf("stage %d has no name", i), nil)
		}
		if _, dup := t.index[name]; dup {
			return nil, NewConfigurationError(fmt.Sprintf("duplicate stage %q", name), nil)
		}
		if w.Weight <= 0 || math.IsNaN(w.Weight) || math.IsInf(w.Weight, 0) {
			return nil, NewConfigurationError(fmt.Sprintf("stage %q has invalid weight %v", name, w.Weight), nil)
		}
		t.stages[i] = StageWeight{Name: name, Weight: w.Weight}
		t.index[name] = i
		t.cumulative[i] = sum
		sum += w.Weight
	}

	if math.Abs(sum-1.0) > WeightTolerance {
		return nil, NewConfigurationError(fmt.Sprintf("stage weights sum to %.9f, want 1.0", sum), nil)
	}
	t.cumulative[len(weights)] = 1.0

	return t, nil
}

// MustStageTable is NewStageTable for tables known at compile time.
func MustStageTable(weights []StageWeight) *StageTable {
	t, err := NewStageTable(weights)
	if err != nil {
		panic(err)
	}
	return t
}

// ParseStageWeights parses "name:weight" entries as used in configuration.
func ParseStageWeights(entries []string) ([]StageWeight, error) {
	out := make([]StageWeight, 0, len(entries))
	for _, e := range entries {
		name, raw, ok := strings.Cut(strings.TrimSpace(e), ":")
		if !ok {
			return nil, NewConfigurationError(fmt.Sprintf("stage entry %q is not name:weight", e), nil)
		}
		w, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, NewConfigurationError(fmt.Sprintf("stage entry %q has bad weight", e), err)
		}
		out = append(out, StageWeight{Name: strings.TrimSpace(name), Weight: w})
	}
	return out, nil
}

// Count returns the number of stages
func (t *StageTable) Count() int {
	return len(t.stages)
}

// Name returns the name of stage i
func (t *StageTable) Name(i int) string {
	if i < 0 || i >= len(t.stages) {
		return ""
	}
	return t.stages[i].Name
}

// Weight returns the weight of stage i, or 0 when out of range
func (t *StageTable) Weight(i int) float64 {
	if i < 0 || i >= len(t.stages) {
		return 0
	}
	return t.stages[i].Weight
}

// Index returns the position of a named stage
func (t *StageTable) Index(name string) (int, bool) {
	i, ok := t.index[name]
	return i, ok
}

// Names returns the stage names in execution order
func (t *StageTable) Names() []string {
	names := make([]string, len(t.stages))
	for i, s := range t.stages {
		names[i] = s.Name
	}
	return names
}

// Weights returns a copy of the table entries
func (t *StageTable) Weights() []StageWeight {
	return append([]StageWeight(nil), t.stages...)
}

// CumulativeWeightBefore returns the sum of weights of stages before i.
// Indices past the end return 1.0.
func (t *StageTable) CumulativeWeightBefore(i int) float64 {
	if i <= 0 {
		return 0
	}
	if i >= len(t.stages) {
		return 1.0
	}
	return t.cumulative[i]
}

// Subset builds a table with only the named stages, kept in this table's
// order and renormalized to sum to 1.0. An empty request returns t.
func (t *StageTable) Subset(names []string) (*StageTable, error) {
	if len(names) == 0 {
		return t, nil
	}

	want := make(map[string]bool, len(names))
	for _, n := range names {
		if _, ok := t.index[n]; !ok {
			return nil, NewValidationError(n, fmt.Sprintf("unknown stage %q", n))
		}
		want[n] = true
	}

	total := 0.0
	for _, s := range t.stages {
		if want[s.Name] {
			total += s.Weight
		}
	}

	picked := make([]StageWeight, 0, len(want))
	for _, s := range t.stages {
		if want[s.Name] {
			picked = append(picked, StageWeight{Name: s.Name, Weight: s.Weight / total})
		}
	}

	// Absorb float drift into the last stage so the sum check holds
	drift := 1.0
	for _, s := range picked[:len(picked)-1] {
		drift -= s.Weight
	}
	picked[len(picked)-1].Weight = drift

	return NewStageTable(picked)
}
