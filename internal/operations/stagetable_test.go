package operations_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockpulse/internal/operations"
)

func TestDefaultStageTable(t *testing.T) {
	table, err := operations.NewStageTable(operations.DefaultStageWeights())
	require.NoError(t, err)

	assert.Equal(t, 4, table.Count())
	assert.Equal(t, []string{"validate", "analyze", "debate", "risk"}, table.Names())

	want := []float64{0, 0.1, 0.4, 0.8, 1.0}
	for i, w := range want {
		assert.InDelta(t, w, table.CumulativeWeightBefore(i), 1e-9, "stage %d", i)
	}
	assert.Equal(t, 0.0, table.CumulativeWeightBefore(-3))
	assert.Equal(t, 1.0, table.CumulativeWeightBefore(99))

	idx, ok := table.Index("debate")
	require.True(t, ok)
	assert.Equal(t, 2, idx)
	assert.Equal(t, 0.4, table.Weight(idx))
	assert.Equal(t, 0.0, table.Weight(7))
	assert.Equal(t, "", table.Name(7))
}

func TestStageWeightsConserved(t *testing.T) {
	table := operations.MustStageTable(operations.DefaultStageWeights())
	sum := 0.0
	for i := 0; i < table.Count(); i++ {
		sum += table.Weight(i)
	}
	assert.InDelta(t, 1.0, sum, operations.WeightTolerance)
	assert.InDelta(t, 1.0, table.CumulativeWeightBefore(table.Count()-1)+table.Weight(table.Count()-1), 1e-9)
}

func TestNewStageTableRejects(t *testing.T) {
	tests := []struct {
		name    string
		weights []operations.StageWeight
	}{
		{"empty", nil},
		{"sum too low", []operations.StageWeight{{"a", 0.5}, {"b", 0.4}}},
		{"sum too high", []operations.StageWeight{{"a", 0.6}, {"b", 0.41}}},
		{"duplicate", []operations.StageWeight{{"a", 0.5}, {"a", 0.5}}},
		{"blank name", []operations.StageWeight{{" ", 1}}},
		{"zero weight", []operations.StageWeight{{"a", 0}, {"b", 1}}},
		{"negative weight", []operations.StageWeight{{"a", -0.5}, {"b", 1.5}}},
		{"nan", []operations.StageWeight{{"a", math.NaN()}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := operations.NewStageTable(tt.weights)
			require.Error(t, err)
			assert.Equal(t, operations.ErrorTypeConfiguration, operations.GetErrorType(err))
		})
	}
}

func TestNewStageTableTolerance(t *testing.T) {
	_, err := operations.NewStageTable([]operations.StageWeight{{"a", 0.3333333}, {"b", 0.3333333}, {"c", 0.3333334}})
	assert.NoError(t, err)

	_, err = operations.NewStageTable([]operations.StageWeight{{"a", 0.333}, {"b", 0.333}, {"c", 0.333}})
	assert.Error(t, err)
}

func TestMustStageTablePanics(t *testing.T) {
	assert.Panics(t, func() {
		operations.MustStageTable([]operations.StageWeight{{"a", 0.2}})
	})
}

func TestStageTableSubset(t *testing.T) {
	table := operations.MustStageTable(operations.DefaultStageWeights())

	same, err := table.Subset(nil)
	require.NoError(t, err)
	assert.Same(t, table, same)

	// Requested order does not matter; table order is kept
	sub, err := table.Subset([]string{"risk", "analyze"})
	require.NoError(t, err)
	assert.Equal(t, []string{"analyze", "risk"}, sub.Names())
	assert.InDelta(t, 0.6, sub.Weight(0), 1e-9)
	assert.InDelta(t, 0.4, sub.Weight(1), 1e-9)
	assert.InDelta(t, 1.0, sub.Weight(0)+sub.Weight(1), operations.WeightTolerance)

	_, err = table.Subset([]string{"analyze", "backtest"})
	require.Error(t, err)
	assert.Equal(t, operations.ErrorTypeValidation, operations.GetErrorType(err))
}

func TestParseStageWeights(t *testing.T) {
	weights, err := operations.ParseStageWeights([]string{"validate:0.1", " analyze : 0.3 ", "debate:0.4", "risk:0.2"})
	require.NoError(t, err)
	assert.Equal(t, operations.DefaultStageWeights(), weights)

	_, err = operations.ParseStageWeights([]string{"validate"})
	assert.Error(t, err)

	_, err = operations.ParseStageWeights([]string{"validate:ten"})
	assert.Error(t, err)
}
