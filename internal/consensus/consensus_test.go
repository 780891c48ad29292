// ABOUTME: Tests for consensus aggregation.
// ABOUTME: Covers agreement thresholds, clamping, empty input and purity.

package consensus

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResult float64

func (f fakeResult) ConfidenceScore() float64 { return float64(f) }

func TestComputeScores_UniformHighConfidence(t *testing.T) {
	r := ComputeScores([]float64{0.95, 0.95, 0.95, 0.95, 0.95})

	assert.InDelta(t, 0.95, r.Confidence, 1e-9)
	assert.InDelta(t, 0.0, r.Variance, 1e-12)
	assert.Equal(t, 5, r.Participants)
	assert.Equal(t, LevelHigh, r.Agreement)
	assert.True(t, r.Reached)
}

func TestComputeScores_ScatteredConfidence(t *testing.T) {
	r := ComputeScores([]float64{0.9, 0.3, 0.95, 0.2, 0.99})

	assert.InDelta(t, 0.668, r.Confidence, 1e-9)
	assert.InDelta(t, 0.118296, r.Variance, 1e-6)
	assert.Equal(t, LevelLow, r.Agreement)
	assert.False(t, r.Reached)
}

func TestComputeScores_Empty(t *testing.T) {
	r := ComputeScores(nil)

	if r.Confidence != 0 {
		t.Errorf("expected zero confidence, got %v", r.Confidence)
	}
	if r.Agreement != LevelNone {
		t.Errorf("expected level none, got %q", r.Agreement)
	}
	if r.Reached {
		t.Error("empty input must not reach consensus")
	}
	require.NoError(t, r.Validate())
}

func TestComputeScores_Levels(t *testing.T) {
	tests := []struct {
		name   string
		scores []float64
		want   Level
	}{
		{"single score", []float64{0.4}, LevelHigh},
		{"small spread", []float64{0.8, 0.9}, LevelHigh},             // variance 0.0025
		{"medium spread", []float64{0.6, 0.9}, LevelMedium},          // variance 0.0225
		{"wide spread", []float64{0.2, 0.9}, LevelLow},               // variance 0.1225
		{"just under medium cap", []float64{0.5, 0.94}, LevelMedium}, // variance 0.0484
		{"just over medium cap", []float64{0.5, 0.96}, LevelLow},     // variance 0.0529
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeScores(tt.scores)
			assert.Equal(t, tt.want, got.Agreement, "variance=%v", got.Variance)
		})
	}
}

func TestComputeScores_ReachedIsStrict(t *testing.T) {
	r := ComputeScores([]float64{0.7, 0.7})
	assert.False(t, r.Reached, "mean of exactly 0.7 does not reach consensus")

	r = ComputeScores([]float64{0.71, 0.71})
	assert.True(t, r.Reached)
}

func TestComputeScores_ClampsOutOfRange(t *testing.T) {
	r := ComputeScores([]float64{1.5, -0.2, math.NaN()})

	assert.InDelta(t, 1.0/3.0, r.Confidence, 1e-9)
	assert.Equal(t, 3, r.Participants)
	require.NoError(t, r.Validate())
}

func TestComputeScores_DoesNotMutateInput(t *testing.T) {
	in := []float64{1.4, 0.5}
	_ = ComputeScores(in)
	assert.Equal(t, []float64{1.4, 0.5}, in)
}

func TestComputeScores_Deterministic(t *testing.T) {
	in := []float64{0.81, 0.77, 0.93, 0.85, 0.6}
	assert.Equal(t, ComputeScores(in), ComputeScores(in))
}

func TestCompute_UsesResultConfidences(t *testing.T) {
	results := []fakeResult{0.9, 0.85, 0.85}

	got := Compute(results)
	want := ComputeScores([]float64{0.9, 0.85, 0.85})

	assert.Equal(t, want, got)
}

func TestValidate_RejectsOutOfRange(t *testing.T) {
	err := Result{Confidence: 1.2, Participants: 1, Agreement: LevelHigh}.Validate()
	assert.ErrorIs(t, err, ErrInvalidResult)

	err = Result{Participants: 0, Agreement: LevelHigh}.Validate()
	assert.ErrorIs(t, err, ErrInvalidResult)
}
