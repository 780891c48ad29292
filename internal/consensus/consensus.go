// ABOUTME: Pure aggregation of phase confidences into mean, variance and agreement level.
// ABOUTME: Results are never stored; they are recomputed from phase results on demand.

package consensus

import (
	"errors"
	"fmt"
)

// Level describes how closely the participating confidences agree.
type Level string

const (
	LevelHigh   Level = "high"
	LevelMedium Level = "medium"
	LevelLow    Level = "low"
	LevelNone   Level = "none"
)

// Thresholds for agreement levels and consensus.
const (
	HighVarianceThreshold   = 0.01
	MediumVarianceThreshold = 0.05
	ReachedThreshold        = 0.7
)

// ErrInvalidResult is returned by Validate for out-of-range fields.
var ErrInvalidResult = errors.New("invalid consensus result")

// Result is the aggregate of a set of confidences.
type Result struct {
	Confidence   float64 `json:"confidence"`
	Variance     float64 `json:"variance"`
	Participants int     `json:"participants"`
	Agreement    Level   `json:"agreement_level"`
	Reached      bool    `json:"consensus_reached"`
}

// Scored is anything carrying a confidence, typically a stored phase result.
type Scored interface {
	ConfidenceScore() float64
}

// Compute aggregates the confidences of a set of results.
func Compute[T Scored](results []T) Result {
	scores := make([]float64, len(results))
	for i, r := range results {
		scores[i] = r.ConfidenceScore()
	}
	return ComputeScores(scores)
}

// ComputeScores aggregates raw confidence scores. Scores outside [0,1] are clamped.
func ComputeScores(scores []float64) Result {
	n := len(scores)
	if n == 0 {
		return Result{Agreement: LevelNone}
	}

	clamped := make([]float64, n)
	var sum float64
	for i, s := range scores {
		clamped[i] = Clamp(s)
		sum += clamped[i]
	}
	mean := sum / float64(n)

	var sq float64
	for _, c := range clamped {
		d := c - mean
		sq += d * d
	}
	variance := sq / float64(n)

	return Result{
		Confidence:   mean,
		Variance:     variance,
		Participants: n,
		Agreement:    levelFor(variance),
		Reached:      mean > ReachedThreshold,
	}
}

func levelFor(variance float64) Level {
	switch {
	case variance < HighVarianceThreshold:
		return LevelHigh
	case variance < MediumVarianceThreshold:
		return LevelMedium
	default:
		return LevelLow
	}
}

// Clamp limits a confidence to [0,1].
func Clamp(c float64) float64 {
	if c != c || c < 0 { // NaN counts as zero
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// Validate checks that r could have been produced by Compute.
func (r Result) Validate() error {
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v out of range", ErrInvalidResult, r.Confidence)
	}
	if r.Variance < 0 {
		return fmt.Errorf("%w: negative variance %v", ErrInvalidResult, r.Variance)
	}
	if r.Participants < 0 {
		return fmt.Errorf("%w: negative participant count", ErrInvalidResult)
	}
	if r.Participants == 0 && (r.Agreement != LevelNone || r.Reached) {
		return fmt.Errorf("%w: empty result must have level none", ErrInvalidResult)
	}
	return nil
}
