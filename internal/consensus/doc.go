// ABOUTME: Package documentation for the consensus package.
// ABOUTME: Describes how per-phase confidences are aggregated into an agreement level.

// Package consensus aggregates the confidences of independent phase results
// into a single agreement signal.
//
// # Computation
//
// Given n confidence scores c1..cn (each clamped to [0,1]):
//
//	mean     = sum(c) / n
//	variance = sum((c - mean)^2) / n
//
// The variance is the population variance. The agreement level is derived
// from the variance alone:
//
//	variance < 0.01  -> high
//	variance < 0.05  -> medium
//	otherwise        -> low
//
// Consensus is reached when the mean is strictly greater than 0.7.
// An empty input yields confidence 0, level "none" and no consensus.
//
// # Purity
//
// Compute and ComputeScores have no side effects and depends only on its input, so a Result can
// always be rebuilt from stored phase confidences. Stores never persist it.
package consensus
