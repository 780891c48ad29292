// ABOUTME: Package documentation for the bridge manager.
// ABOUTME: Describes candidate selection, ranking, retries and fallback escalation.

// Package bridge routes a phase call to the best available provider and
// guarantees an answer.
//
// # Selection
//
// Route filters the registry down to providers that declare every required
// capability and whose circuit is not OPEN, then ranks them:
//
//  1. health score, highest first
//  2. the caller's preferred provider
//  3. mean latency, lowest first
//  4. name
//
// # Execution
//
// Execute tries the top candidate, then up to MaxAttempts-1 further
// candidates with backoff (200ms, then 800ms) between attempts. The whole
// call is bounded by a ceiling (default three times the per-call timeout).
// When every attempt fails, or nothing qualifies, the fallback responder
// answers and the Outcome is marked as fallback-sourced. The cause is kept
// on the Outcome for logging and wraps ErrAllProvidersUnavailable; it is
// never returned as an error.
//
// The only error Execute returns is the caller's context error: a cancelled
// task gets no fallback answer.
package bridge
