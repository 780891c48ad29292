// ABOUTME: Package documentation for the health package.
// ABOUTME: Covers the rolling window, circuit states, scoring and the prober.

// Package health tracks provider reliability and gates routing with a
// circuit breaker per provider.
//
// # Rolling Window
//
// Each provider keeps the outcomes of its last WindowSize calls (default 20).
// Both real calls and probes feed the same window.
//
// # Circuit States
//
//	CLOSED    -> OPEN       failure rate > FailureThreshold with >= MinSamples samples
//	OPEN      -> HALF_OPEN  cooldown elapsed (checked lazily on every read)
//	HALF_OPEN -> CLOSED     first success; window cleared, trips reset
//	HALF_OPEN -> OPEN       first failure; cooldown doubles
//
// The cooldown starts at BaseCooldown (5s) and doubles per consecutive trip
// up to MaxCooldown (5m).
//
// # Score
//
// Score is a recency-weighted success rate. With n samples ordered oldest to
// newest, sample i weighs Decay^(n-1-i). An empty window scores 1.0 so new
// providers are not starved.
//
// # Instrumentation
//
// Instrument wraps a provider.Bridge so every Invoke and Probe is bounded by
// the per-call timeout and its outcome is recorded. A call abandoned because
// the caller cancelled is not recorded; a call that hit its own deadline is a
// failure reported as provider.ErrProviderTimeout.
//
// # Prober
//
// Run probes every provider that is not OPEN each ProbeInterval, concurrently,
// so idle providers still recover from HALF_OPEN. State changes are delivered
// to listeners registered with OnStateChange, outside of any lock.
package health
