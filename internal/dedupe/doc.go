// Package dedupe maps idempotency keys to the task IDs they created, for a
// bounded time window, so a retried submission returns the original task.
package dedupe
