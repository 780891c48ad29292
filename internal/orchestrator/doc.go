// ABOUTME: Package documentation for the orchestrator package.
// ABOUTME: Describes the task state machine, the phase pipeline and cancellation.

// Package orchestrator runs submitted tasks through a fixed pipeline of
// role-bound agents.
//
// # Pipeline
//
//	plan -> implement -> review -> test -> coordinate
//
// Each phase is served by the agent for its role (planner, coder, reviewer,
// tester, coordinator) and routed through the bridge manager, which always
// returns an answer: a provider's, or the fallback responder's. The prompt
// for a phase is the task description plus a digest of earlier phase output.
// Each digest entry is cut to DigestEntryChars and the oldest entries are
// dropped until the digest fits DigestMaxChars.
//
// # Task States
//
//	CREATED -> IN_PROGRESS -> COMPLETED
//	                       \-> FAILED
//
// A task is COMPLETED once all five phases have a result, whether or not
// any came from the fallback responder. FAILED means an internal error
// (a panic, a store write failure) or cancellation.
//
// # Concurrency
//
// Submit persists the task and returns at once; the pipeline runs in its own
// goroutine. At most MaxConcurrentTasks pipelines run at a time; the rest
// wait on a semaphore in state CREATED. Cancel aborts one task, including
// its in-flight provider call, without touching shared health state.
//
// After a restart, RecoverInterrupted marks tasks a previous process left
// unfinished as FAILED.
package orchestrator
