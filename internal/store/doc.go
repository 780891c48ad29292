// Package store persists tasks and their phase results.
//
// # Architecture
//
// Store is implemented twice:
//
//   - SQLiteStore: durable task history in SQLite (modernc.org/sqlite, no cgo)
//   - MemoryStore: maps guarded by a mutex, used when no database path is set
//
// Both return copies, so callers may mutate what they get back.
//
// # Data Models
//
//   - Task: id, description, task type, state, error text, timestamps
//   - PhaseResult: one immutable entry per pipeline phase, in phase order
//
// A task never holds more than MaxPhaseResults (5) results; AppendPhaseResult
// returns ErrPhaseLimit beyond that.
//
// Consensus is not stored. Task.Consensus recomputes it from the phase
// confidences whenever it is needed.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Timestamps are stored as RFC3339 text with fixed-width nanoseconds so newest-first
// ordering is stable for tasks created within the same second.
//
// # Error Handling
//
// Common errors:
//
//   - ErrNotFound: Requested task does not exist
//   - ErrDuplicateTask: Task ID already exists
//   - ErrPhaseLimit: Task already has a result for every phase
//
// All methods accept context.Context for cancellation support.
//
// # Migrations
//
// Column additions are applied in runMigrations after the base schema is
// created; each checks pragma_table_info first so it is safe to rerun.
package store
