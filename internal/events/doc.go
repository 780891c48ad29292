// ABOUTME: Package documentation for the events package.
// ABOUTME: Describes event types, the in-memory broadcaster and the NATS exporter.

// Package events carries task and provider lifecycle events to interested
// consumers.
//
// # Event Types
//
//	task.created            task accepted and persisted
//	task.started            first phase dispatched
//	phase.completed         a phase result was appended
//	task.completed          every phase has a result
//	task.failed             internal error or cancellation
//	provider.state_changed  a provider's circuit moved
//
// # Broadcaster
//
// Broadcaster is an in-memory fan-out keyed by task ID. Subscribing to
// FirehoseKey receives every event. Publish never blocks: a subscriber whose
// buffer is full misses events rather than stalling the pipeline.
//
//	ch, subID := b.Subscribe(ctx, taskID)
//	defer b.Unsubscribe(taskID, subID)
//
// Subscriptions are also removed when ctx is cancelled.
//
// # NATS
//
// NATSPublisher forwards firehose events to a NATS server as JSON, on
//
//	<prefix>.task.<task_id>.<type>
//	<prefix>.provider.<name>.state
//
// StartEmbedded runs a NATS server in-process for deployments that have no
// broker of their own.
package events
