// Package gateway wires the conclave server components together.
//
// # Overview
//
// The Gateway struct is the explicit context object for one server. It owns
// the task store, provider registry, health monitor, bridge manager, agent
// registry, orchestrator and event broadcaster, and exposes them over HTTP,
// an optional gRPC health service and a websocket firehose:
//
//	type Gateway struct {
//	    config       *config.Config
//	    store        store.Store
//	    providers    *provider.Registry
//	    monitor      *health.Monitor
//	    router       *bridge.Manager
//	    agents       *agent.Manager
//	    orchestrator *orchestrator.Orchestrator
//	    broadcaster  *events.Broadcaster
//	    hub          *Hub
//	    // ... and more
//	}
//
// Every configured provider is wrapped by health.Monitor.Instrument before
// it is registered, so real calls and background probes feed the same
// circuit breaker.
//
// # HTTP API
//
//   - POST /tasks - Submit {description, taskType}; 202 {taskId}
//   - GET /tasks - Recent tasks, newest first (?limit=N)
//   - GET /tasks/{id} - Task with phase results and consensus
//   - GET /tasks/{id}/report - Markdown report (?format=html for HTML)
//   - GET /tasks/{id}/events - SSE stream of the task's events
//   - POST /tasks/{id}/cancel - 202, 404 or 409 when already finished
//   - GET /providers/health - Circuit state and score per provider
//   - GET /agents - Agents with capabilities and running stats
//   - GET /ws - Websocket feed of every event
//   - GET /health - Liveness check
//   - GET /health/ready - 503 only when every provider's circuit is OPEN
//
// POST /tasks honours an Idempotency-Key header: repeats within
// server.idempotency_ttl return the first task's ID.
//
// # SSE Streaming
//
// The events stream starts with a snapshot of the task and then relays its
// lifecycle events until a terminal one:
//
//	event: snapshot
//	data: {"id": "...", "state": "IN_PROGRESS", ...}
//
//	event: phase.completed
//	data: {"type": "phase.completed", "data": {"phase": "plan", ...}}
//
//	event: task.completed
//	data: {"type": "task.completed", "data": {"confidence": 0.91, ...}}
//
// # gRPC
//
// When server.grpc_addr is set, the standard grpc.health.v1.Health service
// is served. The empty service name is always SERVING; each provider name
// is NOT_SERVING while its circuit is OPEN.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//
// Run first marks tasks interrupted by a previous process as FAILED, then
// starts the prober, websocket feed and optional NATS export. Cancelling ctx
// shuts down in order: HTTP, orchestrator (running tasks get the shutdown
// timeout to finish), gRPC, events, tailnet node, store.
//
// # Key Files
//
//   - gateway.go: Gateway struct, initialization, Run/Shutdown
//   - api.go: HTTP handlers and SSE streaming
//   - report.go: Markdown and HTML task reports
//   - websocket.go: Websocket hub
//   - grpc.go: gRPC health service
//   - tailscale.go: tsnet listeners
package gateway
