// ABOUTME: Package documentation for the agent package.
// ABOUTME: Describes roles, default agents, selection and running statistics.

// Package agent holds the role-bound agents that execute pipeline phases.
//
// # Roles
//
// Every phase of the pipeline is served by an agent of a fixed role:
//
//	plan        -> planner      [planning reasoning]
//	implement   -> coder        [coding]
//	review      -> reviewer     [review reasoning]
//	test        -> tester       [testing coding]
//	coordinate  -> coordinator  [coordination]
//
// An agent's capability tags are the capabilities a provider must declare to
// serve it. Agents may name a preferred provider and model, which routing
// favors when provider scores tie.
//
// # Manager
//
// The Manager is created once with the agent set and never shrinks:
//
//	mgr, err := agent.NewManager(agent.DefaultAgents(), logger)
//
// Key operations:
//
//   - ForRole(role): pick an agent for a role (round-robin when several share it)
//   - Get(id): look up one agent
//   - List(): summaries with stats, in registration order
//   - RecordPhase(id, outcome): update running statistics
//
// # Statistics
//
// Each agent tracks phases run, mean confidence, mean latency and success
// rate. A phase answered by the fallback responder counts as run but not as
// a success.
package agent
