// ABOUTME: Round-robin selection among agents that share a role.
// ABOUTME: With one agent per role it always returns that agent.

package agent

import (
	"errors"
	"sync/atomic"
)

// ErrNoAgentsAvailable indicates no agent serves the requested role.
var ErrNoAgentsAvailable = errors.New("no agents available")

// Router selects agents using a round-robin strategy.
type Router struct {
	current atomic.Uint64
}

// NewRouter creates a new Router instance.
func NewRouter() *Router {
	return &Router{}
}

// SelectAgent picks one of candidates in rotation.
func (r *Router) SelectAgent(candidates []*Agent) (*Agent, error) {
	if len(candidates) == 0 {
		return nil, ErrNoAgentsAvailable
	}
	idx := r.current.Add(1) - 1
	return candidates[idx%uint64(len(candidates))], nil
}
