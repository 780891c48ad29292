// ABOUTME: Registry of role-bound agents with per-agent running statistics.
// ABOUTME: Resolves the agent for a pipeline role and records phase outcomes.

package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// ErrAgentAlreadyRegistered indicates an agent with the same ID exists.
var ErrAgentAlreadyRegistered = errors.New("agent already registered")

// ErrAgentNotFound indicates the specified agent was not found.
var ErrAgentNotFound = errors.New("agent not found")

type entry struct {
	agent *Agent
	stats Stats
}

// Manager holds every agent and their stats.
type Manager struct {
	mu     sync.RWMutex
	agents map[string]*entry
	order  []string
	router *Router
	logger *slog.Logger
}

// NewManager creates a Manager with the given agents. Every role must be
// served by at least one agent.
func NewManager(agents []*Agent, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		agents: make(map[string]*entry),
		router: NewRouter(),
		logger: logger.With("component", "agent"),
	}
	for _, a := range agents {
		if err := m.register(a); err != nil {
			return nil, err
		}
	}
	for _, role := range Roles() {
		if len(m.byRole(role)) == 0 {
			return nil, fmt.Errorf("%w: role %s", ErrNoAgentsAvailable, role)
		}
	}
	return m, nil
}

func (m *Manager) register(a *Agent) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if _, exists := m.agents[a.ID]; exists {
		return fmt.Errorf("%w: %s", ErrAgentAlreadyRegistered, a.ID)
	}

	cp := *a
	cp.Capabilities = slices.Clone(a.Capabilities)
	if cp.Name == "" {
		cp.Name = cp.ID
	}
	m.agents[cp.ID] = &entry{agent: &cp}
	m.order = append(m.order, cp.ID)

	m.logger.Debug("agent registered",
		"agent_id", cp.ID,
		"role", cp.Role,
		"capabilities", cp.Capabilities,
		"preferred_provider", cp.PreferredProvider,
	)
	return nil
}

func (m *Manager) byRole(role Role) []*Agent {
	var out []*Agent
	for _, id := range m.order {
		if a := m.agents[id].agent; a.Role == role {
			out = append(out, a)
		}
	}
	return out
}

// ForRole returns an agent serving role. Agents are immutable, so the
// returned pointer is safe to read without locking.
func (m *Manager) ForRole(role Role) (*Agent, error) {
	m.mu.RLock()
	candidates := m.byRole(role)
	m.mu.RUnlock()

	a, err := m.router.SelectAgent(candidates)
	if err != nil {
		return nil, fmt.Errorf("role %s: %w", role, err)
	}
	return a, nil
}

// Get returns a snapshot of one agent.
func (m *Manager) Get(id string) (*AgentInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return e.info(), nil
}

// List returns snapshots of every agent in registration order.
func (m *Manager) List() []*AgentInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*AgentInfo, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.agents[id].info())
	}
	return out
}

// RecordPhase folds a phase outcome into the agent's stats.
func (m *Manager) RecordPhase(id string, o PhaseOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	e.stats.add(o)
	return nil
}

func (e *entry) info() *AgentInfo {
	return &AgentInfo{
		ID:                e.agent.ID,
		Name:              e.agent.Name,
		Role:              e.agent.Role,
		Capabilities:      slices.Clone(e.agent.Capabilities),
		PreferredProvider: e.agent.PreferredProvider,
		Model:             e.agent.Model,
		Stats:             e.stats,
	}
}
