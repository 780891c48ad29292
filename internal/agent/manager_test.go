// ABOUTME: Tests for the agent registry, role selection and running statistics.
// ABOUTME: Covers validation, round-robin within a role and stat aggregation.

package agent

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(DefaultAgents(), slog.Default())
	require.NoError(t, err)
	return m
}

func TestNewManager_DefaultAgents(t *testing.T) {
	m := newTestManager(t)

	list := m.List()
	require.Len(t, list, 5)
	for i, role := range Roles() {
		assert.Equal(t, role, list[i].Role)
		assert.Equal(t, DefaultCapabilities(role), list[i].Capabilities)
	}
}

func TestNewManager_RequiresEveryRole(t *testing.T) {
	agents := DefaultAgents()[:4]

	_, err := NewManager(agents, nil)
	assert.ErrorIs(t, err, ErrNoAgentsAvailable)
}

func TestNewManager_RejectsDuplicates(t *testing.T) {
	agents := append(DefaultAgents(), &Agent{ID: "planner", Role: RolePlanner})

	_, err := NewManager(agents, nil)
	assert.ErrorIs(t, err, ErrAgentAlreadyRegistered)
}

func TestNewManager_RejectsUnknownRole(t *testing.T) {
	agents := append(DefaultAgents(), &Agent{ID: "poet", Role: "poet"})

	_, err := NewManager(agents, nil)
	assert.ErrorIs(t, err, ErrInvalidAgent)
}

func TestForRole(t *testing.T) {
	m := newTestManager(t)

	a, err := m.ForRole(RoleReviewer)
	require.NoError(t, err)
	assert.Equal(t, "reviewer", a.ID)
	assert.Equal(t, []string{"review", "reasoning"}, a.Capabilities)
}

func TestForRole_RoundRobinWithinRole(t *testing.T) {
	agents := append(DefaultAgents(), &Agent{ID: "coder-2", Role: RoleCoder, Capabilities: []string{"coding"}})
	m, err := NewManager(agents, nil)
	require.NoError(t, err)

	seen := map[string]int{}
	for range 4 {
		a, err := m.ForRole(RoleCoder)
		require.NoError(t, err)
		seen[a.ID]++
	}
	assert.Equal(t, map[string]int{"coder": 2, "coder-2": 2}, seen)
}

func TestRouter_Empty(t *testing.T) {
	_, err := NewRouter().SelectAgent(nil)
	assert.ErrorIs(t, err, ErrNoAgentsAvailable)
}

func TestRecordPhase_UpdatesStats(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.RecordPhase("coder", PhaseOutcome{Confidence: 0.9, Latency: 100 * time.Millisecond, Success: true}))
	require.NoError(t, m.RecordPhase("coder", PhaseOutcome{Confidence: 0.85, Latency: 300 * time.Millisecond, Success: false}))

	info, err := m.Get("coder")
	require.NoError(t, err)

	assert.Equal(t, 2, info.Stats.Phases)
	assert.Equal(t, 1, info.Stats.Successes)
	assert.InDelta(t, 0.875, info.Stats.MeanConfidence, 1e-9)
	assert.Equal(t, 200*time.Millisecond, info.Stats.MeanLatency)
	assert.InDelta(t, 0.5, info.Stats.SuccessRate(), 1e-9)
}

func TestRecordPhase_UnknownAgent(t *testing.T) {
	m := newTestManager(t)
	assert.ErrorIs(t, m.RecordPhase("ghost", PhaseOutcome{}), ErrAgentNotFound)

	_, err := m.Get("ghost")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestGet_ReturnsCopy(t *testing.T) {
	m := newTestManager(t)

	info, _ := m.Get("tester")
	info.Capabilities[0] = "mutated"

	again, _ := m.Get("tester")
	assert.Equal(t, "testing", again.Capabilities[0])
}

func TestNewManager_CopiesDefinitions(t *testing.T) {
	agents := DefaultAgents()
	m, err := NewManager(agents, nil)
	require.NoError(t, err)

	agents[0].PreferredProvider = "changed later"
	a, _ := m.ForRole(RolePlanner)
	assert.Empty(t, a.PreferredProvider)
}

func TestRecordPhase_Concurrent(t *testing.T) {
	m := newTestManager(t)

	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.RecordPhase("planner", PhaseOutcome{Confidence: 0.5, Success: true})
			_ = m.List()
		}()
	}
	wg.Wait()

	info, _ := m.Get("planner")
	if info.Stats.Phases != 100 {
		t.Errorf("expected 100 phases, got %d", info.Stats.Phases)
	}
	assert.InDelta(t, 0.5, info.Stats.MeanConfidence, 1e-9)
}

func TestStats_SuccessRateEmpty(t *testing.T) {
	assert.Equal(t, 0.0, Stats{}.SuccessRate())
}
