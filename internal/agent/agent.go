// ABOUTME: Agent roles, the default agent set and per-agent running statistics.
// ABOUTME: Agents are defined at startup; only their stats change afterwards.

package agent

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Role binds an agent to a pipeline phase.
type Role string

const (
	RolePlanner     Role = "planner"
	RoleCoder       Role = "coder"
	RoleReviewer    Role = "reviewer"
	RoleTester      Role = "tester"
	RoleCoordinator Role = "coordinator"
)

// Roles lists every role in pipeline order.
func Roles() []Role {
	return []Role{RolePlanner, RoleCoder, RoleReviewer, RoleTester, RoleCoordinator}
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return slices.Contains(Roles(), r)
}

// ErrInvalidAgent indicates an agent definition is unusable.
var ErrInvalidAgent = errors.New("invalid agent")

// Agent is a role-bound worker. Fields are fixed after registration.
type Agent struct {
	ID                string
	Name              string
	Role              Role
	Capabilities      []string
	PreferredProvider string
	Model             string
}

// Validate checks an agent definition.
func (a *Agent) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidAgent)
	}
	if !a.Role.Valid() {
		return fmt.Errorf("%w: %s has unknown role %q", ErrInvalidAgent, a.ID, a.Role)
	}
	return nil
}

// DefaultCapabilities returns the capability tags a role requires by default.
func DefaultCapabilities(role Role) []string {
	switch role {
	case RolePlanner:
		return []string{"planning", "reasoning"}
	case RoleCoder:
		return []string{"coding"}
	case RoleReviewer:
		return []string{"review", "reasoning"}
	case RoleTester:
		return []string{"testing", "coding"}
	case RoleCoordinator:
		return []string{"coordination"}
	default:
		return nil
	}
}

// DefaultAgents returns one agent per role.
func DefaultAgents() []*Agent {
	names := map[Role]string{
		RolePlanner:     "Planner",
		RoleCoder:       "Coder",
		RoleReviewer:    "Reviewer",
		RoleTester:      "Tester",
		RoleCoordinator: "Coordinator",
	}
	out := make([]*Agent, 0, len(names))
	for _, role := range Roles() {
		out = append(out, &Agent{
			ID:           string(role),
			Name:         names[role],
			Role:         role,
			Capabilities: DefaultCapabilities(role),
		})
	}
	return out
}

// Stats are an agent's running statistics.
type Stats struct {
	Phases         int
	Successes      int
	MeanConfidence float64
	MeanLatency    time.Duration
}

// SuccessRate is the share of phases answered by a real provider.
func (s Stats) SuccessRate() float64 {
	if s.Phases == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.Phases)
}

// PhaseOutcome is what RecordPhase folds into an agent's stats.
type PhaseOutcome struct {
	Confidence float64
	Latency    time.Duration
	Success    bool
}

func (s *Stats) add(o PhaseOutcome) {
	s.Phases++
	if o.Success {
		s.Successes++
	}
	n := float64(s.Phases)
	s.MeanConfidence += (o.Confidence - s.MeanConfidence) / n
	s.MeanLatency += time.Duration(float64(o.Latency-s.MeanLatency) / n)
}

// AgentInfo is a read-only snapshot of an agent and its stats.
type AgentInfo struct {
	ID                string
	Name              string
	Role              Role
	Capabilities      []string
	PreferredProvider string
	Model             string
	Stats             Stats
}
