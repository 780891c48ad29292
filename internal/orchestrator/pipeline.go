// ABOUTME: The fixed five-phase pipeline, role system prompts and task types.
// ABOUTME: Builds each phase prompt from the task description and a digest of prior phases.

package orchestrator

import (
	"fmt"
	"slices"
	"strings"

	"github.com/2389/conclave/internal/agent"
	"github.com/2389/conclave/internal/store"
)

// Phase names a pipeline step.
type Phase string

const (
	PhasePlan       Phase = "plan"
	PhaseImplement  Phase = "implement"
	PhaseReview     Phase = "review"
	PhaseTest       Phase = "test"
	PhaseCoordinate Phase = "coordinate"
)

type step struct {
	phase       Phase
	role        agent.Role
	instruction string
}

var pipeline = []step{
	{PhasePlan, agent.RolePlanner, "Break the task into concrete steps and call out risks."},
	{PhaseImplement, agent.RoleCoder, "Implement the plan. Return the code and a short explanation."},
	{PhaseReview, agent.RoleReviewer, "Review the implementation for correctness, clarity and missed edge cases."},
	{PhaseTest, agent.RoleTester, "Write tests that exercise the implementation and the review findings."},
	{PhaseCoordinate, agent.RoleCoordinator, "Summarize the work of every phase into a final answer for the requester."},
}

// Phases returns the pipeline phases in execution order.
func Phases() []Phase {
	out := make([]Phase, len(pipeline))
	for i, s := range pipeline {
		out[i] = s.phase
	}
	return out
}

// DefaultTaskType is used when a submission names no task type.
const DefaultTaskType = "general"

var taskTypes = []string{"coding", "planning", "review", "testing", "documentation", "debugging", DefaultTaskType}

// TaskTypes returns the accepted task types.
func TaskTypes() []string {
	return slices.Clone(taskTypes)
}

// ValidTaskType reports whether t is an accepted task type.
func ValidTaskType(t string) bool {
	return slices.Contains(taskTypes, t)
}

var systemPrompts = map[agent.Role]string{
	agent.RolePlanner:     "You are a senior software architect. You produce short, ordered implementation plans.",
	agent.RoleCoder:       "You are an experienced software engineer. You write clear, working code.",
	agent.RoleReviewer:    "You are a meticulous code reviewer. You point out defects and concrete improvements.",
	agent.RoleTester:      "You are a test engineer. You write focused tests that catch regressions.",
	agent.RoleCoordinator: "You are a technical lead. You reconcile the team's work into one coherent answer.",
}

// SystemPrompt returns the system prompt for an agent role.
func SystemPrompt(role agent.Role) string {
	return systemPrompts[role]
}

// digestLimits caps how much prior phase output is threaded into a prompt.
type digestLimits struct {
	entryChars int
	maxChars   int
}

// buildPrompt assembles the prompt for one phase.
func buildPrompt(task *store.Task, s step, limits digestLimits) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task (%s): %s\n\n", task.TaskType, task.Description)
	if digest := buildDigest(task.Results, limits); digest != "" {
		b.WriteString("Previous phases:\n\n")
		b.WriteString(digest)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Current phase: %s\n%s", s.phase, s.instruction)
	return b.String()
}

// buildDigest summarizes prior phase output. Each entry is cut to entryChars
// and the oldest entries are dropped until the digest fits maxChars.
func buildDigest(results []store.PhaseResult, limits digestLimits) string {
	entries := make([]string, 0, len(results))
	for _, r := range results {
		entries = append(entries, fmt.Sprintf("## %s (%s)\n%s\n", r.Phase, r.AgentID, clip(r.Text, limits.entryChars)))
	}

	total := 0
	for _, e := range entries {
		total += runeLen(e)
	}
	for len(entries) > 1 && total > limits.maxChars {
		total -= runeLen(entries[0])
		entries = entries[1:]
	}

	digest := strings.Join(entries, "\n")
	return clip(digest, limits.maxChars)
}

func runeLen(s string) int {
	return len([]rune(s))
}

// clip cuts s to at most n runes, marking the cut with an ellipsis.
func clip(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
