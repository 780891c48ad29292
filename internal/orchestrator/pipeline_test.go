// ABOUTME: Tests for prompt assembly and the prior-phase digest.
// ABOUTME: Checks entry truncation and that the oldest entries are dropped first.

package orchestrator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/2389/conclave/internal/agent"
	"github.com/2389/conclave/internal/store"
)

func TestPhases_Order(t *testing.T) {
	assert.Equal(t, []Phase{PhasePlan, PhaseImplement, PhaseReview, PhaseTest, PhaseCoordinate}, Phases())
	assert.Len(t, Phases(), store.MaxPhaseResults)
}

func TestSystemPrompt_EveryRole(t *testing.T) {
	for _, role := range agent.Roles() {
		assert.NotEmpty(t, SystemPrompt(role), role)
	}
}

func TestBuildDigest_TruncatesEntries(t *testing.T) {
	results := []store.PhaseResult{{Phase: "plan", AgentID: "planner", Text: strings.Repeat("a", 100)}}

	digest := buildDigest(results, digestLimits{entryChars: 10, maxChars: 1000})

	assert.Contains(t, digest, "## plan (planner)")
	assert.Contains(t, digest, "aaaaaaa...")
	assert.NotContains(t, digest, strings.Repeat("a", 11))
}

func TestBuildDigest_DropsOldestFirst(t *testing.T) {
	results := []store.PhaseResult{
		{Phase: "plan", AgentID: "planner", Text: "first " + strings.Repeat("x", 50)},
		{Phase: "implement", AgentID: "coder", Text: "second " + strings.Repeat("y", 50)},
		{Phase: "review", AgentID: "reviewer", Text: "third " + strings.Repeat("z", 50)},
	}

	digest := buildDigest(results, digestLimits{entryChars: 600, maxChars: 160})

	assert.NotContains(t, digest, "first")
	assert.Contains(t, digest, "second")
	assert.Contains(t, digest, "third")
	assert.LessOrEqual(t, len([]rune(digest)), 160)
}

func TestBuildDigest_Empty(t *testing.T) {
	assert.Empty(t, buildDigest(nil, digestLimits{entryChars: 600, maxChars: 2400}))
}

func TestBuildPrompt(t *testing.T) {
	task := &store.Task{Description: "Add retries to the HTTP client", TaskType: "coding"}

	prompt := buildPrompt(task, pipeline[0], digestLimits{entryChars: 600, maxChars: 2400})

	assert.True(t, strings.HasPrefix(prompt, "Task (coding): Add retries to the HTTP client"))
	assert.Contains(t, prompt, "Current phase: plan")
}

func TestClip(t *testing.T) {
	assert.Equal(t, "hello", clip("  hello  ", 10))
	assert.Equal(t, "hel...", clip("hello world", 6))
	assert.Equal(t, "héllo", clip("héllo", 5))
	assert.Equal(t, "ab", clip("abcdef", 2))
}
