// ABOUTME: Deterministic rule-table responder used when every provider is unavailable.
// ABOUTME: Matches the phase and prompt against ordered keyword rules and renders a template.

package fallback

import (
	"bytes"
	"strings"
	"text/template"
)

// DefaultConfidence is the confidence attached to every fallback response.
const DefaultConfidence = 0.85

// ProviderName is recorded as the provider of fallback-sourced results.
const ProviderName = "fallback"

const maxSubjectChars = 80

// Rule maps a set of keywords to a response template.
// A rule with no keywords always matches.
type Rule struct {
	Name     string
	Keywords []string
	Template string
}

// Request is the input to Respond.
type Request struct {
	Phase    string
	TaskType string
	Subject  string // optional; derived from the prompt when empty
	Prompt   string
}

// Response is a fallback answer.
type Response struct {
	Text       string
	Confidence float64
	Rule       string
	Fallback   bool
}

type compiledRule struct {
	Rule
	tmpl *template.Template
}

// Responder renders fallback responses from an ordered rule table.
type Responder struct {
	rules      []compiledRule
	confidence float64
}

// DefaultRules returns the built-in rule table. The final rule is the catch-all.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:     "testing",
			Keywords: []string{"test", "verify", "coverage"},
			Template: `## Test plan for {{.Subject}}

Automated providers were unavailable, so this is a baseline test plan for a {{.TaskType}} task.

- Unit tests for every public function touched by the change, covering normal input, empty input and boundary values.
- Error path tests asserting the returned error, not just that one occurred.
- One end-to-end test exercising the main flow with realistic data.
- Run the suite with the race detector enabled before merging.`,
		},
		{
			Name:     "review",
			Keywords: []string{"review", "audit", "critique"},
			Template: `## Review checklist for {{.Subject}}

Automated providers were unavailable, so this review applies the standard checklist for a {{.TaskType}} task.

- Inputs are validated at the boundary and errors are wrapped with context.
- Shared state is guarded and no lock is held across I/O.
- Resources (files, connections, goroutines) are released on every path.
- New behavior is covered by tests and documented where callers will look.`,
		},
		{
			Name:     "planning",
			Keywords: []string{"plan", "design", "architect"},
			Template: `## Plan for {{.Subject}}

Automated providers were unavailable, so this is a baseline plan for a {{.TaskType}} task.

1. Clarify the expected inputs, outputs and failure modes.
2. Identify the smallest set of components that must change.
3. Implement the change behind clear interfaces, one component at a time.
4. Add tests alongside each component.
5. Review, integrate and document the result.`,
		},
		{
			Name:     "implementation",
			Keywords: []string{"implement", "code", "build", "function"},
			Template: `## Implementation notes for {{.Subject}}

Automated providers were unavailable, so no code was generated for this {{.TaskType}} task.
Suggested approach:

- Start from the interfaces identified in the plan and write the types first.
- Keep functions small and return explicit errors instead of panicking.
- Write a failing test for each behavior before implementing it.`,
		},
		{
			Name:     "coordination",
			Keywords: []string{"coordinate", "summar", "integrat"},
			Template: `## Summary for {{.Subject}}

The pipeline for this {{.TaskType}} task completed with one or more phases served by the fallback responder.
Re-run the task once providers recover to replace baseline guidance with generated output.`,
		},
		{
			Name:     "default",
			Template: `## {{.Subject}}

Automated providers were unavailable. This {{.TaskType}} task was recorded and a baseline response was produced; resubmit later for a generated answer.`,
		},
	}
}

// New creates a Responder with the default rule table. A confidence outside
// (0,1] selects DefaultConfidence.
func New(confidence float64) *Responder {
	r, err := NewWithRules(DefaultRules(), confidence)
	if err != nil {
		// The built-in table is static; a parse failure is a programming error.
		panic(err)
	}
	return r
}

// NewWithRules creates a Responder from a custom rule table. Templates are
// parsed up front so Respond cannot fail on a malformed template.
func NewWithRules(rules []Rule, confidence float64) (*Responder, error) {
	if confidence <= 0 || confidence > 1 {
		confidence = DefaultConfidence
	}
	compiled := make([]compiledRule, 0, len(rules))
	for _, rule := range rules {
		tmpl, err := template.New(rule.Name).Option("missingkey=zero").Parse(rule.Template)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, compiledRule{Rule: rule, tmpl: tmpl})
	}
	return &Responder{rules: compiled, confidence: confidence}, nil
}

// Respond returns the fallback response for req.
func (r *Responder) Respond(req Request) Response {
	rule := r.match(req)

	subject := req.Subject
	if subject == "" {
		subject = Subject(req.Prompt)
	}
	subject = trimSubject(subject)
	taskType := req.TaskType
	if taskType == "" {
		taskType = "general"
	}

	text := renderRule(rule, subject, taskType)
	return Response{
		Text:       text,
		Confidence: r.confidence,
		Rule:       rule.Name,
		Fallback:   true,
	}
}

func (r *Responder) match(req Request) *compiledRule {
	phase := strings.ToLower(req.Phase)
	prompt := strings.ToLower(req.Prompt)

	for _, haystack := range []string{phase, prompt} {
		if haystack == "" {
			continue
		}
		for i := range r.rules {
			if matches(r.rules[i].Keywords, haystack) {
				return &r.rules[i]
			}
		}
	}
	// No keyword matched anywhere; take the catch-all (or the last rule).
	for i := range r.rules {
		if len(r.rules[i].Keywords) == 0 {
			return &r.rules[i]
		}
	}
	if len(r.rules) > 0 {
		return &r.rules[len(r.rules)-1]
	}
	return nil
}

func matches(keywords []string, haystack string) bool {
	if len(keywords) == 0 {
		return false
	}
	for _, kw := range keywords {
		if strings.Contains(haystack, kw) {
			return true
		}
	}
	return false
}

func renderRule(rule *compiledRule, subject, taskType string) string {
	if rule == nil {
		return subject
	}
	var buf bytes.Buffer
	data := struct{ Subject, TaskType string }{subject, taskType}
	if err := rule.tmpl.Execute(&buf, data); err != nil {
		return rule.Template
	}
	return buf.String()
}

// Subject extracts the first non-empty line of a prompt, stripped of a
// leading "Task:" label.
func Subject(prompt string) string {
	for line := range strings.SplitSeq(prompt, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "Task:"); ok {
			line = strings.TrimSpace(rest)
		}
		return line
	}
	return "untitled task"
}

func trimSubject(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "untitled task"
	}
	r := []rune(s)
	if len(r) > maxSubjectChars {
		return strings.TrimSpace(string(r[:maxSubjectChars])) + "..."
	}
	return s
}
