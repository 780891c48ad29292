// ABOUTME: Deterministic canned-response bridge for local development and demos.
// ABOUTME: Never touches the network; answers are derived from the request alone.

package provider

import (
	"context"
	"fmt"
	"strings"
)

// Static answers every request locally.
type Static struct {
	base
	limiter *limiter
}

// NewStatic creates a static bridge. The endpoint and API key are ignored.
func NewStatic(cfg Config) (Bridge, error) {
	return &Static{
		base:    newBase(cfg, KindStatic, "static-1"),
		limiter: newLimiter(cfg),
	}, nil
}

// Invoke returns a canned answer built from the task type and prompt.
func (s *Static) Invoke(ctx context.Context, req Request) (*Response, error) {
	if err := s.limiter.wait(ctx); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, classifyTransport(s.name, err)
	}

	subject := firstLine(req.Prompt)
	taskType := req.TaskType
	if taskType == "" {
		taskType = "general"
	}
	text := fmt.Sprintf("[%s] %s response for %q.\n\nThis answer was produced by the static provider and does not call an external model.",
		s.name, taskType, subject)
	return s.finish(text, s.modelFor(req), "end_turn", false)
}

// Probe always succeeds unless ctx is already done.
func (s *Static) Probe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return classifyTransport(s.name, err)
	}
	return nil
}

func firstLine(s string) string {
	for line := range strings.SplitSeq(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return truncate(line, 80)
		}
	}
	return ""
}
