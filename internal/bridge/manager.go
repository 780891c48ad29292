// ABOUTME: Capability-based provider routing with health-aware ranking and failover.
// ABOUTME: Escalates to the deterministic fallback responder when no provider succeeds.

package bridge

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/2389/conclave/internal/fallback"
	"github.com/2389/conclave/internal/health"
	"github.com/2389/conclave/internal/provider"
)

// ErrAllProvidersUnavailable marks an Outcome produced by the fallback responder.
var ErrAllProvidersUnavailable = errors.New("all providers unavailable")

// Defaults for Config.
const (
	DefaultCallTimeout = 30 * time.Second
	DefaultMaxAttempts = 3
)

// DefaultBackoff is the wait before the second and third attempts.
var DefaultBackoff = []time.Duration{200 * time.Millisecond, 800 * time.Millisecond}

// HealthView is the part of the health monitor routing depends on.
type HealthView interface {
	State(name string) health.State
	Score(name string) float64
	MeanLatency(name string) time.Duration
}

// BridgeSource lists routable bridges. provider.Registry satisfies it.
type BridgeSource interface {
	All() []provider.Bridge
}

// Config tunes routing.
type Config struct {
	CallTimeout time.Duration
	Ceiling     time.Duration // zero means 3x CallTimeout
	MaxAttempts int
	Backoff     []time.Duration
}

func (c Config) withDefaults() Config {
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.Ceiling <= 0 {
		c.Ceiling = 3 * c.CallTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Backoff == nil {
		c.Backoff = DefaultBackoff
	}
	return c
}

// Candidate is a routable provider with the health data it was ranked on.
type Candidate struct {
	Bridge  provider.Bridge
	Name    string
	State   health.State
	Score   float64
	Latency time.Duration
}

// Call is one phase request.
type Call struct {
	TaskID            string
	Phase             string
	TaskType          string
	Subject           string
	Capabilities      []string
	Prompt            string
	System            string
	PreferredProvider string
	Model             string // applies only when the preferred provider serves the call
}

// Outcome is the answer to a Call.
type Outcome struct {
	Text       string
	Confidence float64
	Provider   string
	Model      string
	Fallback   bool
	Attempts   int
	Latency    time.Duration

	// Cause explains a fallback outcome. It wraps ErrAllProvidersUnavailable.
	Cause error
}

// Manager routes calls across providers.
type Manager struct {
	cfg      Config
	bridges  BridgeSource
	health   HealthView
	fallback *fallback.Responder
	logger   *slog.Logger
}

// NewManager creates a Manager. Bridges are expected to be instrumented by
// the same monitor passed as health.
func NewManager(cfg Config, bridges BridgeSource, hv HealthView, fb *fallback.Responder, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if fb == nil {
		fb = fallback.New(0)
	}
	return &Manager{
		cfg:      cfg.withDefaults(),
		bridges:  bridges,
		health:   hv,
		fallback: fb,
		logger:   logger.With("component", "bridge"),
	}
}

// Route returns the ranked candidates for a task type and capability set.
func (m *Manager) Route(taskType string, required []string) []Candidate {
	cands := m.rank(required, "")
	m.logger.Debug("routed", "task_type", taskType, "required", required, "candidates", len(cands))
	return cands
}

func (m *Manager) rank(required []string, preferred string) []Candidate {
	var cands []Candidate
	for _, b := range m.bridges.All() {
		if !provider.HasCapabilities(b, required) {
			continue
		}
		state := m.health.State(b.Name())
		if state == health.StateOpen {
			continue
		}
		cands = append(cands, Candidate{
			Bridge:  b,
			Name:    b.Name(),
			State:   state,
			Score:   m.health.Score(b.Name()),
			Latency: m.health.MeanLatency(b.Name()),
		})
	}

	slices.SortStableFunc(cands, func(a, b Candidate) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		if ap, bp := a.Name == preferred, b.Name == preferred; ap != bp {
			if ap {
				return -1
			}
			return 1
		}
		if c := cmp.Compare(a.Latency, b.Latency); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return cands
}

// Execute answers call from the best provider, failing over and finally
// falling back. It returns an error only when ctx is cancelled.
func (m *Manager) Execute(ctx context.Context, call Call) (*Outcome, error) {
	start := time.Now()
	logger := m.logger.With("task_id", call.TaskID, "phase", call.Phase)

	routeCtx, cancel := context.WithTimeout(ctx, m.cfg.Ceiling)
	defer cancel()

	cands := m.rank(call.Capabilities, call.PreferredProvider)
	attempts := min(len(cands), m.cfg.MaxAttempts)

	var errs []error
	for i := range attempts {
		if i > 0 {
			if err := sleep(routeCtx, m.backoff(i-1)); err != nil {
				break
			}
		}

		c := cands[i]
		req := provider.Request{
			Prompt:   call.Prompt,
			System:   call.System,
			TaskType: call.TaskType,
			Timeout:  m.cfg.CallTimeout,
		}
		if c.Name == call.PreferredProvider {
			req.Model = call.Model
		}

		resp, err := c.Bridge.Invoke(routeCtx, req)
		if err == nil {
			logger.Debug("provider answered", "provider", c.Name, "attempt", i+1, "confidence", resp.Confidence)
			return &Outcome{
				Text:       resp.Text,
				Confidence: resp.Confidence,
				Provider:   c.Name,
				Model:      resp.Model,
				Attempts:   i + 1,
				Latency:    time.Since(start),
			}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		logger.Warn("provider call failed", "provider", c.Name, "attempt", i+1, "error", err)
		errs = append(errs, err)
		if !provider.IsRetryable(err) {
			break
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	cause := ErrAllProvidersUnavailable
	if len(errs) > 0 {
		cause = fmt.Errorf("%w: %w", ErrAllProvidersUnavailable, errors.Join(errs...))
	} else if len(cands) == 0 {
		cause = fmt.Errorf("%w: no provider offers %v", ErrAllProvidersUnavailable, call.Capabilities)
	}
	logger.Warn("using fallback responder", "candidates", len(cands), "error", cause)

	fb := m.fallback.Respond(fallback.Request{
		Phase:    call.Phase,
		TaskType: call.TaskType,
		Subject:  call.Subject,
		Prompt:   call.Prompt,
	})
	return &Outcome{
		Text:       fb.Text,
		Confidence: fb.Confidence,
		Provider:   fallback.ProviderName,
		Model:      "rule:" + fb.Rule,
		Fallback:   true,
		Attempts:   len(errs),
		Latency:    time.Since(start),
		Cause:      cause,
	}, nil
}

func (m *Manager) backoff(i int) time.Duration {
	if len(m.cfg.Backoff) == 0 {
		return 0
	}
	if i >= len(m.cfg.Backoff) {
		return m.cfg.Backoff[len(m.cfg.Backoff)-1]
	}
	return m.cfg.Backoff[i]
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
