// ABOUTME: Tests for routing, ranking, failover and fallback escalation.
// ABOUTME: Uses scripted fake bridges wrapped by a real health monitor.

package bridge

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/conclave/internal/fallback"
	"github.com/2389/conclave/internal/health"
	"github.com/2389/conclave/internal/provider"
)

type scriptedBridge struct {
	name  string
	caps  []string
	err   error
	delay time.Duration

	mu    sync.Mutex
	calls []provider.Request
	at    []time.Time
}

func (s *scriptedBridge) Name() string                    { return s.name }
func (s *scriptedBridge) Kind() string                    { return "fake" }
func (s *scriptedBridge) Capabilities() []string          { return s.caps }
func (s *scriptedBridge) Probe(ctx context.Context) error { return s.err }

func (s *scriptedBridge) Invoke(ctx context.Context, req provider.Request) (*provider.Response, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.at = append(s.at, time.Now())
	s.mu.Unlock()

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return &provider.Response{Text: s.name + " answer", Confidence: 0.9, Model: s.name + "-model"}, nil
}

func (s *scriptedBridge) callTimes() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.at)
}

func (s *scriptedBridge) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type testEnv struct {
	monitor  *health.Monitor
	registry *provider.Registry
	manager  *Manager
}

func newTestEnv(t *testing.T, bridges ...*scriptedBridge) *testEnv {
	t.Helper()
	monitor := health.NewMonitor(health.Config{}, nil)
	registry := provider.NewRegistry()
	for _, b := range bridges {
		require.NoError(t, registry.Register(monitor.Instrument(b)))
	}
	cfg := Config{
		CallTimeout: time.Second,
		Backoff:     []time.Duration{time.Millisecond, time.Millisecond},
	}
	return &testEnv{
		monitor:  monitor,
		registry: registry,
		manager:  NewManager(cfg, registry, monitor, fallback.New(0), nil),
	}
}

func unavailable(name string) error {
	return provider.NewError(name, provider.ErrProviderUnavailable, nil)
}

func names(cands []Candidate) []string {
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.Name
	}
	return out
}

func TestRoute_FiltersByCapabilities(t *testing.T) {
	env := newTestEnv(t,
		&scriptedBridge{name: "coder", caps: []string{"coding"}},
		&scriptedBridge{name: "generalist", caps: []string{"coding", "review", "reasoning"}},
		&scriptedBridge{name: "reviewer", caps: []string{"review"}},
	)

	assert.Equal(t, []string{"coder", "generalist"}, names(env.manager.Route("coding", []string{"coding"})))
	assert.Equal(t, []string{"generalist"}, names(env.manager.Route("review", []string{"review", "reasoning"})))
	assert.Empty(t, env.manager.Route("testing", []string{"testing"}))
}

func TestRoute_PrefersHigherScore(t *testing.T) {
	a := &scriptedBridge{name: "a", caps: []string{"coding"}}
	b := &scriptedBridge{name: "b", caps: []string{"coding"}}
	env := newTestEnv(t, a, b)

	// a: 9 of 10 recent successes. b: 6 of 10.
	for i := range 10 {
		env.monitor.Record("a", i != 0, time.Millisecond)
		env.monitor.Record("b", i%5 < 3, time.Millisecond)
	}
	require.Greater(t, env.monitor.Score("a"), env.monitor.Score("b"))

	out, err := env.manager.Execute(context.Background(), Call{Capabilities: []string{"coding"}, Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "a", out.Provider)
	assert.Equal(t, 1, a.callCount())
	assert.Equal(t, 0, b.callCount())
}

func TestRoute_ExcludesOpenProviders(t *testing.T) {
	env := newTestEnv(t,
		&scriptedBridge{name: "a", caps: []string{"coding"}},
		&scriptedBridge{name: "b", caps: []string{"coding"}},
	)
	for range 5 {
		env.monitor.Record("a", false, time.Millisecond)
	}
	require.Equal(t, health.StateOpen, env.monitor.State("a"))

	assert.Equal(t, []string{"b"}, names(env.manager.Route("coding", []string{"coding"})))
}

func TestRank_TieBreaks(t *testing.T) {
	env := newTestEnv(t,
		&scriptedBridge{name: "charlie", caps: []string{"coding"}},
		&scriptedBridge{name: "alpha", caps: []string{"coding"}},
		&scriptedBridge{name: "bravo", caps: []string{"coding"}},
	)
	env.monitor.Record("charlie", true, 50*time.Millisecond)
	env.monitor.Record("alpha", true, 90*time.Millisecond)
	env.monitor.Record("bravo", true, 50*time.Millisecond)

	assert.Equal(t, []string{"bravo", "charlie", "alpha"}, names(env.manager.rank([]string{"coding"}, "")),
		"equal scores order by latency, then name")
	assert.Equal(t, []string{"alpha", "bravo", "charlie"}, names(env.manager.rank([]string{"coding"}, "alpha")),
		"preferred provider wins a score tie")
}

func TestExecute_FailsOverToNextCandidate(t *testing.T) {
	first := &scriptedBridge{name: "first", caps: []string{"coding"}, err: unavailable("first")}
	second := &scriptedBridge{name: "second", caps: []string{"coding"}}
	env := newTestEnv(t, first, second)

	out, err := env.manager.Execute(context.Background(), Call{
		Capabilities: []string{"coding"}, Prompt: "p", PreferredProvider: "first",
	})
	require.NoError(t, err)

	assert.Equal(t, "second", out.Provider)
	assert.Equal(t, 2, out.Attempts)
	assert.False(t, out.Fallback)
	assert.Equal(t, 1, env.monitor.Status("first").Failures)
}

func TestExecute_AtMostThreeAttempts(t *testing.T) {
	var bridges []*scriptedBridge
	for _, name := range []string{"a", "b", "c", "d"} {
		bridges = append(bridges, &scriptedBridge{name: name, caps: []string{"coding"}, err: unavailable(name)})
	}
	env := newTestEnv(t, bridges...)

	out, err := env.manager.Execute(context.Background(), Call{Phase: "implement", Capabilities: []string{"coding"}, Prompt: "p"})
	require.NoError(t, err)

	assert.True(t, out.Fallback)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, 0, bridges[3].callCount())
	assert.ErrorIs(t, out.Cause, ErrAllProvidersUnavailable)
	assert.ErrorIs(t, out.Cause, provider.ErrProviderUnavailable)
}

func TestExecute_AllFailIsFallback(t *testing.T) {
	env := newTestEnv(t,
		&scriptedBridge{name: "a", caps: []string{"coding"}, err: unavailable("a")},
		&scriptedBridge{name: "b", caps: []string{"coding"}, err: provider.NewError("b", provider.ErrProviderAuth, nil)},
	)

	out, err := env.manager.Execute(context.Background(), Call{Phase: "test", TaskType: "coding", Capabilities: []string{"coding"}, Prompt: "Task: x"})
	require.NoError(t, err)

	assert.True(t, out.Fallback)
	assert.Equal(t, fallback.ProviderName, out.Provider)
	assert.InDelta(t, fallback.DefaultConfidence, out.Confidence, 1e-9)
	assert.Equal(t, "rule:testing", out.Model)
	assert.NotEmpty(t, out.Text)
}

func TestExecute_NoCandidatesIsFallback(t *testing.T) {
	env := newTestEnv(t, &scriptedBridge{name: "a", caps: []string{"review"}})

	out, err := env.manager.Execute(context.Background(), Call{Phase: "plan", Capabilities: []string{"planning"}})
	require.NoError(t, err)

	assert.True(t, out.Fallback)
	assert.Equal(t, 0, out.Attempts)
	assert.ErrorIs(t, out.Cause, ErrAllProvidersUnavailable)
}

func TestExecute_AllOpenIsFallback(t *testing.T) {
	env := newTestEnv(t,
		&scriptedBridge{name: "a", caps: []string{"coding"}},
		&scriptedBridge{name: "b", caps: []string{"coding"}},
	)
	for range 5 {
		env.monitor.Record("a", false, time.Millisecond)
		env.monitor.Record("b", false, time.Millisecond)
	}

	out, err := env.manager.Execute(context.Background(), Call{Capabilities: []string{"coding"}})
	require.NoError(t, err)
	assert.True(t, out.Fallback)
}

func TestExecute_ModelOverrideOnlyForPreferred(t *testing.T) {
	pref := &scriptedBridge{name: "pref", caps: []string{"coding"}, err: unavailable("pref")}
	other := &scriptedBridge{name: "other", caps: []string{"coding"}}
	env := newTestEnv(t, pref, other)

	_, err := env.manager.Execute(context.Background(), Call{
		Capabilities: []string{"coding"}, PreferredProvider: "pref", Model: "special-model",
	})
	require.NoError(t, err)

	require.Len(t, pref.calls, 1)
	require.Len(t, other.calls, 1)
	assert.Equal(t, "special-model", pref.calls[0].Model)
	assert.Empty(t, other.calls[0].Model)
	assert.Equal(t, time.Second, other.calls[0].Timeout)
}

func TestExecute_CancelledContextReturnsError(t *testing.T) {
	env := newTestEnv(t, &scriptedBridge{name: "slow", caps: []string{"coding"}, delay: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	out, err := env.manager.Execute(ctx, Call{Capabilities: []string{"coding"}})
	assert.Nil(t, out)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, env.monitor.Status("slow").Samples, "cancellation is not a provider failure")
}

func TestExecute_CeilingBoundsTotalTime(t *testing.T) {
	monitor := health.NewMonitor(health.Config{}, nil)
	registry := provider.NewRegistry()
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, registry.Register(monitor.Instrument(&scriptedBridge{name: name, delay: 5 * time.Second})))
	}
	m := NewManager(Config{CallTimeout: time.Second, Ceiling: 50 * time.Millisecond, Backoff: []time.Duration{0}}, registry, monitor, nil, nil)

	start := time.Now()
	out, err := m.Execute(context.Background(), Call{})
	require.NoError(t, err)

	assert.True(t, out.Fallback)
	assert.Less(t, time.Since(start), time.Second)
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 30*time.Second, cfg.CallTimeout)
	assert.Equal(t, 90*time.Second, cfg.Ceiling)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, DefaultBackoff, cfg.Backoff)
}

// attemptGaps runs Execute against three failing bridges and returns the
// waits between consecutive attempts.
func attemptGaps(t *testing.T, cfg Config) []time.Duration {
	t.Helper()
	monitor := health.NewMonitor(health.Config{}, nil)
	registry := provider.NewRegistry()
	bridges := []*scriptedBridge{
		{name: "a", caps: []string{"coding"}, err: unavailable("a")},
		{name: "b", caps: []string{"coding"}, err: unavailable("b")},
		{name: "c", caps: []string{"coding"}, err: unavailable("c")},
	}
	for _, b := range bridges {
		require.NoError(t, registry.Register(monitor.Instrument(b)))
	}
	m := NewManager(cfg, registry, monitor, fallback.New(0), nil)

	out, err := m.Execute(context.Background(), Call{Capabilities: []string{"coding"}, Prompt: "p"})
	require.NoError(t, err)
	require.True(t, out.Fallback)
	require.Equal(t, 3, out.Attempts)

	var times []time.Time
	for _, b := range bridges {
		got := b.callTimes()
		require.Len(t, got, 1, "bridge %s", b.name)
		times = append(times, got[0])
	}
	slices.SortFunc(times, func(x, y time.Time) int { return x.Compare(y) })

	return []time.Duration{times[1].Sub(times[0]), times[2].Sub(times[1])}
}

func TestExecute_DefaultBackoffBetweenAttempts(t *testing.T) {
	gaps := attemptGaps(t, Config{})

	assert.GreaterOrEqual(t, gaps[0], 200*time.Millisecond)
	assert.Less(t, gaps[0], 800*time.Millisecond, "first wait uses the shorter backoff")
	assert.GreaterOrEqual(t, gaps[1], 800*time.Millisecond)
}

func TestExecute_ConfiguredBackoffBetweenAttempts(t *testing.T) {
	gaps := attemptGaps(t, Config{Backoff: []time.Duration{30 * time.Millisecond, 120 * time.Millisecond}})

	assert.GreaterOrEqual(t, gaps[0], 30*time.Millisecond)
	assert.Less(t, gaps[0], 120*time.Millisecond)
	assert.GreaterOrEqual(t, gaps[1], 120*time.Millisecond)
	assert.Less(t, gaps[1], 800*time.Millisecond, "configured backoff replaces the default")
}
