// ABOUTME: Tests for the circuit breaker, scoring and snapshots.
// ABOUTME: Uses a manual clock to drive cooldown expiry deterministically.

package health

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestMonitor(t *testing.T) (*Monitor, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMonitor(Config{}, nil)
	m.now = clk.Now
	return m, clk
}

func record(m *Monitor, name string, outcomes ...bool) {
	for _, ok := range outcomes {
		m.Record(name, ok, 10*time.Millisecond)
	}
}

func TestMonitor_NewProviderIsHealthy(t *testing.T) {
	m, _ := newTestMonitor(t)

	assert.Equal(t, StateClosed, m.State("p"))
	assert.True(t, m.IsHealthy("p"))
	assert.InDelta(t, 1.0, m.Score("p"), 1e-9)
}

func TestMonitor_TripsAfterMajorityFailures(t *testing.T) {
	m, _ := newTestMonitor(t)

	record(m, "p", false, false, true, false)
	assert.Equal(t, StateClosed, m.State("p"), "fewer than five samples never trips")

	record(m, "p", true)
	assert.Equal(t, StateOpen, m.State("p"), "3 of 5 failed")
	assert.False(t, m.IsHealthy("p"))
}

func TestMonitor_ExactlyHalfDoesNotTrip(t *testing.T) {
	m, _ := newTestMonitor(t)

	record(m, "p", true, false, true, false, true, false)
	assert.Equal(t, StateClosed, m.State("p"))
}

func TestMonitor_CooldownThenHalfOpen(t *testing.T) {
	m, clk := newTestMonitor(t)
	record(m, "p", false, false, false, false, false)
	require.Equal(t, StateOpen, m.State("p"))

	clk.Advance(4 * time.Second)
	assert.Equal(t, StateOpen, m.State("p"))

	clk.Advance(time.Second)
	assert.Equal(t, StateHalfOpen, m.State("p"))
	assert.True(t, m.IsHealthy("p"))
}

func TestMonitor_HalfOpenSuccessCloses(t *testing.T) {
	m, clk := newTestMonitor(t)
	record(m, "p", false, false, false, false, false)
	clk.Advance(5 * time.Second)
	require.Equal(t, StateHalfOpen, m.State("p"))

	record(m, "p", true)

	st := m.Status("p")
	assert.Equal(t, StateClosed, st.State)
	assert.Equal(t, 1, st.Samples, "window is cleared on recovery")
	assert.Equal(t, 0, st.Trips)

	record(m, "p", false)
	assert.Equal(t, StateClosed, m.State("p"), "old failures do not re-trip")
}

func TestMonitor_HalfOpenFailureDoublesCooldown(t *testing.T) {
	m, clk := newTestMonitor(t)
	record(m, "p", false, false, false, false, false)
	clk.Advance(5 * time.Second)
	require.Equal(t, StateHalfOpen, m.State("p"))

	record(m, "p", false)
	require.Equal(t, StateOpen, m.State("p"))
	assert.Equal(t, 2, m.Status("p").Trips)

	clk.Advance(9 * time.Second)
	assert.Equal(t, StateOpen, m.State("p"))
	clk.Advance(time.Second)
	assert.Equal(t, StateHalfOpen, m.State("p"))
}

func TestMonitor_CooldownIsCapped(t *testing.T) {
	m, clk := newTestMonitor(t)
	record(m, "p", false, false, false, false, false)

	for range 10 {
		clk.Advance(m.cfg.MaxCooldown)
		require.Equal(t, StateHalfOpen, m.State("p"))
		record(m, "p", false)
	}

	st := m.Status("p")
	assert.Equal(t, StateOpen, st.State)
	assert.LessOrEqual(t, st.CooldownRemaining, 5*time.Minute)
	assert.Equal(t, 5*time.Minute, st.CooldownRemaining)
}

func TestMonitor_WindowIsBounded(t *testing.T) {
	m, _ := newTestMonitor(t)

	for range 25 {
		record(m, "p", true)
	}
	assert.Equal(t, 20, m.Status("p").Samples)
}

func TestMonitor_OldFailuresRollOut(t *testing.T) {
	m, _ := newTestMonitor(t)

	// Two early failures, then enough successes to push them out of the window.
	record(m, "p", false, true, true, false, true)
	for range 20 {
		record(m, "p", true)
	}
	st := m.Status("p")
	assert.Equal(t, 0, st.Failures)
	assert.InDelta(t, 1.0, st.Score, 1e-9)
}

func TestWeightedScore_FavorsRecentSamples(t *testing.T) {
	recentFailure := []sample{{ok: true}, {ok: true}, {ok: false}}
	oldFailure := []sample{{ok: false}, {ok: true}, {ok: true}}

	assert.Less(t, weightedScore(recentFailure, 0.9), weightedScore(oldFailure, 0.9))

	// weights 0.81, 0.9, 1.0
	assert.InDelta(t, 1.71/2.71, weightedScore(recentFailure, 0.9), 1e-9)
	assert.InDelta(t, 1.9/2.71, weightedScore(oldFailure, 0.9), 1e-9)
}

func TestMonitor_MeanLatency(t *testing.T) {
	m, _ := newTestMonitor(t)

	m.Record("p", true, 100*time.Millisecond)
	m.Record("p", true, 300*time.Millisecond)

	assert.Equal(t, 200*time.Millisecond, m.MeanLatency("p"))
	assert.Equal(t, time.Duration(0), m.MeanLatency("idle"))
}

func TestMonitor_StateListeners(t *testing.T) {
	m, clk := newTestMonitor(t)

	type change struct {
		name     string
		from, to State
	}
	var got []change
	m.OnStateChange(func(name string, from, to State) {
		got = append(got, change{name, from, to})
	})

	record(m, "p", false, false, false, false, false)
	clk.Advance(5 * time.Second)
	_ = m.State("p")
	record(m, "p", true)

	assert.Equal(t, []change{
		{"p", StateClosed, StateOpen},
		{"p", StateOpen, StateHalfOpen},
		{"p", StateHalfOpen, StateClosed},
	}, got)
}

func TestMonitor_SnapshotSortedByName(t *testing.T) {
	m, clk := newTestMonitor(t)
	m.Track("zeta")
	record(m, "alpha", true)

	snap := m.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "alpha", snap[0].Name)
	assert.Equal(t, clk.Now(), snap[0].LastChecked)
	assert.Equal(t, "zeta", snap[1].Name)
	assert.True(t, snap[1].LastChecked.IsZero())
}

func TestMonitor_ConcurrentRecords(t *testing.T) {
	m := NewMonitor(Config{}, nil)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Record("p", i%2 == 0, time.Millisecond)
			_ = m.Score("p")
			_ = m.State("p")
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, m.Status("p").Samples)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "HALF_OPEN", StateHalfOpen.String())

	text, err := StateHalfOpen.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "HALF_OPEN", string(text))
}
