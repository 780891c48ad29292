// ABOUTME: Rolling-window health tracking and circuit breaker per provider.
// ABOUTME: Exposes state, score and latency reads used by routing and the HTTP surface.

package health

import (
	"log/slog"
	"slices"
	"sync"
	"time"
)

// State is a provider's circuit state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state by name in JSON and logs.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config tunes the monitor.
type Config struct {
	WindowSize       int
	FailureThreshold float64
	MinSamples       int
	BaseCooldown     time.Duration
	MaxCooldown      time.Duration
	Decay            float64
	CallTimeout      time.Duration
	ProbeInterval    time.Duration
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		WindowSize:       20,
		FailureThreshold: 0.5,
		MinSamples:       5,
		BaseCooldown:     5 * time.Second,
		MaxCooldown:      5 * time.Minute,
		Decay:            0.9,
		CallTimeout:      30 * time.Second,
		ProbeInterval:    30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WindowSize <= 0 {
		c.WindowSize = d.WindowSize
	}
	if c.FailureThreshold <= 0 || c.FailureThreshold >= 1 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.MinSamples <= 0 {
		c.MinSamples = d.MinSamples
	}
	if c.MinSamples > c.WindowSize {
		c.MinSamples = c.WindowSize
	}
	if c.BaseCooldown <= 0 {
		c.BaseCooldown = d.BaseCooldown
	}
	if c.MaxCooldown < c.BaseCooldown {
		c.MaxCooldown = max(d.MaxCooldown, c.BaseCooldown)
	}
	if c.Decay <= 0 || c.Decay > 1 {
		c.Decay = d.Decay
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = d.ProbeInterval
	}
	return c
}

// StateListener is notified after a provider changes state.
type StateListener func(provider string, from, to State)

// Status is a point-in-time view of one provider.
type Status struct {
	Name              string
	State             State
	Score             float64
	LastChecked       time.Time
	Samples           int
	Failures          int
	Trips             int
	MeanLatency       time.Duration
	CooldownRemaining time.Duration
}

type sample struct {
	ok      bool
	latency time.Duration
}

type tracker struct {
	mu          sync.Mutex
	window      []sample // ring buffer
	next        int
	count       int
	state       State
	openedAt    time.Time
	cooldown    time.Duration
	trips       int
	lastChecked time.Time
}

// orderedLocked returns samples oldest first.
func (t *tracker) orderedLocked() []sample {
	out := make([]sample, 0, t.count)
	start := (t.next - t.count + len(t.window)) % len(t.window)
	for i := range t.count {
		out = append(out, t.window[(start+i)%len(t.window)])
	}
	return out
}

func (t *tracker) addLocked(s sample) {
	t.window[t.next] = s
	t.next = (t.next + 1) % len(t.window)
	if t.count < len(t.window) {
		t.count++
	}
}

func (t *tracker) resetLocked() {
	t.next = 0
	t.count = 0
}

func (t *tracker) failuresLocked() int {
	n := 0
	for _, s := range t.orderedLocked() {
		if !s.ok {
			n++
		}
	}
	return n
}

// Monitor tracks every provider's health.
type Monitor struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	trackers  map[string]*tracker
	listeners []StateListener
}

// NewMonitor creates a Monitor. Zero config fields take defaults.
func NewMonitor(cfg Config, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "health"),
		now:      time.Now,
		trackers: make(map[string]*tracker),
	}
}

// Config returns the effective configuration.
func (m *Monitor) Config() Config {
	return m.cfg
}

// OnStateChange registers a listener for state transitions.
func (m *Monitor) OnStateChange(fn StateListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Track ensures a provider has a tracker so it appears in snapshots before
// its first call.
func (m *Monitor) Track(name string) {
	m.tracker(name)
}

func (m *Monitor) tracker(name string) *tracker {
	m.mu.RLock()
	t, ok := m.trackers[name]
	m.mu.RUnlock()
	if ok {
		return t
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.trackers[name]; ok {
		return t
	}
	t = &tracker{
		window: make([]sample, m.cfg.WindowSize),
		state:  StateClosed,
	}
	m.trackers[name] = t
	return t
}

// Record feeds one call outcome into the provider's window.
func (m *Monitor) Record(name string, ok bool, latency time.Duration) {
	t := m.tracker(name)
	now := m.now()

	t.mu.Lock()
	from := t.state
	m.expireLocked(t, now)

	t.lastChecked = now
	switch t.state {
	case StateHalfOpen:
		if ok {
			t.resetLocked()
			t.addLocked(sample{ok: true, latency: latency})
			t.state = StateClosed
			t.trips = 0
			t.cooldown = 0
		} else {
			t.addLocked(sample{ok: false, latency: latency})
			m.tripLocked(t, now)
		}
	case StateOpen:
		// Late result from a call started before the trip.
		t.addLocked(sample{ok: ok, latency: latency})
	default:
		t.addLocked(sample{ok: ok, latency: latency})
		if t.count >= m.cfg.MinSamples {
			rate := float64(t.failuresLocked()) / float64(t.count)
			if rate > m.cfg.FailureThreshold {
				m.tripLocked(t, now)
			}
		}
	}
	to := t.state
	t.mu.Unlock()

	m.notify(name, from, to)
}

func (m *Monitor) tripLocked(t *tracker, now time.Time) {
	t.trips++
	cooldown := m.cfg.BaseCooldown
	for i := 1; i < t.trips && cooldown < m.cfg.MaxCooldown; i++ {
		cooldown *= 2
	}
	t.cooldown = min(cooldown, m.cfg.MaxCooldown)
	t.state = StateOpen
	t.openedAt = now
}

// expireLocked moves an OPEN circuit to HALF_OPEN once its cooldown passed.
func (m *Monitor) expireLocked(t *tracker, now time.Time) {
	if t.state == StateOpen && now.Sub(t.openedAt) >= t.cooldown {
		t.state = StateHalfOpen
	}
}

func (m *Monitor) notify(name string, from, to State) {
	if from == to {
		return
	}
	m.logger.Info("provider state changed", "provider", name, "from", from.String(), "to", to.String())

	m.mu.RLock()
	listeners := append([]StateListener(nil), m.listeners...)
	m.mu.RUnlock()
	for _, fn := range listeners {
		fn(name, from, to)
	}
}

// State returns the provider's circuit state, applying any expired cooldown.
func (m *Monitor) State(name string) State {
	t := m.tracker(name)

	t.mu.Lock()
	from := t.state
	m.expireLocked(t, m.now())
	to := t.state
	t.mu.Unlock()

	m.notify(name, from, to)
	return to
}

// IsHealthy reports whether the provider may receive traffic.
func (m *Monitor) IsHealthy(name string) bool {
	return m.State(name) != StateOpen
}

// Score returns the recency-weighted success rate in [0,1].
func (m *Monitor) Score(name string) float64 {
	t := m.tracker(name)
	t.mu.Lock()
	samples := t.orderedLocked()
	t.mu.Unlock()
	return weightedScore(samples, m.cfg.Decay)
}

func weightedScore(samples []sample, decay float64) float64 {
	n := len(samples)
	if n == 0 {
		return 1.0
	}
	var num, den float64
	w := 1.0
	// Walk newest to oldest so the weight is decay^(n-1-i).
	for i := n - 1; i >= 0; i-- {
		if samples[i].ok {
			num += w
		}
		den += w
		w *= decay
	}
	return num / den
}

// MeanLatency averages the latency of samples in the window.
func (m *Monitor) MeanLatency(name string) time.Duration {
	t := m.tracker(name)
	t.mu.Lock()
	samples := t.orderedLocked()
	t.mu.Unlock()
	return meanLatency(samples)
}

func meanLatency(samples []sample) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, s := range samples {
		total += s.latency
	}
	return total / time.Duration(len(samples))
}

// Status returns one provider's snapshot.
func (m *Monitor) Status(name string) Status {
	t := m.tracker(name)
	now := m.now()

	t.mu.Lock()
	from := t.state
	m.expireLocked(t, now)
	samples := t.orderedLocked()
	st := Status{
		Name:        name,
		State:       t.state,
		LastChecked: t.lastChecked,
		Samples:     len(samples),
		Trips:       t.trips,
	}
	if t.state == StateOpen {
		st.CooldownRemaining = t.cooldown - now.Sub(t.openedAt)
	}
	t.mu.Unlock()

	for _, s := range samples {
		if !s.ok {
			st.Failures++
		}
	}
	st.Score = weightedScore(samples, m.cfg.Decay)
	st.MeanLatency = meanLatency(samples)

	m.notify(name, from, st.State)
	return st
}

// Snapshot returns the status of every tracked provider, sorted by name.
func (m *Monitor) Snapshot() []Status {
	m.mu.RLock()
	names := make([]string, 0, len(m.trackers))
	for name := range m.trackers {
		names = append(names, name)
	}
	m.mu.RUnlock()
	slices.Sort(names)

	out := make([]Status, 0, len(names))
	for _, name := range names {
		out = append(out, m.Status(name))
	}
	return out
}
