// ABOUTME: Periodic concurrent probing of all providers.
// ABOUTME: Probe outcomes feed the same rolling window as real calls.

package health

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/conclave/internal/provider"
)

// maxConcurrentProbes bounds the probe fan-out.
const maxConcurrentProbes = 8

// BridgeSource lists the bridges to probe. provider.Registry satisfies it.
type BridgeSource interface {
	All() []provider.Bridge
}

// Run probes every provider each ProbeInterval until ctx is done.
// Bridges should be instrumented so probe outcomes are recorded.
func (m *Monitor) Run(ctx context.Context, source BridgeSource) {
	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	m.ProbeAll(ctx, source.All())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ProbeAll(ctx, source.All())
		}
	}
}

// ProbeAll probes every bridge that is not OPEN, concurrently, and waits for
// all probes to finish. Failures are recorded, not returned.
func (m *Monitor) ProbeAll(ctx context.Context, bridges []provider.Bridge) {
	var g errgroup.Group
	g.SetLimit(maxConcurrentProbes)

	for _, b := range bridges {
		if m.State(b.Name()) == StateOpen {
			continue
		}
		g.Go(func() error {
			if err := b.Probe(ctx); err != nil {
				m.logger.Debug("probe failed", "provider", b.Name(), "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
