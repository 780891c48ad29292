// ABOUTME: Bridge wrapper that bounds each call by the per-call timeout and records outcomes.
// ABOUTME: Caller cancellation is not a provider failure; an expired call deadline is.

package health

import (
	"context"
	"errors"
	"time"

	"github.com/2389/conclave/internal/provider"
)

// Instrument wraps b so its calls feed this monitor.
func (m *Monitor) Instrument(b provider.Bridge) provider.Bridge {
	m.Track(b.Name())
	return &instrumented{Bridge: b, monitor: m}
}

type instrumented struct {
	provider.Bridge
	monitor *Monitor
}

func (i *instrumented) Invoke(ctx context.Context, req provider.Request) (*provider.Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = i.monitor.cfg.CallTimeout
	}
	req.Timeout = timeout

	var resp *provider.Response
	err := i.observe(ctx, timeout, func(callCtx context.Context) error {
		var err error
		resp, err = i.Bridge.Invoke(callCtx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (i *instrumented) Probe(ctx context.Context) error {
	return i.observe(ctx, i.monitor.cfg.CallTimeout, i.Bridge.Probe)
}

// Unwrap returns the underlying bridge.
func (i *instrumented) Unwrap() provider.Bridge {
	return i.Bridge
}

func (i *instrumented) observe(ctx context.Context, timeout time.Duration, call func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := call(callCtx)
	latency := time.Since(start)

	if err != nil && errors.Is(ctx.Err(), context.Canceled) {
		// The caller gave up; this says nothing about the provider.
		return err
	}
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, provider.ErrProviderTimeout) {
		err = provider.NewError(i.Name(), provider.ErrProviderTimeout, err)
	}

	i.monitor.Record(i.Name(), err == nil, latency)
	return err
}
