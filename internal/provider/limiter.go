// ABOUTME: Client-side token bucket shared by all bridge kinds.
// ABOUTME: A wait that cannot finish before the call deadline is a rate-limit failure.

package provider

import (
	"context"

	"golang.org/x/time/rate"
)

// limiter wraps an optional token bucket. A nil limiter admits everything.
type limiter struct {
	provider string
	bucket   *rate.Limiter
}

func newLimiter(cfg Config) *limiter {
	if cfg.RateLimitRPS <= 0 {
		return nil
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 1
	}
	return &limiter{
		provider: cfg.Name,
		bucket:   rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst),
	}
}

// wait blocks until the call is admitted.
func (l *limiter) wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return classifyTransport(l.provider, err)
	}
	if err := l.bucket.Wait(ctx); err != nil {
		// Wait fails early when the deadline would pass before a token frees up.
		if ctx.Err() == context.Canceled {
			return classifyTransport(l.provider, ctx.Err())
		}
		return NewError(l.provider, ErrProviderRateLimited, err)
	}
	return nil
}
