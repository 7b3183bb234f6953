package provider

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimited wraps a Provider with a token-bucket limiter so a fleet of
// concurrent loops cannot exceed the backend's request budget.
type RateLimited struct {
	inner   Provider
	limiter *rate.Limiter
}

// NewRateLimited wraps inner, allowing requestsPerSecond with the given
// burst.
func NewRateLimited(inner Provider, requestsPerSecond float64, burst int) *RateLimited {
	return &RateLimited{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
	}
}

// Name implements Provider.
func (p *RateLimited) Name() string {
	return p.inner.Name()
}

// Think blocks until the limiter admits the request, then delegates.
func (p *RateLimited) Think(ctx context.Context, trace []string) (string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("provider rate limit: %w", err)
	}
	return p.inner.Think(ctx, trace)
}
