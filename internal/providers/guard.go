package providers

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-orchestrator/internal/circuitbreaker"
	"github.com/Kocoro-lab/research-orchestrator/internal/ratecontrol"
)

// Guarded paces calls through a rate limiter and stops calling a provider
// whose breaker has opened.
type Guarded struct {
	inner   Provider
	limits  *ratecontrol.Controller
	breaker *circuitbreaker.CircuitBreaker
}

// Guard wraps p. Either limits or breakerCfg may be nil to skip that layer.
func Guard(p Provider, limits *ratecontrol.Controller, breakerCfg *circuitbreaker.Config, logger *zap.Logger) *Guarded {
	g := &Guarded{inner: p, limits: limits}
	if breakerCfg != nil {
		cfg := *breakerCfg
		// Caller cancellation says nothing about provider health.
		cfg.IsFailure = func(err error) bool { return !errors.Is(err, context.Canceled) }
		g.breaker = circuitbreaker.NewCircuitBreaker("provider:"+p.Name(), cfg, logger)
		circuitbreaker.GlobalMetricsCollector.RegisterCircuitBreaker(p.Name(), "search-provider", g.breaker)
	}
	return g
}

func (g *Guarded) Name() string { return g.inner.Name() }

// Unwrap returns the guarded provider.
func (g *Guarded) Unwrap() Provider { return g.inner }

func (g *Guarded) Search(ctx context.Context, query string) ([]Result, error) {
	if g.limits != nil {
		if err := g.limits.Wait(ctx, g.Name()); err != nil {
			return nil, Transient(g.Name(), err)
		}
	}
	if g.breaker == nil {
		return g.inner.Search(ctx, query)
	}

	var results []Result
	err := g.breaker.Execute(ctx, func() error {
		var err error
		results, err = g.inner.Search(ctx, query)
		return err
	})
	circuitbreaker.GlobalMetricsCollector.RecordRequest(g.Name(), "search-provider", g.breaker.State(), err == nil)
	if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return nil, Permanent(g.Name(), err)
	}
	if err != nil {
		return nil, FromTransport(g.Name(), err)
	}
	return results, nil
}

// BreakerOpen reports whether calls to the provider are currently refused.
func (g *Guarded) BreakerOpen() bool {
	return g.breaker != nil && g.breaker.State() == circuitbreaker.StateOpen
}
