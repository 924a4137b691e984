package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/haasonsaas/warden/internal/resilience"
)

// Failover wraps an ordered list of providers behind the Provider interface.
// Each provider carries its own circuit breaker; a request goes to the first
// provider whose breaker admits it, and transient failures move on to the
// next. Errors that failover cannot help with (invalid request) surface
// immediately.
type Failover struct {
	providers []Provider
	breakers  *resilience.BreakerSet
	logger    *slog.Logger
}

// NewFailover builds a failover provider. At least one provider is required;
// the first is primary.
func NewFailover(breakerCfg resilience.BreakerConfig, providers ...Provider) (*Failover, error) {
	if len(providers) == 0 {
		return nil, errors.New("agent: failover needs at least one provider")
	}
	return &Failover{
		providers: providers,
		breakers:  resilience.NewBreakerSet(breakerCfg),
		logger:    slog.Default().With("component", "agent"),
	}, nil
}

func (f *Failover) Name() string { return "failover" }

// BreakerStates reports the circuit state per provider, for health checks.
func (f *Failover) BreakerStates() map[string]resilience.BreakerState {
	return f.breakers.States()
}

// CreateMessage tries each provider in order through its breaker.
func (f *Failover) CreateMessage(ctx context.Context, req *Request) (*Response, error) {
	return attempt(ctx, f, func(ctx context.Context, p Provider) (*Response, error) {
		return p.CreateMessage(ctx, req)
	})
}

// CreateMessageStream tries each provider in order. Failover happens at
// stream creation only; once a stream opens, its errors belong to the
// caller. The breaker is fed by the open attempt.
func (f *Failover) CreateMessageStream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	return attempt(ctx, f, func(ctx context.Context, p Provider) (<-chan StreamEvent, error) {
		return p.CreateMessageStream(ctx, req)
	})
}

func attempt[T any](ctx context.Context, f *Failover, call func(context.Context, Provider) (T, error)) (T, error) {
	var zero T
	failures := make(map[string]error)

	for _, p := range f.providers {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		br := f.breakers.Get(p.Name())
		if !br.Allow() {
			failures[p.Name()] = resilience.ErrCircuitOpen
			continue
		}

		out, err := call(ctx, p)
		if err == nil {
			br.RecordSuccess()
			return out, nil
		}
		br.RecordFailure()

		class := ClassifyProviderError(err)
		if !shouldFailover(class) {
			return zero, fmt.Errorf("agent: provider %s: %w", p.Name(), err)
		}
		f.logger.Warn("provider failed, trying next",
			"provider", p.Name(), "class", class, "error", err)
		failures[p.Name()] = err
	}

	return zero, &resilience.AllFallbacksFailedError{Errors: failures}
}
