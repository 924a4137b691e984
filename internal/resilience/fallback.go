package resilience

import (
	"context"
	"fmt"
	"strings"
)

// FallbackOption is one rung of a fallback chain.
type FallbackOption[T any] struct {
	// Name identifies the option in errors and logs.
	Name string

	// Execute attempts the operation.
	Execute func(ctx context.Context) (T, error)

	// IsAvailable gates the option. Nil means always available.
	IsAvailable func() bool
}

// AllFallbacksFailedError reports that every option in a chain failed or
// was unavailable. Errors holds the per-option failures in chain order.
type AllFallbacksFailedError struct {
	Errors map[string]error
}

func (e *AllFallbacksFailedError) Error() string {
	if len(e.Errors) == 0 {
		return "resilience: no fallback options available"
	}
	parts := make([]string, 0, len(e.Errors))
	for name, err := range e.Errors {
		parts = append(parts, fmt.Sprintf("%s: %v", name, err))
	}
	return "resilience: all fallbacks failed: " + strings.Join(parts, "; ")
}

// FallbackChain executes options in order, returning the first success.
type FallbackChain[T any] struct {
	options []FallbackOption[T]
}

// NewFallbackChain builds a chain over the given options.
func NewFallbackChain[T any](options ...FallbackOption[T]) *FallbackChain[T] {
	return &FallbackChain[T]{options: options}
}

// Add appends an option to the end of the chain.
func (c *FallbackChain[T]) Add(opt FallbackOption[T]) {
	c.options = append(c.options, opt)
}

// Execute tries each available option in order. Context cancellation stops
// the chain immediately; otherwise every failure is collected and an
// AllFallbacksFailedError is returned when none succeed.
func (c *FallbackChain[T]) Execute(ctx context.Context) (T, error) {
	var zero T
	failures := make(map[string]error)

	for _, opt := range c.options {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if opt.IsAvailable != nil && !opt.IsAvailable() {
			failures[opt.Name] = fmt.Errorf("unavailable")
			continue
		}
		out, err := opt.Execute(ctx)
		if err == nil {
			return out, nil
		}
		failures[opt.Name] = err
	}

	return zero, &AllFallbacksFailedError{Errors: failures}
}
