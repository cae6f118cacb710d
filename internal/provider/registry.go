package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/arture/agentstream/internal/logging"
)

const (
	// MaxRetries is the number of full passes over the provider chain
	// after the first before giving up.
	MaxRetries = 2
	// RetryInitialInterval is the initial interval for exponential backoff.
	RetryInitialInterval = time.Second
	// RetryMaxInterval is the maximum interval for exponential backoff.
	RetryMaxInterval = 10 * time.Second
)

// newRetryBackoff creates an exponential backoff with jitter for retry
// passes over the provider chain, cancelled with the context.
func newRetryBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = RetryInitialInterval
	b.MaxInterval = RetryMaxInterval
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, MaxRetries), ctx)
}

// Registry chains providers in preference order. A generation request
// walks the chain until one provider produces output; a full-chain
// failure is retried with backoff before reporting ErrNoProviders.
type Registry struct {
	providers []Provider
}

// NewRegistry creates a registry trying providers in the given order.
func NewRegistry(providers ...Provider) *Registry {
	return &Registry{providers: providers}
}

// Providers returns the chain in preference order.
func (r *Registry) Providers() []Provider {
	return r.providers
}

// Health describes one provider's key configuration, for the health
// endpoint.
type Health struct {
	Configured bool `json:"configured"`
	KeyCount   int  `json:"keyCount"`
}

// HealthReport returns per-provider key configuration keyed by name.
func (r *Registry) HealthReport() map[string]Health {
	report := make(map[string]Health, len(r.providers))
	for _, p := range r.providers {
		report[p.Name()] = Health{Configured: p.Configured(), KeyCount: p.KeyCount()}
	}
	return report
}

// Stream walks the chain delivering text fragments to emit. Returns
// the winning model as "provider:model".
func (r *Registry) Stream(ctx context.Context, req *Request, emit func(text string)) (string, error) {
	return r.attempt(ctx, func(p Provider) (string, error) {
		return p.Stream(ctx, req, emit)
	})
}

// Complete walks the chain for a full non-streaming response. Returns
// the response text and the winning model as "provider:model".
func (r *Registry) Complete(ctx context.Context, req *Request) (string, string, error) {
	var text string
	model, err := r.attempt(ctx, func(p Provider) (string, error) {
		t, m, innerErr := p.Complete(ctx, req)
		if innerErr != nil {
			return "", innerErr
		}
		text = t
		return m, nil
	})
	if err != nil {
		return "", "", err
	}
	return text, model, nil
}

func (r *Registry) attempt(ctx context.Context, call func(p Provider) (string, error)) (string, error) {
	retry := newRetryBackoff(ctx)
	var lastErr error

	for {
		for _, p := range r.providers {
			if !p.Configured() {
				continue
			}
			model, err := call(p)
			if err != nil {
				logging.Debug().Str("provider", p.Name()).Err(err).Msg("provider pass failed")
				lastErr = err
				continue
			}
			return fmt.Sprintf("%s:%s", p.Name(), model), nil
		}

		next := retry.NextBackOff()
		if next == backoff.Stop {
			break
		}
		logging.Warn().Dur("retryIn", next).Msg("all providers failed, retrying")
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(next):
		}
	}

	if lastErr == nil {
		lastErr = ErrNoProviders
	}
	return "", fmt.Errorf("provider chain exhausted: %w", lastErr)
}
