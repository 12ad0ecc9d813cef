package provider

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/felixgeelhaar/fortify/retry"
	"github.com/felixgeelhaar/fortify/timeout"
)

// ResilienceConfig bounds each Chat call made through Resilient.
type ResilienceConfig struct {
	MaxAttempts int
	RetryDelay  time.Duration
	Timeout     time.Duration
}

// DefaultResilienceConfig returns two attempts with a one second initial
// backoff, under a five minute deadline.
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		MaxAttempts: 2,
		RetryDelay:  time.Second,
		Timeout:     5 * time.Minute,
	}
}

// Resilient wraps a Provider with retry and an overall timeout.
type Resilient struct {
	inner Provider
	cfg   ResilienceConfig
}

// NewResilient wraps inner. Zero fields in cfg take their defaults.
func NewResilient(inner Provider, cfg ResilienceConfig) *Resilient {
	def := DefaultResilienceConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Resilient{inner: inner, cfg: cfg}
}

func (p *Resilient) Name() string { return p.inner.Name() }

// Chat calls the wrapped provider. Client errors from the API are returned
// on the first attempt; everything else is retried.
func (p *Resilient) Chat(ctx context.Context, messages []Message, tools []ToolDef) (*Response, error) {
	r := retry.New[*Response](retry.Config{
		MaxAttempts:   p.cfg.MaxAttempts,
		InitialDelay:  p.cfg.RetryDelay,
		BackoffPolicy: retry.BackoffExponential,
	})
	t := timeout.New[*Response](timeout.Config{
		DefaultTimeout: p.cfg.Timeout,
	})

	var permanent atomic.Pointer[APIError]
	resp, err := t.Execute(ctx, p.cfg.Timeout, func(ctx context.Context) (*Response, error) {
		return r.Do(ctx, func(ctx context.Context) (*Response, error) {
			resp, err := p.inner.Chat(ctx, messages, tools)
			var apiErr *APIError
			if errors.As(err, &apiErr) && !apiErr.Temporary() {
				permanent.Store(apiErr)
				return nil, nil
			}
			return resp, err
		})
	})
	if apiErr := permanent.Load(); apiErr != nil {
		return nil, apiErr
	}
	return resp, err
}
