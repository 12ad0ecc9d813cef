package provider

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"
)

// flakyProvider fails with errs in order, then succeeds.
type flakyProvider struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (f *flakyProvider) Name() string { return "flaky" }

func (f *flakyProvider) Chat(context.Context, []Message, []ToolDef) (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	return &Response{Content: "ok"}, nil
}

func fastConfig() ResilienceConfig {
	return ResilienceConfig{MaxAttempts: 3, RetryDelay: time.Millisecond, Timeout: 5 * time.Second}
}

func TestResilient_RetriesTransientErrors(t *testing.T) {
	inner := &flakyProvider{errs: []error{
		errors.New("connection reset"),
		&APIError{StatusCode: http.StatusServiceUnavailable},
	}}
	p := NewResilient(inner, fastConfig())

	resp, err := p.Chat(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("Content = %q, want ok", resp.Content)
	}
	if inner.calls != 3 {
		t.Errorf("calls = %d, want 3", inner.calls)
	}
}

func TestResilient_DoesNotRetryClientErrors(t *testing.T) {
	inner := &flakyProvider{errs: []error{&APIError{StatusCode: http.StatusBadRequest, Body: "bad"}}}
	p := NewResilient(inner, fastConfig())

	_, err := p.Chat(context.Background(), nil, nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("err = %v, want 400 APIError", err)
	}
	if inner.calls != 1 {
		t.Errorf("calls = %d, want 1", inner.calls)
	}
}

func TestResilient_GivesUpAfterMaxAttempts(t *testing.T) {
	inner := &flakyProvider{errs: []error{errors.New("a"), errors.New("b"), errors.New("c"), errors.New("d")}}
	p := NewResilient(inner, fastConfig())

	if _, err := p.Chat(context.Background(), nil, nil); err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if inner.calls != 3 {
		t.Errorf("calls = %d, want 3", inner.calls)
	}
}

func TestResilient_Defaults(t *testing.T) {
	p := NewResilient(&flakyProvider{}, ResilienceConfig{})
	if p.Name() != "flaky" {
		t.Errorf("Name() = %q", p.Name())
	}
	if p.cfg != DefaultResilienceConfig() {
		t.Errorf("cfg = %+v, want defaults", p.cfg)
	}
}
