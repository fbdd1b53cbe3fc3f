// Package llmrouter implements a provider-agnostic Complete(request) ->
// Response contract over a map of per-provider adapters, with retry, a
// per-provider circuit breaker, and a per-provider concurrency
// semaphore.
package llmrouter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	llmhttp "github.com/aireview/engine/internal/adapter/llm/http"
)

// Message is one turn of the request's conversation.
type Message struct {
	Role    string
	Content string
}

// FinishReason reports why the provider stopped generating.
type FinishReason string

const (
	FinishStop   FinishReason = "Stop"
	FinishLength FinishReason = "Length"
	FinishFilter FinishReason = "Filter"
	FinishError  FinishReason = "Error"
)

// Request is the provider-agnostic call contract.
type Request struct {
	Provider      string
	Model         string
	System        string
	Messages      []Message
	MaxTokens     int
	Temperature   float64
	StopSequences []string
	Timeout       time.Duration
}

// Response is the provider-agnostic result contract.
type Response struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
	FinishReason     FinishReason
	LatencyMs        int64
	Cost             float64 // USD, 0 when the adapter's pricing catalog has no entry
}

// Adapter translates a Request into one provider's wire protocol.
// The concrete adapters in this package (OpenAI, Anthropic, Gemini,
// Ollama) wrap the existing HTTP clients and normalise usage numbers.
type Adapter interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// ErrProviderUnavailable is returned when a provider's circuit breaker
// is open; callers may invoke a configured fallback model.
type ErrProviderUnavailable struct {
	Provider string
	Cause    error
}

func (e *ErrProviderUnavailable) Error() string {
	return fmt.Sprintf("llmrouter: provider %s unavailable: %v", e.Provider, e.Cause)
}
func (e *ErrProviderUnavailable) Unwrap() error { return e.Cause }

// providerState bundles the per-provider circuit breaker and semaphore.
type providerState struct {
	breaker *gobreaker.CircuitBreaker
	sem     chan struct{}
}

// Router dispatches Complete calls to per-provider adapters.
type Router struct {
	mu        sync.Mutex
	adapters  map[string]Adapter
	providers map[string]*providerState
	retryConf llmhttp.RetryConfig
	concurrency int
	acquireTimeout time.Duration
}

// Option configures a Router at construction time.
type Option func(*Router)

// WithRetryConfig overrides the default RouterRetryConfig backoff shape.
func WithRetryConfig(c llmhttp.RetryConfig) Option {
	return func(r *Router) { r.retryConf = c }
}

// WithPerProviderConcurrency overrides llm.perProviderConcurrency (default 8).
func WithPerProviderConcurrency(n int) Option {
	return func(r *Router) { r.concurrency = n }
}

// WithAcquireTimeout bounds how long Complete blocks waiting for a free
// semaphore slot before failing.
func WithAcquireTimeout(d time.Duration) Option {
	return func(r *Router) { r.acquireTimeout = d }
}

// New builds a Router. Register adapters with RegisterAdapter before use.
func New(opts ...Option) *Router {
	r := &Router{
		adapters:       map[string]Adapter{},
		providers:      map[string]*providerState{},
		retryConf:      llmhttp.RouterRetryConfig(),
		concurrency:    8,
		acquireTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterAdapter wires provider to the adapter that serves its calls.
func (r *Router) RegisterAdapter(provider string, adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[provider] = adapter
	if _, ok := r.providers[provider]; !ok {
		r.providers[provider] = r.newProviderState(provider)
	}
}

func (r *Router) newProviderState(provider string) *providerState {
	st := gobreaker.Settings{
		Name:        provider,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 20 && float64(counts.TotalFailures)/float64(counts.Requests) > 0.5
		},
	}
	return &providerState{
		breaker: gobreaker.NewCircuitBreaker(st),
		sem:     make(chan struct{}, r.concurrency),
	}
}

func (r *Router) stateFor(provider string) (*providerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.providers[provider]
	if !ok {
		return nil, fmt.Errorf("llmrouter: no adapter registered for provider %q", provider)
	}
	return st, nil
}

// Complete dispatches req through the registered adapter for
// req.Provider, applying the semaphore, circuit breaker, and a jittered
// backoff retry. Retry happens on network errors, 408/429/5xx, and
// FinishError; 400/401/403-equivalent classifications are fatal for
// this request.
func (r *Router) Complete(ctx context.Context, req Request) (Response, error) {
	r.mu.Lock()
	adapter, ok := r.adapters[req.Provider]
	r.mu.Unlock()
	if !ok {
		return Response{}, fmt.Errorf("llmrouter: no adapter registered for provider %q", req.Provider)
	}

	state, err := r.stateFor(req.Provider)
	if err != nil {
		return Response{}, err
	}

	if err := r.acquire(ctx, state.sem); err != nil {
		return Response{}, err
	}
	defer r.release(state.sem)

	var resp Response
	breakerCall := func() (interface{}, error) {
		start := time.Now()
		err := r.callWithRetry(ctx, func(ctx context.Context) (Response, error) {
			return adapter.Complete(ctx, req)
		}, &resp)
		resp.LatencyMs = time.Since(start).Milliseconds()
		return nil, err
	}

	_, err = state.breaker.Execute(breakerCall)
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return Response{}, &ErrProviderUnavailable{Provider: req.Provider, Cause: err}
		}
		return Response{}, err
	}
	return resp, nil
}

// callWithRetry retries op on network errors, HTTP 408/429/5xx (as
// classified by llmhttp.ShouldRetry) and on FinishReason=Error, using
// the router's exponential-backoff-with-jitter shape. 400/401/403-class
// adapter errors are not retryable and fail the call immediately.
func (r *Router) callWithRetry(ctx context.Context, op func(context.Context) (Response, error), out *Response) error {
	var lastErr error
	for attempt := 0; attempt <= r.retryConf.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		resp, err := op(ctx)
		if err == nil && resp.FinishReason != FinishError {
			*out = resp
			return nil
		}

		if err == nil {
			lastErr = fmt.Errorf("llmrouter: provider reported FinishError")
		} else {
			lastErr = err
			if !llmhttp.ShouldRetry(err) {
				return err
			}
		}

		if attempt >= r.retryConf.MaxRetries {
			return lastErr
		}

		backoff := llmhttp.ExponentialBackoff(attempt, r.retryConf)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

func (r *Router) acquire(ctx context.Context, sem chan struct{}) error {
	timer := time.NewTimer(r.acquireTimeout)
	defer timer.Stop()
	select {
	case sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("llmrouter: timed out acquiring provider concurrency slot")
	}
}

func (r *Router) release(sem chan struct{}) {
	<-sem
}

// Saturation reports the fraction of provider's concurrency semaphore
// currently in use, for callers implementing queue-level back-pressure.
// ok is false when provider has no registered adapter.
func (r *Router) Saturation(provider string) (fraction float64, ok bool) {
	r.mu.Lock()
	st, exists := r.providers[provider]
	r.mu.Unlock()
	if !exists {
		return 0, false
	}
	return float64(len(st.sem)) / float64(cap(st.sem)), true
}

// MaxSaturation reports the highest Saturation across every registered
// provider, or 0 if none are registered.
func (r *Router) MaxSaturation() float64 {
	r.mu.Lock()
	providers := make([]string, 0, len(r.providers))
	for p := range r.providers {
		providers = append(providers, p)
	}
	r.mu.Unlock()

	var max float64
	for _, p := range providers {
		if frac, ok := r.Saturation(p); ok && frac > max {
			max = frac
		}
	}
	return max
}
