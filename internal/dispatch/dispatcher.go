// Package dispatch sends a chat payload to the primary inference endpoint and,
// when it fails in a recognized way, sweeps the alternative endpoints in fixed
// order until one returns a well-formed completion.
//
// Attempts are strictly sequential. The first success wins; nothing is retried.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/felipepmaragno/llm-chat-proxy/internal/domain"
	"github.com/felipepmaragno/llm-chat-proxy/internal/endpoint"
	"github.com/felipepmaragno/llm-chat-proxy/internal/metrics"
	"github.com/felipepmaragno/llm-chat-proxy/internal/payload"
	"github.com/felipepmaragno/llm-chat-proxy/internal/telemetry"
)

const DefaultTimeout = 30 * time.Second

// Result is a successful dispatch.
type Result struct {
	Content  string
	Endpoint string
	Attempts []Attempt
}

// ExhaustedError is returned when every candidate endpoint failed.
type ExhaustedError struct {
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all %d endpoints failed", len(e.Attempts))
}

func (e *ExhaustedError) Unwrap() error {
	return domain.ErrAllEndpointsFailed
}

// ByEndpoint returns the recorded attempts keyed by endpoint URL.
func (e *ExhaustedError) ByEndpoint() map[string]Attempt {
	out := make(map[string]Attempt, len(e.Attempts))
	for _, a := range e.Attempts {
		out[a.Endpoint] = a
	}
	return out
}

// UnexpectedError is returned when the primary endpoint fails in a way that is
// neither a transport failure nor a recognized protocol error.
type UnexpectedError struct {
	Attempt Attempt
}

func (e *UnexpectedError) Error() string {
	return fmt.Sprintf("primary endpoint %s: %s", e.Attempt.Endpoint, e.Attempt.Detail)
}

func (e *UnexpectedError) Unwrap() []error {
	if e.Attempt.Err == nil {
		return []error{domain.ErrUnexpected}
	}
	return []error{domain.ErrUnexpected, e.Attempt.Err}
}

type Dispatcher struct {
	transport            Transport
	timeout              time.Duration
	fallbackOnUnexpected bool
}

type Option func(*Dispatcher)

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.timeout = d
		}
	}
}

// WithFallbackOnUnexpected makes an unexpected primary failure start the
// alternative sweep instead of failing the dispatch.
func WithFallbackOnUnexpected(enabled bool) Option {
	return func(disp *Dispatcher) {
		disp.fallbackOnUnexpected = enabled
	}
}

func New(transport Transport, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		transport: transport,
		timeout:   DefaultTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) Timeout() time.Duration {
	return d.timeout
}

// Dispatch sends message to the candidates resolved from cfg. It returns a
// Result, an *ExhaustedError, or an *UnexpectedError.
func (d *Dispatcher) Dispatch(ctx context.Context, message string, cfg endpoint.Config) (*Result, error) {
	start := time.Now()

	if !cfg.Configured() {
		return nil, domain.ErrNotConfigured
	}
	candidates := endpoint.Candidates(cfg)

	ctx, span := telemetry.StartSpan(ctx, "dispatch")
	defer span.End()
	telemetry.AddDispatchAttributes(span, cfg.Model, len(candidates))

	body, err := json.Marshal(payload.Chat(message, cfg.Model))
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	slog.Info("sending request to LLM API", "endpoint", candidates[0], "model", cfg.Model)
	slog.Debug("chat payload", "bytes", len(body))

	attempts := make([]Attempt, 0, len(candidates))

	primary := d.try(ctx, candidates[0], body)
	attempts = append(attempts, primary)

	if primary.OK() {
		metrics.RecordDispatch("completion", time.Since(start).Seconds())
		return &Result{Content: primary.Content, Endpoint: primary.Endpoint, Attempts: attempts}, nil
	}

	if !primary.Recoverable() && !d.fallbackOnUnexpected {
		slog.Error("unexpected error with primary endpoint",
			"endpoint", primary.Endpoint,
			"error", primary.Detail,
		)
		err := &UnexpectedError{Attempt: primary}
		telemetry.AddErrorAttribute(span, err)
		metrics.RecordDispatch("unexpected", time.Since(start).Seconds())
		return nil, err
	}

	slog.Warn("primary endpoint failed, trying alternatives",
		"endpoint", primary.Endpoint,
		"result", primary.Kind,
		"status", primary.StatusCode,
		"error", primary.Detail,
	)

	for _, url := range candidates[1:] {
		slog.Info("trying alternative endpoint", "endpoint", url)

		a := d.try(ctx, url, body)
		attempts = append(attempts, a)

		if a.OK() {
			slog.Info("alternative endpoint succeeded", "endpoint", url)
			metrics.RecordDispatch("completion", time.Since(start).Seconds())
			return &Result{Content: a.Content, Endpoint: a.Endpoint, Attempts: attempts}, nil
		}

		slog.Warn("alternative endpoint failed",
			"endpoint", url,
			"result", a.Kind,
			"status", a.StatusCode,
			"error", a.Detail,
		)
		if a.Body != "" {
			slog.Debug("alternative endpoint response", "endpoint", url, "body", a.Body)
		}
	}

	err = &ExhaustedError{Attempts: attempts}
	telemetry.AddErrorAttribute(span, err)
	metrics.RecordDispatch("exhausted", time.Since(start).Seconds())
	return nil, err
}

func (d *Dispatcher) try(ctx context.Context, url string, body []byte) Attempt {
	ctx, span := telemetry.StartSpan(ctx, "dispatch.attempt")
	defer span.End()

	a := Try(ctx, d.transport, url, body, d.timeout)

	telemetry.AddAttemptAttributes(span, url, string(a.Kind), a.StatusCode)
	if a.Err != nil {
		telemetry.AddErrorAttribute(span, a.Err)
	}
	metrics.RecordAttempt(url, string(a.Kind), a.Latency.Seconds())

	return a
}
