// Package probe checks every candidate endpoint with a minimal completion
// request and reports which ones answer. Unlike dispatch it never stops early.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/felipepmaragno/llm-chat-proxy/internal/dispatch"
	"github.com/felipepmaragno/llm-chat-proxy/internal/endpoint"
	"github.com/felipepmaragno/llm-chat-proxy/internal/extract"
	"github.com/felipepmaragno/llm-chat-proxy/internal/metrics"
	"github.com/felipepmaragno/llm-chat-proxy/internal/payload"
)

const (
	DiagnosticTimeout = 5 * time.Second
	StartupTimeout    = 10 * time.Second

	maxResponseText = 200
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// EndpointResult is the per-endpoint entry of a Report.
type EndpointResult struct {
	Status       string `json:"status"`
	Message      string `json:"message"`
	StatusCode   int    `json:"status_code,omitempty"`
	ResponseText string `json:"response_text,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Report is the JSON body of the connection-test route.
type Report struct {
	EndpointsTested []string                  `json:"endpoints_tested"`
	Model           string                    `json:"model"`
	Time            string                    `json:"time"`
	Status          string                    `json:"status"`
	Message         string                    `json:"message"`
	EndpointResults map[string]EndpointResult `json:"endpoint_results"`
	WorkingEndpoint string                    `json:"working_endpoint,omitempty"`
	Suggestion      string                    `json:"suggestion,omitempty"`

	// Attempts keeps the raw classification in probe order.
	Attempts []dispatch.Attempt `json:"-"`
}

// OK reports whether at least one endpoint answered.
func (r *Report) OK() bool {
	return r.Status == StatusOK
}

type Prober struct {
	transport dispatch.Transport
	now       func() time.Time
}

func New(transport dispatch.Transport) *Prober {
	return &Prober{transport: transport, now: time.Now}
}

// ProbeAll sends the probe payload to every candidate in order, each bounded by timeout.
func (p *Prober) ProbeAll(ctx context.Context, cfg endpoint.Config, timeout time.Duration) *Report {
	candidates := endpoint.Candidates(cfg)
	primary := candidates[0]

	report := &Report{
		EndpointsTested: candidates,
		Model:           cfg.Model,
		Time:            p.now().Format(time.RFC3339Nano),
		Status:          StatusError,
		Message:         "Failed to connect to any endpoint",
		EndpointResults: make(map[string]EndpointResult, len(candidates)),
		Attempts:        make([]dispatch.Attempt, 0, len(candidates)),
	}

	body, err := json.Marshal(payload.Probe(cfg.Model))
	if err != nil {
		report.Message = fmt.Sprintf("encode probe payload: %v", err)
		return report
	}

	for _, url := range candidates {
		slog.Info("testing endpoint", "endpoint", url)

		a := dispatch.Try(ctx, p.transport, url, body, timeout)
		report.Attempts = append(report.Attempts, a)

		result := toEndpointResult(a)
		report.EndpointResults[url] = result
		metrics.SetEndpointUp(url, result.Status == StatusOK)

		if result.Status == StatusOK && report.Status != StatusOK {
			report.Status = StatusOK
			report.Message = "Successfully connected to " + url
			report.WorkingEndpoint = url
			if url != primary {
				report.Suggestion = fmt.Sprintf("Consider setting LLM_BASE_URL=%s for faster connections", url)
			}
		}
	}

	return report
}

// A probe only needs the server to accept the request; the 200 status is the signal.
func toEndpointResult(a dispatch.Attempt) EndpointResult {
	switch a.Kind {
	case dispatch.KindConnection:
		return EndpointResult{Status: StatusError, Message: "Connection error", Error: a.Detail}
	case dispatch.KindTimeout:
		return EndpointResult{Status: StatusError, Message: "Connection timed out", Error: a.Detail}
	}

	if a.StatusCode == http.StatusOK {
		return EndpointResult{Status: StatusOK, Message: "Connection successful", StatusCode: a.StatusCode}
	}

	if a.StatusCode != 0 {
		return EndpointResult{
			Status:       StatusError,
			Message:      fmt.Sprintf("Server responded with status code: %d", a.StatusCode),
			StatusCode:   a.StatusCode,
			ResponseText: extract.Snippet([]byte(a.Body), maxResponseText),
		}
	}

	return EndpointResult{Status: StatusError, Message: "Unexpected error", Error: a.Detail}
}

// LogStartup probes all endpoints and logs the outcome. It never fails startup.
func (p *Prober) LogStartup(ctx context.Context, cfg endpoint.Config, timeout time.Duration) *Report {
	slog.Info("checking connection to inference server", "endpoint", endpoint.Primary(cfg))

	report := p.ProbeAll(ctx, cfg, timeout)
	if report.OK() {
		slog.Info("connected to inference server", "endpoint", report.WorkingEndpoint)
		if report.Suggestion != "" {
			slog.Warn(report.Suggestion)
		}
		return report
	}

	for _, url := range report.EndpointsTested {
		r := report.EndpointResults[url]
		slog.Warn("endpoint unreachable",
			"endpoint", url,
			"message", r.Message,
			"status", r.StatusCode,
			"error", r.Error,
		)
	}
	slog.Warn("could not connect to inference server at startup; chat may not work until it is available",
		"diagnostics", "/api/connection-test",
	)
	return report
}
