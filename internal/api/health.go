package api

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/felipepmaragno/llm-chat-proxy/internal/probe"
)

// Version is reported by the readiness endpoint.
const Version = "1.0.0"

const (
	readyStatus    = "ready"
	degradedStatus = "degraded"
	notReadyStatus = "not_ready"
)

// Dependency is a backing service that must answer for the proxy to be ready.
type Dependency interface {
	Name() string
	Ping(ctx context.Context) error
}

// ReadinessReport is the body of /health/ready.
//
// A missing endpoint configuration or a failing dependency makes the proxy not
// ready. A failed inference probe only degrades it: cached answers, the UI and
// diagnostics keep working while the inference server is away.
type ReadinessReport struct {
	Status       string                      `json:"status"`
	Version      string                      `json:"version"`
	Model        string                      `json:"model"`
	LLMAPI       string                      `json:"llm_api"`
	Inference    *InferenceStatus            `json:"inference,omitempty"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// InferenceStatus summarizes the most recent probe of the inference endpoints.
type InferenceStatus struct {
	Status          string `json:"status"`
	WorkingEndpoint string `json:"working_endpoint,omitempty"`
	CheckedAt       string `json:"checked_at"`
}

type DependencyStatus struct {
	OK        bool   `json:"ok"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

type RedisDependency struct {
	client *redis.Client
}

// NewRedisDependency opens a dedicated client so readiness does not queue
// behind cache or limiter traffic.
func NewRedisDependency(redisURL string) (*RedisDependency, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisDependency{client: redis.NewClient(opts)}, nil
}

func (d *RedisDependency) Name() string                   { return "redis" }
func (d *RedisDependency) Ping(ctx context.Context) error { return d.client.Ping(ctx).Err() }
func (d *RedisDependency) Close() error                   { return d.client.Close() }

type pingFunc struct {
	name string
	ping func(ctx context.Context) error
}

func (p pingFunc) Name() string                   { return p.name }
func (p pingFunc) Ping(ctx context.Context) error { return p.ping(ctx) }

// PostgresDependency adapts anything with a Ping, such as the Postgres dispatch log.
func PostgresDependency(db interface{ Ping(ctx context.Context) error }) Dependency {
	return pingFunc{name: "postgres", ping: db.Ping}
}

// pingAll pings every dependency concurrently under ctx.
func pingAll(ctx context.Context, deps []Dependency) map[string]DependencyStatus {
	statuses := make([]DependencyStatus, len(deps))

	var g errgroup.Group
	for i, dep := range deps {
		g.Go(func() error {
			start := time.Now()
			err := dep.Ping(ctx)
			statuses[i] = DependencyStatus{OK: err == nil, LatencyMs: time.Since(start).Milliseconds()}
			if err != nil {
				statuses[i].Error = err.Error()
			}
			return nil
		})
	}
	g.Wait()

	out := make(map[string]DependencyStatus, len(deps))
	for i, dep := range deps {
		out[dep.Name()] = statuses[i]
	}
	return out
}

func inferenceStatus(report *probe.Report) *InferenceStatus {
	if report == nil {
		return nil
	}
	return &InferenceStatus{
		Status:          report.Status,
		WorkingEndpoint: report.WorkingEndpoint,
		CheckedAt:       report.Time,
	}
}

func (h *Handler) readiness(ctx context.Context) (int, ReadinessReport) {
	ctx, cancel := context.WithTimeout(ctx, h.readyTimeout)
	defer cancel()

	report := ReadinessReport{
		Status:    readyStatus,
		Version:   Version,
		Model:     h.endpoint.Model,
		LLMAPI:    "ok",
		Inference: inferenceStatus(h.lastProbe.Load()),
	}
	if len(h.dependencies) > 0 {
		report.Dependencies = pingAll(ctx, h.dependencies)
	}

	if report.Inference != nil && report.Inference.Status != probe.StatusOK {
		report.Status = degradedStatus
	}

	if !h.endpoint.Configured() {
		report.LLMAPI = "not_configured"
		report.Status = notReadyStatus
	}
	for _, dep := range report.Dependencies {
		if !dep.OK {
			report.Status = notReadyStatus
		}
	}

	if report.Status == notReadyStatus {
		return http.StatusServiceUnavailable, report
	}
	return http.StatusOK, report
}

func (h *Handler) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	status, report := h.readiness(r.Context())
	writeJSON(w, status, report)
}
