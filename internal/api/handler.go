package api

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/felipepmaragno/llm-chat-proxy/internal/cache"
	"github.com/felipepmaragno/llm-chat-proxy/internal/dispatch"
	"github.com/felipepmaragno/llm-chat-proxy/internal/domain"
	"github.com/felipepmaragno/llm-chat-proxy/internal/endpoint"
	"github.com/felipepmaragno/llm-chat-proxy/internal/metrics"
	"github.com/felipepmaragno/llm-chat-proxy/internal/notifications"
	"github.com/felipepmaragno/llm-chat-proxy/internal/probe"
	"github.com/felipepmaragno/llm-chat-proxy/internal/ratelimit"
	"github.com/felipepmaragno/llm-chat-proxy/internal/repository"
	"github.com/felipepmaragno/llm-chat-proxy/internal/telemetry"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

//go:embed static
var staticFiles embed.FS

const (
	msgInvalidRequest  = "Invalid request format"
	msgMessageRequired = "Message is required and must be a string"
	msgMessageTooLong  = "Message too long (max 4000 characters)"
	msgRateLimited     = "Rate limit exceeded. Please try again later."
	msgDispatchFailed  = "Failed to get response from LLM"
)

// recentDispatches is how many audit log entries the connection test returns.
const recentDispatches = 10

type HandlerConfig struct {
	Endpoint     endpoint.Config
	Dispatcher   *dispatch.Dispatcher
	Prober       *probe.Prober
	ProbeTimeout time.Duration
	RateLimiter  ratelimit.RateLimiter
	Cache        cache.Cache
	CacheTTL     time.Duration
	DispatchLog  repository.DispatchLog
	Watcher      *notifications.Watcher
	Dependencies []Dependency
	ReadyTimeout time.Duration
}

type Handler struct {
	endpoint     endpoint.Config
	dispatcher   *dispatch.Dispatcher
	prober       *probe.Prober
	probeTimeout time.Duration
	rateLimiter  ratelimit.RateLimiter
	loader       *cache.Loader
	dispatchLog  repository.DispatchLog
	watcher      *notifications.Watcher
	dependencies []Dependency
	readyTimeout time.Duration
	lastProbe    atomic.Pointer[probe.Report]
	mux          *http.ServeMux
	now          func() time.Time
}

func NewHandler(cfg HandlerConfig) *Handler {
	probeTimeout := cfg.ProbeTimeout
	if probeTimeout == 0 {
		probeTimeout = probe.DiagnosticTimeout
	}
	readyTimeout := cfg.ReadyTimeout
	if readyTimeout == 0 {
		readyTimeout = 5 * time.Second
	}

	h := &Handler{
		endpoint:     cfg.Endpoint,
		dispatcher:   cfg.Dispatcher,
		prober:       cfg.Prober,
		probeTimeout: probeTimeout,
		rateLimiter:  cfg.RateLimiter,
		loader:       cache.NewLoader(cfg.Cache, cfg.CacheTTL),
		dispatchLog:  cfg.DispatchLog,
		watcher:      cfg.Watcher,
		dependencies: cfg.Dependencies,
		readyTimeout: readyTimeout,
		mux:          http.NewServeMux(),
		now:          time.Now,
	}

	static, _ := fs.Sub(staticFiles, "static")

	h.mux.Handle("GET /{$}", http.FileServerFS(static))
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", h.handleHealthReady)
	h.mux.HandleFunc("POST /api/chat", h.handleChat)
	h.mux.HandleFunc("GET /api/connection-test", h.handleConnectionTest)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	setSecurityHeaders(w)
	h.mux.ServeHTTP(w, r)
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "SAMEORIGIN")
	w.Header().Set("X-XSS-Protection", "1; mode=block")
	w.Header().Set("Content-Security-Policy", "default-src 'self'; script-src 'self' 'unsafe-inline'; style-src 'self' 'unsafe-inline' https://cdnjs.cloudflare.com; font-src 'self' https://cdnjs.cloudflare.com")
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}
	w.Header().Set("X-Request-ID", requestID)

	if h.rateLimiter != nil {
		client := clientAddr(r)
		decision, err := h.rateLimiter.Allow(ctx, client)
		if err != nil {
			// Fail open.
			slog.Error("rate limiter error", "error", err, "request_id", requestID)
		} else {
			if decision.Rule.Limit > 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Rule.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
				w.Header().Set("X-RateLimit-Reset", decision.ResetAt.Format(time.RFC3339))
			}
			if !decision.Allowed {
				retryAfter := decision.RetryAfter(h.now())
				w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Round(time.Second).Seconds())))
				metrics.RecordRateLimitHit(decision.Rule.Name)
				slog.Warn("rate limit exceeded",
					"client", client,
					"window", decision.Rule.Name,
					"request_id", requestID,
				)
				h.writeChatError(w, http.StatusTooManyRequests, msgRateLimited)
				return
			}
		}
	}

	message, err := decodeChatRequest(r)
	if err != nil {
		slog.Warn("invalid chat request", "error", err, "request_id", requestID)
		h.writeChatError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	if message == domain.ModelInfoCommand {
		slog.Info("model info requested", "model", h.endpoint.Model, "request_id", requestID)
		metrics.RecordChatRequest(http.StatusOK)
		writeJSON(w, http.StatusOK, domain.ModelInfoResponse{Model: h.endpoint.Model})
		return
	}

	// The dispatch outlives a disconnected client so its result still reaches the cache.
	dispatchCtx := context.WithoutCancel(ctx)
	content, hit, err := h.loader.Load(dispatchCtx, cache.KeyForMessage(message), func(ctx context.Context) (string, error) {
		return h.dispatch(ctx, message, requestID)
	})
	if err != nil {
		slog.Error("chat request failed",
			"error", err,
			"request_id", requestID,
			"latency_ms", time.Since(start).Milliseconds(),
		)
		h.writeChatError(w, http.StatusInternalServerError, msgDispatchFailed)
		return
	}

	cacheStatus := "MISS"
	if hit {
		cacheStatus = "HIT"
	}

	slog.Info("chat request completed",
		"request_id", requestID,
		"cache", cacheStatus,
		"latency_ms", time.Since(start).Milliseconds(),
	)

	w.Header().Set("X-Cache", cacheStatus)
	metrics.RecordChatRequest(http.StatusOK)
	writeJSON(w, http.StatusOK, domain.ChatResponse{Response: content})
}

// dispatch runs one fallback sweep and appends the outcome to the dispatch log.
func (h *Handler) dispatch(ctx context.Context, message, requestID string) (string, error) {
	start := time.Now()
	result, err := h.dispatcher.Dispatch(ctx, message, h.endpoint)

	rec := domain.DispatchRecord{
		ID:                 uuid.NewString(),
		RequestID:          requestID,
		Model:              h.endpoint.Model,
		AttemptedEndpoints: []string{},
		LatencyMs:          time.Since(start).Milliseconds(),
		CreatedAt:          start.UTC(),
	}

	var attempts []dispatch.Attempt
	var exhausted *dispatch.ExhaustedError
	var unexpected *dispatch.UnexpectedError
	switch {
	case err == nil:
		rec.Outcome = domain.OutcomeSuccess
		rec.Endpoint = result.Endpoint
		attempts = result.Attempts
	case errors.As(err, &exhausted):
		rec.Outcome = domain.OutcomeExhausted
		attempts = exhausted.Attempts
		for url, a := range exhausted.ByEndpoint() {
			slog.Warn("endpoint failed",
				"request_id", requestID,
				"endpoint", url,
				"result", a.Kind,
				"status", a.StatusCode,
				"error", a.Detail,
			)
		}
	case errors.As(err, &unexpected):
		rec.Outcome = domain.OutcomeUnexpected
		attempts = []dispatch.Attempt{unexpected.Attempt}
	default:
		rec.Outcome = domain.OutcomeUnexpected
	}

	rec.Attempts = len(attempts)
	for _, a := range attempts {
		rec.AttemptedEndpoints = append(rec.AttemptedEndpoints, a.Endpoint)
	}
	h.recordDispatch(ctx, rec)

	if err != nil {
		return "", err
	}
	return result.Content, nil
}

func (h *Handler) recordDispatch(ctx context.Context, rec domain.DispatchRecord) {
	if h.dispatchLog == nil {
		return
	}
	if err := h.dispatchLog.Record(ctx, rec); err != nil {
		slog.Warn("failed to record dispatch", "error", err, "request_id", rec.RequestID)
	}
}

// connectionTestResponse is the probe report plus the latest dispatch outcomes.
type connectionTestResponse struct {
	*probe.Report
	RecentDispatches []domain.DispatchRecord `json:"recent_dispatches,omitempty"`
}

func (h *Handler) handleConnectionTest(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.StartSpan(r.Context(), "connection_test")
	defer span.End()

	report := h.prober.ProbeAll(ctx, h.endpoint, h.probeTimeout)
	h.observeProbe(ctx, report)

	resp := connectionTestResponse{Report: report}
	if h.dispatchLog != nil {
		recent, err := h.dispatchLog.Recent(ctx, recentDispatches)
		if err != nil {
			slog.Warn("failed to read dispatch log", "error", err)
		} else {
			resp.RecentDispatches = recent
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// CheckEndpointsAtStartup checks every endpoint once, logs the outcome and records it
// for readiness. It never fails; the server is already accepting requests.
func (h *Handler) CheckEndpointsAtStartup(ctx context.Context, timeout time.Duration) {
	report := h.prober.LogStartup(ctx, h.endpoint, timeout)
	h.observeProbe(ctx, report)
}

func (h *Handler) observeProbe(ctx context.Context, report *probe.Report) {
	h.lastProbe.Store(report)
	if h.watcher != nil {
		h.watcher.Observe(ctx, report)
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	llmStatus := "ok"
	if !h.endpoint.Configured() {
		llmStatus = "not_configured"
	}

	writeJSON(w, http.StatusOK, domain.HealthResponse{
		Status:    "healthy",
		LLMAPI:    llmStatus,
		Timestamp: h.now().Format(time.RFC3339Nano),
	})
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decodeChatRequest returns the validated message or one of the domain
// validation errors.
func decodeChatRequest(r *http.Request) (string, error) {
	var body map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body == nil {
		return "", domain.ErrInvalidRequest
	}

	raw, ok := body["message"]
	if !ok {
		return "", domain.ErrMessageRequired
	}

	var message string
	if err := json.Unmarshal(raw, &message); err != nil || message == "" {
		return "", domain.ErrMessageRequired
	}

	if utf8.RuneCountInString(message) > domain.MaxMessageLength {
		return "", domain.ErrMessageTooLong
	}

	return message, nil
}

func validationMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrMessageTooLong):
		return msgMessageTooLong
	case errors.Is(err, domain.ErrMessageRequired):
		return msgMessageRequired
	default:
		return msgInvalidRequest
	}
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (h *Handler) writeChatError(w http.ResponseWriter, status int, message string) {
	metrics.RecordChatRequest(status)
	writeError(w, status, message)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, domain.ErrorResponse{Error: message})
}
