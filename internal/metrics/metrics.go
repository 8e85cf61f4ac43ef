package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ChatRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatproxy_chat_requests_total",
			Help: "Total number of chat API requests by response status",
		},
		[]string{"status"},
	)

	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatproxy_endpoint_attempts_total",
			Help: "Total number of outbound inference attempts by endpoint and result",
		},
		[]string{"endpoint", "result"},
	)

	AttemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatproxy_endpoint_attempt_duration_seconds",
			Help:    "Outbound inference attempt duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
		},
		[]string{"result"},
	)

	DispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatproxy_dispatches_total",
			Help: "Total number of dispatches by outcome",
		},
		[]string{"outcome"},
	)

	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatproxy_dispatch_duration_seconds",
			Help:    "Full fallback sequence duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 150},
		},
		[]string{"outcome"},
	)

	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatproxy_cache_hits_total",
			Help: "Total number of chat responses served from cache",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatproxy_cache_misses_total",
			Help: "Total number of chat requests that missed the cache",
		},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatproxy_rate_limit_hits_total",
			Help: "Total number of requests rejected by the rate limiter, by window",
		},
		[]string{"window"},
	)

	ProbeResults = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatproxy_endpoint_up",
			Help: "Result of the last connection probe per endpoint (1=ok, 0=error)",
		},
		[]string{"endpoint"},
	)
)

func RecordChatRequest(status int) {
	ChatRequestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
}

func RecordAttempt(endpoint, result string, durationSec float64) {
	AttemptsTotal.WithLabelValues(endpoint, result).Inc()
	AttemptDuration.WithLabelValues(result).Observe(durationSec)
}

func RecordDispatch(outcome string, durationSec float64) {
	DispatchesTotal.WithLabelValues(outcome).Inc()
	DispatchDuration.WithLabelValues(outcome).Observe(durationSec)
}

func RecordCacheHit() {
	CacheHits.Inc()
}

func RecordCacheMiss() {
	CacheMisses.Inc()
}

func RecordRateLimitHit(window string) {
	RateLimitHits.WithLabelValues(window).Inc()
}

func SetEndpointUp(endpoint string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	ProbeResults.WithLabelValues(endpoint).Set(v)
}
