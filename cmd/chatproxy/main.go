package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/felipepmaragno/llm-chat-proxy/internal/api"
	"github.com/felipepmaragno/llm-chat-proxy/internal/cache"
	"github.com/felipepmaragno/llm-chat-proxy/internal/config"
	"github.com/felipepmaragno/llm-chat-proxy/internal/dispatch"
	"github.com/felipepmaragno/llm-chat-proxy/internal/endpoint"
	"github.com/felipepmaragno/llm-chat-proxy/internal/httputil"
	"github.com/felipepmaragno/llm-chat-proxy/internal/notifications"
	"github.com/felipepmaragno/llm-chat-proxy/internal/probe"
	"github.com/felipepmaragno/llm-chat-proxy/internal/ratelimit"
	"github.com/felipepmaragno/llm-chat-proxy/internal/repository"
	"github.com/felipepmaragno/llm-chat-proxy/internal/telemetry"
)

const version = api.Version

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	ep := cfg.Endpoint()
	slog.Info("starting LLM chat proxy",
		"addr", cfg.Addr(),
		"version", version,
		"model", ep.Model,
		"llm_host", ep.Host,
		"llm_port", ep.Port,
		"llm_base_url", ep.BaseURL,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.ServiceName, version, cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	var closers []io.Closer
	var dependencies []api.Dependency

	var rateLimiter ratelimit.RateLimiter
	var responseCache cache.Cache
	if cfg.RedisURL != "" {
		redisLimiter, err := ratelimit.NewRedisRateLimiter(cfg.RedisURL, cfg.RateLimitRules())
		if err != nil {
			slog.Warn("failed to connect to redis for rate limiting, using in-memory", "error", err)
			rateLimiter = ratelimit.NewInMemoryRateLimiter(cfg.RateLimitRules())
		} else {
			rateLimiter = redisLimiter
			closers = append(closers, redisLimiter)
			slog.Info("using redis rate limiter")
		}

		redisCache, err := cache.NewRedisCache(cfg.RedisURL)
		if err != nil {
			slog.Warn("failed to connect to redis for cache, using in-memory", "error", err)
			memCache := cache.NewInMemoryCache()
			responseCache = memCache
			closers = append(closers, memCache)
		} else {
			responseCache = redisCache
			closers = append(closers, redisCache)
			slog.Info("using redis cache")
		}

		redisDep, err := api.NewRedisDependency(cfg.RedisURL)
		if err == nil {
			dependencies = append(dependencies, redisDep)
			closers = append(closers, redisDep)
		}
	} else {
		rateLimiter = ratelimit.NewInMemoryRateLimiter(cfg.RateLimitRules())
		memCache := cache.NewInMemoryCache()
		responseCache = memCache
		closers = append(closers, memCache)
		slog.Info("using in-memory rate limiter and cache")
	}

	var dispatchLog repository.DispatchLog
	if cfg.DatabaseURL != "" {
		pgLog, err := repository.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Warn("failed to connect to postgres, using in-memory dispatch log", "error", err)
			dispatchLog = repository.NewInMemoryDispatchLog(repository.DefaultCapacity)
		} else {
			dispatchLog = pgLog
			dependencies = append(dependencies, api.PostgresDependency(pgLog))
			closers = append(closers, pgLog)
			slog.Info("using postgres dispatch log")
		}
	} else {
		dispatchLog = repository.NewInMemoryDispatchLog(repository.DefaultCapacity)
	}

	var notifier notifications.Notifier = notifications.LogNotifier{}
	if cfg.SNSTopicARN != "" {
		snsNotifier, err := notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.SNSTopicARN)
		if err != nil {
			slog.Warn("failed to configure SNS notifications, logging only", "error", err)
		} else {
			notifier = snsNotifier
			slog.Info("using SNS notifications", "topic", cfg.SNSTopicARN)
		}
	}
	watcher := notifications.NewWatcher(notifier)

	transport := httputil.DefaultClient()
	dispatcher := dispatch.New(transport, dispatch.WithTimeout(cfg.DispatchTimeout))
	prober := probe.New(transport)

	handler := api.NewHandler(api.HandlerConfig{
		Endpoint:     ep,
		Dispatcher:   dispatcher,
		Prober:       prober,
		ProbeTimeout: cfg.ProbeTimeout,
		RateLimiter:  rateLimiter,
		Cache:        responseCache,
		CacheTTL:     cfg.CacheTTL,
		DispatchLog:  dispatchLog,
		Watcher:      watcher,
		Dependencies: dependencies,
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5*cfg.DispatchTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// The startup sweep runs behind the listener; readiness picks up its report when done.
	go func() {
		startupCtx, startupCancel := context.WithTimeout(ctx, cfg.StartupProbeTimeout*time.Duration(len(endpoint.Candidates(ep)))+time.Second)
		defer startupCancel()
		handler.CheckEndpointsAtStartup(startupCtx, cfg.StartupProbeTimeout)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	for _, c := range closers {
		if err := c.Close(); err != nil {
			slog.Warn("failed to close resource", "error", err)
		}
	}

	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Warn("failed to flush traces", "error", err)
	}

	slog.Info("server stopped")
}

func setupLogger(level string) {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(level),
	})
	slog.SetDefault(slog.New(handler))
}

// parseLogLevel maps LOG_LEVEL to a slog level. Unknown values fall back to info.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
