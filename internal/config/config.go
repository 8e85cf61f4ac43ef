package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/felipepmaragno/llm-chat-proxy/internal/endpoint"
	"github.com/felipepmaragno/llm-chat-proxy/internal/ratelimit"
)

type Config struct {
	// Inference server
	LLMBaseURL   string
	LLMHost      string
	LLMPort      string
	LLMModelName string

	Port         string
	LogLevel     string
	RedisURL     string
	DatabaseURL  string
	OTLPEndpoint string
	AWSRegion    string
	SNSTopicARN  string

	CacheTTL            time.Duration
	DispatchTimeout     time.Duration
	ProbeTimeout        time.Duration
	StartupProbeTimeout time.Duration

	// Per client address
	RateLimitPerMinute int
	RateLimitPerHour   int
	RateLimitPerDay    int

	// Graceful shutdown
	ShutdownTimeout time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		LLMBaseURL:          getEnv("LLM_BASE_URL", ""),
		LLMHost:             getEnv("LLM_HOST", "localhost"),
		LLMPort:             getEnv("LLM_PORT", "12434"),
		LLMModelName:        getEnv("LLM_MODEL_NAME", "ai/smollm2"),
		Port:                getEnv("PORT", "8888"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		RedisURL:            getEnv("REDIS_URL", ""),
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		OTLPEndpoint:        getEnv("OTLP_ENDPOINT", ""),
		AWSRegion:           getEnv("AWS_REGION", ""),
		SNSTopicARN:         getEnv("SNS_TOPIC_ARN", ""),
		CacheTTL:            getDurationEnv("CACHE_TTL", 300*time.Second),
		DispatchTimeout:     getDurationEnv("DISPATCH_TIMEOUT", 30*time.Second),
		ProbeTimeout:        getDurationEnv("PROBE_TIMEOUT", 5*time.Second),
		StartupProbeTimeout: getDurationEnv("STARTUP_PROBE_TIMEOUT", 10*time.Second),
		ShutdownTimeout:     getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	var err error
	if cfg.RateLimitPerMinute, err = getIntEnv("RATE_LIMIT_PER_MINUTE", 10); err != nil {
		return nil, err
	}
	if cfg.RateLimitPerHour, err = getIntEnv("RATE_LIMIT_PER_HOUR", 50); err != nil {
		return nil, err
	}
	if cfg.RateLimitPerDay, err = getIntEnv("RATE_LIMIT_PER_DAY", 200); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	port, err := strconv.Atoi(c.Port)
	if err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("invalid PORT %q", c.Port)
	}
	if c.LLMBaseURL == "" {
		p, err := strconv.Atoi(c.LLMPort)
		if err != nil || p <= 0 || p > 65535 {
			return fmt.Errorf("invalid LLM_PORT %q", c.LLMPort)
		}
	}
	if c.RateLimitPerMinute < 0 || c.RateLimitPerHour < 0 || c.RateLimitPerDay < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return ":" + c.Port
}

// Endpoint returns the inference server settings used for every dispatch.
func (c *Config) Endpoint() endpoint.Config {
	return endpoint.Config{
		BaseURL: c.LLMBaseURL,
		Host:    c.LLMHost,
		Port:    c.LLMPort,
		Model:   c.LLMModelName,
	}
}

// RateLimitRules converts the configured ceilings into limiter rules.
// A zero limit disables that window.
func (c *Config) RateLimitRules() []ratelimit.Rule {
	windows := []ratelimit.Rule{
		{Name: "minute", Limit: c.RateLimitPerMinute, Window: time.Minute},
		{Name: "hour", Limit: c.RateLimitPerHour, Window: time.Hour},
		{Name: "day", Limit: c.RateLimitPerDay, Window: 24 * time.Hour},
	}
	rules := make([]ratelimit.Rule, 0, len(windows))
	for _, r := range windows {
		if r.Limit > 0 {
			rules = append(rules, r)
		}
	}
	return rules
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv accepts plain seconds ("30") or a Go duration ("1m30s").
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return n, nil
}
