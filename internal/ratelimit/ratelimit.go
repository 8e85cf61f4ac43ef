// Package ratelimit limits chat requests per client address.
// Every key is checked against a set of fixed-window rules (per minute, per
// hour, per day); a request is admitted only when all rules have room.
// Supports both in-memory (single instance) and Redis (distributed) backends.
package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// Rule caps requests per key within Window.
type Rule struct {
	Name   string
	Limit  int
	Window time.Duration
}

// DefaultRules are 10 per minute, 50 per hour and 200 per day.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "minute", Limit: 10, Window: time.Minute},
		{Name: "hour", Limit: 50, Window: time.Hour},
		{Name: "day", Limit: 200, Window: 24 * time.Hour},
	}
}

// Decision describes the outcome of Allow. For a rejected request Rule is the
// rule that was exhausted; for an admitted one it is the rule with the least room.
type Decision struct {
	Allowed   bool
	Rule      Rule
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is how long the caller should wait before trying again.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.ResetAt.Sub(now)
	if wait < time.Second {
		return time.Second
	}
	return wait
}

// RateLimiter defines the interface for rate limiting backends.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

const shardCount = 32

// sweepThreshold is the shard size at which expired keys are pruned.
const sweepThreshold = 1024

// InMemoryRateLimiter keeps fixed windows in sharded maps so unrelated client
// addresses rarely contend on the same lock.
type InMemoryRateLimiter struct {
	rules  []Rule
	shards [shardCount]shard
	now    func() time.Time
}

type shard struct {
	mu      sync.Mutex
	windows map[string][]window
}

type window struct {
	count   int
	resetAt time.Time
}

func NewInMemoryRateLimiter(rules []Rule) *InMemoryRateLimiter {
	r := &InMemoryRateLimiter{rules: rules, now: time.Now}
	for i := range r.shards {
		r.shards[i].windows = make(map[string][]window)
	}
	return r
}

func (r *InMemoryRateLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	if len(r.rules) == 0 {
		return Decision{Allowed: true}, nil
	}

	s := &r.shards[shardFor(key)]
	s.mu.Lock()
	defer s.mu.Unlock()

	now := r.now()

	ws, ok := s.windows[key]
	if !ok {
		if len(s.windows) >= sweepThreshold {
			s.sweep(now)
		}
		ws = make([]window, len(r.rules))
		s.windows[key] = ws
	}

	for i, rule := range r.rules {
		if ws[i].resetAt.IsZero() || !now.Before(ws[i].resetAt) {
			ws[i] = window{count: 0, resetAt: now.Add(rule.Window)}
		}
	}

	for i, rule := range r.rules {
		if ws[i].count >= rule.Limit {
			return Decision{Allowed: false, Rule: rule, Remaining: 0, ResetAt: ws[i].resetAt}, nil
		}
	}

	decision := Decision{Allowed: true, Remaining: -1}
	for i, rule := range r.rules {
		ws[i].count++
		remaining := rule.Limit - ws[i].count
		if decision.Remaining < 0 || remaining < decision.Remaining {
			decision.Rule = rule
			decision.Remaining = remaining
			decision.ResetAt = ws[i].resetAt
		}
	}

	return decision, nil
}

func (s *shard) sweep(now time.Time) {
	for key, ws := range s.windows {
		expired := true
		for _, w := range ws {
			if now.Before(w.resetAt) {
				expired = false
				break
			}
		}
		if expired {
			delete(s.windows, key)
		}
	}
}

func shardFor(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % shardCount
}
