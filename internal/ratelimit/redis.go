package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// allowScript checks every window and records the request in one atomic step.
//
// KEYS: one sorted set per rule. ARGV: now (ms), member, then window (ms) and
// limit per rule. Returns {0, rule index, count, reset ms} on rejection and
// {1, count per rule...} on admission, counts taken before this request.
var allowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local member = ARGV[2]
local counts = {}

for i = 1, #KEYS do
	local window = tonumber(ARGV[1 + i * 2])
	local limit = tonumber(ARGV[2 + i * 2])
	redis.call('ZREMRANGEBYSCORE', KEYS[i], '-inf', now - window)
	local count = redis.call('ZCARD', KEYS[i])
	if count >= limit then
		local reset = now + window
		local oldest = redis.call('ZRANGE', KEYS[i], 0, 0, 'WITHSCORES')
		if oldest[2] then
			reset = tonumber(oldest[2]) + window
		end
		return {0, i, count, reset}
	end
	counts[i] = count
end

local result = {1}
for i = 1, #KEYS do
	redis.call('ZADD', KEYS[i], now, member)
	redis.call('PEXPIRE', KEYS[i], tonumber(ARGV[1 + i * 2]))
	result[i + 1] = counts[i]
end
return result
`)

// RedisRateLimiter keeps one sorted set of request timestamps per rule and key,
// giving a sliding window shared by every proxy instance.
type RedisRateLimiter struct {
	client *redis.Client
	rules  []Rule
	now    func() time.Time
}

func NewRedisRateLimiter(redisURL string, rules []Rule) (*RedisRateLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return NewRedisRateLimiterWithClient(client, rules), nil
}

func NewRedisRateLimiterWithClient(client *redis.Client, rules []Rule) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, rules: rules, now: time.Now}
}

func (r *RedisRateLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	if len(r.rules) == 0 {
		return Decision{Allowed: true}, nil
	}

	now := r.now()
	nowMs := now.UnixMilli()

	keys := make([]string, len(r.rules))
	args := make([]interface{}, 0, 2+2*len(r.rules))
	args = append(args, nowMs, uuid.NewString())
	for i, rule := range r.rules {
		keys[i] = redisKey(rule, key)
		args = append(args, rule.Window.Milliseconds(), rule.Limit)
	}

	res, err := allowScript.Run(ctx, r.client, keys, args...).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("run rate limit script: %w", err)
	}
	if len(res) == 0 {
		return Decision{}, fmt.Errorf("empty rate limit script result")
	}

	if res[0] == 0 {
		if len(res) != 4 || res[1] < 1 || int(res[1]) > len(r.rules) {
			return Decision{}, fmt.Errorf("malformed rate limit script result %v", res)
		}
		return Decision{
			Allowed:   false,
			Rule:      r.rules[res[1]-1],
			Remaining: 0,
			ResetAt:   time.UnixMilli(res[3]),
		}, nil
	}

	if len(res) != len(r.rules)+1 {
		return Decision{}, fmt.Errorf("malformed rate limit script result %v", res)
	}

	decision := Decision{Allowed: true, Remaining: -1}
	for i, rule := range r.rules {
		remaining := rule.Limit - int(res[i+1]) - 1
		if decision.Remaining < 0 || remaining < decision.Remaining {
			decision.Rule = rule
			decision.Remaining = remaining
			decision.ResetAt = now.Add(rule.Window)
		}
	}
	return decision, nil
}

// redisKey hash-tags the client address so all of its windows share a cluster slot.
func redisKey(rule Rule, key string) string {
	return "ratelimit:{" + key + "}:" + rule.Name
}

func (r *RedisRateLimiter) Close() error {
	return r.client.Close()
}
