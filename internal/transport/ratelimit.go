package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/pkg/clock"
	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
	"github.com/ignite/campaign-dispatch/internal/service/sending"
)

// Limit caps sends per channel. A zero field means no cap for that window.
type Limit struct {
	PerSecond int `yaml:"per_second"`
	PerMinute int `yaml:"per_minute"`
	PerDay    int `yaml:"per_day"`
}

// RateLimitCode is the TransportError code returned when a send is denied.
const RateLimitCode = "RateLimitExceeded"

// Checks all three windows and increments only when every one passes.
// Returns {allowed, deniedWindow, current}.
const windowLimitScript = `
local inc = tonumber(ARGV[1])
for i = 1, 3 do
    local limit = tonumber(ARGV[1 + i])
    if limit > 0 then
        local cur = tonumber(redis.call("GET", KEYS[i]) or "0")
        if cur + inc > limit then
            return {0, i, cur}
        end
    end
end
local last = 0
for i = 1, 3 do
    last = redis.call("INCRBY", KEYS[i], inc)
    if last == inc then
        redis.call("EXPIRE", KEYS[i], tonumber(ARGV[4 + i]))
    end
end
return {1, 0, last}
`

var windowNames = map[int64]string{1: "per-second", 2: "per-minute", 3: "daily"}

// RateLimiter enforces per-channel send windows shared by every worker
// through Redis counters.
type RateLimiter struct {
	redis  *redis.Client
	script *redis.Script
	limits map[domain.CampaignType]Limit
	clock  clock.Clock
}

// NewRateLimiter creates a limiter. clk may be nil.
func NewRateLimiter(client *redis.Client, limits map[domain.CampaignType]Limit, clk clock.Clock) *RateLimiter {
	if clk == nil {
		clk = clock.Real{}
	}
	return &RateLimiter{
		redis:  client,
		script: redis.NewScript(windowLimitScript),
		limits: limits,
		clock:  clk,
	}
}

func (r *RateLimiter) keys(channel domain.CampaignType, now time.Time) []string {
	return []string{
		fmt.Sprintf("ratelimit:%s:sec:%d", channel, now.Unix()),
		fmt.Sprintf("ratelimit:%s:min:%d", channel, now.Unix()/60),
		fmt.Sprintf("ratelimit:%s:day:%s", channel, now.Format("2006-01-02")),
	}
}

// Allow takes one slot for channel. When denied it returns the window that
// was full and how long until it rolls over.
func (r *RateLimiter) Allow(ctx context.Context, channel domain.CampaignType) (bool, string, time.Duration, error) {
	limit, ok := r.limits[channel]
	if !ok {
		return true, "", 0, nil
	}

	now := r.clock.Now()
	res, err := r.script.Run(ctx, r.redis, r.keys(channel, now),
		1, limit.PerSecond, limit.PerMinute, limit.PerDay,
		2, 120, 90000,
	).Slice()
	if err != nil {
		return false, "", 0, fmt.Errorf("rate limit check: %w", err)
	}

	if res[0].(int64) == 1 {
		return true, "", 0, nil
	}
	window := res[1].(int64)
	var wait time.Duration
	switch window {
	case 1:
		wait = time.Second
	case 2:
		wait = time.Duration(60-now.Second()) * time.Second
	case 3:
		next := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
		wait = next.Sub(now)
	}
	return false, windowNames[window], wait, nil
}

// Usage returns the current counters for channel.
func (r *RateLimiter) Usage(ctx context.Context, channel domain.CampaignType) (map[string]int64, error) {
	keys := r.keys(channel, r.clock.Now())
	pipe := r.redis.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.Get(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	sec, _ := cmds[0].Int64()
	minute, _ := cmds[1].Int64()
	day, _ := cmds[2].Int64()
	limit := r.limits[channel]
	return map[string]int64{
		"second_current": sec,
		"second_limit":   int64(limit.PerSecond),
		"minute_current": minute,
		"minute_limit":   int64(limit.PerMinute),
		"daily_current":  day,
		"daily_limit":    int64(limit.PerDay),
	}, nil
}

// Wrap returns t guarded by the channel's limit. A denied send fails fast
// with a rate-limit TransportError so the attempt is retried with backoff.
// Redis errors let the send through.
func (r *RateLimiter) Wrap(channel domain.CampaignType, t sending.Transport) sending.Transport {
	if t == nil {
		return nil
	}
	if _, ok := r.limits[channel]; !ok {
		return t
	}
	return sending.TransportFunc(func(ctx context.Context, msg *domain.Message) (*domain.SendResult, error) {
		allowed, window, wait, err := r.Allow(ctx, channel)
		if err != nil {
			logger.Warn("rate limiter unavailable, sending unthrottled", "channel", channel, "error", err)
			return t.Send(ctx, msg)
		}
		if !allowed {
			return nil, &sending.TransportError{
				Protocol:  sending.ProtocolAPI,
				Code:      RateLimitCode,
				Message:   fmt.Sprintf("%s %s limit reached, resets in %s", channel, window, wait),
				Temporary: true,
			}
		}
		return t.Send(ctx, msg)
	})
}
