// Package ratelimit bounds how often the control API acts for one client,
// with a fixed-window counter in Redis shared across restarts.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrUnavailable = errors.New("ratelimit: redis unavailable")

// Limit is a request budget per window.
type Limit struct {
	Rate   int           `yaml:"rate"`
	Window time.Duration `yaml:"window"`
}

type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter int // seconds
}

type Limiter struct {
	client *redis.Client
}

func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Atomic INCR with expiry on first hit; the window starts at the first
// request and resets when the key expires.
var incrScript = redis.NewScript(`
	local current = redis.call("INCR", KEYS[1])
	if tonumber(current) == 1 then
		redis.call("PEXPIRE", KEYS[1], ARGV[1])
	end
	return current
`)

// Check counts one hit against the key's window and decides.
func (l *Limiter) Check(ctx context.Context, key string, limit Limit) (*Decision, error) {
	count, err := incrScript.Run(ctx, l.client, []string{"sentinel:rl:" + key}, limit.Window.Milliseconds()).Int()
	if err != nil {
		return nil, ErrUnavailable
	}

	remaining := limit.Rate - count
	if remaining < 0 {
		remaining = 0
	}
	return &Decision{
		Allowed:    count <= limit.Rate,
		Limit:      limit.Rate,
		Remaining:  remaining,
		RetryAfter: int(limit.Window.Seconds()),
	}, nil
}
