package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// IntervalGate enforces a fixed spacing between calls to an external API
// across every worker process sharing the same Redis. Unlike the token
// bucket it admits exactly one call per interval regardless of how many
// workers contend for it.
type IntervalGate struct {
	client   *redis.Client
	key      string
	interval time.Duration
}

// NewIntervalGate constructs a gate on the given key.
func NewIntervalGate(client *redis.Client, key string, interval time.Duration) *IntervalGate {
	if interval <= 0 {
		interval = time.Second
	}
	return &IntervalGate{client: client, key: key, interval: interval}
}

// TryAcquire attempts to claim the current interval slot. On rejection it
// returns the remaining wait before the next slot opens.
func (g *IntervalGate) TryAcquire(ctx context.Context) (bool, time.Duration, error) {
	now := time.Now().UnixMilli()
	res, err := gateScript.Run(ctx, g.client, []string{g.key}, now, g.interval.Milliseconds()).Int64()
	if err != nil {
		return false, 0, err
	}
	if res == 0 {
		return true, 0, nil
	}
	return false, time.Duration(res) * time.Millisecond, nil
}

// Wait blocks until a slot is acquired or ctx is done.
func (g *IntervalGate) Wait(ctx context.Context) error {
	for {
		ok, wait, err := g.TryAcquire(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if wait < 10*time.Millisecond {
			wait = 10 * time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

var gateScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])

local last = tonumber(redis.call('GET', key))
if last == nil or now - last >= interval then
  redis.call('SET', key, now, 'PX', interval * 10)
  return 0
end
return interval - (now - last)
`)
