package mutex

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "taskflow:mutex:"

// queue scores order by priority first, arrival second. Arrival is in unix
// milliseconds, so priorities are clamped to keep the score exact.
const (
	priorityWeight = 1e13
	maxPriority    = 400
)

var acquireScript = redis.NewScript(`
local lock, waiters, seen = KEYS[1], KEYS[2], KEYS[3]
local holder, ttl, score, now = ARGV[1], tonumber(ARGV[2]), ARGV[3], tonumber(ARGV[4])

redis.call('HSET', seen, holder, now)
redis.call('PEXPIRE', seen, ttl * 4)

local current = redis.call('GET', lock)
if current == holder then
	redis.call('PEXPIRE', lock, ttl)
	return 1
end

for _, w in ipairs(redis.call('ZRANGE', waiters, 0, -1)) do
	local last = tonumber(redis.call('HGET', seen, w) or '0')
	if w ~= holder and now - last > ttl then
		redis.call('ZREM', waiters, w)
		redis.call('HDEL', seen, w)
	end
end

local head = redis.call('ZRANGE', waiters, 0, 0)
if current or (head[1] and head[1] ~= holder) then
	redis.call('ZADD', waiters, 'NX', score, holder)
	redis.call('PEXPIRE', waiters, ttl * 4)
	return 0
end

redis.call('SET', lock, holder, 'PX', ttl)
redis.call('ZREM', waiters, holder)
return 1
`)

var releaseScript = redis.NewScript(`
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// RedisTable is a Table shared by every engine process connected to the same
// redis. Keys use a hash tag so the lock and its queue live in one slot.
type RedisTable struct {
	client redis.UniversalClient
	clock  clockwork.Clock
}

func NewRedisTable(client redis.UniversalClient, clock clockwork.Clock) *RedisTable {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &RedisTable{client: client, clock: clock}
}

func keys(key string) []string {
	base := keyPrefix + "{" + key + "}"

	return []string{base, base + ":waiters", base + ":seen"}
}

func score(priority int, now time.Time) float64 {
	priority = max(-maxPriority, min(maxPriority, priority))

	return -float64(priority)*priorityWeight + float64(now.UnixMilli())
}

func (r *RedisTable) TryAcquire(ctx context.Context, key, holder string, priority int, ttl time.Duration) (bool, error) {
	now := r.clock.Now()

	acquired, err := acquireScript.Run(ctx, r.client, keys(key),
		holder,
		ttl.Milliseconds(),
		fmt.Sprintf("%.0f", score(priority, now)),
		now.UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to acquire mutex %s: %w", key, err)
	}

	return acquired == 1, nil
}

func (r *RedisTable) Release(ctx context.Context, key, holder string) error {
	if err := releaseScript.Run(ctx, r.client, keys(key), holder).Err(); err != nil {
		return fmt.Errorf("failed to release mutex %s: %w", key, err)
	}

	return nil
}

func (r *RedisTable) Renew(ctx context.Context, key, holder string, ttl time.Duration) error {
	renewed, err := renewScript.Run(ctx, r.client, keys(key), holder, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to renew mutex %s: %w", key, err)
	}

	if renewed == 0 {
		return ErrNotHolder
	}

	return nil
}

func (r *RedisTable) Holder(ctx context.Context, key string) (string, error) {
	holder, err := r.client.Get(ctx, keys(key)[0]).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("failed to read mutex %s: %w", key, err)
	}

	return holder, nil
}

func (r *RedisTable) Close() error {
	return r.client.Close()
}
