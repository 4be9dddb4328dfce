package admission

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript increments the counter for the current second and
// reports whether it is still within the limit. The key expires shortly after
// its second has passed.
var fixedWindowScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	if current > tonumber(ARGV[1]) then
		return 0
	end
	return 1
`)

// RedisLimiter shares a fixed one-second window across every collector
// instance pointed at the same Redis.
type RedisLimiter struct {
	client *redis.Client
	scope  string
	limit  int64
	now    func() time.Time
	owned  bool
}

// NewRedisLimiter connects to redisURL and verifies the connection.
func NewRedisLimiter(ctx context.Context, redisURL, scope string, limit int) (*RedisLimiter, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	l := NewRedisLimiterFromClient(client, scope, limit)
	l.owned = true
	return l, nil
}

// NewRedisLimiterFromClient wraps an existing client. Close does not close it.
func NewRedisLimiterFromClient(client *redis.Client, scope string, limit int) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		scope:  scope,
		limit:  int64(limit),
		now:    time.Now,
	}
}

// Allow increments the window counter for key. A limit of zero disables it.
func (r *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if r.limit <= 0 {
		return true, nil
	}
	k := "syslog:ratelimit:" + r.scope + ":" + key + ":" + strconv.FormatInt(r.now().Unix(), 10)
	res, err := fixedWindowScript.Run(ctx, r.client, []string{k}, r.limit, 2000).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}
	return res == 1, nil
}

func (r *RedisLimiter) Close() error {
	if r.owned && r.client != nil {
		return r.client.Close()
	}
	return nil
}
