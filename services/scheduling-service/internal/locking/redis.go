package locking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Only the holder's token may delete the key.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisConfig struct {
	Prefix     string
	TTL        time.Duration
	Wait       time.Duration
	RetryEvery time.Duration
}

// Redis is a Locker shared by every service instance using the same Redis.
type Redis struct {
	rdb    redis.UniversalClient
	logger *slog.Logger
	cfg    RedisConfig
}

func NewRedis(rdb redis.UniversalClient, logger *slog.Logger, cfg RedisConfig) *Redis {
	cfg.Prefix = strings.TrimSpace(cfg.Prefix)
	if cfg.Prefix == "" {
		cfg.Prefix = "calendar-lock"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Second
	}
	if cfg.Wait <= 0 {
		cfg.Wait = 2 * time.Second
	}
	if cfg.RetryEvery <= 0 {
		cfg.RetryEvery = 25 * time.Millisecond
	}
	return &Redis{rdb: rdb, logger: logger, cfg: cfg}
}

func (l *Redis) redisKey(k string) string {
	return l.cfg.Prefix + ":" + k
}

func (l *Redis) Lock(ctx context.Context, keys []string) (func(), error) {
	token := uuid.NewString()
	waitCtx, cancel := context.WithTimeout(ctx, l.cfg.Wait)
	defer cancel()

	var held []string
	for _, k := range Canonical(keys) {
		rk := l.redisKey(k)
		if err := l.acquire(waitCtx, rk, token); err != nil {
			l.release(held, token)
			return nil, err
		}
		held = append(held, rk)
	}
	return func() { l.release(held, token) }, nil
}

func (l *Redis) acquire(ctx context.Context, key, token string) error {
	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.cfg.TTL).Result()
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s", ErrLockTimeout, key)
		case <-time.After(l.cfg.RetryEvery):
		}
	}
}

func (l *Redis) release(keys []string, token string) {
	// Release must run even when the request context is already cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := len(keys) - 1; i >= 0; i-- {
		if err := releaseScript.Run(ctx, l.rdb, []string{keys[i]}, token).Err(); err != nil && l.logger != nil {
			l.logger.Warn("redis lock release failed", "key", keys[i], "err", err)
		}
	}
}

func RedisReadyCheck(rdb redis.UniversalClient) func(context.Context) error {
	return func(ctx context.Context) error {
		if rdb == nil {
			return errors.New("redis not configured")
		}
		return rdb.Ping(ctx).Err()
	}
}
