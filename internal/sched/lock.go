package sched

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrLockHeld is returned by TryLock when another holder owns the key.
var ErrLockHeld = errors.New("lock held by another instance")

// Locker guards work that must run on a single instance at a time.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, err error)
	Unlock(ctx context.Context, key, token string) error
}

// RedisLocker implements Locker with SET NX and a token-checked delete, so an
// instance whose lock expired cannot release a lock taken over by another.
type RedisLocker struct {
	cli *redis.Client
}

// NewRedisLocker connects to Redis and verifies the connection. url is either
// a host:port address or a redis:// URL; password and db apply to the former.
func NewRedisLocker(ctx context.Context, url, password string, db int) (*RedisLocker, error) {
	opts, err := redisOptions(url, password, db)
	if err != nil {
		return nil, err
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &RedisLocker{cli: cli}, nil
}

func redisOptions(url, password string, db int) (*redis.Options, error) {
	if strings.HasPrefix(url, "redis://") || strings.HasPrefix(url, "rediss://") {
		opts, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		return opts, nil
	}
	return &redis.Options{
		Addr:     url,
		Password: password,
		DB:       db,
	}, nil
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := l.cli.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("acquiring lock %s: %w", key, err)
	}
	if !ok {
		return "", ErrLockHeld
	}
	return token, nil
}

var luaUnlock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)

func (l *RedisLocker) Unlock(ctx context.Context, key, token string) error {
	if err := luaUnlock.Run(ctx, l.cli, []string{key}, token).Err(); err != nil {
		return fmt.Errorf("releasing lock %s: %w", key, err)
	}
	return nil
}

// Close releases the Redis connection pool.
func (l *RedisLocker) Close() error {
	return l.cli.Close()
}
