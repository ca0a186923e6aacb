package coordination

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/itskum47/ovhsniper/control_plane/observability"
)

const releaseScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "redis ping %s", addr)
	}
	return client, nil
}

// RedisLocker shares locks between replicas through Redis.
type RedisLocker struct {
	client     *redis.Client
	releaseSHA string
}

// NewRedisLocker preloads the release script on client.
func NewRedisLocker(ctx context.Context, client *redis.Client) (*RedisLocker, error) {
	sha, err := client.ScriptLoad(ctx, releaseScript).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to preload lock release script")
	}
	return &RedisLocker{client: client, releaseSHA: sha}, nil
}

func observeRedis(start time.Time) {
	observability.RedisLatency.Observe(time.Since(start).Seconds())
}

// TryLock uses SET key owner NX PX ttl.
func (r *RedisLocker) TryLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	defer observeRedis(time.Now())

	ok, err := r.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return false, errors.Wrapf(err, "redis lock %s", key)
	}
	if !ok {
		observability.LockContention.WithLabelValues("redis").Inc()
	}
	return ok, nil
}

// Unlock deletes key only while it still holds owner.
func (r *RedisLocker) Unlock(ctx context.Context, key, owner string) error {
	defer observeRedis(time.Now())

	err := r.client.EvalSha(ctx, r.releaseSHA, []string{key}, owner).Err()
	if err != nil && redis.HasErrorPrefix(err, "NOSCRIPT") {
		err = r.client.Eval(ctx, releaseScript, []string{key}, owner).Err()
	}
	if err != nil {
		return errors.Wrapf(err, "redis unlock %s", key)
	}
	return nil
}

// Owner returns the holder of key, or "" if it is free.
func (r *RedisLocker) Owner(ctx context.Context, key string) (string, error) {
	defer observeRedis(time.Now())

	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "redis get %s", key)
	}
	return val, nil
}

// ScanLocks returns the keys that start with prefix.
func (r *RedisLocker) ScanLocks(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrap(err, "redis scan")
	}
	return keys, nil
}
