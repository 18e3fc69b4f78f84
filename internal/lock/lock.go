// Package lock guards against overlapping collection runs for the same
// data source with a redis lease.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/maxcherey/insight-etl/internal/config"
)

// releaseScript deletes the key only if this process still holds it.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`

// RunLock is a redis SETNX lease keyed by data source. The token makes
// release safe: an expired lock taken over by another run is left alone.
type RunLock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

// New connects to redis and prepares a lock for the data source.
func New(ctx context.Context, cfg config.RedisConfig, dataSource string) (*RunLock, error) {
	client := redis.NewClient(&redis.Options{
		Addr:       cfg.Address,
		Password:   cfg.Password,
		DB:         cfg.DB,
		MaxRetries: 3,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RunLock{
		client: client,
		key:    "insight:run-lock:" + dataSource,
		token:  uuid.New().String(),
		ttl:    cfg.LockTTL,
	}, nil
}

// Acquire takes the lease. It fails immediately when another run holds
// it; the scheduler retries on its next tick.
func (l *RunLock) Acquire(ctx context.Context) error {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to acquire run lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another run already holds the lock for %s", l.key)
	}
	return nil
}

// Release drops the lease if it is still ours.
func (l *RunLock) Release(ctx context.Context) error {
	if err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to release run lock: %w", err)
	}
	return nil
}

// Close closes the redis connection.
func (l *RunLock) Close() error {
	return l.client.Close()
}
