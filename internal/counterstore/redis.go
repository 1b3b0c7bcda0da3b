package counterstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the primary counter-store backend. It implements the §6
// query shapes directly: a read is a GET, an increment-with-TTL is an INCR
// followed by an EXPIRE set only on the bucket's first hit (so a later
// increment never resets the bucket's expiry window).
type RedisStore struct {
	client  *redis.Client
	timeout time.Duration
}

// RedisConfig configures the connection pool per §6's
// counter_store.pool_size / .max_connections_per_node.
type RedisConfig struct {
	Addr                  string
	Password              string
	PoolSize              int
	MaxConnectionsPerNode int
	CallTimeout           time.Duration
}

func NewRedisStore(cfg RedisConfig) *RedisStore {
	poolSize := cfg.PoolSize
	if cfg.MaxConnectionsPerNode > 0 && cfg.MaxConnectionsPerNode < poolSize {
		poolSize = cfg.MaxConnectionsPerNode
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			PoolSize: poolSize,
		}),
		timeout: timeout,
	}
}

func (s *RedisStore) CounterRead(ctx context.Context, key string) (int64, error) {
	var val int64
	err := withTimeout(ctx, s.timeout, func(cctx context.Context) error {
		v, err := s.client.Get(cctx, key).Int64()
		if err == redis.Nil {
			val = 0
			return nil
		}
		if err != nil {
			return fmt.Errorf("counterstore(redis): read %q: %w", key, err)
		}
		val = v
		return nil
	})
	return val, err
}

func (s *RedisStore) CounterIncr(ctx context.Context, key string, ttl time.Duration) error {
	return withTimeout(ctx, s.timeout, func(cctx context.Context) error {
		count, err := s.client.Incr(cctx, key).Result()
		if err != nil {
			return fmt.Errorf("counterstore(redis): incr %q: %w", key, err)
		}
		if count == 1 {
			// First hit in this bucket: arm the TTL so the key expires on
			// its own once the bucket is no longer current.
			if err := s.client.Expire(cctx, key, ttl).Err(); err != nil {
				return fmt.Errorf("counterstore(redis): expire %q: %w", key, err)
			}
		}
		return nil
	})
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
