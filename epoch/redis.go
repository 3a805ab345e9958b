package epoch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrNilClient = errors.New("redis epoch store: nil client")

// RedisStore shares per-key epochs across processes and survives restarts,
// so an Invalidate in one replica is observed by all of them.
// Optionally, a TTL can be applied to epoch keys to prevent unbounded growth.
// If an epoch key expires, readers observe epoch=0 and cached entries
// self-heal on the next read.
type RedisStore struct {
	rdb         redis.UniversalClient
	ns          string        // logical namespace; should match Options.Namespace
	ttl         time.Duration // optional TTL for epoch keys; 0 disables expiry
	closeClient bool
}

var _ Store = (*RedisStore)(nil)

type Config struct {
	Client redis.UniversalClient
	// Namespace should match Options.Namespace of the cache using this store.
	Namespace string
	// TTL expires epoch keys to bound growth; 0 disables expiry.
	TTL time.Duration
	// CloseClient releases the client on Close. Set true only if this store
	// exclusively owns the client.
	CloseClient bool
}

// NewRedis creates a Redis-backed epoch store.
func NewRedis(cfg Config) (*RedisStore, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	return &RedisStore{
		rdb:         cfg.Client,
		ns:          cfg.Namespace,
		ttl:         cfg.TTL,
		closeClient: cfg.CloseClient,
	}, nil
}

func (s *RedisStore) key(k string) string { return "epoch:" + s.ns + ":" + k }

// Snapshot returns the current epoch.
// Missing keys are treated as epoch 0.
func (s *RedisStore) Snapshot(ctx context.Context, key string) (uint64, error) {
	res, err := s.rdb.Get(ctx, s.key(key)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	u, err := strconv.ParseUint(res, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("redis epoch parse: %w", err)
	}
	return u, nil
}

// Bump atomically increments the epoch and (optionally) refreshes TTL.
// When ttl > 0, INCR + EXPIRE are pipelined in a single round-trip and the
// INCR result is captured from the pipeline (no extra INCR).
func (s *RedisStore) Bump(ctx context.Context, key string) (uint64, error) {
	k := s.key(key)

	if s.ttl <= 0 {
		v, err := s.rdb.Incr(ctx, k).Result()
		if err != nil {
			return 0, err
		}
		return uint64(v), nil
	}

	var incr *redis.IntCmd
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, k)
		p.Expire(ctx, k, s.ttl)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return uint64(incr.Val()), nil
}

// Cleanup is not applicable for RedisStore (Redis handles expiry if TTL is set).
func (s *RedisStore) Cleanup(time.Duration) {}

// Close releases the underlying redis client only when this store owns it.
// Safe to call multiple times; repeated calls become no-ops.
func (s *RedisStore) Close(context.Context) error {
	if s.closeClient {
		if err := s.rdb.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			return err
		}
	}
	return nil
}
