package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/reggieyam998/ctf-exchange/pkg/model"
)

var ErrMiss = errors.New("cache miss")

type RedisClient struct {
	client *redis.Client
}

// NewRedisClient parses a redis:// URL such as redis://localhost:6379/0.
func NewRedisClient(url string) (*RedisClient, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing REDIS_URL: %w", err)
	}
	return &RedisClient{client: redis.NewClient(opts)}, nil
}

func (r *RedisClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return r.client.Set(ctx, key, value, expiration).Err()
}

func (r *RedisClient) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	return val, err
}

func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisClient) Close() error {
	return r.client.Close()
}

type store interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// SnapshotReplicator mirrors each rebuilt snapshot to orderbook:<symbol>,
// expiring with the snapshot TTL.
type SnapshotReplicator struct {
	store store
	ttl   time.Duration
}

func NewSnapshotReplicator(client *RedisClient, ttl time.Duration) *SnapshotReplicator {
	return &SnapshotReplicator{store: client, ttl: ttl}
}

func SnapshotKey(symbol string) string {
	return "orderbook:" + symbol
}

func (s *SnapshotReplicator) Name() string { return "redis" }

func (s *SnapshotReplicator) Replicate(ctx context.Context, snap model.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, SnapshotKey(snap.Symbol), data, s.ttl)
}

// Load reads back the last replicated snapshot of symbol.
func (s *SnapshotReplicator) Load(ctx context.Context, symbol string) (model.Snapshot, error) {
	val, err := s.store.Get(ctx, SnapshotKey(symbol))
	if err != nil {
		return model.Snapshot{}, err
	}
	var snap model.Snapshot
	if err := json.Unmarshal([]byte(val), &snap); err != nil {
		return model.Snapshot{}, fmt.Errorf("decoding %s: %w", SnapshotKey(symbol), err)
	}
	return snap, nil
}
