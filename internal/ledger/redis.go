package ledger

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the set key used when none is configured.
const DefaultRedisKey = "iapsync:ledger"

// RedisBackend stores the ledger as a Redis set.
//
// List returns ids in lexicographic order; sets do not preserve insertion
// order.
type RedisBackend struct {
	client redis.UniversalClient
	key    string
	owned  bool
}

// NewRedisBackend wraps an existing client. The caller keeps ownership of
// client; Close does not close it.
func NewRedisBackend(client redis.UniversalClient, key string) *RedisBackend {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisBackend{client: client, key: key}
}

// DialRedis connects to addr and verifies the connection with PING.
func DialRedis(ctx context.Context, addr, key string) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	b := NewRedisBackend(client, key)
	b.owned = true
	return b, nil
}

// Has implements Backend.
func (r *RedisBackend) Has(ctx context.Context, id string) (bool, error) {
	ok, err := r.client.SIsMember(ctx, r.key, id).Result()
	if err != nil {
		return false, fmt.Errorf("sismember %s: %w", r.key, err)
	}
	return ok, nil
}

// Append implements Backend.
func (r *RedisBackend) Append(ctx context.Context, id string) error {
	if err := r.client.SAdd(ctx, r.key, id).Err(); err != nil {
		return fmt.Errorf("sadd %s: %w", r.key, err)
	}
	return nil
}

// List implements Backend.
func (r *RedisBackend) List(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", r.key, err)
	}
	sort.Strings(ids)
	return ids, nil
}

// Clear implements Backend.
func (r *RedisBackend) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", r.key, err)
	}
	return nil
}

// Close implements Backend.
func (r *RedisBackend) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}
