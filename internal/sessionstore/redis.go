package sessionstore

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores handles as plain string keys; Redis enforces expiry.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisBackend wraps client. Keys are stored as prefix+key.
func NewRedisBackend(client redis.UniversalClient, prefix string) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix}
}

// DialRedis builds a client for addr with short timeouts: a slow cache must
// not hold up a conversation.
func DialRedis(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
}

func (b *RedisBackend) redisKey(key string) string {
	return b.prefix + key
}

func (b *RedisBackend) Get(ctx context.Context, key string) (string, time.Time, error) {
	value, err := b.client.Get(ctx, b.redisKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", time.Time{}, ErrNotFound
	}
	if err != nil {
		return "", time.Time{}, err
	}
	return value, time.Time{}, nil
}

func (b *RedisBackend) Set(ctx context.Context, key, value string, expiresAt time.Time) error {
	return b.client.SetArgs(ctx, b.redisKey(key), value, redis.SetArgs{ExpireAt: expiresAt}).Err()
}

func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	return b.client.Del(ctx, b.redisKey(key)).Err()
}

// List scans every key under the prefix. UpdatedAt is not tracked in Redis
// and is left zero.
func (b *RedisBackend) List(ctx context.Context) ([]*Handle, error) {
	var handles []*Handle
	iter := b.client.Scan(ctx, 0, b.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		full := iter.Val()
		value, err := b.client.Get(ctx, full).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		h := &Handle{Key: strings.TrimPrefix(full, b.prefix), Value: value}
		if ttl, err := b.client.PTTL(ctx, full).Result(); err == nil && ttl > 0 {
			h.ExpiresAt = time.Now().Add(ttl)
		}
		handles = append(handles, h)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i].Key < handles[j].Key })
	return handles, nil
}

// Purge is a no-op: Redis expires keys itself.
func (b *RedisBackend) Purge(context.Context, time.Time) (int64, error) {
	return 0, nil
}

// DeleteAll removes every key under the prefix.
func (b *RedisBackend) DeleteAll(ctx context.Context) (int64, error) {
	var n int64
	iter := b.client.Scan(ctx, 0, b.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		deleted, err := b.client.Del(ctx, iter.Val()).Result()
		if err != nil {
			return n, err
		}
		n += deleted
	}
	return n, iter.Err()
}

// Close closes the underlying client.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
