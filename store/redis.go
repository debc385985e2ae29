package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrAndExpireScript increments a counter and, only on the first
// increment, sets its expiry. Both operations run atomically server-side,
// matching the original implementation's store_limits.rs Lua script.
var incrAndExpireScript = redis.NewScript(`
local count = redis.call('incr', KEYS[1])
if count == 1 then
	redis.call('expire', KEYS[1], ARGV[1])
end
return count
`)

// RedisStore is the reference Store backend.
type RedisStore struct {
	client *redis.Client
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore parses url (accepting bare host:port as well as a full
// redis:// URL, same leniency as the original's RedisStore::new) and
// verifies connectivity with a PING.
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	if !strings.Contains(url, "://") {
		url = "redis://" + url
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("store: parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func sessionKey(id string) string { return "session:" + id }
func cacheKey(key string) string  { return "cache:" + key }
func limitKey(key string) string  { return "ratelimit:" + key }

func (r *RedisStore) PutSession(ctx context.Context, id string, s *Session, ttl time.Duration) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("store: marshal session: %w", err)
	}
	if err := r.client.Set(ctx, sessionKey(id), data, ttl).Err(); err != nil {
		return fmt.Errorf("store: put session: %w", err)
	}
	return nil
}

func (r *RedisStore) GetSession(ctx context.Context, id string) (*Session, bool, error) {
	data, err := r.client.Get(ctx, sessionKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: get session: %w", err)
	}
	var s Session
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, false, fmt.Errorf("store: unmarshal session: %w", err)
	}
	return &s, true, nil
}

func (r *RedisStore) DeleteSession(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, sessionKey(id)).Err(); err != nil {
		return fmt.Errorf("store: delete session: %w", err)
	}
	return nil
}

func (r *RedisStore) GetCache(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, cacheKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get cache: %w", err)
	}
	return val, true, nil
}

func (r *RedisStore) SetCache(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, cacheKey(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("store: set cache: %w", err)
	}
	return nil
}

func (r *RedisStore) IncrAndTest(ctx context.Context, key string, window time.Duration, maxCount int64) (bool, error) {
	count, err := incrAndExpireScript.Run(ctx, r.client, []string{limitKey(key)}, int64(window.Seconds())).Int64()
	if err != nil {
		return false, fmt.Errorf("store: incr and test: %w", err)
	}
	return count <= maxCount, nil
}
