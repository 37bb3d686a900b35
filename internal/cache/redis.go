package cache

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultTTL = 60 * time.Second

type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// ParseURL accepts redis://, rediss:// or a bare host:port.
func ParseURL(redisURL string) (*redis.Options, error) {
	u := redisURL
	if u != "" && !strings.HasPrefix(u, "redis://") && !strings.HasPrefix(u, "rediss://") {
		u = "redis://" + u
	}
	return redis.ParseURL(u)
}

func NewRedis(redisURL string) (*Redis, error) {
	opt, err := ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &Redis{client: redis.NewClient(opt), ttl: defaultTTL}, nil
}

func (r *Redis) Client() *redis.Client { return r.client }

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return b, err
}

func (r *Redis) Set(ctx context.Context, key string, val []byte) error {
	return r.client.Set(ctx, key, val, r.ttl).Err()
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

// Claim sets key only if absent. It returns true for the first caller and
// false for every caller until ttl expires.
func (r *Redis) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, "1", ttl).Result()
}

// Remember stores val under key until ttl, for idempotent request replay.
func (r *Redis) Remember(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, val, ttl).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// ModelsKey caches a user's trained model list.
func ModelsKey(userID string) string { return "models:" + userID }

// IdempotencyKey scopes a client-supplied Idempotency-Key to user and route.
func IdempotencyKey(userID, route, key string) string {
	return "idem:" + userID + ":" + route + ":" + key
}
