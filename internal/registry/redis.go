package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

var _ Deduper = (*RedisDedup)(nil)

// RedisDedupConfig configures a Redis-backed Deduper.
type RedisDedupConfig struct {
	Client *redis.Client
	Prefix string
	TTL    time.Duration
	Logger *slog.Logger
}

// RedisDedup shares the "seen message" set between bridge processes. Redis
// expires keys itself, so there is no sweep.
type RedisDedup struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisDedup(cfg RedisDedupConfig) *RedisDedup {
	if cfg.Prefix == "" {
		cfg.Prefix = "chanbridge:dedup:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultDedupTTL
	}
	return &RedisDedup{client: cfg.Client, prefix: cfg.Prefix, ttl: cfg.TTL, logger: cfg.Logger}
}

func (r *RedisDedup) key(k string) string {
	return r.prefix + k
}

func (r *RedisDedup) IsDuplicate(ctx context.Context, key string) (bool, error) {
	_, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		r.logger.Error("dedup lookup failed", "key", key, "error", err)
		return false, fmt.Errorf("check duplicate: %w", err)
	}
	return true, nil
}

func (r *RedisDedup) MarkProcessed(ctx context.Context, key string) error {
	if err := r.client.Set(ctx, r.key(key), time.Now().Unix(), r.ttl).Err(); err != nil {
		r.logger.Error("dedup mark failed", "key", key, "error", err)
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// Claim sets the key with SET NX, so exactly one process wins a message.
func (r *RedisDedup) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(key), time.Now().Unix(), r.ttl).Result()
	if err != nil {
		r.logger.Error("dedup claim failed", "key", key, "error", err)
		return false, fmt.Errorf("claim message: %w", err)
	}
	return ok, nil
}
