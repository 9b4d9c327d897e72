package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"tg-autoreply-bot/internal/infra/metrics"
)

// RedisDedup реализует domain.DedupStore через Redis SETNX.
// Используется, когда гейтвеев несколько и подавление дублей должно
// работать между процессами.
type RedisDedup struct {
	client *redis.Client
	prefix string
}

// NewRedisDedup создаёт хранилище дедупликации.
func NewRedisDedup(client *redis.Client, prefix string) *RedisDedup {
	if prefix == "" {
		prefix = "dedup:"
	}
	return &RedisDedup{client: client, prefix: prefix}
}

// MarkOnce возвращает true, если ключ встретился впервые в пределах ttl.
func (d *RedisDedup) MarkOnce(key string, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	start := time.Now()
	ok, err := d.client.SetNX(ctx, d.prefix+key, "1", ttl).Result()
	metrics.ObserveNetworkRequest("redis", "setnx", "dedup", start, err)
	if err != nil {
		return false, err
	}
	return ok, nil
}
