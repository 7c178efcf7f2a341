package signature

import (
	"context"
	"fmt"
	"time"

	"github.com/juststayawake/chatuser/pkg/cache"
	"github.com/redis/go-redis/v9"
)

type MemoryReplayGuard struct {
	seen *cache.TTLMap[string, struct{}]
	now  func() time.Time
}

func NewMemoryReplayGuard() *MemoryReplayGuard {
	return &MemoryReplayGuard{seen: cache.NewTTLMap[string, struct{}](), now: time.Now}
}

func (g *MemoryReplayGuard) Remember(_ context.Context, sig string, ttl time.Duration) (bool, error) {
	return g.seen.SetIfAbsent(sig, struct{}{}, g.now(), ttl), nil
}

// Prune is meant to be called periodically from the server loop.
func (g *MemoryReplayGuard) Prune() int {
	return g.seen.Prune(g.now())
}

type RedisReplayGuard struct {
	client *redis.Client
	prefix string
}

func NewRedisReplayGuard(client *redis.Client, prefix string) *RedisReplayGuard {
	if prefix == "" {
		prefix = "chatuser:sig:"
	}
	return &RedisReplayGuard{client: client, prefix: prefix}
}

func (g *RedisReplayGuard) Remember(ctx context.Context, sig string, ttl time.Duration) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.prefix+sig, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

func OpenRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
