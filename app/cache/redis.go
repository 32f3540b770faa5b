package cache

import (
	"context"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/vibast-solutions/ms-go-wallets/config"
)

// NewRedisClient connects and pings. An empty address returns nil so callers
// fall back to the no-op lock and idempotency store.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}
