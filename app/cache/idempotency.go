package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

// StoredResponse is a cached 2xx response replayed for a repeated Idempotency-Key.
type StoredResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"contentType"`
	Body        string `json:"body"`
}

type IdempotencyStore interface {
	Get(ctx context.Context, key, requestPath string) (*StoredResponse, error)
	Store(ctx context.Context, key, requestPath string, response *StoredResponse) error
}

type RedisIdempotencyStore struct {
	cli    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisIdempotencyStore(cli *redis.Client, prefix string, ttl time.Duration) *RedisIdempotencyStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisIdempotencyStore{cli: cli, prefix: prefix, ttl: ttl}
}

func (s *RedisIdempotencyStore) Get(ctx context.Context, key, requestPath string) (*StoredResponse, error) {
	data, err := s.cli.Get(ctx, s.redisKey(key, requestPath)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var response StoredResponse
	if err := json.Unmarshal([]byte(data), &response); err != nil {
		return nil, err
	}
	return &response, nil
}

func (s *RedisIdempotencyStore) Store(ctx context.Context, key, requestPath string, response *StoredResponse) error {
	data, err := json.Marshal(response)
	if err != nil {
		return err
	}
	return s.cli.Set(ctx, s.redisKey(key, requestPath), data, s.ttl).Err()
}

func (s *RedisIdempotencyStore) redisKey(key, requestPath string) string {
	return s.prefix + "idempotency:" + requestPath + ":" + key
}

// NoopIdempotencyStore never remembers anything.
type NoopIdempotencyStore struct{}

func (NoopIdempotencyStore) Get(context.Context, string, string) (*StoredResponse, error) {
	return nil, nil
}

func (NoopIdempotencyStore) Store(context.Context, string, string, *StoredResponse) error {
	return nil
}
