package snapshotstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/formulapad/cellsync/internal/grid"
)

const redisKeyPrefix = "cellsync:snapshot:"

// RedisStore persists snapshot documents as key-prefixed JSON strings.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects from a redis:// URL and verifies the connection.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(redisURL))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: redisKeyPrefix}
}

func (s *RedisStore) key(formulaID string) string {
	return s.prefix + formulaID
}

func (s *RedisStore) Read(ctx context.Context, formulaID string) (grid.Snapshot, bool, error) {
	if strings.TrimSpace(formulaID) == "" {
		return grid.Snapshot{}, false, ErrInvalidInput
	}
	payload, err := s.client.Get(ctx, s.key(formulaID)).Result()
	if errors.Is(err, redis.Nil) {
		return grid.Snapshot{}, false, nil
	}
	if err != nil {
		return grid.Snapshot{}, false, fmt.Errorf("read snapshot: %w", err)
	}
	snapshot, err := decodeDocument([]byte(payload))
	if err != nil {
		return grid.Snapshot{}, false, err
	}
	return snapshot, true, nil
}

func (s *RedisStore) Write(ctx context.Context, formulaID string, snapshot grid.Snapshot) error {
	if strings.TrimSpace(formulaID) == "" {
		return ErrInvalidInput
	}
	payload, err := encodeDocument(formulaID, snapshot)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(formulaID), payload, 0).Err(); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
