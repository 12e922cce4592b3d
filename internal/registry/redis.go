package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisKey  = "routesim:evaluations"
	defaultRedisKeep = 1000
)

// RedisStore keeps entries in a Redis list, newest at the head, trimmed to
// keep entries.
type RedisStore struct {
	client *redis.Client
	key    string
	keep   int64
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr, key string, keep int64) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return NewRedisStore(client, key, keep), nil
}

// NewRedisStore wraps an existing client. Empty key and non-positive keep
// select the defaults.
func NewRedisStore(client *redis.Client, key string, keep int64) *RedisStore {
	if key == "" {
		key = defaultRedisKey
	}
	if keep <= 0 {
		keep = defaultRedisKeep
	}
	return &RedisStore{client: client, key: key, keep: keep}
}

func (s *RedisStore) Add(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, s.key, data)
		pipe.LTrim(ctx, s.key, 0, s.keep-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to register evaluation %s: %w", e.EvaluationID, err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, limit int) ([]Entry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	items, err := s.client.LRange(ctx, s.key, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list evaluations: %w", err)
	}

	out := make([]Entry, 0, len(items))
	for _, item := range items {
		var e Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			slog.Warn("Skipping unreadable registry entry", "key", s.key, "error", err)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Close releases the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
