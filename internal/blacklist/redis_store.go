package blacklist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisConfig configures the shared store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisStore shares one blacklist between several gateway replicas. Entries
// live in a hash keyed by identity; the amnesty epoch is a plain key.
type RedisStore struct {
	client  *redis.Client
	hashKey string
	metaKey string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, config RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", config.Addr, err)
	}

	return newRedisStoreWithClient(client, config.Prefix), nil
}

func newRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "admission:blacklist"
	}
	return &RedisStore{
		client:  client,
		hashKey: prefix + ":entries",
		metaKey: prefix + ":last_reset",
	}
}

func (s *RedisStore) Put(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode entry: %w", err)
	}
	return s.client.HSet(ctx, s.hashKey, e.Identity, data).Err()
}

func (s *RedisStore) Delete(ctx context.Context, identity string) error {
	return s.client.HDel(ctx, s.hashKey, identity).Err()
}

func (s *RedisStore) List(ctx context.Context) ([]Entry, error) {
	raw, err := s.client.HGetAll(ctx, s.hashKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(raw))
	for id, v := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return nil, fmt.Errorf("failed to decode entry %s: %w", id, err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	return s.client.Del(ctx, s.hashKey).Err()
}

func (s *RedisStore) LastReset(ctx context.Context) (time.Time, error) {
	v, err := s.client.Get(ctx, s.metaKey).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, v)
}

func (s *RedisStore) SetLastReset(ctx context.Context, t time.Time) error {
	return s.client.Set(ctx, s.metaKey, t.UTC().Format(time.RFC3339Nano), 0).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
