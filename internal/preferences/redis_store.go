package preferences

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultTTL = 30 * 24 * time.Hour

// RedisStore keeps one hash per user: field "category:name", value the raw
// preference value.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client), nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "prefs:", ttl: defaultTTL}
}

func (s *RedisStore) key(userID string) string {
	return s.prefix + userID
}

func (s *RedisStore) Save(ctx context.Context, userID string, prefs []Preference) error {
	if len(prefs) == 0 {
		return nil
	}
	fields := make([]any, 0, len(prefs)*2)
	for _, p := range prefs {
		fields = append(fields, p.key(), p.Value)
	}
	key := s.key(userID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields...)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, userID string, prefs []Preference) error {
	if len(prefs) == 0 {
		return nil
	}
	fields := make([]string, 0, len(prefs))
	for _, p := range prefs {
		fields = append(fields, p.key())
	}
	if err := s.client.HDel(ctx, s.key(userID), fields...).Err(); err != nil {
		return fmt.Errorf("delete preferences: %w", err)
	}
	return nil
}

func (s *RedisStore) Replace(ctx context.Context, userID string, prefs []Preference) error {
	key := s.key(userID)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	if len(prefs) > 0 {
		fields := make([]any, 0, len(prefs)*2)
		for _, p := range prefs {
			fields = append(fields, p.key(), p.Value)
		}
		pipe.HSet(ctx, key, fields...)
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("replace preferences: %w", err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, userID string) ([]Preference, error) {
	values, err := s.client.HGetAll(ctx, s.key(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load preferences: %w", err)
	}
	out := make([]Preference, 0, len(values))
	for field, value := range values {
		category, name, ok := strings.Cut(field, ":")
		if !ok {
			continue
		}
		out = append(out, Preference{UserID: userID, Category: category, Name: name, Value: value})
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
