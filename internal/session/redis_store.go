// Package session provides session-scoped storage: values that must
// disappear when the session ends, such as the unlock passcode.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds a session when the caller does not pick one.
const DefaultTTL = 30 * time.Minute

// RedisStore keeps one session's values under a per-session prefix. Every
// write refreshes the expiry of the whole session, so an idle session ends
// after ttl.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to redisURL and scopes keys to sessionID.
func NewRedisStore(redisURL, sessionID string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
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

	return NewRedisStoreWithClient(client, sessionID, ttl), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client, sessionID string, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{
		client: client,
		prefix: "session:" + sessionID + ":",
		ttl:    ttl,
	}
}

func (s *RedisStore) key(name string) string {
	return s.prefix + name
}

func (s *RedisStore) Get(ctx context.Context, name string) (string, bool, error) {
	value, err := s.client.Get(ctx, s.key(name)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get session value: %w", err)
	}
	return value, true, nil
}

func (s *RedisStore) Set(ctx context.Context, name, value string) error {
	if err := s.client.Set(ctx, s.key(name), value, s.ttl).Err(); err != nil {
		return fmt.Errorf("set session value: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, name string) error {
	if err := s.client.Del(ctx, s.key(name)).Err(); err != nil {
		return fmt.Errorf("delete session value: %w", err)
	}
	return nil
}

// End removes every value of the session.
func (s *RedisStore) End(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan session: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
