package passphrase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"calmkit/internal/util"
)

// RedisTracker shares job state between API instances. An active job holds
// a SETNX lock that expires after lockTTL, so a crashed worker cannot block
// a user forever.
type RedisTracker struct {
	client    *redis.Client
	prefix    string
	lockTTL   time.Duration
	retention time.Duration
}

// NewRedisTracker connects to redisURL.
func NewRedisTracker(redisURL string, lockTTL, retention time.Duration) (*RedisTracker, error) {
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
	return NewRedisTrackerWithClient(client, lockTTL, retention), nil
}

func NewRedisTrackerWithClient(client *redis.Client, lockTTL, retention time.Duration) *RedisTracker {
	return &RedisTracker{
		client:    client,
		prefix:    "passphrase:",
		lockTTL:   lockTTL,
		retention: retention,
	}
}

func (t *RedisTracker) lockKey(userID string) string {
	return t.prefix + "active:" + userID
}

func (t *RedisTracker) jobKey(userID string) string {
	return t.prefix + "job:" + userID
}

func (t *RedisTracker) Begin(ctx context.Context, userID string) (Job, error) {
	now := time.Now().UTC()
	job := Job{
		ID:        util.NewID("job"),
		UserID:    userID,
		State:     StateStarting,
		StartedAt: now,
		UpdatedAt: now,
	}

	acquired, err := t.client.SetNX(ctx, t.lockKey(userID), job.ID, t.lockTTL).Result()
	if err != nil {
		return Job{}, fmt.Errorf("acquire job lock: %w", err)
	}
	if !acquired {
		return Job{}, ErrJobInFlight
	}
	if err := t.write(ctx, job, t.lockTTL); err != nil {
		_ = t.client.Del(ctx, t.lockKey(userID)).Err()
		return Job{}, err
	}
	return job, nil
}

func (t *RedisTracker) Update(ctx context.Context, job Job) error {
	owner, err := t.client.Get(ctx, t.lockKey(job.UserID)).Result()
	if errors.Is(err, redis.Nil) || (err == nil && owner != job.ID) {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("read job lock: %w", err)
	}
	job.UpdatedAt = time.Now().UTC()
	return t.write(ctx, job, t.lockTTL)
}

// Finish records the final state and releases the lock. A job that lost its
// lock to a newer one gets ErrJobNotFound and leaves the newer status alone.
func (t *RedisTracker) Finish(ctx context.Context, job Job) error {
	job.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	lockKey, jobKey := t.lockKey(job.UserID), t.jobKey(job.UserID)

	finish := func(tx *redis.Tx) error {
		owner, err := tx.Get(ctx, lockKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("read job lock: %w", err)
		}
		switch {
		case owner == job.ID:
		case owner != "":
			return ErrJobNotFound
		default:
			// lock expired; only finish over our own record or none
			current, err := tx.Get(ctx, jobKey).Bytes()
			if err != nil && !errors.Is(err, redis.Nil) {
				return fmt.Errorf("read job: %w", err)
			}
			if err == nil {
				var recorded Job
				if err := json.Unmarshal(current, &recorded); err != nil {
					return fmt.Errorf("unmarshal job: %w", err)
				}
				if recorded.ID != job.ID {
					return ErrJobNotFound
				}
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, jobKey, raw, t.retention)
			if owner == job.ID {
				pipe.Del(ctx, lockKey)
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < 3; attempt++ {
		err = t.client.Watch(ctx, finish, lockKey, jobKey)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("finish job: %w", err)
	}
	return err
}

func (t *RedisTracker) Latest(ctx context.Context, userID string) (*Job, error) {
	raw, err := t.client.Get(ctx, t.jobKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read job: %w", err)
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	job.UserID = userID
	return &job, nil
}

func (t *RedisTracker) write(ctx context.Context, job Job, ttl time.Duration) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := t.client.Set(ctx, t.jobKey(job.UserID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("write job: %w", err)
	}
	return nil
}

func (t *RedisTracker) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

func (t *RedisTracker) Close() error {
	return t.client.Close()
}
