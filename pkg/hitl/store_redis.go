package hitl

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "forge:hitl:"

// redisStore keeps pending state in Redis. Expiry is enforced by the store
// itself via EX, so Take never has to check timestamps.
type redisStore struct {
	client *redis.Client
}

func newRedisStore(redisURL string) (*redisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	return &redisStore{client: redis.NewClient(opts)}, nil
}

func (s *redisStore) Put(ctx context.Context, token string, state []byte, ttl time.Duration) error {
	// Round up to whole seconds so sub-second TTLs still expire, not persist.
	secs := int64(math.Ceil(ttl.Seconds()))
	if secs < 1 {
		secs = 1
	}
	err := s.client.Set(ctx, redisKeyPrefix+token, state, time.Duration(secs)*time.Second).Err()
	if err != nil {
		return fmt.Errorf("failed to store pause state: %w", err)
	}
	return nil
}

func (s *redisStore) Take(ctx context.Context, token string) ([]byte, error) {
	data, err := s.client.GetDel(ctx, redisKeyPrefix+token).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume pause state: %w", err)
	}
	return data, nil
}

func (s *redisStore) Close() error { return s.client.Close() }
