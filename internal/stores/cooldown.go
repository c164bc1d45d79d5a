package stores

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrCooldownRedisUnavailable = errors.New("cooldown redis unavailable")

// CooldownStore throttles one action per principal per window. The marker is
// written with SET NX EX, so under concurrent attempts exactly one caller
// acquires the window.
type CooldownStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewCooldownStore(redisClient redis.UniversalClient, prefix string) *CooldownStore {
	if prefix == "" {
		prefix = "cd"
	}
	return &CooldownStore{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *CooldownStore) key(tenantID, principalID string) string {
	return s.prefix + ":" + normalizeTenantID(tenantID) + ":" + principalID
}

// Acquire attempts to claim the cooldown window. On success it returns
// (true, 0). When the window is already held it returns false and the time
// remaining until the next attempt may proceed.
func (s *CooldownStore) Acquire(ctx context.Context, tenantID, principalID string, window time.Duration) (bool, time.Duration, error) {
	key := s.key(tenantID, principalID)

	acquired, err := s.redis.SetNX(ctx, key, 1, window).Result()
	if err != nil {
		return false, 0, fmt.Errorf("%w: %v", ErrCooldownRedisUnavailable, err)
	}
	if acquired {
		return true, 0, nil
	}

	remaining, err := s.redis.PTTL(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("%w: %v", ErrCooldownRedisUnavailable, err)
	}
	if remaining < 0 {
		// Marker vanished between SETNX and PTTL; report the full window,
		// the caller retries after it anyway.
		remaining = window
	}

	return false, remaining, nil
}

// Clear drops the cooldown marker early.
func (s *CooldownStore) Clear(ctx context.Context, tenantID, principalID string) error {
	if err := s.redis.Del(ctx, s.key(tenantID, principalID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCooldownRedisUnavailable, err)
	}
	return nil
}
