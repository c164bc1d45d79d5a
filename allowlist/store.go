// Package allowlist is the Redis-backed record of which access token is
// currently live. One key per (principal, session) holds exactly one token
// id, so issuing a replacement token implicitly revokes its predecessor.
package allowlist

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrRedisUnavailable = errors.New("allowlist redis unavailable")

type Store struct {
	redis  redis.UniversalClient
	prefix string
}

func NewStore(redisClient redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "al"
	}
	return &Store{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *Store) key(tenantID, principalID, sessionID string) string {
	return s.prefix + ":" + normalizeTenantID(tenantID) + ":" + principalID + ":" + sessionID
}

func (s *Store) indexKey(tenantID, principalID string) string {
	return s.prefix + "p:" + normalizeTenantID(tenantID) + ":" + principalID
}

func normalizeTenantID(tenantID string) string {
	if tenantID == "" {
		return "0"
	}
	return tenantID
}

// Allow records tokenID as the single live token for the session,
// overwriting whatever was there. The session is also tracked in the
// principal index so InvalidateAll can find it.
func (s *Store) Allow(ctx context.Context, tenantID, principalID, sessionID, tokenID string, ttl time.Duration) error {
	if tokenID == "" {
		return errors.New("empty token id")
	}

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(tenantID, principalID, sessionID), tokenID, ttl)
		pipe.SAdd(ctx, s.indexKey(tenantID, principalID), sessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return nil
}

// IsValid reports whether tokenID is the live token for the session. A
// missing key means revoked or expired, not an error.
func (s *Store) IsValid(ctx context.Context, tenantID, principalID, sessionID, tokenID string) (bool, error) {
	stored, err := s.redis.Get(ctx, s.key(tenantID, principalID, sessionID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return subtle.ConstantTimeCompare([]byte(stored), []byte(tokenID)) == 1, nil
}

// Invalidate revokes the live token for one session.
func (s *Store) Invalidate(ctx context.Context, tenantID, principalID, sessionID string) error {
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(tenantID, principalID, sessionID))
		pipe.SRem(ctx, s.indexKey(tenantID, principalID), sessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// InvalidateAll revokes every live token for a principal across all
// sessions. Not fully atomic: a token allowed between the SMembers read and
// the DEL batch survives until its next issuance or expiry.
func (s *Store) InvalidateAll(ctx context.Context, tenantID, principalID string) error {
	indexKey := s.indexKey(tenantID, principalID)

	sessionIDs, err := s.redis.SMembers(ctx, indexKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, sessionID := range sessionIDs {
			pipe.Del(ctx, s.key(tenantID, principalID, sessionID))
		}
		pipe.Del(ctx, indexKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return nil
}

// ActiveSessionIDs lists sessions with a tracked live token for a principal.
func (s *Store) ActiveSessionIDs(ctx context.Context, tenantID, principalID string) ([]string, error) {
	ids, err := s.redis.SMembers(ctx, s.indexKey(tenantID, principalID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return ids, nil
}
