package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smallbiznis/valora-session/internal/domain"
	"github.com/smallbiznis/valora-session/internal/repository"
)

const blacklistValue = "revoked"

// RedisSessionStore implements SessionStore backed by Redis.
type RedisSessionStore struct {
	client redis.UniversalClient
}

var _ repository.SessionStore = (*RedisSessionStore)(nil)

// NewRedisSessionStore constructs a Redis-backed session store.
func NewRedisSessionStore(client redis.UniversalClient) *RedisSessionStore {
	return &RedisSessionStore{client: client}
}

// RegisterAccess writes the shadow record and adds jti to the user's session set.
func (s *RedisSessionStore) RegisterAccess(ctx context.Context, jti string, session domain.AccessSession, ttl time.Duration) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	setKey := sessionsKey(session.UserID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, accessKey(jti), payload, ttl)
		pipe.SAdd(ctx, setKey, jti)
		pipe.Expire(ctx, setKey, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("register access token: %w", err)
	}
	return nil
}

// GetAccess loads the shadow record. It returns nil when absent.
func (s *RedisSessionStore) GetAccess(ctx context.Context, jti string) (*domain.AccessSession, error) {
	raw, err := s.client.Get(ctx, accessKey(jti)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("load access token: %w", err)
	}
	var session domain.AccessSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("decode access token: %w", err)
	}
	return &session, nil
}

// AccessState reports in one round trip whether the shadow record exists and
// whether the jti is blacklisted.
func (s *RedisSessionStore) AccessState(ctx context.Context, jti string) (present, blacklisted bool, err error) {
	pipe := s.client.Pipeline()
	shadow := pipe.Exists(ctx, accessKey(jti))
	black := pipe.Exists(ctx, blacklistKey(jti))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, false, fmt.Errorf("check access token: %w", err)
	}
	return shadow.Val() == 1, black.Val() == 1, nil
}

// Blacklist marks jti as revoked until ttl elapses.
func (s *RedisSessionStore) Blacklist(ctx context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, blacklistKey(jti), blacklistValue, ttl).Err(); err != nil {
		return fmt.Errorf("blacklist access token: %w", err)
	}
	return nil
}

// RemoveAccess deletes the shadow record and drops jti from the session set.
func (s *RedisSessionStore) RemoveAccess(ctx context.Context, userID int64, jti string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, accessKey(jti))
		if userID != 0 {
			pipe.SRem(ctx, sessionsKey(userID), jti)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove access token: %w", err)
	}
	return nil
}

// SessionJTIs lists the live access token ids of a user.
func (s *RedisSessionStore) SessionJTIs(ctx context.Context, userID int64) ([]string, error) {
	members, err := s.client.SMembers(ctx, sessionsKey(userID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return members, nil
}

// ClearSessions deletes the user's session set.
func (s *RedisSessionStore) ClearSessions(ctx context.Context, userID int64) error {
	if err := s.client.Del(ctx, sessionsKey(userID)).Err(); err != nil {
		return fmt.Errorf("clear sessions: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *RedisSessionStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
