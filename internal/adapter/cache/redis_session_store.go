package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ereffner/stimma/internal/domain"
	"github.com/ereffner/stimma/internal/repository"
)

const sessionKeyPrefix = "session:"

// RedisSessionStore implements SessionStore backed by Redis. The record TTL
// doubles as the idle-expiry backstop: a session Redis has dropped can never
// validate, even if the manager's own check is somehow skipped.
type RedisSessionStore struct {
	client redis.UniversalClient
}

var _ repository.SessionStore = (*RedisSessionStore)(nil)

// NewRedisSessionStore constructs a Redis-backed session store.
func NewRedisSessionStore(client redis.UniversalClient) *RedisSessionStore {
	return &RedisSessionStore{client: client}
}

// Save stores the encoded session record with TTL.
func (s *RedisSessionStore) Save(ctx context.Context, session domain.Session, ttl time.Duration) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.client.Set(ctx, sessionKeyPrefix+session.ID, payload, ttl).Err(); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}

// Get loads and decodes a session record. A missing key returns (nil, nil).
func (s *RedisSessionStore) Get(ctx context.Context, id string) (*domain.Session, error) {
	bytes, err := s.client.Get(ctx, sessionKeyPrefix+id).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	var session domain.Session
	if err := json.Unmarshal(bytes, &session); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	session.ID = id
	return &session, nil
}

// Delete removes the session record. Destroyed ids never validate again.
func (s *RedisSessionStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, sessionKeyPrefix+id).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
