package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/engine"
	"github.com/stemsi/exstem-session/internal/model"
)

// SessionBackend is the source of truth behind the cache.
type SessionBackend interface {
	engine.SessionStore
	FindActive(ctx context.Context, testID, userID string) (*model.Session, error)
}

// SessionCache puts a Redis cache-aside layer in front of a SessionBackend.
// Redis errors never fail a call; the backend is used instead.
type SessionCache struct {
	backend SessionBackend
	rdb     *redis.Client
	ttl     time.Duration
	log     zerolog.Logger
}

// NewSessionCache creates a SessionCache.
func NewSessionCache(backend SessionBackend, rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *SessionCache {
	return &SessionCache{
		backend: backend,
		rdb:     rdb,
		ttl:     ttl,
		log:     log.With().Str("component", "session_cache").Logger(),
	}
}

func (c *SessionCache) Create(ctx context.Context, s *model.Session) error {
	if err := c.backend.Create(ctx, s); err != nil {
		return err
	}
	c.put(ctx, s)
	return nil
}

func (c *SessionCache) Get(ctx context.Context, id string) (*model.Session, error) {
	raw, err := c.rdb.Get(ctx, config.CacheKey.SessionKey(id)).Bytes()
	switch {
	case err == nil:
		var s model.Session
		if jsonErr := json.Unmarshal(raw, &s); jsonErr == nil {
			return &s, nil
		}
		c.log.Warn().Str("session_id", id).Msg("Dropping unreadable cache entry")
	case !errors.Is(err, redis.Nil):
		c.log.Warn().Err(err).Str("session_id", id).Msg("Session cache read failed")
	}

	// Cache miss: read the source of truth and self-heal.
	s, err := c.backend.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c.put(ctx, s)
	return s, nil
}

func (c *SessionCache) UpdateStatus(ctx context.Context, id string, from, to model.SessionStatus, at time.Time) error {
	err := c.backend.UpdateStatus(ctx, id, from, to, at)
	c.invalidate(ctx, id)
	return err
}

func (c *SessionCache) UpdateCurrentPage(ctx context.Context, id string, page int) error {
	err := c.backend.UpdateCurrentPage(ctx, id, page)
	// Only the session entry changes; the active pointer stays valid.
	if delErr := c.rdb.Del(ctx, config.CacheKey.SessionKey(id)).Err(); delErr != nil {
		c.log.Warn().Err(delErr).Str("session_id", id).Msg("Session cache invalidation failed")
	}
	return err
}

// FindActive returns the in-progress session of a student for a test.
func (c *SessionCache) FindActive(ctx context.Context, testID, userID string) (*model.Session, error) {
	activeKey := config.CacheKey.StudentActiveSessionKey(userID, testID)
	id, err := c.rdb.Get(ctx, activeKey).Result()
	if err == nil {
		s, getErr := c.Get(ctx, id)
		if getErr == nil && s.Status == model.SessionStatusInProgress {
			return s, nil
		}
		c.rdb.Del(ctx, activeKey)
	} else if !errors.Is(err, redis.Nil) {
		c.log.Warn().Err(err).Msg("Active session lookup failed")
	}

	s, err := c.backend.FindActive(ctx, testID, userID)
	if err != nil {
		return nil, err
	}
	c.put(ctx, s)
	return s, nil
}

func (c *SessionCache) put(ctx context.Context, s *model.Session) {
	stored := s.Clone()
	stored.TimeRemaining = nil
	raw, err := json.Marshal(stored)
	if err != nil {
		return
	}

	pipe := c.rdb.Pipeline()
	pipe.Set(ctx, config.CacheKey.SessionKey(s.ID), raw, c.ttl)
	if s.Status == model.SessionStatusInProgress {
		pipe.Set(ctx, config.CacheKey.StudentActiveSessionKey(s.UserID, s.TestID), s.ID, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.Warn().Err(err).Str("session_id", s.ID).Msg("Session cache write failed")
	}
}

func (c *SessionCache) invalidate(ctx context.Context, id string) {
	keys := []string{config.CacheKey.SessionKey(id)}
	if raw, err := c.rdb.Get(ctx, keys[0]).Bytes(); err == nil {
		var s model.Session
		if json.Unmarshal(raw, &s) == nil {
			keys = append(keys, config.CacheKey.StudentActiveSessionKey(s.UserID, s.TestID))
		}
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		c.log.Warn().Err(err).Str("session_id", id).Msg("Session cache invalidation failed")
	}
}
