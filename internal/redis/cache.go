package redis

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"livesession/internal/domain"
	"livesession/internal/repository"
)

// SessionCacheTTL bounds the staleness of a cached session read by another process.
const SessionCacheTTL = 10 * time.Second

const sessionCachePrefix = "cache:session:"

// CacheStore handles session caching in Redis.
type CacheStore struct {
	client *redis.Client
}

// NewCacheStore creates a new CacheStore.
func NewCacheStore(client *redis.Client) *CacheStore {
	return &CacheStore{client: client}
}

// GetSession retrieves a session from cache. A miss returns nil without error.
func (s *CacheStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	data, err := s.client.Get(ctx, sessionCachePrefix+sessionID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil // Cache miss
		}
		return nil, err
	}

	var session domain.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// SetSession stores a session in cache.
func (s *CacheStore) SetSession(ctx context.Context, session *domain.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, sessionCachePrefix+session.ID, data, SessionCacheTTL).Err()
}

// InvalidateSession removes a session from cache.
func (s *CacheStore) InvalidateSession(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, sessionCachePrefix+sessionID).Err()
}

// CachedSessionRepository serves session reads from Redis and falls back to
// the wrapped repository. Writes go to the wrapped repository and invalidate
// the cached entry. Cache failures are logged and never fail the call.
type CachedSessionRepository struct {
	next  repository.SessionRepository
	cache *CacheStore
	log   *slog.Logger
}

// NewCachedSessionRepository wraps next with a Redis read cache.
func NewCachedSessionRepository(next repository.SessionRepository, cache *CacheStore, log *slog.Logger) *CachedSessionRepository {
	if log == nil {
		log = slog.Default()
	}
	return &CachedSessionRepository{next: next, cache: cache, log: log}
}

func (r *CachedSessionRepository) Create(ctx context.Context, session *domain.Session) error {
	if err := r.next.Create(ctx, session); err != nil {
		return err
	}
	r.invalidate(ctx, session.ID)
	return nil
}

func (r *CachedSessionRepository) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	cached, err := r.cache.GetSession(ctx, id)
	if err != nil {
		r.log.Warn("session cache read failed", "session_id", id, "error", err)
	}
	if cached != nil {
		return cached, nil
	}

	session, err := r.next.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.cache.SetSession(ctx, session); err != nil {
		r.log.Warn("session cache write failed", "session_id", id, "error", err)
	}
	return session, nil
}

func (r *CachedSessionRepository) Update(ctx context.Context, session *domain.Session) error {
	err := r.next.Update(ctx, session)
	// A conflict means the cached copy is stale as well.
	r.invalidate(ctx, session.ID)
	return err
}

func (r *CachedSessionRepository) ListLive(ctx context.Context) ([]*domain.Session, error) {
	return r.next.ListLive(ctx)
}

func (r *CachedSessionRepository) invalidate(ctx context.Context, sessionID string) {
	if err := r.cache.InvalidateSession(ctx, sessionID); err != nil {
		r.log.Warn("session cache invalidation failed", "session_id", sessionID, "error", err)
	}
}
