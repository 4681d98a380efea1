package session

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/charlesng35/authcore/internal/models"
	"github.com/charlesng35/authcore/pkg/metrics"
)

const cacheKeyPrefix = "session:"

// cachedSession is the accelerator payload. It carries the digests and every timestamp
// needed to re-apply liveness rules without the database.
type cachedSession struct {
	ID                    string    `json:"id"`
	UserID                string    `json:"user_id"`
	AccessTokenDigest     string    `json:"atd"`
	AccessTokenExpiresAt  time.Time `json:"ate"`
	RefreshTokenDigest    string    `json:"rtd"`
	RefreshTokenExpiresAt time.Time `json:"rte"`
	ExpiresAt             time.Time `json:"exp"`
	IPAddress             string    `json:"ip,omitempty"`
	UserAgent             string    `json:"ua,omitempty"`
	IsActive              bool      `json:"active"`
	CreatedAt             time.Time `json:"created_at"`
	LastActivityAt        time.Time `json:"last_activity_at"`
}

func cacheKey(id string) string {
	return cacheKeyPrefix + id
}

// cacheContext bounds accelerator calls and detaches them from caller cancellation so a
// finished request does not abort a best-effort write.
func (s *Store) cacheContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CacheTimeout)
}

// populate writes record to the cache with a TTL that never outlives the session.
func (s *Store) populate(ctx context.Context, record *models.Session) {
	if s.cache == nil || record == nil {
		return
	}

	ttl := record.ExpiresAt.Sub(s.now())
	if ttl > s.cfg.CacheTTL {
		ttl = s.cfg.CacheTTL
	}
	if ttl <= 0 {
		return
	}

	payload, err := json.Marshal(cachedSession{
		ID:                    record.ID,
		UserID:                record.UserID,
		AccessTokenDigest:     record.AccessTokenDigest,
		AccessTokenExpiresAt:  record.AccessTokenExpiresAt,
		RefreshTokenDigest:    record.RefreshTokenDigest,
		RefreshTokenExpiresAt: record.RefreshTokenExpiresAt,
		ExpiresAt:             record.ExpiresAt,
		IPAddress:             record.IPAddress,
		UserAgent:             record.UserAgent,
		IsActive:              record.IsActive,
		CreatedAt:             record.CreatedAt,
		LastActivityAt:        record.LastActivityAt,
	})
	if err != nil {
		s.log.Warn("failed to encode session cache entry", zap.String("session_id", record.ID), zap.Error(err))
		return
	}

	cctx, cancel := s.cacheContext(ctx)
	defer cancel()
	if err := s.cache.Set(cctx, cacheKey(record.ID), payload, ttl); err != nil {
		s.log.Debug("session cache write failed", zap.String("session_id", record.ID), zap.Error(err))
	}
}

// lookup returns the cached record, treating every cache failure as a miss.
func (s *Store) lookup(ctx context.Context, id string) (*models.Session, bool) {
	if s.cache == nil {
		return nil, false
	}

	cctx, cancel := s.cacheContext(ctx)
	defer cancel()

	data, found, err := s.cache.Get(cctx, cacheKey(id))
	if err != nil {
		metrics.SessionCacheLookups.WithLabelValues("error").Inc()
		s.log.Debug("session cache read failed", zap.String("session_id", id), zap.Error(err))
		return nil, false
	}
	if !found {
		metrics.SessionCacheLookups.WithLabelValues("miss").Inc()
		return nil, false
	}

	var entry cachedSession
	if err := json.Unmarshal(data, &entry); err != nil || entry.ID != id {
		metrics.SessionCacheLookups.WithLabelValues("error").Inc()
		s.evict(ctx, id)
		return nil, false
	}

	return &models.Session{
		ID:                    entry.ID,
		UserID:                entry.UserID,
		AccessTokenDigest:     entry.AccessTokenDigest,
		AccessTokenExpiresAt:  entry.AccessTokenExpiresAt,
		RefreshTokenDigest:    entry.RefreshTokenDigest,
		RefreshTokenExpiresAt: entry.RefreshTokenExpiresAt,
		ExpiresAt:             entry.ExpiresAt,
		IPAddress:             entry.IPAddress,
		UserAgent:             entry.UserAgent,
		IsActive:              entry.IsActive,
		CreatedAt:             entry.CreatedAt,
		LastActivityAt:        entry.LastActivityAt,
	}, true
}

func (s *Store) evict(ctx context.Context, ids ...string) {
	if s.cache == nil || len(ids) == 0 {
		return
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = cacheKey(id)
	}

	cctx, cancel := s.cacheContext(ctx)
	defer cancel()
	if err := s.cache.Delete(cctx, keys...); err != nil {
		s.log.Debug("session cache delete failed", zap.Strings("session_ids", ids), zap.Error(err))
	}
}
