// Package session keeps the durable session registry and its best-effort accelerator.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/authcore/internal/cache"
	"github.com/charlesng35/authcore/internal/models"
	"github.com/charlesng35/authcore/pkg/crypto"
	"github.com/charlesng35/authcore/pkg/metrics"
)

const (
	DefaultIdleTimeout     = time.Hour
	DefaultAbsoluteTimeout = 12 * time.Hour
	DefaultConcurrentLimit = 3
	DefaultCacheTTL        = 5 * time.Minute
	DefaultCacheTimeout    = 250 * time.Millisecond
	DefaultTouchInterval   = time.Minute
	defaultFreshnessMargin = 30 * time.Second
	idBytes                = 32
)

// Revocation reasons recorded on the session row.
const (
	ReasonLogout         = "logout"
	ReasonEvicted        = "concurrent_limit"
	ReasonIdle           = "idle_timeout"
	ReasonExpired        = "expired"
	ReasonPasswordChange = "password_change"
	ReasonDeactivated    = "user_deactivated"
	ReasonLocked         = "account_locked"
	ReasonLoginAborted   = "login_aborted"
)

var (
	// ErrNotFound indicates that no active session matches the identifier.
	ErrNotFound = errors.New("session: not found")
	// ErrExpired signals that a session passed its absolute expiry or idle window.
	ErrExpired = errors.New("session: expired")
	// ErrUserNotFound is returned when creating a session for an unknown user.
	ErrUserNotFound = errors.New("session: user not found")
	// ErrInvalidExpiry is returned when a token would outlive its session.
	ErrInvalidExpiry = errors.New("session: token expiry exceeds session expiry")
	// ErrTokenMismatch is returned when a presented token is not the one bound to the session.
	ErrTokenMismatch = errors.New("session: token mismatch")
)

// Config describes tunable behaviour for the Store.
type Config struct {
	IdleTimeout     time.Duration
	AbsoluteTimeout time.Duration
	ConcurrentLimit int
	CacheTTL        time.Duration
	CacheTimeout    time.Duration
	TouchInterval   time.Duration
	// FreshnessMargin is how close to a boundary a cached entry may be before Get
	// re-confirms it against the database.
	FreshnessMargin time.Duration
	Clock           func() time.Time
	Cache           cache.Store
	Logger          *zap.Logger
}

// Metadata captures contextual information about the client.
type Metadata struct {
	IPAddress string
	UserAgent string
}

// NewSession describes a session about to be recorded. Raw tokens are digested before
// they are stored.
type NewSession struct {
	ID                    string
	UserID                string
	AccessToken           string
	AccessTokenExpiresAt  time.Time
	RefreshToken          string
	RefreshTokenExpiresAt time.Time
	ExpiresAt             time.Time
	Metadata
}

// Store manages creation, lookup and invalidation of sessions. The database is the system
// of record; the cache only accelerates reads.
type Store struct {
	db    *gorm.DB
	cache cache.Store
	cfg   Config
	now   func() time.Time
	log   *zap.Logger
}

// NewStore constructs a session store backed by db and an optional cache.
func NewStore(db *gorm.DB, cfg Config) (*Store, error) {
	if db == nil {
		return nil, errors.New("session: db is required")
	}

	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.AbsoluteTimeout <= 0 {
		cfg.AbsoluteTimeout = DefaultAbsoluteTimeout
	}
	if cfg.ConcurrentLimit <= 0 {
		cfg.ConcurrentLimit = DefaultConcurrentLimit
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.CacheTimeout <= 0 {
		cfg.CacheTimeout = DefaultCacheTimeout
	}
	if cfg.TouchInterval <= 0 {
		cfg.TouchInterval = DefaultTouchInterval
	}
	if cfg.FreshnessMargin <= 0 {
		cfg.FreshnessMargin = defaultFreshnessMargin
	}

	clock := time.Now
	if cfg.Clock != nil {
		clock = cfg.Clock
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &Store{
		db:    db,
		cache: cfg.Cache,
		cfg:   cfg,
		now:   func() time.Time { return clock().UTC() },
		log:   log,
	}, nil
}

// NewID returns a 256-bit random hex session identifier.
func NewID() (string, error) {
	buf := make([]byte, idBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("session: generate id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Limit returns the configured concurrent session cap.
func (s *Store) Limit() int {
	return s.cfg.ConcurrentLimit
}

// AbsoluteExpiry returns the hard ceiling for a session created at from.
func (s *Store) AbsoluteExpiry(from time.Time) time.Time {
	return from.UTC().Add(s.cfg.AbsoluteTimeout)
}

// Create records a session. Counting, evicting the oldest sessions over the cap and
// inserting happen in one transaction holding the user's row lock. The cache is populated
// after commit and its failure never fails the call.
func (s *Store) Create(ctx context.Context, in NewSession) (*models.Session, []string, error) {
	if strings.TrimSpace(in.UserID) == "" {
		return nil, nil, errors.New("session: user id is required")
	}
	if in.ID == "" {
		id, err := NewID()
		if err != nil {
			return nil, nil, err
		}
		in.ID = id
	}

	now := s.now()
	expiresAt := in.ExpiresAt.UTC()
	if expiresAt.IsZero() {
		expiresAt = s.AbsoluteExpiry(now)
	}
	if !expiresAt.After(now) {
		return nil, nil, ErrInvalidExpiry
	}
	if in.AccessTokenExpiresAt.After(expiresAt) || in.RefreshTokenExpiresAt.After(expiresAt) {
		return nil, nil, ErrInvalidExpiry
	}

	record := &models.Session{
		ID:                    in.ID,
		UserID:                in.UserID,
		AccessTokenExpiresAt:  in.AccessTokenExpiresAt.UTC(),
		RefreshTokenExpiresAt: in.RefreshTokenExpiresAt.UTC(),
		ExpiresAt:             expiresAt,
		IPAddress:             models.Clip(in.IPAddress, models.IPAddressSize),
		UserAgent:             models.Clip(in.UserAgent, models.UserAgentSize),
		IsActive:              true,
		CreatedAt:             now,
		LastActivityAt:        now,
	}
	if in.AccessToken != "" {
		record.AccessTokenDigest = crypto.Digest(in.AccessToken)
	}
	if in.RefreshToken != "" {
		record.RefreshTokenDigest = crypto.Digest(in.RefreshToken)
	}

	var evicted []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockUser(tx, in.UserID); err != nil {
			return err
		}
		ids, err := s.evictOverLimit(tx, in.UserID, s.cfg.ConcurrentLimit-1, now)
		if err != nil {
			return err
		}
		evicted = ids
		return tx.Create(record).Error
	})
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("session: create: %w", err)
	}

	metrics.ActiveSessions.Inc()
	s.afterEviction(ctx, evicted)
	s.populate(ctx, record)

	return record, evicted, nil
}

// CountActive returns the number of active, unexpired sessions held by userID.
func (s *Store) CountActive(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("user_id = ? AND is_active = ? AND expires_at > ?", userID, true, s.now()).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("session: count active: %w", err)
	}
	return count, nil
}

// EnforceLimit evicts the oldest active sessions, by creation time, until the user holds
// fewer than limit so that one more may be admitted. It returns the evicted identifiers.
func (s *Store) EnforceLimit(ctx context.Context, userID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = s.cfg.ConcurrentLimit
	}
	now := s.now()

	var evicted []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockUser(tx, userID); err != nil {
			return err
		}
		ids, err := s.evictOverLimit(tx, userID, limit-1, now)
		evicted = ids
		return err
	})
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("session: enforce limit: %w", err)
	}

	s.afterEviction(ctx, evicted)
	return evicted, nil
}

// Get returns the live session for id. A cache hit is trusted only while it is clear of
// the absolute and idle boundaries; otherwise the database is consulted and the cache
// repopulated.
func (s *Store) Get(ctx context.Context, id string) (*models.Session, error) {
	record, _, err := s.get(ctx, id)
	return record, err
}

// Validate returns the session for id after checking that accessToken is the one
// currently bound to it.
func (s *Store) Validate(ctx context.Context, id, accessToken string) (*models.Session, error) {
	record, fromCache, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	digest := crypto.Digest(accessToken)
	if crypto.EqualDigest(record.AccessTokenDigest, digest) {
		return record, nil
	}
	if !fromCache {
		return nil, ErrTokenMismatch
	}

	// the cached copy may predate a rotation
	record, err = s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !crypto.EqualDigest(record.AccessTokenDigest, digest) {
		return nil, ErrTokenMismatch
	}
	return record, nil
}

// Touch slides the idle window for id. Writes are coalesced to one per TouchInterval.
func (s *Store) Touch(ctx context.Context, record *models.Session) error {
	if record == nil {
		return nil
	}
	now := s.now()
	if now.Sub(record.LastActivityAt) < s.cfg.TouchInterval {
		return nil
	}

	err := s.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("id = ? AND is_active = ?", record.ID, true).
		Update("last_activity_at", now).Error
	if err != nil {
		return fmt.Errorf("session: touch: %w", err)
	}
	record.LastActivityAt = now
	s.populate(ctx, record)
	return nil
}

// RotateAccess binds a newly minted access token to the session after verifying the
// presented refresh token.
func (s *Store) RotateAccess(ctx context.Context, id, refreshToken, accessToken string, accessExpiresAt time.Time) (*models.Session, error) {
	now := s.now()
	var record models.Session

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Take(&record, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if !record.IsActive {
			return ErrNotFound
		}
		if !now.Before(record.ExpiresAt) || s.idleExpired(&record, now) {
			return ErrExpired
		}
		if !crypto.EqualDigest(record.RefreshTokenDigest, crypto.Digest(refreshToken)) {
			return ErrTokenMismatch
		}
		if accessExpiresAt.UTC().After(record.ExpiresAt) {
			return ErrInvalidExpiry
		}

		record.AccessTokenDigest = crypto.Digest(accessToken)
		record.AccessTokenExpiresAt = accessExpiresAt.UTC()
		record.LastActivityAt = now
		return tx.Model(&models.Session{}).Where("id = ?", id).Updates(map[string]any{
			"access_token_digest":     record.AccessTokenDigest,
			"access_token_expires_at": record.AccessTokenExpiresAt,
			"last_activity_at":        now,
		}).Error
	})
	if err != nil {
		if isSessionError(err) {
			return nil, err
		}
		return nil, fmt.Errorf("session: rotate access: %w", err)
	}

	s.populate(ctx, &record)
	return &record, nil
}

// Invalidate marks the session inactive durably and then evicts it from the cache.
// Invalidating an already inactive session is a no-op.
func (s *Store) Invalidate(ctx context.Context, id, reason string) error {
	if strings.TrimSpace(id) == "" {
		return ErrNotFound
	}

	result := s.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("id = ? AND is_active = ?", id, true).
		Updates(revocation(s.now(), reason))
	if result.Error != nil {
		return fmt.Errorf("session: invalidate: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&models.Session{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return fmt.Errorf("session: invalidate: %w", err)
		}
		if count == 0 {
			return ErrNotFound
		}
	} else {
		metrics.ActiveSessions.Dec()
	}

	s.evict(ctx, id)
	return nil
}

// InvalidateUser invalidates every active session of userID except keepID.
func (s *Store) InvalidateUser(ctx context.Context, userID, keepID, reason string) ([]string, error) {
	var ids []string
	query := s.db.WithContext(ctx).Model(&models.Session{}).Where("user_id = ? AND is_active = ?", userID, true)
	if keepID != "" {
		query = query.Where("id <> ?", keepID)
	}
	if err := query.Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("session: list user sessions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	result := s.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("id IN ? AND is_active = ?", ids, true).
		Updates(revocation(s.now(), reason))
	if result.Error != nil {
		return nil, fmt.Errorf("session: invalidate user sessions: %w", result.Error)
	}

	metrics.ActiveSessions.Sub(float64(result.RowsAffected))
	s.evict(ctx, ids...)
	return ids, nil
}

// CleanupExpired deactivates sessions past their absolute expiry or idle window and
// deletes inactive rows older than retention. It returns both counts.
func (s *Store) CleanupExpired(ctx context.Context, retention time.Duration) (deactivated, deleted int64, err error) {
	now := s.now()

	var ids []string
	if err := s.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("is_active = ? AND (expires_at <= ? OR last_activity_at <= ?)", true, now, now.Add(-s.cfg.IdleTimeout)).
		Pluck("id", &ids).Error; err != nil {
		return 0, 0, fmt.Errorf("session: list expired: %w", err)
	}

	if len(ids) > 0 {
		result := s.db.WithContext(ctx).
			Model(&models.Session{}).
			Where("id IN ? AND is_active = ?", ids, true).
			Updates(revocation(now, ReasonExpired))
		if result.Error != nil {
			return 0, 0, fmt.Errorf("session: deactivate expired: %w", result.Error)
		}
		deactivated = result.RowsAffected
		metrics.ActiveSessions.Sub(float64(deactivated))
		s.evict(ctx, ids...)
	}

	if retention > 0 {
		result := s.db.WithContext(ctx).
			Where("is_active = ? AND revoked_at IS NOT NULL AND revoked_at < ?", false, now.Add(-retention)).
			Delete(&models.Session{})
		if result.Error != nil {
			return deactivated, 0, fmt.Errorf("session: delete stale: %w", result.Error)
		}
		deleted = result.RowsAffected
	}

	return deactivated, deleted, nil
}

func (s *Store) get(ctx context.Context, id string) (*models.Session, bool, error) {
	if strings.TrimSpace(id) == "" {
		return nil, false, ErrNotFound
	}
	now := s.now()

	if cached, ok := s.lookup(ctx, id); ok {
		if s.fresh(cached, now) {
			metrics.SessionCacheLookups.WithLabelValues("hit").Inc()
			return cached, true, nil
		}
		metrics.SessionCacheLookups.WithLabelValues("stale").Inc()
	}

	record, err := s.load(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return record, false, nil
}

// load reads the session durably, applies liveness rules and repopulates the cache.
func (s *Store) load(ctx context.Context, id string) (*models.Session, error) {
	now := s.now()

	var record models.Session
	err := s.db.WithContext(ctx).Take(&record, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.evict(ctx, id)
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session: load: %w", err)
	}

	if !record.IsActive {
		s.evict(ctx, id)
		return nil, ErrNotFound
	}
	if !now.Before(record.ExpiresAt) {
		s.evict(ctx, id)
		return nil, ErrExpired
	}
	if s.idleExpired(&record, now) {
		if err := s.Invalidate(ctx, id, ReasonIdle); err != nil {
			s.log.Warn("failed to deactivate idle session", zap.String("session_id", id), zap.Error(err))
		}
		return nil, ErrExpired
	}

	s.populate(ctx, &record)
	return &record, nil
}

// fresh reports whether a cached entry can be trusted without a database round trip.
func (s *Store) fresh(record *models.Session, now time.Time) bool {
	if !record.IsActive {
		return false
	}
	horizon := now.Add(s.cfg.FreshnessMargin)
	if !horizon.Before(record.ExpiresAt) {
		return false
	}
	return horizon.Before(record.LastActivityAt.Add(s.cfg.IdleTimeout))
}

func (s *Store) idleExpired(record *models.Session, now time.Time) bool {
	return !now.Before(record.LastActivityAt.Add(s.cfg.IdleTimeout))
}

// evictOverLimit deactivates the oldest active sessions so that at most keep remain.
func (s *Store) evictOverLimit(tx *gorm.DB, userID string, keep int, now time.Time) ([]string, error) {
	if keep < 0 {
		keep = 0
	}

	var active []string
	if err := tx.Model(&models.Session{}).
		Where("user_id = ? AND is_active = ? AND expires_at > ?", userID, true, now).
		Order("created_at ASC").
		Order("id ASC").
		Pluck("id", &active).Error; err != nil {
		return nil, err
	}
	if len(active) <= keep {
		return nil, nil
	}

	victims := active[:len(active)-keep]
	if err := tx.Model(&models.Session{}).
		Where("id IN ?", victims).
		Updates(revocation(now, ReasonEvicted)).Error; err != nil {
		return nil, err
	}
	return victims, nil
}

func (s *Store) afterEviction(ctx context.Context, evicted []string) {
	if len(evicted) == 0 {
		return
	}
	metrics.SessionEvictions.Add(float64(len(evicted)))
	metrics.ActiveSessions.Sub(float64(len(evicted)))
	s.evict(ctx, evicted...)
}

func lockUser(tx *gorm.DB, userID string) error {
	var user models.User
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Select("id").
		Take(&user, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrUserNotFound
	}
	return err
}

func revocation(now time.Time, reason string) map[string]any {
	return map[string]any{
		"is_active":     false,
		"revoked_at":    now,
		"revoke_reason": reason,
	}
}

func isSessionError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrExpired) ||
		errors.Is(err, ErrTokenMismatch) ||
		errors.Is(err, ErrInvalidExpiry)
}
