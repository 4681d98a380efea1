package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/authcore/internal/models"
)

// TableStore keeps cache entries in the cache_entries table of the primary database. It
// serves as the session accelerator when Redis is not configured or not reachable.
// Expired rows read as misses and are removed by PurgeExpired.
type TableStore struct {
	db  *gorm.DB
	now func() time.Time
}

// TableOption customises a TableStore.
type TableOption func(*TableStore)

// WithTableClock sets the time source used for expiry.
func WithTableClock(now func() time.Time) TableOption {
	return func(s *TableStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewTableStore returns a store over db.
func NewTableStore(db *gorm.DB, opts ...TableOption) (*TableStore, error) {
	if db == nil {
		return nil, errors.New("cache: table store requires a database")
	}
	s := &TableStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Set writes value under key, replacing any previous entry. A non-positive ttl keeps
// the entry until it is deleted.
func (s *TableStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	entry := models.CacheEntry{Key: key, Value: value}
	if ttl > 0 {
		entry.ExpiresAt = s.now().UTC().Add(ttl)
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at", "updated_at"}),
		}).
		Create(&entry).Error
	return tableErr("set", err)
}

// Get returns the live value for key. The boolean is false for missing or expired keys.
func (s *TableStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var entry models.CacheEntry
	err := s.db.WithContext(ctx).Take(&entry, "key = ?", key).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, false, nil
	case err != nil:
		return nil, false, tableErr("get", err)
	case entry.Expired(s.now()):
		return nil, false, nil
	}
	return entry.Value, true, nil
}

// Delete removes keys. Unknown keys are ignored.
func (s *TableStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Where("key IN ?", keys).Delete(&models.CacheEntry{}).Error
	return tableErr("delete", err)
}

// PurgeExpired removes entries whose expiry has passed and reports how many went.
func (s *TableStore) PurgeExpired(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at > ? AND expires_at <= ?", time.Time{}, s.now().UTC()).
		Delete(&models.CacheEntry{})
	return result.RowsAffected, tableErr("purge", result.Error)
}

func tableErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: table %s: %v", ErrUnavailable, op, err)
}
