package models

import (
	"time"
)

// CacheEntry backs the database fallback of the session accelerator when no Redis is
// configured. Rows past ExpiresAt are treated as absent and swept by maintenance.
type CacheEntry struct {
	Key       string    `gorm:"primaryKey;size:256"`
	Value     []byte    `gorm:"type:blob"`
	ExpiresAt time.Time `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Expired reports whether the entry is no longer valid at now.
func (c *CacheEntry) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}
