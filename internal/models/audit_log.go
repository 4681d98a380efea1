package models

import (
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrAuditImmutable is returned by any attempt to update an audit row.
var ErrAuditImmutable = errors.New("models: audit log entries are immutable")

// AuditLog is an append-only security event. UserID is nil for events that happen
// before an account is resolved, such as an unknown username.
type AuditLog struct {
	ID          string         `gorm:"primaryKey;size:26" json:"id"`
	UserID      *string        `gorm:"type:uuid;index" json:"user_id"`
	EventType   string         `gorm:"size:50;not null;index" json:"event_type"`
	EventStatus string         `gorm:"size:30;not null" json:"event_status"`
	Details     datatypes.JSON `json:"details,omitempty"`
	IPAddress   string         `gorm:"size:45" json:"ip_address"`
	UserAgent   string         `gorm:"size:500" json:"user_agent"`
	CreatedAt   time.Time      `gorm:"index" json:"created_at"`
}

// BeforeUpdate rejects mutation of recorded events.
func (a *AuditLog) BeforeUpdate(tx *gorm.DB) error {
	return ErrAuditImmutable
}
