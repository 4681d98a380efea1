package models

import (
	"time"
)

// Session records one authenticated login. Raw tokens are never stored, only digests.
// Token expiries never exceed ExpiresAt, the absolute ceiling.
type Session struct {
	ID     string `gorm:"primaryKey;size:64" json:"id"`
	UserID string `gorm:"type:uuid;not null;index" json:"user_id"`
	User   *User  `gorm:"foreignKey:UserID" json:"-"`

	AccessTokenDigest     string    `gorm:"size:64" json:"-"`
	AccessTokenExpiresAt  time.Time `json:"access_token_expires_at"`
	RefreshTokenDigest    string    `gorm:"size:64" json:"-"`
	RefreshTokenExpiresAt time.Time `json:"refresh_token_expires_at"`
	ExpiresAt             time.Time `gorm:"index" json:"expires_at"`

	IPAddress string `gorm:"size:45" json:"ip_address"`
	UserAgent string `gorm:"size:500" json:"user_agent"`

	IsActive       bool       `gorm:"default:true;index" json:"is_active"`
	CreatedAt      time.Time  `gorm:"index" json:"created_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
	RevokeReason   string     `gorm:"size:50" json:"revoke_reason,omitempty"`
}

// Live reports whether the session is active and before its absolute expiry at now.
func (s *Session) Live(now time.Time) bool {
	return s != nil && s.IsActive && now.Before(s.ExpiresAt)
}
