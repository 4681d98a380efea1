package models

import "time"

// EmailVerification holds the digest of a one-time token mailed at registration.
type EmailVerification struct {
	Entity

	UserID     string     `gorm:"type:uuid;not null;index" json:"user_id"`
	TokenHash  string     `gorm:"size:64;not null;uniqueIndex" json:"-"`
	ExpiresAt  time.Time  `gorm:"index" json:"expires_at"`
	VerifiedAt *time.Time `json:"verified_at"`
}

// Redeemable reports whether the token can still be used at now.
func (v *EmailVerification) Redeemable(now time.Time) bool {
	return v.VerifiedAt == nil && now.Before(v.ExpiresAt)
}
