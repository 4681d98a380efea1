package models

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// User is an account that can authenticate against the service. Rows are never hard
// deleted; deactivation flips IsActive.
type User struct {
	Entity

	// ExternalID is the stable reference handed out in token subjects.
	ExternalID string `gorm:"type:uuid;uniqueIndex;not null" json:"external_id"`
	Username   string `gorm:"size:100;uniqueIndex;not null" json:"username"`
	Email      string `gorm:"size:255;uniqueIndex;not null" json:"email"`

	PasswordHash       string         `gorm:"not null" json:"-"`
	PasswordHistory    datatypes.JSON `json:"-"`
	PasswordChangedAt  time.Time      `json:"password_changed_at"`
	MustChangePassword bool           `gorm:"default:false" json:"must_change_password"`

	// MFASecret holds the AES-GCM encrypted TOTP secret.
	MFASecret   string         `json:"-"`
	MFAEnabled  bool           `gorm:"default:false" json:"mfa_enabled"`
	BackupCodes datatypes.JSON `json:"-"`

	EmailVerified bool `gorm:"default:false" json:"email_verified"`
	IsActive      bool `gorm:"default:true" json:"is_active"`

	IsLocked            bool       `gorm:"default:false" json:"is_locked"`
	LockedUntil         *time.Time `json:"locked_until,omitempty"`
	FailedLoginAttempts int        `gorm:"default:0" json:"-"`
	LastFailedLoginAt   *time.Time `json:"-"`

	LastLoginAt *time.Time `json:"last_login_at"`
	LastLoginIP string     `gorm:"size:45" json:"last_login_ip"`

	Roles []Role `gorm:"many2many:user_roles;" json:"roles,omitempty"`
}

// BeforeCreate assigns the row and external identifiers.
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if err := u.Entity.BeforeCreate(tx); err != nil {
		return err
	}
	if u.ExternalID == "" {
		u.ExternalID = uuid.NewString()
	}
	return nil
}

// PasswordHistoryHashes decodes the stored history, oldest first.
func (u *User) PasswordHistoryHashes() []string {
	return decodeStrings(u.PasswordHistory)
}

// PushPasswordHistory appends hash and keeps only the most recent limit entries.
func (u *User) PushPasswordHistory(hash string, limit int) {
	history := append(u.PasswordHistoryHashes(), hash)
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	u.PasswordHistory = encodeStrings(history)
}

// BackupCodeHashes decodes the hashed, still unused backup codes.
func (u *User) BackupCodeHashes() []string {
	return decodeStrings(u.BackupCodes)
}

// SetBackupCodeHashes replaces the stored backup code hashes.
func (u *User) SetBackupCodeHashes(hashes []string) {
	u.BackupCodes = encodeStrings(hashes)
}

// RoleNames lists the names of the preloaded roles.
func (u *User) RoleNames() []string {
	names := make([]string, 0, len(u.Roles))
	for _, role := range u.Roles {
		names = append(names, role.Name)
	}
	sort.Strings(names)
	return names
}

// PermissionKeys returns the deduplicated union of "resource:action" keys across all
// preloaded roles.
func (u *User) PermissionKeys() []string {
	seen := make(map[string]struct{})
	keys := make([]string, 0)
	for _, role := range u.Roles {
		for _, perm := range role.Permissions {
			key := perm.Key()
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

func decodeStrings(raw datatypes.JSON) []string {
	if len(raw) == 0 {
		return nil
	}
	var values []string
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil
	}
	return values
}

func encodeStrings(values []string) datatypes.JSON {
	if values == nil {
		values = []string{}
	}
	encoded, _ := json.Marshal(values)
	return datatypes.JSON(encoded)
}
