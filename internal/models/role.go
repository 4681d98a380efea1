package models

import (
	"errors"

	"gorm.io/gorm"
)

// ErrSystemRole is returned when deleting a role flagged as a system role.
var ErrSystemRole = errors.New("models: system roles cannot be deleted")

type Role struct {
	Entity

	Name        string `gorm:"size:50;uniqueIndex;not null" json:"name"`
	Description string `gorm:"size:255" json:"description"`
	IsSystem    bool   `gorm:"default:false" json:"is_system"`

	Permissions []Permission `gorm:"many2many:role_permissions;" json:"permissions,omitempty"`
}

// BeforeDelete refuses to remove system roles.
func (r *Role) BeforeDelete(tx *gorm.DB) error {
	if r.IsSystem {
		return ErrSystemRole
	}
	return nil
}
