package models

import (
	"strings"

	"gorm.io/gorm"
)

// Permission is a (resource, action) pair; Name caches the derived "resource:action" key.
type Permission struct {
	Entity

	Name        string `gorm:"size:100;uniqueIndex;not null" json:"name"`
	Resource    string `gorm:"size:100;not null;index" json:"resource"`
	Action      string `gorm:"size:50;not null" json:"action"`
	Description string `gorm:"size:255" json:"description"`
}

// Key returns the "resource:action" string used in token claims.
func (p Permission) Key() string {
	return strings.TrimSpace(p.Resource) + ":" + strings.TrimSpace(p.Action)
}

// BeforeSave keeps Name in sync with the resource/action pair.
func (p *Permission) BeforeSave(tx *gorm.DB) error {
	p.Name = p.Key()
	return nil
}
