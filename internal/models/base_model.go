package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Entity carries the identifier and timestamps shared by users, roles, permissions
// and verification tokens. Rows are hard deleted.
type Entity struct {
	ID        string    `gorm:"primaryKey;type:uuid" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate assigns a time-ordered UUID when the caller did not pick one.
func (e *Entity) BeforeCreate(*gorm.DB) error {
	if e.ID != "" {
		return nil
	}
	id, err := uuid.NewV7()
	if err != nil {
		return err
	}
	e.ID = id.String()
	return nil
}
