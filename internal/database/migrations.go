package database

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/charlesng35/authcore/internal/models"
)

// Default role names seeded on first start.
const (
	RoleAdmin    = "admin"
	RoleUser     = "user"
	RoleReadOnly = "readonly"
)

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Permission{},
		&models.Role{},
		&models.User{},
		&models.Session{},
		&models.AuditLog{},
		&models.EmailVerification{},
		&models.CacheEntry{},
	)
}

type seedPermission struct {
	resource    string
	action      string
	description string
}

var defaultPermissions = []seedPermission{
	{"users", "read", "View user accounts"},
	{"users", "write", "Create and update user accounts"},
	{"users", "delete", "Deactivate user accounts"},
	{"applications", "read", "View applications"},
	{"applications", "write", "Create and update applications"},
	{"applications", "delete", "Delete applications"},
	{"reports", "read", "View reports"},
	{"audit", "read", "View the security audit trail"},
}

type seedRole struct {
	name        string
	description string
	grants      func(models.Permission) bool
}

var defaultRoles = []seedRole{
	{
		name:        RoleAdmin,
		description: "Full system access",
		grants:      func(models.Permission) bool { return true },
	},
	{
		name:        RoleUser,
		description: "Standard user access",
		grants: func(p models.Permission) bool {
			return p.Resource == "applications" && (p.Action == "read" || p.Action == "write")
		},
	},
	{
		name:        RoleReadOnly,
		description: "Read-only access",
		grants:      func(p models.Permission) bool { return p.Action == "read" },
	},
}

// SeedData populates the default permission catalogue and system roles. It is idempotent.
func SeedData(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		perms := make([]models.Permission, 0, len(defaultPermissions))
		for _, def := range defaultPermissions {
			perm := models.Permission{
				Resource:    def.resource,
				Action:      def.action,
				Description: def.description,
			}
			var stored models.Permission
			if err := tx.Where(models.Permission{Name: perm.Key()}).Attrs(perm).FirstOrCreate(&stored).Error; err != nil {
				return fmt.Errorf("permission %s: %w", perm.Key(), err)
			}
			perms = append(perms, stored)
		}

		for _, def := range defaultRoles {
			role := models.Role{Name: def.name, Description: def.description, IsSystem: true}
			var stored models.Role
			if err := tx.Where(models.Role{Name: def.name}).Attrs(role).FirstOrCreate(&stored).Error; err != nil {
				return fmt.Errorf("role %s: %w", def.name, err)
			}

			granted := make([]models.Permission, 0, len(perms))
			for _, perm := range perms {
				if def.grants(perm) {
					granted = append(granted, perm)
				}
			}
			if err := grantMissing(tx, &stored, granted); err != nil {
				return fmt.Errorf("role %s permissions: %w", def.name, err)
			}
		}
		return nil
	})
}

// grantMissing attaches the permissions the role does not hold yet. Grants added by an
// operator are left alone.
func grantMissing(tx *gorm.DB, role *models.Role, perms []models.Permission) error {
	if len(perms) == 0 {
		return nil
	}

	var held []models.Permission
	if err := tx.Model(role).Association("Permissions").Find(&held); err != nil {
		return err
	}
	have := make(map[string]bool, len(held))
	for _, perm := range held {
		have[perm.ID] = true
	}

	var missing []models.Permission
	for _, perm := range perms {
		if !have[perm.ID] {
			missing = append(missing, perm)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return tx.Model(role).Association("Permissions").Append(missing)
}
