// Package testutil opens throwaway databases for package tests.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/authcore/internal/database"
)

// Option adjusts how OpenDB prepares the database.
type Option func(*options)

type options struct {
	migrate bool
	seed    bool
	onDisk  bool
}

// Migrated applies the schema.
func Migrated() Option {
	return func(o *options) { o.migrate = true }
}

// Seeded applies the schema and the default roles and permissions.
func Seeded() Option {
	return func(o *options) {
		o.migrate = true
		o.seed = true
	}
}

// OnDisk backs the database with a file in the test's temp dir instead of memory.
func OnDisk() Option {
	return func(o *options) { o.onDisk = true }
}

// OpenDB returns an isolated SQLite database that is closed when the test ends.
func OpenDB(t testing.TB, opts ...Option) *gorm.DB {
	t.Helper()

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfg := database.Config{Driver: "sqlite"}
	if o.onDisk {
		cfg.Path = filepath.Join(t.TempDir(), "authcore.sqlite")
	}
	db, err := database.Open(cfg)
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	switch {
	case o.seed:
		require.NoError(t, database.AutoMigrateAndSeed(db))
	case o.migrate:
		require.NoError(t, database.AutoMigrate(db))
	}
	return db
}
