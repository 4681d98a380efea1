package database

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/authcore/internal/models"
)

func TestOpenSQLiteMemory(t *testing.T) {
	db := openTestDB(t)

	if err := db.Exec("SELECT 1").Error; err != nil {
		t.Fatalf("expected health query to succeed: %v", err)
	}
}

func TestOpenSQLiteMemoryIsolated(t *testing.T) {
	first := openTestDB(t)
	second := openTestDB(t)
	require.NoError(t, AutoMigrate(first))

	require.True(t, first.Migrator().HasTable(&models.User{}))
	require.False(t, second.Migrator().HasTable(&models.User{}))
}

func TestOpenUnsupportedDriver(t *testing.T) {
	_, err := Open(Config{Driver: "oracle"})
	require.Error(t, err)
}

func TestIsDuplicateKey(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, AutoMigrate(db))

	first := models.User{Username: "alice", Email: "alice@example.com", PasswordHash: "x"}
	require.NoError(t, db.Create(&first).Error)

	dup := models.User{Username: "alice", Email: "other@example.com", PasswordHash: "x"}
	err := db.Create(&dup).Error
	require.Error(t, err)
	require.True(t, IsDuplicateKey(err))

	require.False(t, IsDuplicateKey(nil))
	require.False(t, IsDuplicateKey(errors.New("connection refused")))
	require.True(t, IsDuplicateKey(gorm.ErrDuplicatedKey))
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := Open(Config{Driver: "sqlite"})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	return db
}
