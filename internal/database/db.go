package database

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config contains database connection options.
type Config struct {
	Driver   string
	Path     string // SQLite database path when Driver == sqlite
	DSN      string // Optional DSN override
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	Options  map[string]string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to the configured database and applies pool limits. An empty driver
// selects SQLite.
func Open(cfg Config) (*gorm.DB, error) {
	driver, err := normaliseDriver(cfg.Driver)
	if err != nil {
		return nil, err
	}

	dial, err := dialector(driver, cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dial, gormConfig())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	if driver == driverSQLite {
		if err := tuneSQLite(db); err != nil {
			return nil, err
		}
	}
	if err := configurePool(db, driver, cfg); err != nil {
		return nil, err
	}
	return db, nil
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func configurePool(db *gorm.DB, driver string, cfg Config) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	// sqlite stays on its single connection
	if cfg.MaxOpenConns > 0 && driver != driverSQLite {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return nil
}

// IsDuplicateKey reports whether err is a unique constraint violation.
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key") || strings.Contains(msg, "duplicate entry")
}

// AutoMigrateAndSeed convenience helper used during application start-up.
func AutoMigrateAndSeed(db *gorm.DB) error {
	if db == nil {
		return errors.New("nil database handle")
	}

	if err := AutoMigrate(db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	if err := SeedData(db); err != nil {
		return fmt.Errorf("seed data: %w", err)
	}

	return nil
}
