package database

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	driverSQLite   = "sqlite"
	driverPostgres = "postgres"
	driverMySQL    = "mysql"
)

// normaliseDriver maps accepted aliases onto the canonical driver names.
func normaliseDriver(name string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "sqlite", "sqlite3":
		return driverSQLite, nil
	case "postgres", "postgresql", "pg":
		return driverPostgres, nil
	case "mysql", "mariadb":
		return driverMySQL, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", name)
	}
}

func dialector(driver string, cfg Config) (gorm.Dialector, error) {
	switch driver {
	case driverPostgres:
		dsn, err := postgresDSN(cfg)
		if err != nil {
			return nil, err
		}
		return postgres.Open(dsn), nil
	case driverMySQL:
		dsn, err := mysqlDSN(cfg)
		if err != nil {
			return nil, err
		}
		return mysql.Open(dsn), nil
	default:
		dsn, err := sqliteDSN(cfg)
		if err != nil {
			return nil, err
		}
		return sqlite.Open(dsn), nil
	}
}

func requireServerFields(driver string, cfg Config) error {
	var missing []string
	if cfg.User == "" {
		missing = append(missing, "user")
	}
	if cfg.Name == "" {
		missing = append(missing, "name")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s: missing %s", driver, strings.Join(missing, " and "))
	}
	return nil
}

func hostPort(cfg Config, host string, port int) string {
	if cfg.Host != "" {
		host = cfg.Host
	}
	if cfg.Port > 0 {
		port = cfg.Port
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// postgresDSN renders a postgres:// URL. Session time zone is pinned to UTC so
// timestamps compare the same way across drivers.
func postgresDSN(cfg Config) (string, error) {
	if cfg.DSN != "" {
		return cfg.DSN, nil
	}
	if err := requireServerFields(driverPostgres, cfg); err != nil {
		return "", err
	}

	query := url.Values{}
	query.Set("sslmode", "disable")
	query.Set("TimeZone", "UTC")
	for key, value := range cfg.Options {
		query.Set(key, value)
	}

	u := url.URL{
		Scheme:   "postgres",
		Host:     hostPort(cfg, "localhost", 5432),
		Path:     "/" + cfg.Name,
		RawQuery: query.Encode(),
	}
	if cfg.Password != "" {
		u.User = url.UserPassword(cfg.User, cfg.Password)
	} else {
		u.User = url.User(cfg.User)
	}
	return u.String(), nil
}

func mysqlDSN(cfg Config) (string, error) {
	if cfg.DSN != "" {
		return cfg.DSN, nil
	}
	if err := requireServerFields(driverMySQL, cfg); err != nil {
		return "", err
	}

	mc := mysqldriver.NewConfig()
	mc.Net = "tcp"
	mc.Addr = hostPort(cfg, "127.0.0.1", 3306)
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.DBName = cfg.Name
	mc.ParseTime = true
	mc.Loc = time.UTC
	mc.Params = map[string]string{"charset": "utf8mb4"}
	for key, value := range cfg.Options {
		mc.Params[key] = value
	}
	return mc.FormatDSN(), nil
}

func sqliteDSN(cfg Config) (string, error) {
	if cfg.DSN != "" {
		return cfg.DSN, nil
	}

	path := strings.TrimSpace(cfg.Path)
	if path == "" || strings.EqualFold(path, ":memory:") {
		// every in-memory handle gets its own named database
		return fmt.Sprintf("file:authcore-%s?mode=memory&cache=shared&_foreign_keys=1&_busy_timeout=5000", uuid.NewString()), nil
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return "", fmt.Errorf("sqlite: create data dir: %w", err)
		}
	}
	return fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000", filepath.ToSlash(path)), nil
}

// tuneSQLite serialises access on a single connection. SQLite allows one writer, so
// lock contention becomes pool waits and transactions keep their row-lock semantics.
func tuneSQLite(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return fmt.Errorf("sqlite: enable foreign keys: %w", err)
	}
	return nil
}
