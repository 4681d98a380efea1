package database

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestNormaliseDriver(t *testing.T) {
	for in, want := range map[string]string{
		"":           driverSQLite,
		"SQLite3":    driverSQLite,
		"postgresql": driverPostgres,
		" pg ":       driverPostgres,
		"MariaDB":    driverMySQL,
	} {
		got, err := normaliseDriver(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	_, err := normaliseDriver("oracle")
	require.ErrorContains(t, err, "oracle")
}

func TestPostgresDSN(t *testing.T) {
	dsn, err := postgresDSN(Config{User: "auth", Name: "authcore"})
	require.NoError(t, err)

	parsed, err := pgconn.ParseConfig(dsn)
	require.NoError(t, err)
	require.Equal(t, "localhost", parsed.Host)
	require.EqualValues(t, 5432, parsed.Port)
	require.Equal(t, "auth", parsed.User)
	require.Equal(t, "authcore", parsed.Database)
	require.Equal(t, "UTC", parsed.RuntimeParams["TimeZone"])
	require.Nil(t, parsed.TLSConfig)
}

func TestPostgresDSNEscapesCredentialsAndKeepsOptions(t *testing.T) {
	dsn, err := postgresDSN(Config{
		User:     "auth",
		Password: "p@ss word/1",
		Name:     "authcore",
		Host:     "db.internal",
		Port:     6543,
		Options:  map[string]string{"search_path": "identity", "application_name": "authcore"},
	})
	require.NoError(t, err)

	parsed, err := pgconn.ParseConfig(dsn)
	require.NoError(t, err)
	require.Equal(t, "db.internal", parsed.Host)
	require.EqualValues(t, 6543, parsed.Port)
	require.Equal(t, "p@ss word/1", parsed.Password)
	require.Equal(t, "identity", parsed.RuntimeParams["search_path"])
	require.Equal(t, "authcore", parsed.RuntimeParams["application_name"])
}

func TestMySQLDSN(t *testing.T) {
	dsn, err := mysqlDSN(Config{User: "auth", Password: "secret", Name: "authcore", Port: 3307,
		Options: map[string]string{"tls": "skip-verify"}})
	require.NoError(t, err)

	parsed, err := mysqldriver.ParseDSN(dsn)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:3307", parsed.Addr)
	require.Equal(t, "auth", parsed.User)
	require.Equal(t, "secret", parsed.Passwd)
	require.Equal(t, "authcore", parsed.DBName)
	require.True(t, parsed.ParseTime)
	require.Equal(t, time.UTC, parsed.Loc)
	require.Equal(t, "skip-verify", parsed.TLSConfig)
}

func TestServerDSNRequiresUserAndName(t *testing.T) {
	_, err := postgresDSN(Config{Name: "authcore"})
	require.ErrorContains(t, err, "missing user")

	_, err = mysqlDSN(Config{User: "auth"})
	require.ErrorContains(t, err, "missing name")
}

func TestDSNOverrideWins(t *testing.T) {
	for _, build := range []func(Config) (string, error){postgresDSN, mysqlDSN, sqliteDSN} {
		dsn, err := build(Config{DSN: "custom"})
		require.NoError(t, err)
		require.Equal(t, "custom", dsn)
	}
}

func TestSQLiteDSNCreatesDataDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "authcore.sqlite")
	dsn, err := sqliteDSN(Config{Path: path})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(dsn, "file:"))
	require.Contains(t, dsn, "_journal_mode=WAL")

	info, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	require.True(t, info.IsDir())

	first, err := sqliteDSN(Config{Path: ":memory:"})
	require.NoError(t, err)
	second, err := sqliteDSN(Config{})
	require.NoError(t, err)
	require.NotEqual(t, first, second)
}
