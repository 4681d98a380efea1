package app

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestLoadConfigFromFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("testdata"))
	require.NoError(t, err)

	require.Equal(t, "debug", cfg.Server.LogLevel)
	require.Equal(t, 9191, cfg.Server.OpsPort)

	require.Equal(t, "postgres", cfg.Database.Driver)
	require.Equal(t, "db.example.com", cfg.Database.Host)
	require.Equal(t, 5433, cfg.Database.Port)
	conn := cfg.Database.DatabaseConnection()
	require.Equal(t, "auth", conn.Name)
	require.Equal(t, "auth_svc", conn.User)
	require.Equal(t, 20, conn.MaxOpenConns)

	require.True(t, cfg.Cache.Redis.Enabled)
	redisCfg := cfg.Cache.Redis.ClientConfig()
	require.Equal(t, "redis.example.com:6380", redisCfg.Address)
	require.Equal(t, 2, redisCfg.DB)
	require.Equal(t, 500*time.Millisecond, redisCfg.Timeout)
	require.Equal(t, "authcore:", redisCfg.Prefix)

	require.Equal(t, "example-auth", cfg.Auth.JWT.Issuer)
	require.Equal(t, 10*time.Minute, cfg.Auth.JWT.AccessTokenTTL)
	require.Equal(t, 48*time.Hour, cfg.Auth.JWT.RefreshTokenTTL)
	require.Equal(t, "/certs/jwt/private.pem", cfg.Auth.JWT.PrivateKeyPath)

	policy := cfg.Auth.PasswordPolicy()
	require.Equal(t, 14, policy.MinLength)
	require.False(t, policy.RequireSpecial)
	require.True(t, policy.RequireUppercase)
	require.Equal(t, 8, policy.HistoryCount)

	sessionCfg := cfg.Auth.SessionConfig(nil, nil)
	require.Equal(t, 30*time.Minute, sessionCfg.IdleTimeout)
	require.Equal(t, 8*time.Hour, sessionCfg.AbsoluteTimeout)
	require.Equal(t, 5, sessionCfg.ConcurrentLimit)
	require.Equal(t, 5*time.Minute, sessionCfg.CacheTTL)

	svcCfg := cfg.Auth.ServiceConfig(nil)
	require.Equal(t, 7, svcCfg.MaxLoginAttempts)
	require.Equal(t, 20*time.Minute, svcCfg.LockoutDuration)
	require.Equal(t, 30, svcCfg.ThrottlePerMinute)
	require.Zero(t, svcCfg.PasswordExpiryDays)
	require.False(t, svcCfg.RequireEmailVerification)
	require.Equal(t, "readonly", svcCfg.DefaultRole)
	require.True(t, svcCfg.MFAEnabled)
	require.Len(t, cfg.Auth.MFAOptions(), 2)

	require.Equal(t, "*/15 * * * *", cfg.Maintenance.SessionSchedule)
	require.Equal(t, "@daily", cfg.Maintenance.AuditSchedule)
	require.Equal(t, 720*time.Hour, cfg.Maintenance.AuditRetention)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, "info", cfg.Server.LogLevel)
	require.Equal(t, 9090, cfg.Server.OpsPort)
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, "./data/authcore.sqlite", cfg.Database.Path)
	require.False(t, cfg.Cache.Redis.Enabled)
	require.Equal(t, 250*time.Millisecond, cfg.Cache.Redis.Timeout)

	require.Equal(t, 15*time.Minute, cfg.Auth.JWT.AccessTokenTTL)
	require.Equal(t, 24*time.Hour, cfg.Auth.JWT.RefreshTokenTTL)
	require.Equal(t, "authcore", cfg.Auth.JWT.Issuer)
	require.Equal(t, "authcore-api", cfg.Auth.JWT.Audience)

	require.Equal(t, 12, cfg.Auth.Password.MinLength)
	require.Equal(t, 5, cfg.Auth.Password.HistoryCount)
	require.Equal(t, 90, cfg.Auth.Password.ExpiryDays)

	require.Equal(t, time.Hour, cfg.Auth.Session.IdleTimeout)
	require.Equal(t, 12*time.Hour, cfg.Auth.Session.AbsoluteTimeout)
	require.Equal(t, 3, cfg.Auth.Session.ConcurrentLimit)

	require.Equal(t, 5, cfg.Auth.Lockout.MaxAttempts)
	require.Equal(t, 15*time.Minute, cfg.Auth.Lockout.Duration)
	require.True(t, cfg.Auth.Registration.RequireEmailVerification)
	require.Equal(t, "user", cfg.Auth.Registration.DefaultRole)
	require.Equal(t, "AuthCore", cfg.Auth.MFA.Issuer)
	require.True(t, cfg.Auth.MFA.Enabled)

	require.Equal(t, "@hourly", cfg.Maintenance.SessionSchedule)
	require.Equal(t, 2160*time.Hour, cfg.Maintenance.AuditRetention)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("AUTHCORE_AUTH_LOCKOUT_MAX_ATTEMPTS", "9")
	t.Setenv("AUTHCORE_AUTH_SESSION_CONCURRENT_LIMIT", "1")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, 9, cfg.Auth.Lockout.MaxAttempts)
	require.Equal(t, 1, cfg.Auth.Session.ConcurrentLimit)
}

func TestTokenConfigDefaults(t *testing.T) {
	cfg := AuthConfig{JWT: JWTSettings{Issuer: " authcore ", Audience: "api"}}
	tokenCfg := cfg.TokenConfig(nil, nil)
	require.Equal(t, "authcore", tokenCfg.Issuer)
	require.Equal(t, 15*time.Minute, tokenCfg.AccessTokenTTL)
	require.Equal(t, 24*time.Hour, tokenCfg.RefreshTokenTTL)
	require.Nil(t, tokenCfg.PrivateKey)
}

func TestLoadConfigFile(t *testing.T) {
	cfg, err := LoadConfigFile(filepath.Join("testdata", "config.yaml"))
	require.NoError(t, err)
	require.Equal(t, 9191, cfg.Server.OpsPort)
	require.NoError(t, cfg.Validate())

	_, err = LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	cfg.Server.OpsPort = 70000
	cfg.Server.LogLevel = "loud"
	cfg.Database.Driver = "oracle"
	cfg.Auth.JWT.RefreshTokenTTL = time.Minute
	cfg.Auth.Session.IdleTimeout = 24 * time.Hour
	cfg.Maintenance.SessionSchedule = "every hour"

	err = cfg.Validate()
	require.Len(t, multierr.Errors(err), 6)
	require.ErrorContains(t, err, "server.ops_port 70000")
	require.ErrorContains(t, err, "maintenance.session_schedule")
}
