package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/charlesng35/authcore/internal/cache"
	"github.com/charlesng35/authcore/internal/database"
)

// Config represents the runtime configuration of the authentication service.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Vault       VaultConfig       `mapstructure:"vault"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

// ServerConfig configures logging and the operational listener.
type ServerConfig struct {
	LogLevel        string        `mapstructure:"log_level"`
	LogFormat       string        `mapstructure:"log_format"`
	OpsPort         int           `mapstructure:"ops_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig describes connection options for the supported databases.
type DatabaseConfig struct {
	Driver          string            `mapstructure:"driver"`
	Path            string            `mapstructure:"path"`
	DSN             string            `mapstructure:"dsn"`
	Host            string            `mapstructure:"host"`
	Port            int               `mapstructure:"port"`
	Name            string            `mapstructure:"name"`
	User            string            `mapstructure:"user"`
	Password        string            `mapstructure:"password"`
	Options         map[string]string `mapstructure:"options"`
	MaxOpenConns    int               `mapstructure:"max_open_conns"`
	MaxIdleConns    int               `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration     `mapstructure:"conn_max_lifetime"`
}

// CacheConfig describes cache backends.
type CacheConfig struct {
	Redis RedisCacheConfig `mapstructure:"redis"`
}

// RedisCacheConfig holds Redis connection options.
type RedisCacheConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Address  string        `mapstructure:"address"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TLS      bool          `mapstructure:"tls"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Prefix   string        `mapstructure:"prefix"`
}

// VaultConfig holds the key that encrypts secrets at rest.
type VaultConfig struct {
	EncryptionKey string `mapstructure:"encryption_key"`
}

// AuthConfig captures all authentication-related settings.
type AuthConfig struct {
	JWT          JWTSettings          `mapstructure:"jwt"`
	Password     PasswordSettings     `mapstructure:"password"`
	MFA          MFASettings          `mapstructure:"mfa"`
	Session      SessionSettings      `mapstructure:"session"`
	Lockout      LockoutSettings      `mapstructure:"lockout"`
	Registration RegistrationSettings `mapstructure:"registration"`
}

// JWTSettings configures signed tokens.
type JWTSettings struct {
	PrivateKeyPath  string        `mapstructure:"private_key_path"`
	PublicKeyPath   string        `mapstructure:"public_key_path"`
	Issuer          string        `mapstructure:"issuer"`
	Audience        string        `mapstructure:"audience"`
	AccessTokenTTL  time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL time.Duration `mapstructure:"refresh_token_ttl"`
}

// PasswordSettings configures the password policy.
type PasswordSettings struct {
	MinLength        int  `mapstructure:"min_length"`
	RequireUppercase bool `mapstructure:"require_uppercase"`
	RequireLowercase bool `mapstructure:"require_lowercase"`
	RequireNumbers   bool `mapstructure:"require_numbers"`
	RequireSpecial   bool `mapstructure:"require_special"`
	HistoryCount     int  `mapstructure:"history_count"`
	ExpiryDays       int  `mapstructure:"expiry_days"`
}

// MFASettings configures TOTP enrolment.
type MFASettings struct {
	Enabled     bool   `mapstructure:"enabled"`
	Issuer      string `mapstructure:"issuer"`
	BackupCodes int    `mapstructure:"backup_codes"`
}

// SessionSettings configures session lifetimes and the concurrent cap.
type SessionSettings struct {
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	AbsoluteTimeout time.Duration `mapstructure:"absolute_timeout"`
	ConcurrentLimit int           `mapstructure:"concurrent_limit"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
}

// LockoutSettings defines brute force controls.
type LockoutSettings struct {
	MaxAttempts       int           `mapstructure:"max_attempts"`
	Duration          time.Duration `mapstructure:"duration"`
	ThrottlePerMinute int           `mapstructure:"throttle_per_minute"`
}

// RegistrationSettings controls account creation.
type RegistrationSettings struct {
	RequireEmailVerification bool          `mapstructure:"require_email_verification"`
	DefaultRole              string        `mapstructure:"default_role"`
	VerificationTTL          time.Duration `mapstructure:"verification_ttl"`
}

// MaintenanceConfig schedules background cleanup.
type MaintenanceConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	SessionSchedule  string        `mapstructure:"session_schedule"`
	AuditSchedule    string        `mapstructure:"audit_schedule"`
	TokenSchedule    string        `mapstructure:"token_schedule"`
	SessionRetention time.Duration `mapstructure:"session_retention"`
	AuditRetention   time.Duration `mapstructure:"audit_retention"`
}

// LoadConfig reads config.yaml from ./config and the given directories, then applies
// AUTHCORE_* environment overrides. A missing file is not an error.
func LoadConfig(paths ...string) (*Config, error) {
	v := newViper()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}
	return decode(v)
}

// LoadConfigFile reads one explicit file. The file must exist.
func LoadConfigFile(file string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(file)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", file, err)
	}
	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("AUTHCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "json")
	v.SetDefault("server.ops_port", 9090)
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/authcore.sqlite")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 0)
	v.SetDefault("database.max_idle_conns", 0)
	v.SetDefault("database.conn_max_lifetime", "0s")

	v.SetDefault("cache.redis.enabled", false)
	v.SetDefault("cache.redis.address", "127.0.0.1:6379")
	v.SetDefault("cache.redis.username", "")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.tls", false)
	v.SetDefault("cache.redis.timeout", "250ms")
	v.SetDefault("cache.redis.prefix", "authcore:")

	v.SetDefault("vault.encryption_key", "")

	v.SetDefault("auth.jwt.private_key_path", "/certs/jwt/private.pem")
	v.SetDefault("auth.jwt.public_key_path", "/certs/jwt/public.pem")
	v.SetDefault("auth.jwt.issuer", "authcore")
	v.SetDefault("auth.jwt.audience", "authcore-api")
	v.SetDefault("auth.jwt.access_token_ttl", "15m")
	v.SetDefault("auth.jwt.refresh_token_ttl", "24h")

	v.SetDefault("auth.password.min_length", 12)
	v.SetDefault("auth.password.require_uppercase", true)
	v.SetDefault("auth.password.require_lowercase", true)
	v.SetDefault("auth.password.require_numbers", true)
	v.SetDefault("auth.password.require_special", true)
	v.SetDefault("auth.password.history_count", 5)
	v.SetDefault("auth.password.expiry_days", 90)

	v.SetDefault("auth.mfa.enabled", true)
	v.SetDefault("auth.mfa.issuer", "AuthCore")
	v.SetDefault("auth.mfa.backup_codes", 10)

	v.SetDefault("auth.session.idle_timeout", "1h")
	v.SetDefault("auth.session.absolute_timeout", "12h")
	v.SetDefault("auth.session.concurrent_limit", 3)
	v.SetDefault("auth.session.cache_ttl", "5m")

	v.SetDefault("auth.lockout.max_attempts", 5)
	v.SetDefault("auth.lockout.duration", "15m")
	v.SetDefault("auth.lockout.throttle_per_minute", 0)

	v.SetDefault("auth.registration.require_email_verification", true)
	v.SetDefault("auth.registration.default_role", "user")
	v.SetDefault("auth.registration.verification_ttl", "24h")

	v.SetDefault("maintenance.enabled", true)
	v.SetDefault("maintenance.session_schedule", "@hourly")
	v.SetDefault("maintenance.audit_schedule", "@daily")
	v.SetDefault("maintenance.token_schedule", "@daily")
	v.SetDefault("maintenance.session_retention", "720h")
	v.SetDefault("maintenance.audit_retention", "2160h")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// DatabaseConnection converts the database section into connection options.
func (c DatabaseConfig) DatabaseConnection() database.Config {
	return database.Config{
		Driver:          strings.TrimSpace(c.Driver),
		Path:            strings.TrimSpace(c.Path),
		DSN:             strings.TrimSpace(c.DSN),
		Host:            strings.TrimSpace(c.Host),
		Port:            c.Port,
		Name:            strings.TrimSpace(c.Name),
		User:            strings.TrimSpace(c.User),
		Password:        c.Password,
		Options:         c.Options,
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
	}
}

// ClientConfig converts the redis section into client options for the accelerator.
func (c RedisCacheConfig) ClientConfig() cache.RedisConfig {
	return cache.RedisConfig{
		Address:  strings.TrimSpace(c.Address),
		Username: strings.TrimSpace(c.Username),
		Password: c.Password,
		DB:       c.DB,
		TLS:      c.TLS,
		Timeout:  c.Timeout,
		Prefix:   c.Prefix,
	}
}
