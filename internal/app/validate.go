package app

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"

	"github.com/charlesng35/authcore/pkg/logger"
)

// Validate reports every setting that would make start-up fail or leave the service in
// a contradictory state. Keys and secrets are checked when they are loaded instead.
func (c *Config) Validate() error {
	var err error
	add := func(format string, args ...any) {
		err = multierr.Append(err, fmt.Errorf(format, args...))
	}

	if c.Server.OpsPort < 0 || c.Server.OpsPort > 65535 {
		add("server.ops_port %d is out of range", c.Server.OpsPort)
	}
	if _, lerr := logger.ParseLevel(c.Server.LogLevel); lerr != nil {
		add("server.log_level: %v", lerr)
	}
	switch strings.ToLower(strings.TrimSpace(c.Server.LogFormat)) {
	case "", "json", "console":
	default:
		add("server.log_format %q must be json or console", c.Server.LogFormat)
	}

	switch strings.ToLower(strings.TrimSpace(c.Database.Driver)) {
	case "", "sqlite", "sqlite3", "postgres", "postgresql", "pg", "mysql", "mariadb":
	default:
		add("database.driver %q is not supported", c.Database.Driver)
	}
	if c.Cache.Redis.Enabled && strings.TrimSpace(c.Cache.Redis.Address) == "" {
		add("cache.redis.address is required when redis is enabled")
	}

	jwt := c.Auth.JWT
	if jwt.AccessTokenTTL < 0 || jwt.RefreshTokenTTL < 0 {
		add("auth.jwt token lifetimes must not be negative")
	}
	if jwt.AccessTokenTTL > 0 && jwt.RefreshTokenTTL > 0 && jwt.RefreshTokenTTL < jwt.AccessTokenTTL {
		add("auth.jwt.refresh_token_ttl %s is shorter than access_token_ttl %s", jwt.RefreshTokenTTL, jwt.AccessTokenTTL)
	}

	sess := c.Auth.Session
	if sess.IdleTimeout > 0 && sess.AbsoluteTimeout > 0 && sess.IdleTimeout > sess.AbsoluteTimeout {
		add("auth.session.idle_timeout %s exceeds absolute_timeout %s", sess.IdleTimeout, sess.AbsoluteTimeout)
	}
	if sess.ConcurrentLimit < 0 {
		add("auth.session.concurrent_limit must not be negative")
	}
	if c.Auth.Lockout.MaxAttempts < 0 || c.Auth.Lockout.ThrottlePerMinute < 0 {
		add("auth.lockout limits must not be negative")
	}
	if c.Auth.Password.HistoryCount < 0 {
		add("auth.password.history_count must not be negative")
	}

	if c.Maintenance.Enabled {
		for key, spec := range map[string]string{
			"session_schedule": c.Maintenance.SessionSchedule,
			"audit_schedule":   c.Maintenance.AuditSchedule,
			"token_schedule":   c.Maintenance.TokenSchedule,
		} {
			if spec == "" {
				continue
			}
			if _, perr := cron.ParseStandard(spec); perr != nil {
				add("maintenance.%s %q: %v", key, spec, perr)
			}
		}
	}
	return err
}
