package app

import (
	"strings"

	"go.uber.org/zap"

	"github.com/charlesng35/authcore/internal/auth"
	"github.com/charlesng35/authcore/internal/auth/mfa"
	"github.com/charlesng35/authcore/internal/auth/password"
	"github.com/charlesng35/authcore/internal/auth/session"
	"github.com/charlesng35/authcore/internal/auth/token"
	"github.com/charlesng35/authcore/internal/cache"
)

// PasswordPolicy converts the password section into a strength policy.
func (c AuthConfig) PasswordPolicy() password.Policy {
	policy := password.Policy{
		MinLength:        c.Password.MinLength,
		RequireUppercase: c.Password.RequireUppercase,
		RequireLowercase: c.Password.RequireLowercase,
		RequireNumbers:   c.Password.RequireNumbers,
		RequireSpecial:   c.Password.RequireSpecial,
		HistoryCount:     c.Password.HistoryCount,
	}
	if policy.MinLength <= 0 {
		policy.MinLength = password.DefaultPolicy().MinLength
	}
	return policy
}

// TokenConfig converts the JWT section into token manager parameters.
func (c AuthConfig) TokenConfig(keys *KeySet, log *zap.Logger) token.Config {
	cfg := token.Config{
		Issuer:          strings.TrimSpace(c.JWT.Issuer),
		Audience:        strings.TrimSpace(c.JWT.Audience),
		AccessTokenTTL:  c.JWT.AccessTokenTTL,
		RefreshTokenTTL: c.JWT.RefreshTokenTTL,
		Logger:          log,
	}
	if keys != nil {
		cfg.PrivateKey = keys.Private
		cfg.PublicKey = keys.Public
	}
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = token.DefaultAccessTokenTTL
	}
	if cfg.RefreshTokenTTL <= 0 {
		cfg.RefreshTokenTTL = token.DefaultRefreshTokenTTL
	}
	return cfg
}

// SessionConfig converts the session section into session store parameters. store may
// be nil when no accelerator is configured.
func (c AuthConfig) SessionConfig(store cache.Store, log *zap.Logger) session.Config {
	return session.Config{
		IdleTimeout:     c.Session.IdleTimeout,
		AbsoluteTimeout: c.Session.AbsoluteTimeout,
		ConcurrentLimit: c.Session.ConcurrentLimit,
		CacheTTL:        c.Session.CacheTTL,
		Cache:           store,
		Logger:          log,
	}
}

// MFAOptions converts the MFA section into manager options.
func (c AuthConfig) MFAOptions() []mfa.Option {
	var opts []mfa.Option
	if issuer := strings.TrimSpace(c.MFA.Issuer); issuer != "" {
		opts = append(opts, mfa.WithIssuer(issuer))
	}
	if c.MFA.BackupCodes > 0 {
		opts = append(opts, mfa.WithBackupCodeCount(c.MFA.BackupCodes))
	}
	return opts
}

// ServiceConfig converts the remaining auth settings into service parameters.
func (c AuthConfig) ServiceConfig(log *zap.Logger) auth.Config {
	return auth.Config{
		RequireEmailVerification: c.Registration.RequireEmailVerification,
		DefaultRole:              strings.TrimSpace(c.Registration.DefaultRole),
		VerificationTTL:          c.Registration.VerificationTTL,
		MaxLoginAttempts:         c.Lockout.MaxAttempts,
		LockoutDuration:          c.Lockout.Duration,
		PasswordExpiryDays:       c.Password.ExpiryDays,
		MFAEnabled:               c.MFA.Enabled,
		ThrottlePerMinute:        c.Lockout.ThrottlePerMinute,
		Logger:                   log,
	}
}
