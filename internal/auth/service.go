// Package auth orchestrates registration, login, token lifecycle and account state on top
// of the password, mfa, token and session packages.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/authcore/internal/audit"
	"github.com/charlesng35/authcore/internal/auth/mfa"
	"github.com/charlesng35/authcore/internal/auth/password"
	"github.com/charlesng35/authcore/internal/auth/session"
	"github.com/charlesng35/authcore/internal/auth/token"
	"github.com/charlesng35/authcore/internal/database"
	"github.com/charlesng35/authcore/internal/models"
	"github.com/charlesng35/authcore/pkg/crypto"
)

const (
	DefaultMaxLoginAttempts = 5
	DefaultLockoutDuration  = 15 * time.Minute
	DefaultVerificationTTL  = 24 * time.Hour
	verificationTokenBytes  = 32
)

// Config describes tunable behaviour of the Service.
type Config struct {
	RequireEmailVerification bool
	DefaultRole              string
	VerificationTTL          time.Duration
	MaxLoginAttempts         int
	LockoutDuration          time.Duration
	// PasswordExpiryDays flags must_change_password once a password is older than this.
	// Zero disables the check.
	PasswordExpiryDays int
	MFAEnabled         bool
	// ThrottlePerMinute caps login attempts per identifier. Zero disables the throttle.
	ThrottlePerMinute int
	Clock             func() time.Time
	Logger            *zap.Logger
}

// Dependencies are the collaborators the Service drives.
type Dependencies struct {
	Passwords *password.Manager
	MFA       *mfa.Manager
	Tokens    *token.Manager
	Sessions  *session.Store
	Audit     audit.Recorder
}

// Service implements the account and session state machine.
type Service struct {
	db        *gorm.DB
	passwords *password.Manager
	mfa       *mfa.Manager
	tokens    *token.Manager
	sessions  *session.Store
	audit     audit.Recorder
	cfg       Config
	now       func() time.Time
	log       *zap.Logger
	throttle  *throttle
	dummyHash string
}

// Result is returned by a successful Authenticate or Refresh.
type Result struct {
	User                  *models.User
	Session               *models.Session
	AccessToken           string
	RefreshToken          string
	TokenType             string
	AccessTokenExpiresAt  time.Time
	RefreshTokenExpiresAt time.Time
	// ExpiresIn is the access token lifetime in seconds.
	ExpiresIn          int64
	MustChangePassword bool
	EvictedSessions    []string
}

// NewService wires the Service.
func NewService(db *gorm.DB, deps Dependencies, cfg Config) (*Service, error) {
	if db == nil {
		return nil, errors.New("auth: db is required")
	}
	if deps.Passwords == nil || deps.Tokens == nil || deps.Sessions == nil || deps.MFA == nil {
		return nil, errors.New("auth: password, mfa, token and session dependencies are required")
	}

	if cfg.MaxLoginAttempts <= 0 {
		cfg.MaxLoginAttempts = DefaultMaxLoginAttempts
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = DefaultLockoutDuration
	}
	if cfg.VerificationTTL <= 0 {
		cfg.VerificationTTL = DefaultVerificationTTL
	}
	cfg.DefaultRole = strings.TrimSpace(cfg.DefaultRole)
	if cfg.DefaultRole == "" {
		cfg.DefaultRole = database.RoleUser
	}

	clock := time.Now
	if cfg.Clock != nil {
		clock = cfg.Clock
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	recorder := deps.Audit
	if recorder == nil {
		recorder = audit.Discard
	}

	// unknown identifiers are verified against this so they cost the same as real ones
	seed, err := crypto.RandomToken(24)
	if err != nil {
		return nil, err
	}
	dummy, err := deps.Passwords.Hash(seed)
	if err != nil {
		return nil, err
	}

	return &Service{
		db:        db,
		passwords: deps.Passwords,
		mfa:       deps.MFA,
		tokens:    deps.Tokens,
		sessions:  deps.Sessions,
		audit:     recorder,
		cfg:       cfg,
		now:       func() time.Time { return clock().UTC() },
		log:       log,
		throttle:  newThrottle(cfg.ThrottlePerMinute),
		dummyHash: dummy,
	}, nil
}

// emit records an audit event. Audit failures are logged and never surface to callers.
func (s *Service) emit(ctx context.Context, event audit.Event) {
	if err := s.audit.Record(ctx, event); err != nil {
		s.log.Warn("audit record failed",
			zap.String("event", event.Type),
			zap.String("status", event.Status),
			zap.Error(err),
		)
	}
}

func (s *Service) loadUser(ctx context.Context, userID string) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).Preload("Roles.Permissions").Take(&user, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, storeErr("load user", err)
	}
	return &user, nil
}

func (s *Service) passwordExpired(user *models.User, now time.Time) bool {
	if s.cfg.PasswordExpiryDays <= 0 || user.PasswordChangedAt.IsZero() {
		return false
	}
	maxAge := time.Duration(s.cfg.PasswordExpiryDays) * 24 * time.Hour
	return now.Sub(user.PasswordChangedAt) > maxAge
}

func subjectFor(user *models.User) token.Subject {
	return token.Subject{
		ExternalID:  user.ExternalID,
		Username:    user.Username,
		Email:       user.Email,
		Roles:       user.RoleNames(),
		Permissions: user.PermissionKeys(),
	}
}

func details(pairs ...any) map[string]any {
	out := make(map[string]any, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			continue
		}
		out[key] = pairs[i+1]
	}
	return out
}
