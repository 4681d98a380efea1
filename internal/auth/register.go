package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/authcore/internal/audit"
	"github.com/charlesng35/authcore/internal/database"
	"github.com/charlesng35/authcore/internal/models"
	"github.com/charlesng35/authcore/pkg/crypto"
	"github.com/charlesng35/authcore/pkg/metrics"
	"github.com/charlesng35/authcore/pkg/validator"
)

// Registration carries the fields of a sign-up request.
type Registration struct {
	Username  string `json:"username" validate:"required,username,max=100"`
	Email     string `json:"email" validate:"required,email,max=255"`
	Password  string `json:"password" validate:"required,max=1024"`
	IPAddress string `json:"-"`
	UserAgent string `json:"-"`
}

// Registered is the outcome of a successful registration. VerificationToken is the raw
// one-time token to deliver to the user; only its digest is stored.
type Registered struct {
	User                  *models.User
	VerificationToken     string
	VerificationExpiresAt time.Time
}

// Register creates a local account. Input is validated, duplicates are rejected before the
// strength check, and the user, role grant and verification token are written in one
// transaction.
func (s *Service) Register(ctx context.Context, in Registration) (*Registered, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))

	event := audit.Event{
		Type:      audit.EventRegistration,
		IPAddress: in.IPAddress,
		UserAgent: in.UserAgent,
	}
	fail := func(reason string, err error) (*Registered, error) {
		event.Status = audit.StatusFailure
		event.Details = details("reason", reason, "username", in.Username)
		s.emit(ctx, event)
		metrics.Registrations.WithLabelValues(reason).Inc()
		return nil, err
	}

	if err := validator.Check(in); err != nil {
		var violations validator.Violations
		if errors.As(err, &violations) {
			return fail("invalid_input", fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(violations.Messages(), "; ")))
		}
		return fail("invalid_input", fmt.Errorf("%w: %v", ErrInvalidInput, err))
	}

	var existing int64
	if err := s.db.WithContext(ctx).
		Model(&models.User{}).
		Where("username = ? OR email = ?", in.Username, in.Email).
		Count(&existing).Error; err != nil {
		return fail("store_error", storeErr("check duplicates", err))
	}
	if existing > 0 {
		return fail("duplicate", ErrDuplicateAccount)
	}

	if ok, violations := s.passwords.ValidateStrength(in.Password, in.Username, in.Email); !ok {
		return fail("weak_password", &WeakPasswordError{Violations: violations})
	}

	hash, err := s.passwords.Hash(in.Password)
	if err != nil {
		return fail("hash_error", err)
	}

	now := s.now()
	user := &models.User{
		Username:          in.Username,
		Email:             in.Email,
		PasswordHash:      hash,
		PasswordChangedAt: now,
		EmailVerified:     !s.cfg.RequireEmailVerification,
		IsActive:          true,
	}

	var rawToken string
	var tokenExpiry time.Time
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(user).Error; err != nil {
			return err
		}

		var role models.Role
		if err := tx.Where("name = ?", s.cfg.DefaultRole).Take(&role).Error; err != nil {
			return fmt.Errorf("default role %q: %w", s.cfg.DefaultRole, err)
		}
		if err := tx.Model(user).Association("Roles").Append(&role); err != nil {
			return fmt.Errorf("assign role: %w", err)
		}

		if !s.cfg.RequireEmailVerification {
			return nil
		}
		raw, err := crypto.RandomToken(verificationTokenBytes)
		if err != nil {
			return err
		}
		verification := &models.EmailVerification{
			UserID:    user.ID,
			TokenHash: crypto.Digest(raw),
			ExpiresAt: now.Add(s.cfg.VerificationTTL),
		}
		if err := tx.Create(verification).Error; err != nil {
			return err
		}
		rawToken = raw
		tokenExpiry = verification.ExpiresAt
		return nil
	})
	if err != nil {
		if database.IsDuplicateKey(err) {
			return fail("duplicate", ErrDuplicateAccount)
		}
		return fail("store_error", storeErr("create user", err))
	}

	event.UserID = user.ID
	event.Status = audit.StatusSuccess
	event.Details = details("username", user.Username, "role", s.cfg.DefaultRole, "email_verification", s.cfg.RequireEmailVerification)
	s.emit(ctx, event)
	metrics.Registrations.WithLabelValues("success").Inc()

	return &Registered{
		User:                  user,
		VerificationToken:     rawToken,
		VerificationExpiresAt: tokenExpiry,
	}, nil
}

// VerifyEmail redeems a verification token and marks the owning account verified.
func (s *Service) VerifyEmail(ctx context.Context, rawToken string) error {
	rawToken = strings.TrimSpace(rawToken)
	event := audit.Event{Type: audit.EventEmailVerify}
	fail := func(reason string, err error) error {
		event.Status = audit.StatusFailure
		event.Details = details("reason", reason)
		s.emit(ctx, event)
		return err
	}
	if rawToken == "" {
		return fail("invalid_token", ErrTokenInvalid)
	}

	now := s.now()
	var verification models.EmailVerification
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Take(&verification, "token_hash = ?", crypto.Digest(rawToken)).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrTokenInvalid
		}
		if err != nil {
			return err
		}
		if verification.VerifiedAt != nil {
			return ErrTokenInvalid
		}
		if !verification.Redeemable(now) {
			return ErrTokenExpired
		}

		if err := tx.Model(&verification).Update("verified_at", now).Error; err != nil {
			return err
		}
		return tx.Model(&models.User{}).Where("id = ?", verification.UserID).Update("email_verified", true).Error
	})
	event.UserID = verification.UserID
	switch {
	case errors.Is(err, ErrTokenInvalid):
		return fail("invalid_token", err)
	case errors.Is(err, ErrTokenExpired):
		return fail("expired_token", err)
	case err != nil:
		return fail("store_error", storeErr("verify email", err))
	}

	event.Status = audit.StatusSuccess
	s.emit(ctx, event)
	return nil
}
