package auth

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/authcore/internal/audit"
	"github.com/charlesng35/authcore/internal/auth/session"
	"github.com/charlesng35/authcore/internal/models"
)

// PasswordChange is a request to replace a user's password.
type PasswordChange struct {
	UserID          string
	CurrentPassword string
	NewPassword     string
	// KeepSessionID survives the change; every other session of the user is closed.
	KeepSessionID string
	IPAddress     string
	UserAgent     string
}

// Enrollment is the material handed to a user starting MFA enrolment. The raw backup
// codes are shown once; only their hashes are stored.
type Enrollment struct {
	Secret          string
	ProvisioningURI string
	QRCode          []byte
	BackupCodes     []string
}

// ChangePassword replaces the password after checking the current one, the strength
// policy and recent history. Other sessions of the user are closed.
func (s *Service) ChangePassword(ctx context.Context, in PasswordChange) error {
	event := audit.Event{
		UserID:    in.UserID,
		Type:      audit.EventPasswordChange,
		IPAddress: in.IPAddress,
		UserAgent: in.UserAgent,
	}
	fail := func(reason string, err error) error {
		event.Status = audit.StatusFailure
		event.Details = details("reason", reason)
		s.emit(ctx, event)
		return err
	}

	user, err := s.loadUser(ctx, in.UserID)
	if err != nil {
		return fail(reasonForAccount(err), err)
	}
	if !user.IsActive {
		return fail("account_inactive", ErrAccountInactive)
	}
	if !s.passwords.Verify(in.CurrentPassword, user.PasswordHash) {
		return fail("invalid_password", ErrInvalidCredentials)
	}
	if ok, violations := s.passwords.ValidateStrength(in.NewPassword, user.Username, user.Email); !ok {
		return fail("weak_password", &WeakPasswordError{Violations: violations})
	}
	history := append(user.PasswordHistoryHashes(), user.PasswordHash)
	if !s.passwords.CheckHistory(in.NewPassword, history) {
		return fail("password_reused", ErrPasswordReused)
	}

	hash, err := s.passwords.Hash(in.NewPassword)
	if err != nil {
		return fail("hash_error", err)
	}
	user.PushPasswordHistory(user.PasswordHash, s.passwords.Policy().HistoryCount)

	now := s.now()
	err = s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", user.ID).Updates(map[string]any{
		"password_hash":        hash,
		"password_history":     user.PasswordHistory,
		"password_changed_at":  now,
		"must_change_password": false,
	}).Error
	if err != nil {
		return fail("store_error", storeErr("update password", err))
	}

	closed, err := s.sessions.InvalidateUser(ctx, user.ID, in.KeepSessionID, session.ReasonPasswordChange)
	if err != nil {
		return fail("store_error", storeErr("invalidate sessions", err))
	}

	event.Status = audit.StatusSuccess
	event.Details = details("closed_sessions", len(closed))
	s.emit(ctx, event)
	return nil
}

// EnrollMFA starts TOTP enrolment. The secret is stored encrypted and stays inactive
// until ActivateMFA confirms a code from the authenticator. An account with MFA already
// active is refused.
func (s *Service) EnrollMFA(ctx context.Context, userID string) (*Enrollment, error) {
	event := audit.Event{UserID: userID, Type: audit.EventMFAEnroll}
	fail := func(reason string, err error) (*Enrollment, error) {
		event.Status = audit.StatusFailure
		event.Details = details("reason", reason)
		s.emit(ctx, event)
		return nil, err
	}

	if !s.cfg.MFAEnabled {
		return fail("mfa_disabled", ErrMFADisabled)
	}
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return fail(reasonForAccount(err), err)
	}
	if user.MFAEnabled {
		return fail("mfa_already_enabled", ErrMFAAlreadyEnabled)
	}

	secret, err := s.mfa.GenerateSecret()
	if err != nil {
		return fail("mfa_error", err)
	}
	uri, err := s.mfa.ProvisioningURI(secret, user.Email, s.mfa.Issuer())
	if err != nil {
		return fail("mfa_error", err)
	}
	qr, err := s.mfa.QRCode(uri)
	if err != nil {
		return fail("mfa_error", err)
	}
	codes, err := s.mfa.GenerateBackupCodes(0)
	if err != nil {
		return fail("mfa_error", err)
	}
	hashes, err := s.mfa.HashBackupCodes(codes)
	if err != nil {
		return fail("mfa_error", err)
	}
	sealed, err := s.mfa.SealSecret(secret)
	if err != nil {
		return fail("mfa_error", err)
	}

	user.SetBackupCodeHashes(hashes)
	result := s.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ? AND mfa_enabled = ?", user.ID, false).
		Updates(map[string]any{
			"mfa_secret":   sealed,
			"backup_codes": user.BackupCodes,
		})
	if result.Error != nil {
		return fail("store_error", storeErr("store mfa secret", result.Error))
	}
	if result.RowsAffected == 0 {
		// activated concurrently
		return fail("mfa_already_enabled", ErrMFAAlreadyEnabled)
	}

	event.Status = audit.StatusSuccess
	event.Details = details("backup_codes", len(codes))
	s.emit(ctx, event)

	return &Enrollment{
		Secret:          secret,
		ProvisioningURI: uri,
		QRCode:          qr,
		BackupCodes:     codes,
	}, nil
}

// ActivateMFA enables MFA once code matches the enrolled secret.
func (s *Service) ActivateMFA(ctx context.Context, userID, code string) error {
	event := audit.Event{UserID: userID, Type: audit.EventMFAActivate}
	fail := func(reason string, err error) error {
		event.Status = audit.StatusFailure
		event.Details = details("reason", reason)
		s.emit(ctx, event)
		return err
	}

	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return fail(reasonForAccount(err), err)
	}
	if user.MFASecret == "" {
		return fail("mfa_not_enrolled", ErrMFANotEnrolled)
	}
	secret, err := s.mfa.OpenSecret(user.MFASecret)
	if err != nil {
		return fail("mfa_error", storeErr("open mfa secret", err))
	}
	if !s.mfa.Verify(secret, strings.TrimSpace(code)) {
		return fail("invalid_mfa", ErrMFAInvalid)
	}

	if err := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", user.ID).Update("mfa_enabled", true).Error; err != nil {
		return fail("store_error", storeErr("enable mfa", err))
	}

	event.Status = audit.StatusSuccess
	s.emit(ctx, event)
	return nil
}

// UnlockAccount clears any lock, including locks with no expiry, and resets the failure
// counter.
func (s *Service) UnlockAccount(ctx context.Context, userID string) error {
	event := audit.Event{UserID: userID, Type: audit.EventAccountUnlock}
	result := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).Updates(map[string]any{
		"is_locked":             false,
		"locked_until":          nil,
		"failed_login_attempts": 0,
	})
	err := result.Error
	if err != nil {
		err = storeErr("unlock account", err)
	} else if result.RowsAffected == 0 {
		err = ErrUserNotFound
	}
	if err != nil {
		event.Status = audit.StatusFailure
		event.Details = details("reason", reasonForAccount(err))
		s.emit(ctx, event)
		return err
	}

	event.Status = audit.StatusSuccess
	s.emit(ctx, event)
	return nil
}

// LockAccount locks an account until an administrator unlocks it and closes all of its
// sessions.
func (s *Service) LockAccount(ctx context.Context, userID string) error {
	event := audit.Event{UserID: userID, Type: audit.EventAccountLock}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user models.User
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Select("id").Take(&user, "id = ?", userID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUserNotFound
		}
		if err != nil {
			return err
		}
		return tx.Model(&models.User{}).Where("id = ?", userID).Updates(map[string]any{
			"is_locked":    true,
			"locked_until": nil,
		}).Error
	})
	if err == nil {
		var closed []string
		closed, err = s.sessions.InvalidateUser(ctx, userID, "", session.ReasonLocked)
		event.Details = details("permanent", true, "closed_sessions", len(closed))
	}
	if err != nil {
		if !errors.Is(err, ErrUserNotFound) {
			err = storeErr("lock account", err)
		}
		event.Status = audit.StatusFailure
		event.Details = details("reason", reasonForAccount(err))
		s.emit(ctx, event)
		return err
	}

	event.Status = audit.StatusSuccess
	s.emit(ctx, event)
	return nil
}

// DeactivateUser disables the account and closes all of its sessions.
func (s *Service) DeactivateUser(ctx context.Context, userID string) error {
	event := audit.Event{UserID: userID, Type: audit.EventDeactivate}
	fail := func(reason string, err error) error {
		event.Status = audit.StatusFailure
		event.Details = details("reason", reason)
		s.emit(ctx, event)
		return err
	}

	result := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).Update("is_active", false)
	if result.Error != nil {
		return fail("store_error", storeErr("deactivate user", result.Error))
	}
	if result.RowsAffected == 0 {
		return fail("user_not_found", ErrUserNotFound)
	}

	closed, err := s.sessions.InvalidateUser(ctx, userID, "", session.ReasonDeactivated)
	if err != nil {
		return fail("store_error", storeErr("invalidate sessions", err))
	}

	event.Status = audit.StatusSuccess
	event.Details = details("closed_sessions", len(closed))
	s.emit(ctx, event)
	return nil
}

func reasonForAccount(err error) string {
	if errors.Is(err, ErrUserNotFound) {
		return "user_not_found"
	}
	return "store_error"
}
