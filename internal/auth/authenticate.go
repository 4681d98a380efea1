package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charlesng35/authcore/internal/audit"
	"github.com/charlesng35/authcore/internal/auth/mfa"
	"github.com/charlesng35/authcore/internal/auth/session"
	"github.com/charlesng35/authcore/internal/models"
	"github.com/charlesng35/authcore/pkg/metrics"
)

const tokenTypeBearer = "Bearer"

// Credentials is a login attempt. Identifier matches a username or an email.
type Credentials struct {
	Identifier string
	Password   string
	MFACode    string
	IPAddress  string
	UserAgent  string
}

type lockState struct {
	attempts     int
	locked       bool
	until        *time.Time
	transitioned bool
}

// mfaCheck records which second factor satisfied the login.
type mfaCheck struct {
	method     string
	backupHash string
}

// Authenticate verifies credentials and, on success, opens a session and mints a token
// pair bound to it. Every outcome records exactly one audit event.
func (s *Service) Authenticate(ctx context.Context, in Credentials) (*Result, error) {
	identifier := strings.TrimSpace(in.Identifier)
	now := s.now()
	event := audit.Event{
		Type:      audit.EventLogin,
		IPAddress: in.IPAddress,
		UserAgent: in.UserAgent,
	}
	fail := func(reason string, err error, extra ...any) (*Result, error) {
		event.Status = audit.StatusFailure
		event.Details = details(append([]any{"reason", reason, "identifier", identifier}, extra...)...)
		s.emit(ctx, event)
		metrics.AuthAttempts.WithLabelValues(reason).Inc()
		return nil, err
	}

	if !s.throttle.allow(identifier, now) {
		return fail("rate_limited", ErrRateLimited)
	}

	user, err := s.findByIdentifier(ctx, identifier)
	if errors.Is(err, ErrAccountNotFound) {
		s.passwords.Verify(in.Password, s.dummyHash)
		return fail("account_not_found", ErrAccountNotFound)
	}
	if err != nil {
		return fail("store_error", err)
	}
	event.UserID = user.ID

	if user.IsLocked {
		if user.LockedUntil == nil || user.LockedUntil.After(now) {
			return fail("account_locked", lockedError(user.LockedUntil, now))
		}
		if err := s.clearElapsedLock(ctx, user.ID, now); err != nil {
			return fail("store_error", err)
		}
		user.IsLocked = false
		user.LockedUntil = nil
		user.FailedLoginAttempts = 0
	}

	if !s.passwords.Verify(in.Password, user.PasswordHash) {
		return s.failAttempt(ctx, user.ID, now, "invalid_password", ErrInvalidCredentials, fail)
	}

	if !user.IsActive {
		return fail("account_inactive", ErrAccountInactive)
	}
	if s.cfg.RequireEmailVerification && !user.EmailVerified {
		return fail("email_not_verified", ErrEmailNotVerified)
	}

	var second mfaCheck
	if user.MFAEnabled {
		code := strings.TrimSpace(in.MFACode)
		if code == "" {
			return fail("mfa_required", ErrMFARequired)
		}
		check, ok, err := s.checkSecondFactor(user, code)
		if err != nil {
			return fail("mfa_error", err)
		}
		if !ok {
			return s.failAttempt(ctx, user.ID, now, "invalid_mfa", ErrMFAInvalid, fail)
		}
		second = check
	}

	mustChange := user.MustChangePassword || s.passwordExpired(user, now)
	rehash := ""
	if s.passwords.NeedsRehash(user.PasswordHash) {
		if hash, err := s.passwords.Hash(in.Password); err == nil {
			rehash = hash
		} else {
			s.log.Warn("password rehash failed", zap.String("user_id", user.ID), zap.Error(err))
		}
	}

	result, err := s.openSession(ctx, user, session.Metadata{IPAddress: in.IPAddress, UserAgent: in.UserAgent})
	if err != nil {
		return fail("session_error", err)
	}

	if err := s.completeLogin(ctx, user, now, models.Clip(in.IPAddress, models.IPAddressSize), mustChange, rehash, second); err != nil {
		s.discardSession(ctx, result.Session.ID)
		var locked *AccountLockedError
		switch {
		case errors.As(err, &locked):
			return fail("account_locked", err)
		case errors.Is(err, ErrMFAInvalid):
			return fail("invalid_mfa", err)
		}
		return fail("store_error", storeErr("record login", err))
	}
	result.MustChangePassword = mustChange

	event.Status = audit.StatusSuccess
	event.Details = details(
		"session_id", result.Session.ID,
		"evicted_sessions", len(result.EvictedSessions),
		"mfa", second.method,
		"must_change_password", mustChange,
	)
	s.emit(ctx, event)
	metrics.AuthAttempts.WithLabelValues("success").Inc()

	return result, nil
}

func (s *Service) findByIdentifier(ctx context.Context, identifier string) (*models.User, error) {
	if identifier == "" {
		return nil, ErrAccountNotFound
	}
	var user models.User
	err := s.db.WithContext(ctx).
		Preload("Roles.Permissions").
		Where("username = ? OR email = ?", identifier, strings.ToLower(identifier)).
		Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, storeErr("find user", err)
	}
	return &user, nil
}

// clearElapsedLock unlocks an account whose lock has run out and resets its counter.
func (s *Service) clearElapsedLock(ctx context.Context, userID string, now time.Time) error {
	err := s.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ? AND is_locked = ? AND locked_until IS NOT NULL AND locked_until <= ?", userID, true, now).
		Updates(map[string]any{
			"is_locked":             false,
			"locked_until":          nil,
			"failed_login_attempts": 0,
		}).Error
	if err != nil {
		return storeErr("clear lock", err)
	}
	return nil
}

// failAttempt counts a failed credential check and reports the lock when this attempt
// reached the threshold or a concurrent one already did.
func (s *Service) failAttempt(
	ctx context.Context,
	userID string,
	now time.Time,
	reason string,
	cause error,
	fail func(string, error, ...any) (*Result, error),
) (*Result, error) {
	state, err := s.recordFailure(ctx, userID, now)
	if err != nil {
		return fail("store_error", storeErr("record failure", err))
	}
	if state.transitioned {
		metrics.AccountLockouts.Inc()
		s.log.Info("account locked",
			zap.String("user_id", userID),
			zap.Int("attempts", state.attempts),
			zap.Timep("locked_until", state.until),
		)
		closed, err := s.sessions.InvalidateUser(ctx, userID, "", session.ReasonLocked)
		if err != nil {
			return fail("store_error", storeErr("invalidate sessions", err), "attempts", state.attempts, "locked", true)
		}
		return fail(reason, lockedError(state.until, now), "attempts", state.attempts, "locked", true, "closed_sessions", len(closed))
	}
	if state.locked {
		return fail("account_locked", lockedError(state.until, now))
	}
	return fail(reason, cause, "attempts", state.attempts)
}

// recordFailure increments the failure counter under the user's row lock so concurrent
// failures are all counted, and locks the account once the threshold is reached.
func (s *Service) recordFailure(ctx context.Context, userID string, now time.Time) (lockState, error) {
	var state lockState
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user models.User
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id", "is_locked", "locked_until", "failed_login_attempts").
			Take(&user, "id = ?", userID).Error; err != nil {
			return err
		}

		if user.IsLocked && (user.LockedUntil == nil || user.LockedUntil.After(now)) {
			state = lockState{attempts: user.FailedLoginAttempts, locked: true, until: user.LockedUntil}
			return nil
		}

		attempts := user.FailedLoginAttempts + 1
		if user.IsLocked {
			// the previous lock has run out
			attempts = 1
		}
		updates := map[string]any{
			"failed_login_attempts": attempts,
			"last_failed_login_at":  now,
			"is_locked":             false,
			"locked_until":          nil,
		}
		state = lockState{attempts: attempts}
		if attempts >= s.cfg.MaxLoginAttempts {
			until := now.Add(s.cfg.LockoutDuration)
			updates["is_locked"] = true
			updates["locked_until"] = until
			state.locked = true
			state.until = &until
			state.transitioned = true
		}
		return tx.Model(&models.User{}).Where("id = ?", userID).Updates(updates).Error
	})
	return state, err
}

// checkSecondFactor accepts a TOTP code or, when the code has the backup shape, an
// unused backup code.
func (s *Service) checkSecondFactor(user *models.User, code string) (mfaCheck, bool, error) {
	if mfa.LooksLikeBackupCode(code) {
		hashes := user.BackupCodeHashes()
		remaining, ok := s.mfa.ConsumeBackupCode(hashes, code)
		if !ok {
			return mfaCheck{}, false, nil
		}
		return mfaCheck{method: "backup_code", backupHash: consumedHash(hashes, remaining)}, true, nil
	}

	secret, err := s.mfa.OpenSecret(user.MFASecret)
	if err != nil {
		return mfaCheck{}, false, storeErr("open mfa secret", err)
	}
	if !s.mfa.Verify(secret, code) {
		return mfaCheck{}, false, nil
	}
	return mfaCheck{method: "totp"}, true, nil
}

// completeLogin resets the failure counter and records the login under the row lock. A
// lock taken by a concurrent attempt since the user was read wins.
func (s *Service) completeLogin(ctx context.Context, user *models.User, now time.Time, ip string, mustChange bool, rehash string, second mfaCheck) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current models.User
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id", "is_locked", "locked_until", "backup_codes").
			Take(&current, "id = ?", user.ID).Error; err != nil {
			return err
		}
		if current.IsLocked && (current.LockedUntil == nil || current.LockedUntil.After(now)) {
			return lockedError(current.LockedUntil, now)
		}

		updates := map[string]any{
			"failed_login_attempts": 0,
			"is_locked":             false,
			"locked_until":          nil,
			"last_login_at":         now,
			"last_login_ip":         ip,
			"must_change_password":  mustChange,
		}
		if rehash != "" {
			updates["password_hash"] = rehash
		}
		if second.backupHash != "" {
			remaining, ok := removeHash(current.BackupCodeHashes(), second.backupHash)
			if !ok {
				// spent by a concurrent login
				return ErrMFAInvalid
			}
			current.SetBackupCodeHashes(remaining)
			updates["backup_codes"] = current.BackupCodes
		}
		if err := tx.Model(&models.User{}).Where("id = ?", user.ID).Updates(updates).Error; err != nil {
			return err
		}

		user.FailedLoginAttempts = 0
		user.IsLocked = false
		user.LockedUntil = nil
		user.LastLoginAt = &now
		user.LastLoginIP = ip
		user.MustChangePassword = mustChange
		if rehash != "" {
			user.PasswordHash = rehash
		}
		return nil
	})
}

// openSession mints a token pair capped at the session's absolute expiry and records the
// session, evicting the oldest ones over the concurrent limit.
func (s *Service) openSession(ctx context.Context, user *models.User, meta session.Metadata) (*Result, error) {
	id, err := session.NewID()
	if err != nil {
		return nil, storeErr("session id", err)
	}
	ceiling := s.sessions.AbsoluteExpiry(s.now())

	pair, err := s.tokens.IssuePair(subjectFor(user), id, ceiling)
	if err != nil {
		return nil, storeErr("issue tokens", err)
	}

	record, evicted, err := s.sessions.Create(ctx, session.NewSession{
		ID:                    id,
		UserID:                user.ID,
		AccessToken:           pair.Access.Token,
		AccessTokenExpiresAt:  pair.Access.ExpiresAt,
		RefreshToken:          pair.Refresh.Token,
		RefreshTokenExpiresAt: pair.Refresh.ExpiresAt,
		ExpiresAt:             ceiling,
		Metadata:              meta,
	})
	if err != nil {
		return nil, storeErr("create session", err)
	}

	return &Result{
		User:                  user,
		Session:               record,
		AccessToken:           pair.Access.Token,
		RefreshToken:          pair.Refresh.Token,
		TokenType:             tokenTypeBearer,
		AccessTokenExpiresAt:  pair.Access.ExpiresAt,
		RefreshTokenExpiresAt: pair.Refresh.ExpiresAt,
		ExpiresIn:             expiresIn(pair.Access.ExpiresAt, s.now()),
		EvictedSessions:       evicted,
	}, nil
}

// discardSession closes a session opened for a login that failed to commit.
func (s *Service) discardSession(ctx context.Context, id string) {
	if err := s.sessions.Invalidate(ctx, id, session.ReasonLoginAborted); err != nil {
		s.log.Warn("discard session failed", zap.String("session_id", id), zap.Error(err))
	}
}

func expiresIn(at, now time.Time) int64 {
	secs := int64(at.Sub(now) / time.Second)
	if secs < 0 {
		return 0
	}
	return secs
}

// consumedHash returns the entry of before that is missing from after.
func consumedHash(before, after []string) string {
	left := make(map[string]int, len(after))
	for _, h := range after {
		left[h]++
	}
	for _, h := range before {
		if left[h] == 0 {
			return h
		}
		left[h]--
	}
	return ""
}

func removeHash(hashes []string, target string) ([]string, bool) {
	for i, h := range hashes {
		if h == target {
			out := make([]string, 0, len(hashes)-1)
			out = append(out, hashes[:i]...)
			return append(out, hashes[i+1:]...), true
		}
	}
	return hashes, false
}
