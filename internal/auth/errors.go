package auth

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/charlesng35/authcore/internal/auth/password"
	apperrors "github.com/charlesng35/authcore/pkg/errors"
)

var (
	// ErrAccountNotFound is returned when no user matches the identifier. Callers must not
	// reveal it as distinct from ErrInvalidCredentials; see PublicError.
	ErrAccountNotFound = errors.New("auth: account not found")
	// ErrInvalidCredentials signals a wrong password for an existing account.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrAccountLocked matches every *AccountLockedError.
	ErrAccountLocked = errors.New("auth: account locked")
	// ErrAccountInactive signals a deactivated account.
	ErrAccountInactive = errors.New("auth: account inactive")
	// ErrEmailNotVerified is returned while email verification is pending.
	ErrEmailNotVerified = errors.New("auth: email not verified")
	// ErrMFARequired is returned when the account has MFA enabled and no code was supplied.
	ErrMFARequired = errors.New("auth: mfa code required")
	// ErrMFAInvalid is returned for a wrong TOTP or backup code.
	ErrMFAInvalid = errors.New("auth: invalid mfa code")
	// ErrMFADisabled is returned when MFA enrolment is switched off.
	ErrMFADisabled = errors.New("auth: mfa disabled")
	// ErrMFANotEnrolled is returned when activating MFA before enrolling.
	ErrMFANotEnrolled = errors.New("auth: mfa not enrolled")
	// ErrMFAAlreadyEnabled is returned when enrolling while MFA is active.
	ErrMFAAlreadyEnabled = errors.New("auth: mfa already enabled")
	// ErrDuplicateAccount is returned when the username or email is taken.
	ErrDuplicateAccount = errors.New("auth: username or email already exists")
	// ErrWeakPassword matches every *WeakPasswordError.
	ErrWeakPassword = errors.New("auth: weak password")
	// ErrPasswordReused is returned when a new password matches a recent one.
	ErrPasswordReused = errors.New("auth: password reused")
	// ErrInvalidInput is returned when request fields fail validation.
	ErrInvalidInput = errors.New("auth: invalid input")
	// ErrTokenExpired is returned when the session behind a token has expired.
	ErrTokenExpired = errors.New("auth: token expired")
	// ErrTokenInvalid is the uniform result of a token that fails verification.
	ErrTokenInvalid = errors.New("auth: invalid token")
	// ErrSessionNotFound is returned for unknown or inactive sessions.
	ErrSessionNotFound = errors.New("auth: session not found")
	// ErrUserNotFound is returned by account administration for unknown user ids.
	ErrUserNotFound = errors.New("auth: user not found")
	// ErrRateLimited is returned when an identifier exceeds the attempt throttle.
	ErrRateLimited = errors.New("auth: too many attempts")
)

// AccountLockedError reports a locked account and the time left on the lock. Until is nil
// for locks that only an administrator can clear.
type AccountLockedError struct {
	Until     *time.Time
	Remaining time.Duration
}

func (e *AccountLockedError) Error() string {
	if e.Until == nil {
		return "auth: account locked"
	}
	return fmt.Sprintf("auth: account locked for %d more seconds", e.RemainingSeconds())
}

// Is makes errors.Is(err, ErrAccountLocked) hold.
func (e *AccountLockedError) Is(target error) bool {
	return target == ErrAccountLocked
}

// RemainingSeconds rounds the remaining lock time up to whole seconds.
func (e *AccountLockedError) RemainingSeconds() int64 {
	if e.Remaining <= 0 {
		return 0
	}
	return int64(math.Ceil(e.Remaining.Seconds()))
}

func lockedError(until *time.Time, now time.Time) *AccountLockedError {
	if until == nil {
		return &AccountLockedError{}
	}
	at := until.UTC()
	return &AccountLockedError{Until: &at, Remaining: at.Sub(now)}
}

// WeakPasswordError lists every policy rule a password broke.
type WeakPasswordError struct {
	Violations []password.Violation
}

func (e *WeakPasswordError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.Message
	}
	return "auth: weak password: " + strings.Join(parts, "; ")
}

// Is makes errors.Is(err, ErrWeakPassword) hold.
func (e *WeakPasswordError) Is(target error) bool {
	return target == ErrWeakPassword
}

// Messages returns the human readable violation messages.
func (e *WeakPasswordError) Messages() []string {
	out := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		out[i] = v.Message
	}
	return out
}

// StoreError wraps an infrastructure failure so it is never mistaken for a credential
// failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("auth: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// PublicError renders err for callers. Unknown accounts and wrong passwords share one
// response so the two cannot be told apart.
func PublicError(err error) *apperrors.AppError {
	if err == nil {
		return nil
	}

	var locked *AccountLockedError
	var weak *WeakPasswordError
	var store *StoreError
	switch {
	case errors.As(err, &locked):
		appErr := apperrors.New(apperrors.CodeAccountLocked, err)
		if locked.Until != nil {
			appErr.WithDetail("retry_after_seconds", locked.RemainingSeconds())
		}
		return appErr
	case errors.As(err, &weak):
		return apperrors.New(apperrors.CodeWeakPassword, err).WithDetail("violations", weak.Messages())
	case errors.As(err, &store):
		return apperrors.New(apperrors.CodeUnavailable, err)
	}

	for _, m := range publicCodes {
		if errors.Is(err, m.err) {
			appErr := apperrors.New(m.code, err)
			if m.message != "" {
				appErr.WithMessage(m.message)
			}
			return appErr
		}
	}
	return apperrors.New(apperrors.CodeInternal, err)
}

var publicCodes = []struct {
	err     error
	code    apperrors.Code
	message string
}{
	{ErrAccountNotFound, apperrors.CodeInvalidCredentials, ""},
	{ErrInvalidCredentials, apperrors.CodeInvalidCredentials, ""},
	{ErrAccountLocked, apperrors.CodeAccountLocked, ""},
	{ErrAccountInactive, apperrors.CodeAccountInactive, ""},
	{ErrEmailNotVerified, apperrors.CodeEmailNotVerified, ""},
	{ErrMFARequired, apperrors.CodeMFARequired, ""},
	{ErrMFAInvalid, apperrors.CodeMFAInvalid, ""},
	{ErrDuplicateAccount, apperrors.CodeDuplicateAccount, ""},
	{ErrPasswordReused, apperrors.CodePasswordReused, ""},
	{ErrTokenExpired, apperrors.CodeTokenExpired, ""},
	{ErrTokenInvalid, apperrors.CodeTokenInvalid, ""},
	{ErrSessionNotFound, apperrors.CodeSessionNotFound, ""},
	{ErrRateLimited, apperrors.CodeRateLimited, ""},
	{ErrInvalidInput, apperrors.CodeBadRequest, ""},
	{ErrMFADisabled, apperrors.CodeBadRequest, "Multi-factor authentication is disabled"},
	{ErrMFANotEnrolled, apperrors.CodeBadRequest, "Multi-factor authentication is not enrolled"},
	{ErrMFAAlreadyEnabled, apperrors.CodeBadRequest, "Multi-factor authentication is already enabled"},
	{ErrUserNotFound, apperrors.CodeNotFound, "User not found"},
}
