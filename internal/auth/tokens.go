package auth

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/authcore/internal/audit"
	"github.com/charlesng35/authcore/internal/auth/session"
	"github.com/charlesng35/authcore/internal/auth/token"
	"github.com/charlesng35/authcore/internal/models"
	"github.com/charlesng35/authcore/pkg/metrics"
)

// Principal is the verified identity behind an access token.
type Principal struct {
	Claims  *token.Claims
	Session *models.Session
}

// VerifyAccess checks the token signature and claims, then confirms that its session is
// live and still bound to this token. A successful check slides the idle window.
func (s *Service) VerifyAccess(ctx context.Context, accessToken string) (*Principal, error) {
	claims, err := s.tokens.Verify(accessToken, token.KindAccess)
	if err != nil {
		metrics.TokenVerifications.WithLabelValues(string(token.KindAccess), "invalid").Inc()
		return nil, ErrTokenInvalid
	}

	record, err := s.sessions.Validate(ctx, claims.SessionID, accessToken)
	if err != nil {
		metrics.TokenVerifications.WithLabelValues(string(token.KindAccess), "invalid").Inc()
		return nil, s.sessionError("validate session", err)
	}

	if err := s.sessions.Touch(ctx, record); err != nil {
		s.log.Warn("session touch failed", zap.String("session_id", record.ID), zap.Error(err))
	}

	metrics.TokenVerifications.WithLabelValues(string(token.KindAccess), "valid").Inc()
	return &Principal{Claims: claims, Session: record}, nil
}

// Refresh exchanges a refresh token for a new access token on the same session. The new
// token never outlives the session, and a session past its absolute expiry cannot be
// renewed.
func (s *Service) Refresh(ctx context.Context, refreshToken string, meta session.Metadata) (*Result, error) {
	event := audit.Event{
		Type:      audit.EventTokenRefresh,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
	}
	fail := func(reason string, err error) (*Result, error) {
		event.Status = audit.StatusFailure
		event.Details = details("reason", reason)
		s.emit(ctx, event)
		return nil, err
	}

	claims, err := s.tokens.Verify(refreshToken, token.KindRefresh)
	if err != nil {
		metrics.TokenVerifications.WithLabelValues(string(token.KindRefresh), "invalid").Inc()
		return fail("invalid_token", ErrTokenInvalid)
	}
	metrics.TokenVerifications.WithLabelValues(string(token.KindRefresh), "valid").Inc()

	var user models.User
	err = s.db.WithContext(ctx).Preload("Roles.Permissions").Take(&user, "external_id = ?", claims.Subject).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fail("unknown_subject", ErrTokenInvalid)
	}
	if err != nil {
		return fail("store_error", storeErr("load user", err))
	}
	event.UserID = user.ID

	if !user.IsActive {
		return fail("account_inactive", ErrAccountInactive)
	}
	now := s.now()
	if user.IsLocked && (user.LockedUntil == nil || user.LockedUntil.After(now)) {
		return fail("account_locked", lockedError(user.LockedUntil, now))
	}

	current, err := s.sessions.Get(ctx, claims.SessionID)
	if err != nil {
		return fail("session", s.sessionError("load session", err))
	}
	if current.UserID != user.ID {
		return fail("subject_mismatch", ErrTokenInvalid)
	}

	access, err := s.tokens.IssueAccess(subjectFor(&user), current.ID, current.ExpiresAt)
	if err != nil {
		if errors.Is(err, token.ErrCeilingPassed) {
			return fail("session_expired", ErrTokenExpired)
		}
		return fail("issue_error", storeErr("issue access token", err))
	}

	record, err := s.sessions.RotateAccess(ctx, current.ID, refreshToken, access.Token, access.ExpiresAt)
	if err != nil {
		return fail("session", s.sessionError("rotate access token", err))
	}

	event.Status = audit.StatusSuccess
	event.Details = details("session_id", record.ID)
	s.emit(ctx, event)

	return &Result{
		User:                  &user,
		Session:               record,
		AccessToken:           access.Token,
		RefreshToken:          refreshToken,
		TokenType:             tokenTypeBearer,
		AccessTokenExpiresAt:  access.ExpiresAt,
		RefreshTokenExpiresAt: record.RefreshTokenExpiresAt,
		ExpiresIn:             expiresIn(access.ExpiresAt, s.now()),
		MustChangePassword:    user.MustChangePassword,
	}, nil
}

// Logout invalidates one session. Logging out an already closed session succeeds.
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	event := audit.Event{Type: audit.EventLogout}

	var owner models.Session
	if sessionID != "" {
		if err := s.db.WithContext(ctx).Select("id", "user_id").Take(&owner, "id = ?", sessionID).Error; err == nil {
			event.UserID = owner.UserID
		}
	}

	if err := s.sessions.Invalidate(ctx, sessionID, session.ReasonLogout); err != nil {
		mapped := s.sessionError("invalidate session", err)
		event.Status = audit.StatusFailure
		event.Details = details("reason", reasonFor(mapped))
		s.emit(ctx, event)
		return mapped
	}

	event.Status = audit.StatusSuccess
	event.Details = details("session_id", sessionID)
	s.emit(ctx, event)
	return nil
}

// LogoutAll invalidates every session of userID except keepSessionID and returns the
// closed identifiers.
func (s *Service) LogoutAll(ctx context.Context, userID, keepSessionID string) ([]string, error) {
	ids, err := s.sessions.InvalidateUser(ctx, userID, keepSessionID, session.ReasonLogout)
	event := audit.Event{UserID: userID, Type: audit.EventLogout}
	if err != nil {
		event.Status = audit.StatusFailure
		event.Details = details("reason", "store_error", "scope", "all")
		s.emit(ctx, event)
		return nil, storeErr("invalidate user sessions", err)
	}
	event.Status = audit.StatusSuccess
	event.Details = details("scope", "all", "sessions", len(ids))
	s.emit(ctx, event)
	return ids, nil
}

func (s *Service) sessionError(op string, err error) error {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return ErrSessionNotFound
	case errors.Is(err, session.ErrExpired):
		return ErrTokenExpired
	case errors.Is(err, session.ErrTokenMismatch), errors.Is(err, session.ErrInvalidExpiry):
		return ErrTokenInvalid
	default:
		return storeErr(op, err)
	}
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, ErrTokenExpired):
		return "session_expired"
	case errors.Is(err, ErrTokenInvalid):
		return "invalid_token"
	default:
		return "store_error"
	}
}
