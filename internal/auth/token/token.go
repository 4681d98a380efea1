// Package token issues and verifies RS256 signed access and refresh tokens.
package token

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultAccessTokenTTL defines the fallback validity period for access tokens.
	DefaultAccessTokenTTL = 15 * time.Minute
	// DefaultRefreshTokenTTL defines the fallback validity period for refresh tokens.
	DefaultRefreshTokenTTL = 24 * time.Hour
)

// Kind distinguishes the two token classes.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

var (
	// ErrInvalid is the single result of every verification failure.
	ErrInvalid = errors.New("token: invalid")
	// ErrSigningUnavailable is returned when issuing without a private key.
	ErrSigningUnavailable = errors.New("token: signing key not configured")
	// ErrCeilingPassed is returned when the requested expiry ceiling is not in the future.
	ErrCeilingPassed = errors.New("token: expiry ceiling already passed")
)

// Config bundles the configuration required to build a Manager. PrivateKey may be nil for
// verify-only deployments.
type Config struct {
	PrivateKey      *rsa.PrivateKey
	PublicKey       *rsa.PublicKey
	Issuer          string
	Audience        string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	Clock           func() time.Time
	Logger          *zap.Logger
}

// Claims represents the claims embedded in issued tokens. Access tokens carry the
// identity fields; refresh tokens carry only subject, session and type.
type Claims struct {
	Username    string   `json:"username,omitempty"`
	Email       string   `json:"email,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	SessionID   string   `json:"session_id"`
	TokenType   Kind     `json:"token_type,omitempty"`
	jwt.RegisteredClaims
}

// Subject describes the identity an access token is minted for.
type Subject struct {
	ExternalID  string
	Username    string
	Email       string
	Roles       []string
	Permissions []string
}

// Issued is a signed token with its effective expiry.
type Issued struct {
	Token     string
	ID        string
	ExpiresAt time.Time
}

// Pair is an access/refresh bundle bound to one session.
type Pair struct {
	Access  Issued
	Refresh Issued
}

// Manager is responsible for issuing and validating tokens.
type Manager struct {
	private    *rsa.PrivateKey
	public     *rsa.PublicKey
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
	log        *zap.Logger
}

// NewManager constructs a Manager when provided with the required configuration.
func NewManager(cfg Config) (*Manager, error) {
	public := cfg.PublicKey
	if public == nil && cfg.PrivateKey != nil {
		public = &cfg.PrivateKey.PublicKey
	}
	if public == nil {
		return nil, errors.New("token: public key must be provided")
	}
	if strings.TrimSpace(cfg.Issuer) == "" || strings.TrimSpace(cfg.Audience) == "" {
		return nil, errors.New("token: issuer and audience must be provided")
	}

	accessTTL := cfg.AccessTokenTTL
	if accessTTL <= 0 {
		accessTTL = DefaultAccessTokenTTL
	}
	refreshTTL := cfg.RefreshTokenTTL
	if refreshTTL <= 0 {
		refreshTTL = DefaultRefreshTokenTTL
	}

	now := time.Now
	if cfg.Clock != nil {
		now = cfg.Clock
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &Manager{
		private:    cfg.PrivateKey,
		public:     public,
		issuer:     cfg.Issuer,
		audience:   cfg.Audience,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        now,
		log:        log,
	}, nil
}

// AccessTTL returns the configured access token lifetime.
func (m *Manager) AccessTTL() time.Duration {
	return m.accessTTL
}

// RefreshTTL returns the configured refresh token lifetime.
func (m *Manager) RefreshTTL() time.Duration {
	return m.refreshTTL
}

// IssueAccess signs an access token for subject bound to sessionID. A non-zero ceiling
// caps the expiry.
func (m *Manager) IssueAccess(subject Subject, sessionID string, ceiling time.Time) (Issued, error) {
	if subject.ExternalID == "" || sessionID == "" {
		return Issued{}, errors.New("token: subject and session id are required")
	}
	claims := &Claims{
		Username:    subject.Username,
		Email:       subject.Email,
		Roles:       cloneStrings(subject.Roles),
		Permissions: dedupe(subject.Permissions),
		SessionID:   sessionID,
		TokenType:   KindAccess,
	}
	return m.sign(claims, subject.ExternalID, m.accessTTL, ceiling)
}

// IssueRefresh signs a refresh token for subject bound to sessionID.
func (m *Manager) IssueRefresh(externalID, sessionID string, ceiling time.Time) (Issued, error) {
	if externalID == "" || sessionID == "" {
		return Issued{}, errors.New("token: subject and session id are required")
	}
	claims := &Claims{
		SessionID: sessionID,
		TokenType: KindRefresh,
	}
	return m.sign(claims, externalID, m.refreshTTL, ceiling)
}

// IssuePair mints both tokens for a new session.
func (m *Manager) IssuePair(subject Subject, sessionID string, ceiling time.Time) (Pair, error) {
	access, err := m.IssueAccess(subject, sessionID, ceiling)
	if err != nil {
		return Pair{}, err
	}
	refresh, err := m.IssueRefresh(subject.ExternalID, sessionID, ceiling)
	if err != nil {
		return Pair{}, err
	}
	return Pair{Access: access, Refresh: refresh}, nil
}

// Verify parses tokenString and checks signature, issuer, audience, time bounds and the
// type marker. Every failure yields ErrInvalid; the reason is only logged.
func (m *Manager) Verify(tokenString string, expected Kind) (*Claims, error) {
	claims, err := m.verify(tokenString, expected)
	if err != nil {
		m.log.Debug("token rejected", zap.String("expected", string(expected)), zap.Error(err))
		return nil, ErrInvalid
	}
	return claims, nil
}

func (m *Manager) verify(tokenString string, expected Kind) (*Claims, error) {
	if tokenString == "" {
		return nil, errors.New("empty token")
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithTimeFunc(m.now),
		jwt.WithIssuer(m.issuer),
		jwt.WithAudience(m.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)

	var claims Claims
	if _, err := parser.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (interface{}, error) {
		return m.public, nil
	}); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}

	if claims.Subject == "" || claims.SessionID == "" || claims.ID == "" {
		return nil, errors.New("missing required claims")
	}

	switch expected {
	case KindRefresh, KindAccess:
		if claims.TokenType != expected {
			return nil, fmt.Errorf("type %q is not a %s token", claims.TokenType, expected)
		}
	default:
		return nil, fmt.Errorf("unknown expected kind %q", expected)
	}

	return &claims, nil
}

func (m *Manager) sign(claims *Claims, subject string, ttl time.Duration, ceiling time.Time) (Issued, error) {
	if m.private == nil {
		return Issued{}, ErrSigningUnavailable
	}

	now := m.now()
	expiresAt := now.Add(ttl)
	if !ceiling.IsZero() {
		if !ceiling.After(now) {
			return Issued{}, ErrCeilingPassed
		}
		if ceiling.Before(expiresAt) {
			expiresAt = ceiling
		}
	}

	exp := jwt.NewNumericDate(expiresAt)
	id := uuid.NewString()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    m.issuer,
		Audience:  jwt.ClaimStrings{m.audience},
		ExpiresAt: exp,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ID:        id,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(m.private)
	if err != nil {
		return Issued{}, fmt.Errorf("token: sign: %w", err)
	}
	return Issued{Token: signed, ID: id, ExpiresAt: exp.Time}, nil
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
