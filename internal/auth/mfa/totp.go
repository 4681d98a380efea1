// Package mfa generates and verifies time-based one-time codes and backup codes.
package mfa

import (
	cryptoRand "crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/skip2/go-qrcode"

	"github.com/charlesng35/authcore/pkg/crypto"
)

const (
	defaultIssuer          = "AuthCore"
	defaultBackupCodeCount = 10
	defaultQRCodeSize      = 256
	defaultWindow          = 1
	secretSize             = 20
	period                 = 30
	sealLabel              = "authcore/mfa-secret"
)

var secretEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Option allows customising the MFA manager.
type Option func(*Manager)

// WithIssuer overrides the default issuer string encoded in provisioning URIs.
func WithIssuer(issuer string) Option {
	return func(m *Manager) {
		if strings.TrimSpace(issuer) != "" {
			m.issuer = issuer
		}
	}
}

// WithBackupCodeCount overrides the number of backup codes generated for users.
func WithBackupCodeCount(count int) Option {
	return func(m *Manager) {
		if count > 0 {
			m.backupCodes = count
		}
	}
}

// WithQRCodeSize controls the pixel size of generated QR codes.
func WithQRCodeSize(size int) Option {
	return func(m *Manager) {
		if size > 0 {
			m.qrCodeSize = size
		}
	}
}

// WithClock injects a custom clock, primarily for testing.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.now = clock
		}
	}
}

// Manager generates TOTP secrets and verifies codes. Secrets are sealed with AES-GCM
// before they are persisted and backup codes are stored as bcrypt hashes.
type Manager struct {
	sealer *crypto.Sealer

	issuer      string
	backupCodes int
	qrCodeSize  int
	now         func() time.Time
}

// NewManager constructs an MFA manager. encryptionKey seals secrets at rest.
func NewManager(encryptionKey []byte, opts ...Option) (*Manager, error) {
	sealer, err := crypto.NewSealer(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("mfa: %w", err)
	}

	m := &Manager{
		sealer:      sealer,
		issuer:      defaultIssuer,
		backupCodes: defaultBackupCodeCount,
		qrCodeSize:  defaultQRCodeSize,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Issuer returns the label shown by authenticator apps.
func (m *Manager) Issuer() string {
	return m.issuer
}

// GenerateSecret returns a random 160-bit secret in unpadded base32.
func (m *Manager) GenerateSecret() (string, error) {
	buf := make([]byte, secretSize)
	if _, err := cryptoRand.Read(buf); err != nil {
		return "", fmt.Errorf("mfa: generate secret: %w", err)
	}
	return secretEncoding.EncodeToString(buf), nil
}

// ProvisioningURI builds the otpauth:// URI for enrolment. An empty issuer falls back to
// the configured one.
func (m *Manager) ProvisioningURI(secret, accountLabel, issuer string) (string, error) {
	key, err := m.key(secret, accountLabel, issuer)
	if err != nil {
		return "", err
	}
	return key.URL(), nil
}

// QRCode renders uri as a PNG image.
func (m *Manager) QRCode(uri string) ([]byte, error) {
	if strings.TrimSpace(uri) == "" {
		return nil, errors.New("mfa: uri is required")
	}
	return qrcode.Encode(uri, qrcode.Medium, m.qrCodeSize)
}

// Verify checks code against secret, accepting the current and adjacent time steps.
func (m *Manager) Verify(secret, code string) bool {
	return m.VerifyWithWindow(secret, code, defaultWindow)
}

// VerifyWithWindow checks code allowing window steps of skew either side of now.
func (m *Manager) VerifyWithWindow(secret, code string, window int) bool {
	code = strings.TrimSpace(code)
	if code == "" || secret == "" || window < 0 {
		return false
	}
	valid, err := totp.ValidateCustom(code, secret, m.now().UTC(), totp.ValidateOpts{
		Period:    period,
		Skew:      uint(window),
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && valid
}

// GenerateBackupCodes returns count (or the configured default when count <= 0) codes
// formatted as "1234-5678".
func (m *Manager) GenerateBackupCodes(count int) ([]string, error) {
	if count <= 0 {
		count = m.backupCodes
	}
	codes := make([]string, count)
	for i := range codes {
		code, err := generateBackupCode()
		if err != nil {
			return nil, fmt.Errorf("mfa: generate backup code: %w", err)
		}
		codes[i] = code
	}
	return codes, nil
}

// SealSecret encrypts a secret for storage.
func (m *Manager) SealSecret(secret string) (string, error) {
	sealed, err := m.sealer.Seal([]byte(secret), sealLabel)
	if err != nil {
		return "", fmt.Errorf("mfa: encrypt secret: %w", err)
	}
	return sealed, nil
}

// OpenSecret decrypts a stored secret.
func (m *Manager) OpenSecret(sealed string) (string, error) {
	raw, err := m.sealer.Open(sealed, sealLabel)
	if err != nil {
		return "", fmt.Errorf("mfa: decrypt secret: %w", err)
	}
	return string(raw), nil
}

// HashBackupCodes hashes codes for storage.
func (m *Manager) HashBackupCodes(codes []string) ([]string, error) {
	hashed := make([]string, len(codes))
	for i, code := range codes {
		hash, err := crypto.HashCode(normaliseBackupCode(code))
		if err != nil {
			return nil, fmt.Errorf("mfa: hash backup code: %w", err)
		}
		hashed[i] = hash
	}
	return hashed, nil
}

// ConsumeBackupCode looks for code among hashes. When found it returns the remaining
// hashes with the match removed so the caller can persist them.
func (m *Manager) ConsumeBackupCode(hashes []string, code string) ([]string, bool) {
	code = normaliseBackupCode(code)
	if code == "" {
		return hashes, false
	}
	for i, stored := range hashes {
		if crypto.MatchCode(stored, code) {
			remaining := make([]string, 0, len(hashes)-1)
			remaining = append(remaining, hashes[:i]...)
			remaining = append(remaining, hashes[i+1:]...)
			return remaining, true
		}
	}
	return hashes, false
}

// LooksLikeBackupCode reports whether code has the backup code shape rather than a
// six digit TOTP code.
func LooksLikeBackupCode(code string) bool {
	return len(normaliseBackupCode(code)) == 9
}

func (m *Manager) key(secret, accountLabel, issuer string) (*otp.Key, error) {
	accountLabel = strings.TrimSpace(accountLabel)
	if accountLabel == "" {
		return nil, errors.New("mfa: account label is required")
	}
	raw, err := secretEncoding.DecodeString(strings.ToUpper(strings.TrimRight(secret, "=")))
	if err != nil || len(raw) == 0 {
		return nil, errors.New("mfa: secret must be base32 encoded")
	}
	if strings.TrimSpace(issuer) == "" {
		issuer = m.issuer
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: accountLabel,
		Period:      period,
		SecretSize:  uint(len(raw)),
		Secret:      raw,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("mfa: build key: %w", err)
	}
	return key, nil
}

func generateBackupCode() (string, error) {
	var b strings.Builder
	for i := 0; i < 8; i++ {
		if i == 4 {
			b.WriteByte('-')
		}
		n, err := cryptoRand.Int(cryptoRand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}

func normaliseBackupCode(code string) string {
	code = strings.ReplaceAll(strings.TrimSpace(code), " ", "")
	if len(code) == 8 && !strings.Contains(code, "-") {
		code = code[:4] + "-" + code[4:]
	}
	return code
}
