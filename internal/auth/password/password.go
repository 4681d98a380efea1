// Package password hashes, verifies and scores account passwords.
package password

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"

	"github.com/charlesng35/authcore/pkg/crypto"
)

const (
	argon2Prefix    = "$argon2id$"
	maxArgon2Memory = 4 * 1024 * 1024
)

var (
	// ErrMalformedHash is returned when a stored hash cannot be parsed.
	ErrMalformedHash = errors.New("password: malformed hash")
	// ErrUnsupportedHash is returned for hash formats no scheme recognises.
	ErrUnsupportedHash = errors.New("password: unsupported hash format")
)

// Option customises a Manager.
type Option func(*Manager)

// WithArgon2Params overrides the cost parameters used for new hashes.
func WithArgon2Params(params crypto.Argon2Params) Option {
	return func(m *Manager) {
		m.params = params
	}
}

// Manager hashes new passwords with Argon2id and verifies Argon2id, bcrypt and
// pbkdf2-sha256 hashes. It holds no mutable state.
type Manager struct {
	policy Policy
	params crypto.Argon2Params
}

// NewManager constructs a Manager enforcing policy.
func NewManager(policy Policy, opts ...Option) (*Manager, error) {
	m := &Manager{
		policy: policy.withDefaults(),
		params: crypto.DefaultArgon2(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.params.Validate(); err != nil {
		return nil, fmt.Errorf("password: %w", err)
	}
	return m, nil
}

// Policy returns the effective strength policy.
func (m *Manager) Policy() Policy {
	return m.policy
}

// Hash returns an Argon2id hash in PHC string format.
func (m *Manager) Hash(password string) (string, error) {
	salt := make([]byte, m.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("password: generate salt: %w", err)
	}

	key, err := crypto.Argon2id([]byte(password), salt, m.params)
	if err != nil {
		return "", fmt.Errorf("password: derive key: %w", err)
	}

	return fmt.Sprintf("%sv=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2Prefix,
		argon2.Version,
		m.params.Memory,
		m.params.Time,
		m.params.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether password matches hash. Argon2id is tried first, then the legacy
// schemes recognised by prefix. Unknown or malformed hashes never verify.
func (m *Manager) Verify(password, hash string) bool {
	ok, err := verify(password, hash)
	return err == nil && ok
}

// NeedsRehash reports whether hash was produced by a legacy scheme or with weaker
// parameters than the current ones.
func (m *Manager) NeedsRehash(hash string) bool {
	if !strings.HasPrefix(hash, argon2Prefix) {
		return true
	}
	params, _, _, err := parseArgon2(hash)
	if err != nil {
		return true
	}
	return params.Memory < m.params.Memory || params.Time < m.params.Time || params.KeyLength < m.params.KeyLength
}

// CheckHistory returns true when candidate matches none of the most recent
// policy.HistoryCount hashes in history (oldest first).
func (m *Manager) CheckHistory(candidate string, history []string) bool {
	if len(history) == 0 || m.policy.HistoryCount <= 0 {
		return true
	}
	recent := history
	if len(recent) > m.policy.HistoryCount {
		recent = recent[len(recent)-m.policy.HistoryCount:]
	}
	for _, old := range recent {
		if m.Verify(candidate, old) {
			return false
		}
	}
	return true
}

func verify(password, hash string) (bool, error) {
	switch {
	case strings.HasPrefix(hash, argon2Prefix):
		return verifyArgon2(password, hash)
	case strings.HasPrefix(hash, "$2a$"), strings.HasPrefix(hash, "$2b$"), strings.HasPrefix(hash, "$2y$"):
		err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		return err == nil, err
	case strings.HasPrefix(hash, "$pbkdf2-sha256$"):
		return verifyPBKDF2(password, hash)
	default:
		return false, ErrUnsupportedHash
	}
}

func verifyArgon2(password, hash string) (bool, error) {
	params, salt, expected, err := parseArgon2(hash)
	if err != nil {
		return false, err
	}
	actual := argon2.IDKey([]byte(password), salt, params.Time, params.Memory, params.Threads, params.KeyLength)
	return subtle.ConstantTimeCompare(actual, expected) == 1, nil
}

// parseArgon2 splits "$argon2id$v=19$m=65536,t=2,p=1$<salt>$<key>".
func parseArgon2(hash string) (crypto.Argon2Params, []byte, []byte, error) {
	var params crypto.Argon2Params

	parts := strings.Split(hash, "$")
	if len(parts) != 6 {
		return params, nil, nil, ErrMalformedHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return params, nil, nil, ErrMalformedHash
	}

	var threads uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &params.Memory, &params.Time, &threads); err != nil {
		return params, nil, nil, ErrMalformedHash
	}
	if threads == 0 || threads > 255 || params.Time == 0 || params.Memory > maxArgon2Memory {
		return params, nil, nil, ErrMalformedHash
	}
	params.Threads = uint8(threads)

	salt, err := base64.RawStdEncoding.Strict().DecodeString(parts[4])
	if err != nil {
		return params, nil, nil, ErrMalformedHash
	}
	key, err := base64.RawStdEncoding.Strict().DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return params, nil, nil, ErrMalformedHash
	}
	params.SaltLength = uint32(len(salt))
	params.KeyLength = uint32(len(key))

	return params, salt, key, nil
}

// verifyPBKDF2 checks passlib-style "$pbkdf2-sha256$<rounds>$<salt>$<checksum>" hashes,
// where salt and checksum use the adapted base64 alphabet ('.' instead of '+', no padding).
func verifyPBKDF2(password, hash string) (bool, error) {
	parts := strings.Split(hash, "$")
	if len(parts) != 5 {
		return false, ErrMalformedHash
	}

	rounds, err := strconv.Atoi(parts[2])
	if err != nil || rounds <= 0 {
		return false, ErrMalformedHash
	}
	salt, err := decodeAdaptedBase64(parts[3])
	if err != nil {
		return false, ErrMalformedHash
	}
	expected, err := decodeAdaptedBase64(parts[4])
	if err != nil || len(expected) == 0 {
		return false, ErrMalformedHash
	}

	actual := pbkdf2.Key([]byte(password), salt, rounds, len(expected), sha256.New)
	return subtle.ConstantTimeCompare(actual, expected) == 1, nil
}

func decodeAdaptedBase64(value string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(strings.ReplaceAll(value, ".", "+"))
}
