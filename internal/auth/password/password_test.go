package password

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"

	"github.com/charlesng35/authcore/pkg/crypto"
)

func newTestManager(t *testing.T, policy Policy) *Manager {
	t.Helper()

	m, err := NewManager(policy, WithArgon2Params(crypto.Argon2Params{
		Time:       1,
		Memory:     8 * 1024,
		Threads:    1,
		SaltLength: 16,
		KeyLength:  32,
	}))
	require.NoError(t, err)
	return m
}

func TestHashAndVerify(t *testing.T) {
	m := newTestManager(t, DefaultPolicy())

	for _, pw := range []string{"Correct-Horse-9!", "ünïcødé pässwörd", strings.Repeat("x", 200)} {
		hash, err := m.Hash(pw)
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(hash, "$argon2id$v=19$m=8192,t=1,p=1$"))
		require.True(t, m.Verify(pw, hash))
		require.False(t, m.Verify(pw+"x", hash))
		require.False(t, m.Verify("", hash))
	}
}

func TestHashIsSalted(t *testing.T) {
	m := newTestManager(t, DefaultPolicy())

	first, err := m.Hash("Same-Password-1!")
	require.NoError(t, err)
	second, err := m.Hash("Same-Password-1!")
	require.NoError(t, err)
	require.NotEqual(t, first, second)
	require.Equal(t, len(first), len(second))
}

func TestVerifyLegacyBcrypt(t *testing.T) {
	m := newTestManager(t, DefaultPolicy())

	legacy, err := bcrypt.GenerateFromPassword([]byte("legacy-secret"), bcrypt.MinCost)
	require.NoError(t, err)

	require.True(t, m.Verify("legacy-secret", string(legacy)))
	require.False(t, m.Verify("other-secret", string(legacy)))
	require.True(t, m.NeedsRehash(string(legacy)))
}

func TestVerifyLegacyPBKDF2(t *testing.T) {
	m := newTestManager(t, DefaultPolicy())

	salt := []byte("0123456789abcdef")
	sum := pbkdf2.Key([]byte("legacy-secret"), salt, 1000, 32, sha256.New)
	adapted := func(b []byte) string {
		return strings.ReplaceAll(base64.RawStdEncoding.EncodeToString(b), "+", ".")
	}
	hash := "$pbkdf2-sha256$1000$" + adapted(salt) + "$" + adapted(sum)

	require.True(t, m.Verify("legacy-secret", hash))
	require.False(t, m.Verify("legacy-secreT", hash))
}

func TestVerifyRejectsUnknownAndMalformed(t *testing.T) {
	m := newTestManager(t, DefaultPolicy())

	for _, hash := range []string{
		"",
		"plaintext",
		"$argon2id$v=19$m=8192,t=1,p=1$bad",
		"$argon2id$v=18$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$a2V5",
		"$pbkdf2-sha256$zero$salt$sum",
	} {
		require.False(t, m.Verify("anything", hash), hash)
	}
}

func TestNeedsRehash(t *testing.T) {
	m := newTestManager(t, DefaultPolicy())

	current, err := m.Hash("Rehash-Check-1!")
	require.NoError(t, err)
	require.False(t, m.NeedsRehash(current))

	stronger, err := NewManager(DefaultPolicy())
	require.NoError(t, err)
	require.True(t, stronger.NeedsRehash(current))
}

func TestCheckHistory(t *testing.T) {
	policy := DefaultPolicy()
	policy.HistoryCount = 2
	m := newTestManager(t, policy)

	hashes := make([]string, 0, 3)
	for _, pw := range []string{"Oldest-Pass-1!", "Middle-Pass-2!", "Newest-Pass-3!"} {
		hash, err := m.Hash(pw)
		require.NoError(t, err)
		hashes = append(hashes, hash)
	}

	require.True(t, m.CheckHistory("Oldest-Pass-1!", hashes), "outside history depth")
	require.False(t, m.CheckHistory("Middle-Pass-2!", hashes))
	require.False(t, m.CheckHistory("Newest-Pass-3!", hashes))
	require.True(t, m.CheckHistory("Brand-New-Pass-4!", hashes))
	require.True(t, m.CheckHistory("anything", nil))
}
