package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// RandomToken returns n random bytes encoded as unpadded base64url.
func RandomToken(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("crypto: token length must be positive, got %d", n)
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("crypto: read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Digest returns the hex SHA-256 of value. Bearer tokens are stored only as digests.
func Digest(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// EqualDigest compares two digests in constant time.
func EqualDigest(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// HashCode bcrypt-hashes a short single-use secret such as an MFA backup code.
func HashCode(code string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("crypto: hash code: %w", err)
	}
	return string(hash), nil
}

// MatchCode reports whether code matches a hash from HashCode.
func MatchCode(hash, code string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)) == nil
}
