package app

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// KeySet holds the RSA key material used to sign and verify tokens. Private is nil for
// verify-only deployments.
type KeySet struct {
	Private *rsa.PrivateKey
	Public  *rsa.PublicKey
}

// LoadKeySet reads PEM encoded keys from disk. The public key is derived from the private
// key when only the latter is present.
func LoadKeySet(privatePath, publicPath string) (*KeySet, error) {
	privatePath = strings.TrimSpace(privatePath)
	publicPath = strings.TrimSpace(publicPath)

	keys := &KeySet{}
	if privatePath != "" {
		raw, err := os.ReadFile(privatePath)
		switch {
		case err == nil:
			key, err := jwt.ParseRSAPrivateKeyFromPEM(raw)
			if err != nil {
				return nil, fmt.Errorf("keys: parse private key: %w", err)
			}
			keys.Private = key
			keys.Public = &key.PublicKey
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("keys: read private key: %w", err)
		}
	}

	if publicPath != "" {
		raw, err := os.ReadFile(publicPath)
		switch {
		case err == nil:
			key, err := jwt.ParseRSAPublicKeyFromPEM(raw)
			if err != nil {
				return nil, fmt.Errorf("keys: parse public key: %w", err)
			}
			if keys.Private != nil && !keys.Private.PublicKey.Equal(key) {
				return nil, errors.New("keys: public key does not match private key")
			}
			keys.Public = key
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("keys: read public key: %w", err)
		}
	}

	if keys.Public == nil {
		return nil, errors.New("keys: no signing or verification key found")
	}
	return keys, nil
}

// VaultKey decodes the at-rest encryption key and checks it is a valid AES key size.
func VaultKey(value string) ([]byte, error) {
	key, err := DecodeKey(value)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	switch len(key) {
	case 16, 24, 32:
		return key, nil
	default:
		return nil, fmt.Errorf("vault: encryption key must be 16, 24 or 32 bytes, got %d", len(key))
	}
}

// DecodeKey decodes a key from hex or base64 encoding to raw bytes.
// It tries hex first, then base64 variants.
// If all decoding attempts fail, it treats the input as raw bytes.
func DecodeKey(value string) ([]byte, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil, fmt.Errorf("key value is empty")
	}

	if len(v)%2 == 0 {
		if decoded, err := hex.DecodeString(v); err == nil {
			return decoded, nil
		}
	}

	// Support both standard and raw base64 encodings
	if decoded, err := base64.StdEncoding.DecodeString(v); err == nil {
		return decoded, nil
	}
	if decoded, err := base64.RawStdEncoding.DecodeString(v); err == nil {
		return decoded, nil
	}

	return []byte(v), nil
}
