// Package crypto holds the primitives the auth service builds on: sealing secrets at
// rest, random bearer tokens with their digests, and key derivation.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const sealVersion = "v1:"

// ErrSealed is returned when sealed data cannot be opened: wrong key, tampering or a
// format this package did not produce.
var ErrSealed = errors.New("crypto: cannot open sealed value")

// Sealer encrypts small secrets with AES-GCM under a fixed key. It is safe for
// concurrent use.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer builds a Sealer. key must be 16, 24 or 32 bytes.
func NewSealer(key []byte) (*Sealer, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("crypto: seal key must be 16, 24 or 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext and returns "v1:" followed by base64 of nonce and ciphertext.
// label is bound as associated data and must be passed unchanged to Open.
func (s *Sealer) Seal(plaintext []byte, label string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("crypto: nonce: %w", err)
	}
	out := s.aead.Seal(nonce, nonce, plaintext, []byte(label))
	return sealVersion + base64.RawStdEncoding.EncodeToString(out), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed, label string) ([]byte, error) {
	encoded, ok := strings.CutPrefix(sealed, sealVersion)
	if !ok {
		return nil, ErrSealed
	}
	data, err := base64.RawStdEncoding.DecodeString(encoded)
	if err != nil || len(data) < s.aead.NonceSize() {
		return nil, ErrSealed
	}
	nonce, body := data[:s.aead.NonceSize()], data[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, body, []byte(label))
	if err != nil {
		return nil, ErrSealed
	}
	return plaintext, nil
}
