package crypto

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"golang.org/x/crypto/argon2"
)

// Argon2Params are the Argon2id cost factors. Memory is in KiB.
type Argon2Params struct {
	Time       uint32
	Memory     uint32
	Threads    uint8
	SaltLength uint32
	KeyLength  uint32
}

// DefaultArgon2 is the cost used for new password hashes: 64 MiB, two passes.
func DefaultArgon2() Argon2Params {
	return Argon2Params{
		Time:       2,
		Memory:     64 * 1024,
		Threads:    1,
		SaltLength: 16,
		KeyLength:  32,
	}
}

// Validate reports every parameter that is out of range.
func (p Argon2Params) Validate() error {
	var err error
	if p.Time == 0 {
		err = multierr.Append(err, errors.New("argon2: time must be at least 1"))
	}
	if p.Threads == 0 {
		err = multierr.Append(err, errors.New("argon2: threads must be at least 1"))
	}
	if p.Memory < 8*uint32(p.Threads) {
		err = multierr.Append(err, fmt.Errorf("argon2: memory %d KiB is below 8 KiB per thread", p.Memory))
	}
	if p.SaltLength < 16 {
		err = multierr.Append(err, fmt.Errorf("argon2: salt length %d is below 16", p.SaltLength))
	}
	if p.KeyLength < 16 || p.KeyLength > 64 {
		err = multierr.Append(err, fmt.Errorf("argon2: key length %d is outside 16..64", p.KeyLength))
	}
	return err
}

// Argon2id derives a key from secret and salt.
func Argon2id(secret, salt []byte, p Argon2Params) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("argon2: empty secret")
	}
	if uint32(len(salt)) < p.SaltLength || len(salt) < 16 {
		return nil, fmt.Errorf("argon2: salt of %d bytes is too short", len(salt))
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return argon2.IDKey(secret, salt, p.Time, p.Memory, p.Threads, p.KeyLength), nil
}
