package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func cheapArgon2() Argon2Params {
	p := DefaultArgon2()
	p.Memory = 8 * 1024
	p.Time = 1
	return p
}

func TestArgon2idIsDeterministicPerSalt(t *testing.T) {
	p := cheapArgon2()
	secret := []byte("correct horse battery staple")

	first, err := Argon2id(secret, bytes.Repeat([]byte{0xA5}, 16), p)
	require.NoError(t, err)
	again, err := Argon2id(secret, bytes.Repeat([]byte{0xA5}, 16), p)
	require.NoError(t, err)
	other, err := Argon2id(secret, bytes.Repeat([]byte{0x5A}, 16), p)
	require.NoError(t, err)

	require.Len(t, first, int(p.KeyLength))
	require.Equal(t, first, again)
	require.NotEqual(t, first, other)
}

func TestArgon2idRejectsBadInput(t *testing.T) {
	p := cheapArgon2()

	_, err := Argon2id(nil, bytes.Repeat([]byte{1}, 16), p)
	require.Error(t, err)

	_, err = Argon2id([]byte("secret"), []byte("short"), p)
	require.Error(t, err)

	p.Time = 0
	_, err = Argon2id([]byte("secret"), bytes.Repeat([]byte{1}, 16), p)
	require.Error(t, err)
}

func TestArgon2ParamsValidateListsEveryProblem(t *testing.T) {
	require.NoError(t, DefaultArgon2().Validate())

	err := Argon2Params{Memory: 4, Threads: 1, SaltLength: 8, KeyLength: 8}.Validate()
	require.Error(t, err)
	require.Len(t, multierr.Errors(err), 4)
	require.ErrorContains(t, err, "time")
	require.ErrorContains(t, err, "salt length 8")
}
