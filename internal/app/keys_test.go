package app

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeKeyHex(t *testing.T) {
	hexKey := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	decoded, err := DecodeKey(hexKey)
	require.NoError(t, err)

	expected, _ := hex.DecodeString(hexKey)
	require.Equal(t, expected, decoded)
}

func TestDecodeKeyBase64(t *testing.T) {
	rawKey := make([]byte, 32)
	for i := range rawKey {
		rawKey[i] = byte(i)
	}

	decoded, err := DecodeKey(base64.StdEncoding.EncodeToString(rawKey))
	require.NoError(t, err)
	require.Equal(t, rawKey, decoded)
}

func TestDecodeKeyRawBytes(t *testing.T) {
	rawKey := "this-is-a-raw-key!!!"
	decoded, err := DecodeKey(rawKey)
	require.NoError(t, err)
	require.Equal(t, rawKey, string(decoded))
}

func TestDecodeKeyEmpty(t *testing.T) {
	_, err := DecodeKey("  ")
	require.Error(t, err)
}

func TestVaultKeyLength(t *testing.T) {
	key, err := VaultKey("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	require.Len(t, key, 32)

	_, err = VaultKey("abcd")
	require.Error(t, err)

	_, err = VaultKey("")
	require.Error(t, err)
}

func writeKeyPair(t *testing.T, dir string) (*rsa.PrivateKey, string, string) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	privatePath := filepath.Join(dir, "private.pem")
	privatePEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	require.NoError(t, os.WriteFile(privatePath, privatePEM, 0o600))

	publicDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	publicPath := filepath.Join(dir, "public.pem")
	require.NoError(t, os.WriteFile(publicPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER}), 0o644))

	return key, privatePath, publicPath
}

func TestLoadKeySet(t *testing.T) {
	dir := t.TempDir()
	key, privatePath, publicPath := writeKeyPair(t, dir)

	keys, err := LoadKeySet(privatePath, publicPath)
	require.NoError(t, err)
	require.True(t, key.Equal(keys.Private))
	require.True(t, key.PublicKey.Equal(keys.Public))

	verifyOnly, err := LoadKeySet(filepath.Join(dir, "missing.pem"), publicPath)
	require.NoError(t, err)
	require.Nil(t, verifyOnly.Private)
	require.NotNil(t, verifyOnly.Public)

	derived, err := LoadKeySet(privatePath, "")
	require.NoError(t, err)
	require.True(t, key.PublicKey.Equal(derived.Public))
}

func TestLoadKeySetRejectsMismatchAndMissing(t *testing.T) {
	_, privatePath, _ := writeKeyPair(t, t.TempDir())
	_, _, otherPublic := writeKeyPair(t, t.TempDir())

	_, err := LoadKeySet(privatePath, otherPublic)
	require.Error(t, err)

	_, err = LoadKeySet(filepath.Join(t.TempDir(), "a.pem"), filepath.Join(t.TempDir(), "b.pem"))
	require.Error(t, err)

	garbage := filepath.Join(t.TempDir(), "garbage.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not a key"), 0o600))
	_, err = LoadKeySet(garbage, "")
	require.Error(t, err)
}
