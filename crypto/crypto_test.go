package crypto

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAEADCipher_RoundTrip(t *testing.T) {
	c, err := NewAEADCipherFromPassphrase("correct horse battery staple", []byte("salt-salt"))
	require.NoError(t, err)

	plaintext := []byte(`{"mood":4,"note":"slept well"}`)
	ciphertext, err := c.Encrypt(plaintext)
	require.NoError(t, err)

	assert.NotEqual(t, plaintext, ciphertext)
	assert.False(t, bytes.Contains(ciphertext, []byte("slept well")))

	decrypted, err := c.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestAEADCipher_NonceUniqueness(t *testing.T) {
	c, err := NewAEADCipherFromPassphrase("pass", []byte("12345678"))
	require.NoError(t, err)

	a, err := c.Encrypt([]byte("same message"))
	require.NoError(t, err)
	b, err := c.Encrypt([]byte("same message"))
	require.NoError(t, err)

	assert.NotEqual(t, a, b, "two encryptions of the same plaintext must differ")
}

func TestAEADCipher_TamperDetection(t *testing.T) {
	c, err := NewAEADCipherFromPassphrase("pass", []byte("12345678"))
	require.NoError(t, err)

	ciphertext, err := c.Encrypt([]byte("original"))
	require.NoError(t, err)

	ciphertext[len(ciphertext)-1] ^= 0x01
	_, err = c.Decrypt(ciphertext)
	assert.Error(t, err)
}

func TestAEADCipher_WrongKey(t *testing.T) {
	a, err := NewAEADCipherFromPassphrase("pass-a", []byte("12345678"))
	require.NoError(t, err)
	b, err := NewAEADCipherFromPassphrase("pass-b", []byte("12345678"))
	require.NoError(t, err)

	ciphertext, err := a.Encrypt([]byte("secret"))
	require.NoError(t, err)

	_, err = b.Decrypt(ciphertext)
	assert.Error(t, err)
}

func TestAEADCipher_ShortCiphertext(t *testing.T) {
	c, err := NewAEADCipherFromPassphrase("pass", []byte("12345678"))
	require.NoError(t, err)

	_, err = c.Decrypt([]byte("short"))
	assert.True(t, errors.Is(err, ErrCiphertextTooShort))
}

func TestNewAEADCipher_KeyValidation(t *testing.T) {
	_, err := NewAEADCipher(make([]byte, 16))
	assert.Error(t, err)

	_, err = NewAEADCipher(make([]byte, 32))
	assert.NoError(t, err)
}

func TestNewAEADCipherFromPassphrase_SaltValidation(t *testing.T) {
	_, err := NewAEADCipherFromPassphrase("pass", []byte("short"))
	assert.Error(t, err)
}
