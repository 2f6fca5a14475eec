// Package crypto provides the client-side encryption capability used for
// sensitive entity types. The sync queue and worker treat encrypted payloads
// as opaque bytes; only the owning repository encrypts and decrypts.
package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

// Cipher encrypts and decrypts entity payloads.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// ErrCiphertextTooShort is returned when a ciphertext is missing its nonce.
var ErrCiphertextTooShort = errors.New("ciphertext too short")

// AEADCipher is a Cipher backed by XChaCha20-Poly1305. The nonce is random
// per message and prepended to the ciphertext.
type AEADCipher struct {
	key []byte
}

var _ Cipher = (*AEADCipher)(nil)

// NewAEADCipher creates a cipher from a raw 32-byte key.
func NewAEADCipher(key []byte) (*AEADCipher, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &AEADCipher{key: k}, nil
}

// NewAEADCipherFromPassphrase derives a key from a passphrase and salt using
// scrypt, then constructs the cipher. Key derivation parameters follow the
// interactive-login recommendation (N=32768, r=8, p=1).
func NewAEADCipherFromPassphrase(passphrase string, salt []byte) (*AEADCipher, error) {
	if len(salt) < 8 {
		return nil, fmt.Errorf("salt must be at least 8 bytes, got %d", len(salt))
	}
	key, err := scrypt.Key([]byte(passphrase), salt, 1<<15, 8, 1, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return &AEADCipher{key: key}, nil
}

func (c *AEADCipher) Encrypt(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *AEADCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < aead.NonceSize() {
		return nil, ErrCiphertextTooShort
	}

	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plaintext, nil
}
