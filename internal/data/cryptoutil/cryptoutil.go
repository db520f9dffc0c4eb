// Package cryptoutil provides encryption for OAuth tokens stored at rest.
package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// AESGCMCipher encrypts tokens using AES-256-GCM.
type AESGCMCipher struct {
	key []byte // 32 bytes
}

const (
	// Versioned prefix to allow future key/algorithm rotations without data migrations.
	tokenCipherPrefixV1 = "v1:"
	plainPrefix         = "plain:"
)

// ErrCiphertextMalformed is returned when stored ciphertext cannot be parsed.
var ErrCiphertextMalformed = errors.New("malformed token ciphertext")

// NewAESGCMCipher constructs a new AESGCMCipher. Key must be 32 bytes (AES-256).
func NewAESGCMCipher(key []byte) (*AESGCMCipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("aes-gcm key must be 32 bytes, got %d", len(key))
	}
	return &AESGCMCipher{key: append([]byte(nil), key...)}, nil
}

// Encrypt encrypts plaintext with a random nonce and returns a versioned base64 string.
func (c *AESGCMCipher) Encrypt(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, readErr := io.ReadFull(rand.Reader, nonce); readErr != nil {
		return "", readErr
	}
	ct := gcm.Seal(nil, nonce, plaintext, nil)
	// Stored layout is nonce||ciphertext.
	buf := make([]byte, 0, len(nonce)+len(ct))
	buf = append(buf, nonce...)
	buf = append(buf, ct...)
	return tokenCipherPrefixV1 + base64.StdEncoding.EncodeToString(buf), nil
}

// Decrypt decrypts a versioned base64 string created by Encrypt.
// Tokens written before encryption was configured carry the plain prefix and
// are passed through so they survive a key rollout.
func (c *AESGCMCipher) Decrypt(ciphertext string) ([]byte, error) {
	if strings.HasPrefix(ciphertext, plainPrefix) {
		decoded, err := base64.StdEncoding.DecodeString(ciphertext[len(plainPrefix):])
		if err != nil {
			return nil, fmt.Errorf("decode plain ciphertext: %w", err)
		}
		return decoded, nil
	}

	if !strings.HasPrefix(ciphertext, tokenCipherPrefixV1) {
		return nil, fmt.Errorf("%w: unknown prefix", ErrCiphertextMalformed)
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext[len(tokenCipherPrefixV1):])
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(raw) < gcm.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext shorter than nonce", ErrCiphertextMalformed)
	}

	nonce, ct := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt token: %w", err)
	}
	return plaintext, nil
}

// PlainCipher is a pass-through cipher for development environments without a
// configured encryption key. Values are base64-tagged so a later migration to
// real encryption can identify them.
type PlainCipher struct{}

// Encrypt tags and base64-encodes the plaintext without encrypting it.
func (PlainCipher) Encrypt(plaintext []byte) (string, error) {
	return plainPrefix + base64.StdEncoding.EncodeToString(plaintext), nil
}

// Decrypt reverses Encrypt.
func (PlainCipher) Decrypt(ciphertext string) ([]byte, error) {
	if !strings.HasPrefix(ciphertext, plainPrefix) {
		return nil, fmt.Errorf("%w: expected plain prefix", ErrCiphertextMalformed)
	}
	decoded, err := base64.StdEncoding.DecodeString(ciphertext[len(plainPrefix):])
	if err != nil {
		return nil, fmt.Errorf("decode plain ciphertext: %w", err)
	}
	return decoded, nil
}
