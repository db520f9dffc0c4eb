package bootstrap

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"log/slog"

	"github.com/airhq/air-workers/internal/core"
	"github.com/airhq/air-workers/internal/data/cryptoutil"
)

// CreateTokenCipher creates an AES-GCM cipher from the provided key.
// The key may be base64 or hex encoding a 32-byte key; any other string is
// hashed with SHA-256 to derive one. An empty key falls back to the plaintext
// cipher, which is only acceptable in development.
//
//nolint:ireturn // Returning interface is intentional for cipher abstraction
func CreateTokenCipher(key string, isDev bool, logger *slog.Logger) (core.TokenCipher, error) {
	if key == "" {
		if !isDev {
			return nil, errors.New("token encryption key is required outside development")
		}
		if logger != nil {
			logger.Warn("token encryption key is empty, storing tokens unencrypted (dev only)")
		}
		return cryptoutil.PlainCipher{}, nil
	}

	return createAESGCMCipher(key)
}

func createAESGCMCipher(key string) (*cryptoutil.AESGCMCipher, error) {
	var keyBytes []byte
	switch {
	case isDecodedKey(base64.StdEncoding.DecodeString(key)):
		keyBytes, _ = base64.StdEncoding.DecodeString(key)
	case isDecodedKey(hex.DecodeString(key)):
		keyBytes, _ = hex.DecodeString(key)
	default:
		// Otherwise, hash the key to get a 32-byte key
		hash := sha256.Sum256([]byte(key))
		keyBytes = hash[:]
	}

	return cryptoutil.NewAESGCMCipher(keyBytes)
}

func isDecodedKey(decoded []byte, err error) bool {
	return err == nil && len(decoded) == 32
}
