// Package vault encrypts provider access tokens at rest. The key lives only in
// process configuration; ciphertexts carry a version prefix and the nonce.
package vault

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"bank-link/src/util"

	"golang.org/x/crypto/chacha20poly1305"
)

const versionPrefix = "v1."

var (
	ErrInvalidKey = errors.New("vault key must decode to 32 bytes")
	// ErrKeyMissing means the process has no key. Stored ciphertexts are not
	// at fault.
	ErrKeyMissing = errors.New("encryption key not configured")
)

type Vault struct {
	key []byte
}

// New accepts a base64 or hex encoded 32-byte key. An empty key yields a vault
// whose every operation fails, so a misconfigured process never stores
// plaintext tokens.
func New(encodedKey string) (*Vault, error) {
	encodedKey = strings.TrimSpace(encodedKey)
	if encodedKey == "" {
		return &Vault{}, nil
	}
	key, err := decodeKey(encodedKey)
	if err != nil {
		return nil, err
	}
	return &Vault{key: key}, nil
}

func decodeKey(s string) ([]byte, error) {
	if b, err := hex.DecodeString(s); err == nil && len(b) == chacha20poly1305.KeySize {
		return b, nil
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(s); err == nil && len(b) == chacha20poly1305.KeySize {
			return b, nil
		}
	}
	return nil, ErrInvalidKey
}

func (v *Vault) Configured() bool {
	return len(v.key) == chacha20poly1305.KeySize
}

func (v *Vault) Encrypt(plainToken string) (string, error) {
	if !v.Configured() {
		return "", util.EncryptionError(ErrKeyMissing, "encryption key not configured")
	}
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", util.EncryptionError(err, "failed to init cipher")
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plainToken)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", util.EncryptionError(err, "failed to generate nonce")
	}
	sealed := aead.Seal(nonce, nonce, []byte(plainToken), []byte(versionPrefix))
	return versionPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (v *Vault) Decrypt(ciphertext string) (string, error) {
	if !v.Configured() {
		return "", util.EncryptionError(ErrKeyMissing, "encryption key not configured")
	}
	encoded, ok := strings.CutPrefix(ciphertext, versionPrefix)
	if !ok {
		return "", util.EncryptionError(nil, "unsupported ciphertext version")
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", util.EncryptionError(err, "malformed ciphertext")
	}
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", util.EncryptionError(err, "failed to init cipher")
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", util.EncryptionError(nil, "ciphertext too short")
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, []byte(versionPrefix))
	if err != nil {
		return "", util.EncryptionError(fmt.Errorf("open: %w", err), "ciphertext authentication failed")
	}
	return string(plain), nil
}
