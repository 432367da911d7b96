// Package secrets encrypts sensitive template variable values at rest.
//
// Values are sealed with XChaCha20-Poly1305 under a key derived from the
// configured master key with HKDF-SHA256, and rendered as
// "enc:v1:{base64(nonce+ciphertext)}".
package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

// Prefix marks values produced by Codec.Encrypt.
const Prefix = "enc:v1:"

// MasterKeySize is the required length of a decoded master key.
const MasterKeySize = 32

const keyInfo = "stackpilot:secrets:v1"

// ErrNotEncrypted is returned by Decrypt for values without Prefix.
var ErrNotEncrypted = errors.New("secrets: not an encrypted value")

// Codec encrypts, decrypts and masks sensitive values.
type Codec struct {
	key []byte
}

var _ engine.SecretCodec = (*Codec)(nil)

// NewCodec derives the data key from a 32-byte master key.
func NewCodec(masterKey []byte) (*Codec, error) {
	if len(masterKey) != MasterKeySize {
		return nil, fmt.Errorf("secrets: master key must be %d bytes, got %d", MasterKeySize, len(masterKey))
	}
	reader := hkdf.New(sha256.New, masterKey, nil, []byte(keyInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("secrets: key derivation failed: %w", err)
	}
	return &Codec{key: key}, nil
}

// NewCodecFromBase64 decodes a standard base64 master key.
func NewCodecFromBase64(encoded string) (*Codec, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("secrets: decode master key: %w", err)
	}
	return NewCodec(raw)
}

// GenerateKey returns a random base64 master key.
func GenerateKey() (string, error) {
	raw := make([]byte, MasterKeySize)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("secrets: generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Encrypt seals plaintext with a fresh random nonce.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", fmt.Errorf("secrets: create cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secrets: generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return Prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt.
func (c *Codec) Decrypt(value string) (string, error) {
	if !IsEncrypted(value) {
		return "", ErrNotEncrypted
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, Prefix))
	if err != nil {
		return "", fmt.Errorf("secrets: base64 decode: %w", err)
	}

	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", fmt.Errorf("secrets: create cipher: %w", err)
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", fmt.Errorf("secrets: ciphertext too short")
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("secrets: decrypt: %w", err)
	}
	return string(plaintext), nil
}

// DecryptIfEncrypted returns value unchanged unless it carries Prefix.
func (c *Codec) DecryptIfEncrypted(value string) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}
	return c.Decrypt(value)
}

// Mask hides a value from API responses.
func (c *Codec) Mask(string) string {
	return engine.MaskedValue
}

// IsEncrypted reports whether value carries Prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, Prefix)
}
