// Package codec seals cookie payloads at rest with AES-256-GCM.
package codec

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// NonceSize is the GCM nonce length in bytes.
	NonceSize = 12

	keyFiller         = '0'
	selfTestPlaintext = "测试数据Test Data 123!@#"
)

var (
	// ErrIntegrity indicates that a sealed blob failed authentication: it was
	// tampered with, truncated, or sealed under a different key.
	ErrIntegrity = errors.New("codec: integrity check failed")
	// ErrInvalidKey indicates that raw key material is not exactly KeySize bytes.
	ErrInvalidKey = errors.New("codec: invalid key length")
)

// DeriveKey stretches or truncates the configured secret to exactly KeySize bytes.
// Short secrets are right-padded with ASCII '0'; long secrets are cut at KeySize.
// This is not a key derivation function: there is no salt and no work factor.
// It is kept bit-for-bit so blobs written by earlier deployments stay readable.
func DeriveKey(secret string) []byte {
	raw := []byte(secret)
	if len(raw) >= KeySize {
		return append([]byte(nil), raw[:KeySize]...)
	}
	key := make([]byte, 0, KeySize)
	key = append(key, raw...)
	return append(key, bytes.Repeat([]byte{keyFiller}, KeySize-len(raw))...)
}

// Codec encrypts and decrypts opaque payloads. It is safe for concurrent use.
type Codec struct {
	aead   cipher.AEAD
	random io.Reader
}

// New builds a Codec from the configured secret string.
func New(secret string) (*Codec, error) {
	return NewWithKey(DeriveKey(secret))
}

// NewWithKey builds a Codec from raw 32-byte key material.
func NewWithKey(key []byte) (*Codec, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKey, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return &Codec{aead: aead, random: rand.Reader}, nil
}

// Encrypt seals plaintext under a fresh random nonce and returns
// base64(nonce || ciphertext || tag).
func (c *Codec) Encrypt(plaintext []byte) (string, error) {
	if c == nil || c.aead == nil {
		return "", errors.New("codec is not configured")
	}

	blob := make([]byte, NonceSize, NonceSize+len(plaintext)+c.aead.Overhead())
	if _, err := io.ReadFull(c.random, blob[:NonceSize]); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	blob = c.aead.Seal(blob, blob[:NonceSize], plaintext, nil)
	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt opens a blob produced by Encrypt. Every failure wraps ErrIntegrity;
// no partial plaintext is ever returned.
func (c *Codec) Decrypt(sealed string) ([]byte, error) {
	if c == nil || c.aead == nil {
		return nil, errors.New("codec is not configured")
	}

	blob, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrIntegrity, err)
	}
	if len(blob) < NonceSize+c.aead.Overhead() {
		return nil, fmt.Errorf("%w: blob too short", ErrIntegrity)
	}
	plaintext, err := c.aead.Open(nil, blob[:NonceSize], blob[NonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	return plaintext, nil
}

// SelfTest seals and reopens a fixed string. It is a liveness probe only.
func (c *Codec) SelfTest() bool {
	sealed, err := c.Encrypt([]byte(selfTestPlaintext))
	if err != nil {
		return false
	}
	opened, err := c.Decrypt(sealed)
	if err != nil {
		return false
	}
	return string(opened) == selfTestPlaintext
}
