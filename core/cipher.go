package core

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// NonceSize is the size of the random nonce prefixed to every envelope.
	NonceSize = 12
	tagSize   = 16
)

// ErrDecryption is returned for any envelope that cannot be opened.
// The cause is deliberately not distinguished.
var ErrDecryption = errors.New("unable to decrypt")

// CipherSuite selects the AEAD used by a Codec.
type CipherSuite int

const (
	SuiteAESGCM CipherSuite = iota
	SuiteChaCha20Poly1305
)

func (s CipherSuite) String() string {
	switch s {
	case SuiteAESGCM:
		return "aes-256-gcm"
	case SuiteChaCha20Poly1305:
		return "chacha20-poly1305"
	}
	return "unknown"
}

// Codec encrypts and decrypts single message payloads.
// The envelope is base64(nonce || ciphertext || tag).
type Codec struct {
	suite CipherSuite
}

// DefaultCodec uses AES-256-GCM.
var DefaultCodec = NewCodec(SuiteAESGCM)

func NewCodec(suite CipherSuite) *Codec {
	return &Codec{suite: suite}
}

func (c *Codec) aead(key Key) (cipher.AEAD, error) {
	switch c.suite {
	case SuiteAESGCM:
		block, err := aes.NewCipher(key.b[:])
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case SuiteChaCha20Poly1305:
		return chacha20poly1305.New(key.b[:])
	}
	return nil, fmt.Errorf("unsupported cipher suite: %d", c.suite)
}

// Encrypt seals plaintext under key with a fresh random nonce.
func (c *Codec) Encrypt(plaintext []byte, key Key) (string, error) {
	aead, err := c.aead(key)
	if err != nil {
		return "", fmt.Errorf("aead: %w", err)
	}
	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+tagSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens an envelope produced by Encrypt. Every failure is reported as ErrDecryption.
func (c *Codec) Decrypt(envelope string, key Key) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil || len(raw) < NonceSize+tagSize {
		return nil, ErrDecryption
	}
	aead, err := c.aead(key)
	if err != nil {
		return nil, ErrDecryption
	}
	plaintext, err := aead.Open(nil, raw[:NonceSize], raw[NonceSize:], nil)
	if err != nil {
		return nil, ErrDecryption
	}
	return plaintext, nil
}

// Encrypt seals plaintext with DefaultCodec.
func Encrypt(plaintext []byte, key Key) (string, error) {
	return DefaultCodec.Encrypt(plaintext, key)
}

// Decrypt opens an envelope with DefaultCodec.
func Decrypt(envelope string, key Key) ([]byte, error) {
	return DefaultCodec.Decrypt(envelope, key)
}
