package core

import (
	"context"
	"crypto/sha256"
	"errors"
	"hash"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the size of a derived room key in bytes.
	KeySize = 32
	// KeyIterations is the PBKDF2 iteration count shared by every participant.
	KeyIterations    = 100_000
	minKeyIterations = 1_000
)

// keySalt is fixed for the whole application: both participants must derive the same key.
var keySalt = []byte("cipherchat/room-key/v1")

// ErrKeyDerivation is returned when a key cannot be derived. No key material is produced.
var ErrKeyDerivation = errors.New("key derivation failed")

// Key is symmetric key material derived from a room id.
// It can only be used with a Codec.
type Key struct {
	b [KeySize]byte
}

// Equal reports whether two keys hold the same material.
func (k Key) Equal(o Key) bool {
	return k.b == o.b
}

// KeyDeriver derives room keys with PBKDF2.
type KeyDeriver struct {
	hash       func() hash.Hash
	iterations int
	salt       []byte
}

// DefaultKeyDeriver uses PBKDF2-HMAC-SHA256 with the application salt.
var DefaultKeyDeriver = &KeyDeriver{hash: sha256.New, iterations: KeyIterations, salt: keySalt}

// NewKeyDeriver returns a deriver using the given hash and iteration count with the application salt.
func NewKeyDeriver(h func() hash.Hash, iterations int) *KeyDeriver {
	return &KeyDeriver{hash: h, iterations: iterations, salt: keySalt}
}

// DeriveKey derives the key of a room using DefaultKeyDeriver.
func DeriveKey(roomID string) (Key, error) {
	return DefaultKeyDeriver.Derive(context.Background(), roomID)
}

// Derive derives the key of a room. The result is a pure function of the room id.
// It refuses to produce a key when the primitive is not usable.
func (d *KeyDeriver) Derive(ctx context.Context, roomID string) (Key, error) {
	if d == nil || d.hash == nil || d.iterations < minKeyIterations || len(d.salt) == 0 || roomID == "" {
		return Key{}, ErrKeyDerivation
	}
	if err := ctx.Err(); err != nil {
		return Key{}, err
	}

	raw := pbkdf2.Key([]byte(roomID), d.salt, d.iterations, KeySize, d.hash)
	if len(raw) != KeySize {
		return Key{}, ErrKeyDerivation
	}

	if err := ctx.Err(); err != nil {
		return Key{}, err
	}
	var k Key
	copy(k.b[:], raw)
	return k, nil
}
