package core

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveKey(t *testing.T) {
	k1, err := DeriveKey("room_alice_bob")
	require.NoError(t, err)
	k2, err := DeriveKey(RoomID("bob", "alice"))
	require.NoError(t, err)
	assert.True(t, k1.Equal(k2), "both participants must derive the same key")

	k3, err := DeriveKey("room_alice_carol")
	require.NoError(t, err)
	assert.False(t, k1.Equal(k3))

	_, err = DeriveKey("")
	assert.ErrorIs(t, err, ErrKeyDerivation)
}

func TestKeyDeriverRefusesWeakParameters(t *testing.T) {
	_, err := NewKeyDeriver(sha256.New, 10).Derive(context.Background(), "room_alice_bob")
	assert.ErrorIs(t, err, ErrKeyDerivation)

	_, err = NewKeyDeriver(nil, KeyIterations).Derive(context.Background(), "room_alice_bob")
	assert.ErrorIs(t, err, ErrKeyDerivation)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = DefaultKeyDeriver.Derive(ctx, "room_alice_bob")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCodec(t *testing.T) {
	key, err := DeriveKey("room_alice_bob")
	require.NoError(t, err)
	other, err := DeriveKey("room_alice_carol")
	require.NoError(t, err)

	for _, codec := range []*Codec{NewCodec(SuiteAESGCM), NewCodec(SuiteChaCha20Poly1305)} {
		t.Run(codec.suite.String(), func(t *testing.T) {
			t.Run("round trip", func(t *testing.T) {
				for _, plaintext := range []string{"hi", "", "héllo wörld 👋"} {
					envelope, err := codec.Encrypt([]byte(plaintext), key)
					require.NoError(t, err)
					got, err := codec.Decrypt(envelope, key)
					require.NoError(t, err)
					assert.Equal(t, plaintext, string(got))
				}
			})

			t.Run("fresh nonce", func(t *testing.T) {
				e1, err := codec.Encrypt([]byte("hi"), key)
				require.NoError(t, err)
				e2, err := codec.Encrypt([]byte("hi"), key)
				require.NoError(t, err)
				assert.NotEqual(t, e1, e2)
			})

			t.Run("wrong key", func(t *testing.T) {
				envelope, err := codec.Encrypt([]byte("hi"), key)
				require.NoError(t, err)
				_, err = codec.Decrypt(envelope, other)
				assert.ErrorIs(t, err, ErrDecryption)
			})

			t.Run("tampered", func(t *testing.T) {
				envelope, err := codec.Encrypt([]byte("hi"), key)
				require.NoError(t, err)
				raw, err := base64.StdEncoding.DecodeString(envelope)
				require.NoError(t, err)
				raw[len(raw)-1] ^= 0xff
				_, err = codec.Decrypt(base64.StdEncoding.EncodeToString(raw), key)
				assert.ErrorIs(t, err, ErrDecryption)
			})

			t.Run("malformed", func(t *testing.T) {
				for _, envelope := range []string{"", "not base64!", base64.StdEncoding.EncodeToString([]byte("short"))} {
					_, err := codec.Decrypt(envelope, key)
					assert.ErrorIs(t, err, ErrDecryption)
				}
			})
		})
	}
}
