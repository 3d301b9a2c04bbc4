package client

import (
	"testing"
	"time"

	"github.com/putto11262002/cipherchat/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roomKey(t *testing.T, roomID string) core.Key {
	key, err := core.DeriveKey(roomID)
	require.NoError(t, err)
	return key
}

func encrypted(t *testing.T, id, plaintext string, key core.Key, ts time.Time) core.Message {
	envelope, err := core.Encrypt([]byte(plaintext), key)
	require.NoError(t, err)
	return core.Message{
		ID:               id,
		RoomID:           "room_alice_bob",
		SenderID:         "alice",
		ReceiverID:       "bob",
		EncryptedContent: envelope,
		Timestamp:        ts,
	}
}

func TestReconcilerDeduplicates(t *testing.T) {
	key := roomKey(t, "room_alice_bob")
	r := NewReconciler(key)
	now := time.Now().UTC()
	msg := encrypted(t, "m1", "hi", key, now)

	assert.True(t, r.Receive(msg))
	// the same message over the direct path, the relay path and the history
	assert.False(t, r.Receive(msg))
	assert.False(t, r.Receive(msg))
	assert.Equal(t, 0, r.Load([]core.Message{msg}))

	require.Equal(t, 1, r.Len())
	assert.Equal(t, "hi", r.Entries()[0].Text())
}

func TestReconcilerLocalSendWins(t *testing.T) {
	key := roomKey(t, "room_alice_bob")
	r := NewReconciler(key)
	msg := encrypted(t, "m1", "hi", key, time.Now().UTC())

	assert.True(t, r.InsertLocal(msg, "hi"))
	assert.False(t, r.Receive(msg))
	assert.False(t, r.InsertLocal(msg, "hi"))
	assert.Equal(t, 1, r.Len())
}

func TestReconcilerOrdersByTimestamp(t *testing.T) {
	key := roomKey(t, "room_alice_bob")
	r := NewReconciler(key)
	base := time.Now().UTC()

	r.Receive(encrypted(t, "m3", "three", key, base.Add(2*time.Second)))
	r.Receive(encrypted(t, "m1", "one", key, base))
	r.Receive(encrypted(t, "m2a", "two a", key, base.Add(time.Second)))
	r.Receive(encrypted(t, "m2b", "two b", key, base.Add(time.Second)))

	var texts []string
	for _, e := range r.Entries() {
		texts = append(texts, e.Text())
	}
	assert.Equal(t, []string{"one", "two a", "two b", "three"}, texts, "ties keep arrival order")
}

func TestReconcilerUndecryptable(t *testing.T) {
	key := roomKey(t, "room_alice_bob")
	r := NewReconciler(key)
	now := time.Now().UTC()

	foreign := encrypted(t, "m1", "secret", roomKey(t, "room_alice_carol"), now)
	garbage := core.Message{ID: "m2", EncryptedContent: "not base64!", Timestamp: now.Add(time.Second)}
	good := encrypted(t, "m3", "hello", key, now.Add(2*time.Second))

	assert.Equal(t, 3, r.Load([]core.Message{foreign, garbage, good}))
	entries := r.Entries()
	require.Len(t, entries, 3)
	assert.True(t, entries[0].Undecryptable)
	assert.Equal(t, UndecryptablePlaceholder, entries[0].Text())
	assert.True(t, entries[1].Undecryptable)
	assert.False(t, entries[2].Undecryptable)
	assert.Equal(t, "hello", entries[2].Text())
}

func TestReconcilerIgnoresMessagesWithoutID(t *testing.T) {
	r := NewReconciler(roomKey(t, "room_alice_bob"))
	assert.False(t, r.Receive(core.Message{}))
	assert.False(t, r.InsertLocal(core.Message{}, "hi"))
	assert.Equal(t, 0, r.Len())
}
