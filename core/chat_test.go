package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomID(t *testing.T) {
	assert.Equal(t, "room_alice_bob", RoomID("alice", "bob"))
	assert.Equal(t, RoomID("alice", "bob"), RoomID("bob", "alice"))
	assert.NotEqual(t, RoomID("alice", "bob"), RoomID("alice", "carol"))
}

func TestParticipants(t *testing.T) {
	testCases := []struct {
		name   string
		roomID string
		a, b   string
		ok     bool
	}{
		{name: "valid", roomID: "room_alice_bob", a: "alice", b: "bob", ok: true},
		{name: "missing prefix", roomID: "alice_bob"},
		{name: "unsorted", roomID: "room_bob_alice"},
		{name: "same user", roomID: "room_alice_alice"},
		{name: "three parts", roomID: "room_a_b_c"},
		{name: "empty part", roomID: "room_alice_"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			a, b, ok := Participants(tc.roomID)
			require.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.a, a)
			assert.Equal(t, tc.b, b)
		})
	}
}

func TestIsParticipantAndPeer(t *testing.T) {
	roomID := RoomID("bob", "alice")
	assert.True(t, IsParticipant(roomID, "alice"))
	assert.True(t, IsParticipant(roomID, "bob"))
	assert.False(t, IsParticipant(roomID, "carol"))

	peer, ok := Peer(roomID, "alice")
	require.True(t, ok)
	assert.Equal(t, "bob", peer)

	_, ok = Peer(roomID, "carol")
	assert.False(t, ok)
}

func TestNextTimestamp(t *testing.T) {
	last := time.Now().UTC()
	assert.Equal(t, last, nextTimestamp(last.Add(-time.Second), last))
	later := last.Add(time.Second)
	assert.Equal(t, later, nextTimestamp(later, last))
}

func TestAppendInputValidate(t *testing.T) {
	valid := AppendInput{RoomID: "room_alice_bob", SenderID: "alice", ReceiverID: "bob", EncryptedContent: "aGVsbG8="}
	require.NoError(t, valid.Validate())

	invalid := []AppendInput{
		{SenderID: "alice", ReceiverID: "bob", EncryptedContent: "aGVsbG8="},
		{RoomID: "room_alice_bob", SenderID: "alice", ReceiverID: "alice", EncryptedContent: "aGVsbG8="},
		{RoomID: "room_alice_bob", SenderID: "alice", ReceiverID: "bob", EncryptedContent: "not base64!"},
		{RoomID: "room_alice_bob", SenderID: "alice", ReceiverID: "bob"},
	}
	for _, in := range invalid {
		assert.ErrorIs(t, in.Validate(), ErrInvalidMessage)
	}
}
