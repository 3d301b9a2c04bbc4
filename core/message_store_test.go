package core

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFactory func(t *testing.T) MessageStore

func messageStores() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) MessageStore {
			return NewMemoryMessageStore()
		},
		"json": func(t *testing.T) MessageStore {
			s, err := OpenJSONFileMessageStore(filepath.Join(t.TempDir(), "messages.json"))
			require.NoError(t, err)
			return s
		},
		"sqlite": func(t *testing.T) MessageStore {
			f := NewBaseFixture(t)
			t.Cleanup(f.tearDown)
			return NewSQLiteMessageStore(f.db)
		},
		"badger": func(t *testing.T) MessageStore {
			s, err := OpenBadgerMessageStore(t.TempDir(), testLogger)
			require.NoError(t, err)
			return s
		},
	}
}

func content(i int) string {
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("message %d", i)))
}

func appendN(ctx context.Context, t *testing.T, s MessageStore, roomID, from, to string, n int) []Message {
	out := make([]Message, 0, n)
	for i := 0; i < n; i++ {
		msg, err := s.Append(ctx, AppendInput{
			RoomID: roomID, SenderID: from, SenderName: from, ReceiverID: to, EncryptedContent: content(i),
		})
		require.NoError(t, err)
		out = append(out, *msg)
	}
	return out
}

func TestMessageStore(t *testing.T) {
	for name, open := range messageStores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("get or create room", func(t *testing.T) {
				s := open(t)
				defer s.Close()

				room, err := s.GetOrCreateRoom(ctx, "bob", "alice")
				require.NoError(t, err)
				assert.Equal(t, "room_alice_bob", room.ID)
				assert.Equal(t, [2]string{"alice", "bob"}, room.Participants)

				again, err := s.GetOrCreateRoom(ctx, "alice", "bob")
				require.NoError(t, err)
				assert.Equal(t, room.ID, again.ID)
				assert.True(t, room.CreatedAt.Equal(again.CreatedAt), "room must be created once")

				got, err := s.Room(ctx, room.ID)
				require.NoError(t, err)
				assert.Equal(t, room.Participants, got.Participants)

				_, err = s.GetOrCreateRoom(ctx, "alice", "alice")
				assert.ErrorIs(t, err, ErrInvalidParticipants)
				_, err = s.GetOrCreateRoom(ctx, "", "bob")
				assert.ErrorIs(t, err, ErrInvalidParticipants)
			})

			t.Run("missing room", func(t *testing.T) {
				s := open(t)
				defer s.Close()

				_, err := s.Room(ctx, "room_alice_bob")
				assert.ErrorIs(t, err, ErrRoomNotFound)
				_, err = s.Append(ctx, AppendInput{
					RoomID: "room_alice_bob", SenderID: "alice", ReceiverID: "bob", EncryptedContent: content(0),
				})
				assert.ErrorIs(t, err, ErrRoomNotFound)
				_, err = s.List(ctx, "room_alice_bob", 10)
				assert.ErrorIs(t, err, ErrRoomNotFound)
			})

			t.Run("append validates", func(t *testing.T) {
				s := open(t)
				defer s.Close()
				room, err := s.GetOrCreateRoom(ctx, "alice", "bob")
				require.NoError(t, err)

				_, err = s.Append(ctx, AppendInput{RoomID: room.ID, SenderID: "alice", ReceiverID: "bob"})
				assert.ErrorIs(t, err, ErrInvalidMessage)

				_, err = s.Append(ctx, AppendInput{
					RoomID: room.ID, SenderID: "alice", ReceiverID: "carol", EncryptedContent: content(0),
				})
				assert.ErrorIs(t, err, ErrNotParticipant)

				_, err = s.Append(ctx, AppendInput{
					RoomID: room.ID, SenderID: "carol", ReceiverID: "bob", EncryptedContent: content(0),
				})
				assert.ErrorIs(t, err, ErrNotParticipant)
			})

			t.Run("list returns latest oldest first", func(t *testing.T) {
				s := open(t)
				defer s.Close()
				room, err := s.GetOrCreateRoom(ctx, "alice", "bob")
				require.NoError(t, err)

				empty, err := s.List(ctx, room.ID, 10)
				require.NoError(t, err)
				assert.Empty(t, empty)

				sent := appendN(ctx, t, s, room.ID, "alice", "bob", 5)

				all, err := s.List(ctx, room.ID, 0)
				require.NoError(t, err)
				require.Len(t, all, 5)
				for i := range all {
					assert.Equal(t, sent[i].ID, all[i].ID)
					assert.Equal(t, sent[i].EncryptedContent, all[i].EncryptedContent)
					assert.False(t, all[i].IsRead)
					if i > 0 {
						assert.False(t, all[i].Timestamp.Before(all[i-1].Timestamp), "timestamps must not decrease")
					}
				}

				latest, err := s.List(ctx, room.ID, 2)
				require.NoError(t, err)
				require.Len(t, latest, 2)
				assert.Equal(t, sent[3].ID, latest[0].ID)
				assert.Equal(t, sent[4].ID, latest[1].ID)
			})

			t.Run("mark read is scoped to the receiver", func(t *testing.T) {
				s := open(t)
				defer s.Close()
				room, err := s.GetOrCreateRoom(ctx, "alice", "bob")
				require.NoError(t, err)

				appendN(ctx, t, s, room.ID, "alice", "bob", 3)
				appendN(ctx, t, s, room.ID, "bob", "alice", 2)

				n, err := s.UnreadCount(ctx, room.ID, "bob")
				require.NoError(t, err)
				assert.Equal(t, 3, n)

				marked, err := s.MarkRead(ctx, room.ID, "bob")
				require.NoError(t, err)
				assert.Equal(t, 3, marked)

				marked, err = s.MarkRead(ctx, room.ID, "bob")
				require.NoError(t, err)
				assert.Equal(t, 0, marked)

				n, err = s.UnreadCount(ctx, room.ID, "bob")
				require.NoError(t, err)
				assert.Equal(t, 0, n)

				n, err = s.UnreadCount(ctx, room.ID, "alice")
				require.NoError(t, err)
				assert.Equal(t, 2, n)

				msgs, err := s.List(ctx, room.ID, 0)
				require.NoError(t, err)
				for _, m := range msgs {
					assert.Equal(t, m.ReceiverID == "bob", m.IsRead)
				}
			})

			t.Run("concurrent appends", func(t *testing.T) {
				s := open(t)
				defer s.Close()
				room, err := s.GetOrCreateRoom(ctx, "alice", "bob")
				require.NoError(t, err)

				var wg sync.WaitGroup
				for i := 0; i < 10; i++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						from, to := "alice", "bob"
						if i%2 == 1 {
							from, to = to, from
						}
						_, err := s.Append(ctx, AppendInput{
							RoomID: room.ID, SenderID: from, ReceiverID: to, EncryptedContent: content(i),
						})
						assert.NoError(t, err)
					}(i)
				}
				wg.Wait()

				msgs, err := s.List(ctx, room.ID, 0)
				require.NoError(t, err)
				require.Len(t, msgs, 10)
				ids := make(map[string]struct{})
				for i, m := range msgs {
					ids[m.ID] = struct{}{}
					if i > 0 {
						assert.False(t, m.Timestamp.Before(msgs[i-1].Timestamp))
					}
				}
				assert.Len(t, ids, 10)
			})
		})
	}
}

func TestJSONFileMessageStoreReopen(t *testing.T) {
	ctx := context.Background()
	file := filepath.Join(t.TempDir(), "messages.json")

	s, err := OpenJSONFileMessageStore(file)
	require.NoError(t, err)
	room, err := s.GetOrCreateRoom(ctx, "alice", "bob")
	require.NoError(t, err)
	sent := appendN(ctx, t, s, room.ID, "alice", "bob", 2)
	require.NoError(t, s.Close())

	reopened, err := OpenJSONFileMessageStore(file)
	require.NoError(t, err)
	defer reopened.Close()
	msgs, err := reopened.List(ctx, room.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, sent[1].ID, msgs[1].ID)
}

func TestJSONFileMessageStoreFailedWrite(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "store")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	file := filepath.Join(dir, "messages.json")

	s, err := OpenJSONFileMessageStore(file)
	require.NoError(t, err)
	room, err := s.GetOrCreateRoom(ctx, "alice", "bob")
	require.NoError(t, err)
	sent := appendN(ctx, t, s, room.ID, "alice", "bob", 1)

	require.NoError(t, os.RemoveAll(dir))

	_, err = s.Append(ctx, AppendInput{
		RoomID: room.ID, SenderID: "alice", SenderName: "alice", ReceiverID: "bob", EncryptedContent: content(1),
	})
	require.Error(t, err)
	msgs, err := s.List(ctx, room.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "a message that was not written is not listed")
	assert.Equal(t, sent[0].ID, msgs[0].ID)

	_, err = s.MarkRead(ctx, room.ID, "bob")
	require.Error(t, err)
	unread, err := s.UnreadCount(ctx, room.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, unread, "read flags are restored")

	_, err = s.GetOrCreateRoom(ctx, "alice", "carol")
	require.Error(t, err)
	_, err = s.Room(ctx, RoomID("alice", "carol"))
	assert.ErrorIs(t, err, ErrRoomNotFound)

	_, err = s.GetOrCreateRoom(ctx, "bob", "alice")
	assert.NoError(t, err, "an existing room needs no write")

	require.NoError(t, os.MkdirAll(dir, 0o700))
	appendN(ctx, t, s, room.ID, "alice", "bob", 1)
	require.NoError(t, s.Close())

	reopened, err := OpenJSONFileMessageStore(file)
	require.NoError(t, err)
	defer reopened.Close()
	msgs, err = reopened.List(ctx, room.ID, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
	_, err = reopened.Room(ctx, RoomID("alice", "carol"))
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestBadgerMessageStoreReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := OpenBadgerMessageStore(dir, testLogger)
	require.NoError(t, err)
	room, err := s.GetOrCreateRoom(ctx, "alice", "bob")
	require.NoError(t, err)
	sent := appendN(ctx, t, s, room.ID, "alice", "bob", 3)
	require.NoError(t, s.Close())

	reopened, err := OpenBadgerMessageStore(dir, testLogger)
	require.NoError(t, err)
	defer reopened.Close()
	msgs, err := reopened.List(ctx, room.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, sent[2].ID, msgs[2].ID)

	more := appendN(ctx, t, reopened, room.ID, "bob", "alice", 1)
	msgs, err = reopened.List(ctx, room.ID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, more[0].ID, msgs[3].ID)
}
