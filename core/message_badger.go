package core

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// BadgerMessageStore stores rooms and messages in BadgerDB.
//
// Keys:
//   - "room/{roomID}" holds the JSON encoded ChatRoom.
//   - "seq/{roomID}" holds the last sequence number of the room (big endian uint64).
//   - "msg/{roomID}/{seq}" holds a JSON encoded Message. The sequence is zero padded to
//     20 digits so lexicographical key order is append order.
type BadgerMessageStore struct {
	db    *badger.DB
	locks *KeyedMutex
	now   func() time.Time
}

// OpenBadgerMessageStore opens (or creates) a badger database in dir.
func OpenBadgerMessageStore(dir string, logger *slog.Logger) (*BadgerMessageStore, error) {
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR)
	if logger != nil {
		opts = opts.WithLogger(badgerLogger{logger.With(slog.String("component", "badger"))})
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger.Open: %w", err)
	}
	return NewBadgerMessageStore(db), nil
}

func NewBadgerMessageStore(db *badger.DB) *BadgerMessageStore {
	return &BadgerMessageStore{db: db, locks: NewKeyedMutex(), now: time.Now}
}

func badgerRoomKey(roomID string) []byte {
	return []byte("room/" + roomID)
}

func badgerSeqKey(roomID string) []byte {
	return []byte("seq/" + roomID)
}

func badgerMsgPrefix(roomID string) []byte {
	return []byte("msg/" + roomID + "/")
}

func badgerMsgKey(roomID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("msg/%s/%020d", roomID, seq))
}

func (s *BadgerMessageStore) GetOrCreateRoom(ctx context.Context, u1, u2 string) (*ChatRoom, error) {
	room, err := newChatRoom(u1, u2, s.now())
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(room.ID)
	defer unlock()

	err = s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerRoomKey(room.ID))
		if err == nil {
			return item.Value(func(val []byte) error {
				return json.Unmarshal(val, room)
			})
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		b, err := json.Marshal(room)
		if err != nil {
			return err
		}
		return txn.Set(badgerRoomKey(room.ID), b)
	})
	if err != nil {
		return nil, fmt.Errorf("Update: %w", err)
	}
	return room, nil
}

func getBadgerRoom(txn *badger.Txn, roomID string) (*ChatRoom, error) {
	item, err := txn.Get(badgerRoomKey(roomID))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}
	var room ChatRoom
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &room)
	}); err != nil {
		return nil, err
	}
	return &room, nil
}

func (s *BadgerMessageStore) Room(ctx context.Context, roomID string) (*ChatRoom, error) {
	var room *ChatRoom
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		room, err = getBadgerRoom(txn, roomID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return room, nil
}

func (s *BadgerMessageStore) Append(ctx context.Context, in AppendInput) (*Message, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(in.RoomID)
	defer unlock()

	var msg Message
	err := s.db.Update(func(txn *badger.Txn) error {
		room, err := getBadgerRoom(txn, in.RoomID)
		if err != nil {
			return err
		}
		if err := in.checkParticipants(room); err != nil {
			return err
		}

		var seq uint64
		item, err := txn.Get(badgerSeqKey(in.RoomID))
		switch {
		case err == nil:
			if err := item.Value(func(val []byte) error {
				seq = binary.BigEndian.Uint64(val)
				return nil
			}); err != nil {
				return err
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		var last time.Time
		if seq > 0 {
			prev, err := txn.Get(badgerMsgKey(in.RoomID, seq))
			if err != nil {
				return err
			}
			var prevMsg Message
			if err := prev.Value(func(val []byte) error {
				return json.Unmarshal(val, &prevMsg)
			}); err != nil {
				return err
			}
			last = prevMsg.Timestamp
		}

		seq++
		msg = Message{
			ID:               uuid.New().String(),
			RoomID:           in.RoomID,
			SenderID:         in.SenderID,
			SenderName:       in.SenderName,
			ReceiverID:       in.ReceiverID,
			EncryptedContent: in.EncryptedContent,
			Timestamp:        nextTimestamp(s.now(), last),
		}
		b, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if err := txn.Set(badgerMsgKey(in.RoomID, seq), b); err != nil {
			return err
		}
		seqBytes := make([]byte, 8)
		binary.BigEndian.PutUint64(seqBytes, seq)
		return txn.Set(badgerSeqKey(in.RoomID), seqBytes)
	})
	if err != nil {
		if errors.Is(err, ErrRoomNotFound) || errors.Is(err, ErrNotParticipant) {
			return nil, err
		}
		return nil, fmt.Errorf("Update: %w", err)
	}
	return &msg, nil
}

func (s *BadgerMessageStore) List(ctx context.Context, roomID string, limit int) ([]Message, error) {
	limit = normalizeLimit(limit)
	messages := make([]Message, 0)

	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := getBadgerRoom(txn, roomID); err != nil {
			return err
		}

		prefix := badgerMsgPrefix(roomID)
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		// seek past the largest possible sequence, then walk backwards
		seekKey := append(slices.Clone(prefix), 0xFF)
		for it.Seek(seekKey); it.ValidForPrefix(prefix) && len(messages) < limit; it.Next() {
			var m Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			}); err != nil {
				return err
			}
			messages = append(messages, m)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("View: %w", err)
	}

	slices.Reverse(messages)
	return messages, nil
}

func (s *BadgerMessageStore) MarkRead(ctx context.Context, roomID, userID string) (int, error) {
	unlock := s.locks.Lock(roomID)
	defer unlock()

	marked := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := getBadgerRoom(txn, roomID); err != nil {
			return err
		}

		prefix := badgerMsgPrefix(roomID)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 100})
		defer it.Close()

		type update struct {
			key   []byte
			value []byte
		}
		var updates []update
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var m Message
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			}); err != nil {
				return err
			}
			if m.ReceiverID != userID || m.IsRead {
				continue
			}
			m.IsRead = true
			b, err := json.Marshal(m)
			if err != nil {
				return err
			}
			updates = append(updates, update{key: item.KeyCopy(nil), value: b})
		}
		for _, u := range updates {
			if err := txn.Set(u.key, u.value); err != nil {
				return err
			}
		}
		marked = len(updates)
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			return 0, err
		}
		return 0, fmt.Errorf("Update: %w", err)
	}
	return marked, nil
}

func (s *BadgerMessageStore) UnreadCount(ctx context.Context, roomID, userID string) (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := getBadgerRoom(txn, roomID); err != nil {
			return err
		}

		prefix := badgerMsgPrefix(roomID)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 100})
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			var m Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			}); err != nil {
				return err
			}
			if m.ReceiverID == userID && !m.IsRead {
				count++
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			return 0, err
		}
		return 0, fmt.Errorf("View: %w", err)
	}
	return count, nil
}

func (s *BadgerMessageStore) Close() error {
	return s.db.Close()
}

// badgerLogger routes badger logs to slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
