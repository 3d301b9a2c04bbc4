package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// SQLiteMessageStore stores rooms and messages in SQLite.
// Appends to the same room are serialized by a per-room lock so that
// sequence order equals admission order.
type SQLiteMessageStore struct {
	db    *sql.DB
	locks *KeyedMutex
	now   func() time.Time
}

func NewSQLiteMessageStore(db *sql.DB) *SQLiteMessageStore {
	return &SQLiteMessageStore{
		db:    db,
		locks: NewKeyedMutex(),
		now:   time.Now,
	}
}

func (s *SQLiteMessageStore) GetOrCreateRoom(ctx context.Context, u1, u2 string) (*ChatRoom, error) {
	room, err := newChatRoom(u1, u2, s.now())
	if err != nil {
		return nil, err
	}

	query := `INSERT INTO rooms (id, participant_a, participant_b, created_at)
	          VALUES (@id, @a, @b, @created_at) ON CONFLICT (id) DO NOTHING`
	_, err = s.db.ExecContext(ctx, query,
		sql.Named("id", room.ID),
		sql.Named("a", room.Participants[0]),
		sql.Named("b", room.Participants[1]),
		sql.Named("created_at", room.CreatedAt.UnixNano()),
	)
	if err != nil {
		return nil, fmt.Errorf("ExecContext(insert room): %w", err)
	}

	return s.Room(ctx, room.ID)
}

func (s *SQLiteMessageStore) Room(ctx context.Context, roomID string) (*ChatRoom, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, participant_a, participant_b, created_at FROM rooms WHERE id = @id`,
		sql.Named("id", roomID))

	var room ChatRoom
	var createdAt int64
	if err := row.Scan(&room.ID, &room.Participants[0], &room.Participants[1], &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRoomNotFound
		}
		return nil, fmt.Errorf("Scan: %w", err)
	}
	room.CreatedAt = time.Unix(0, createdAt).UTC()
	return &room, nil
}

func (s *SQLiteMessageStore) Append(ctx context.Context, in AppendInput) (*Message, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	room, err := s.Room(ctx, in.RoomID)
	if err != nil {
		return nil, err
	}
	if err := in.checkParticipants(room); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(in.RoomID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("BeginTx: %w", err)
	}
	defer tx.Rollback()

	var last sql.NullInt64
	row := tx.QueryRowContext(ctx,
		`SELECT MAX(timestamp) FROM messages WHERE room_id = @room_id`, sql.Named("room_id", in.RoomID))
	if err := row.Scan(&last); err != nil {
		return nil, fmt.Errorf("Scan(last timestamp): %w", err)
	}
	var lastTs time.Time
	if last.Valid {
		lastTs = time.Unix(0, last.Int64).UTC()
	}

	msg := Message{
		ID:               uuid.New().String(),
		RoomID:           in.RoomID,
		SenderID:         in.SenderID,
		SenderName:       in.SenderName,
		ReceiverID:       in.ReceiverID,
		EncryptedContent: in.EncryptedContent,
		Timestamp:        nextTimestamp(s.now(), lastTs),
	}

	query := `INSERT INTO messages (id, room_id, sender_id, sender_name, receiver_id, encrypted_content, timestamp, is_read)
	          VALUES (@id, @room_id, @sender_id, @sender_name, @receiver_id, @encrypted_content, @timestamp, 0)`
	_, err = tx.ExecContext(ctx, query,
		sql.Named("id", msg.ID),
		sql.Named("room_id", msg.RoomID),
		sql.Named("sender_id", msg.SenderID),
		sql.Named("sender_name", msg.SenderName),
		sql.Named("receiver_id", msg.ReceiverID),
		sql.Named("encrypted_content", msg.EncryptedContent),
		sql.Named("timestamp", msg.Timestamp.UnixNano()),
	)
	if err != nil {
		return nil, fmt.Errorf("ExecContext(insert message): %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("Commit: %w", err)
	}
	return &msg, nil
}

func (s *SQLiteMessageStore) List(ctx context.Context, roomID string, limit int) ([]Message, error) {
	if _, err := s.Room(ctx, roomID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, room_id, sender_id, sender_name, receiver_id, encrypted_content, timestamp, is_read
		FROM messages WHERE room_id = @room_id
		ORDER BY seq DESC LIMIT @limit`
	rows, err := s.db.QueryContext(ctx, query,
		sql.Named("room_id", roomID), sql.Named("limit", normalizeLimit(limit)))
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var m Message
		var ts int64
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.SenderName,
			&m.ReceiverID, &m.EncryptedContent, &ts, &m.IsRead); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		m.Timestamp = time.Unix(0, ts).UTC()
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows.Err: %w", err)
	}

	slices.Reverse(messages)
	return messages, nil
}

func (s *SQLiteMessageStore) MarkRead(ctx context.Context, roomID, userID string) (int, error) {
	if _, err := s.Room(ctx, roomID); err != nil {
		return 0, err
	}

	unlock := s.locks.Lock(roomID)
	defer unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET is_read = 1 WHERE room_id = @room_id AND receiver_id = @user AND is_read = 0`,
		sql.Named("room_id", roomID), sql.Named("user", userID))
	if err != nil {
		return 0, fmt.Errorf("ExecContext: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("RowsAffected: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteMessageStore) UnreadCount(ctx context.Context, roomID, userID string) (int, error) {
	if _, err := s.Room(ctx, roomID); err != nil {
		return 0, err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE room_id = @room_id AND receiver_id = @user AND is_read = 0`,
		sql.Named("room_id", roomID), sql.Named("user", userID))
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("Scan: %w", err)
	}
	return count, nil
}

// Close is a no-op: the database handle is owned by the caller.
func (s *SQLiteMessageStore) Close() error {
	return nil
}
