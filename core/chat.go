package core

import (
	"context"
	"errors"
	"strings"
	"time"
)

const (
	roomIDPrefix = "room_"
	// DefaultListLimit is used by MessageStore.List when the limit is not positive.
	DefaultListLimit = 100
)

var (
	// ErrRoomNotFound is returned when a room does not exist. Callers should go
	// through GetOrCreateRoom and retry rather than treat it as permanent.
	ErrRoomNotFound = errors.New("room not found")
	// ErrInvalidParticipants is returned when a room is requested for an empty user id
	// or for a user with themselves.
	ErrInvalidParticipants = errors.New("invalid participants")
	// ErrNotParticipant is returned when a user is not one of the two participants of a room.
	ErrNotParticipant = errors.New("not a room participant")
	// ErrInvalidMessage is returned when a message fails input validation.
	ErrInvalidMessage = errors.New("invalid message")
)

// RoomID returns the deterministic id of the room between two users.
// The result does not depend on the order of the arguments.
func RoomID(u1, u2 string) string {
	if u2 < u1 {
		u1, u2 = u2, u1
	}
	return roomIDPrefix + u1 + "_" + u2
}

// Participants parses a room id back into its two participants.
// User ids are alphanumeric so the separator is unambiguous.
func Participants(roomID string) (string, string, bool) {
	rest, ok := strings.CutPrefix(roomID, roomIDPrefix)
	if !ok {
		return "", "", false
	}
	a, b, ok := strings.Cut(rest, "_")
	if !ok || a == "" || b == "" || strings.Contains(b, "_") || a >= b {
		return "", "", false
	}
	return a, b, true
}

// IsParticipant reports whether userID is one of the two users the room id was derived from.
func IsParticipant(roomID, userID string) bool {
	a, b, ok := Participants(roomID)
	if !ok {
		return false
	}
	return userID == a || userID == b
}

// Peer returns the other participant of the room.
func Peer(roomID, userID string) (string, bool) {
	a, b, ok := Participants(roomID)
	if !ok {
		return "", false
	}
	switch userID {
	case a:
		return b, true
	case b:
		return a, true
	}
	return "", false
}

// ChatRoom is the conversation between exactly two users.
type ChatRoom struct {
	ID           string    `json:"id"`
	Participants [2]string `json:"participants"`
	CreatedAt    time.Time `json:"createdAt"`
}

func newChatRoom(u1, u2 string, now time.Time) (*ChatRoom, error) {
	if u1 == "" || u2 == "" || u1 == u2 {
		return nil, ErrInvalidParticipants
	}
	if u2 < u1 {
		u1, u2 = u2, u1
	}
	return &ChatRoom{
		ID:           RoomID(u1, u2),
		Participants: [2]string{u1, u2},
		CreatedAt:    now.UTC(),
	}, nil
}

// Message is an encrypted chat message. EncryptedContent is never decrypted by the server.
type Message struct {
	ID               string    `json:"id"`
	RoomID           string    `json:"roomId"`
	SenderID         string    `json:"senderId"`
	SenderName       string    `json:"senderName"`
	ReceiverID       string    `json:"receiverId"`
	EncryptedContent string    `json:"encryptedContent"`
	Timestamp        time.Time `json:"timestamp"`
	IsRead           bool      `json:"isRead"`
}

// AppendInput is the input for MessageStore.Append.
type AppendInput struct {
	RoomID           string `validate:"required"`
	SenderID         string `validate:"required"`
	SenderName       string
	ReceiverID       string `validate:"required,nefield=SenderID"`
	EncryptedContent string `validate:"required,base64"`
}

// Validate validates the input. It does not check room membership.
func (in *AppendInput) Validate() error {
	if err := validate.Struct(in); err != nil {
		return ErrInvalidMessage
	}
	return nil
}

// checkParticipants verifies that sender and receiver are the room's two participants.
func (in *AppendInput) checkParticipants(room *ChatRoom) error {
	p := room.Participants
	if !((in.SenderID == p[0] && in.ReceiverID == p[1]) || (in.SenderID == p[1] && in.ReceiverID == p[0])) {
		return ErrNotParticipant
	}
	return nil
}

// MessageStore is an append-only log of encrypted messages per room.
// All operations are atomic with respect to a single room.
type MessageStore interface {
	// GetOrCreateRoom returns the room between u1 and u2, creating it on first use.
	// It returns ErrInvalidParticipants if either id is empty or both are the same.
	GetOrCreateRoom(ctx context.Context, u1, u2 string) (*ChatRoom, error)

	// Room returns the room with the given id or ErrRoomNotFound.
	Room(ctx context.Context, roomID string) (*ChatRoom, error)

	// Append appends a message to the room.
	// It returns ErrRoomNotFound if the room does not exist, ErrInvalidMessage if the
	// input is invalid and ErrNotParticipant if sender and receiver are not the room's participants.
	Append(ctx context.Context, in AppendInput) (*Message, error)

	// List returns the most recent limit messages of the room, oldest first.
	// If limit is not positive, DefaultListLimit is used.
	List(ctx context.Context, roomID string, limit int) ([]Message, error)

	// MarkRead marks every message received by userID in the room as read
	// and returns the number of messages that changed.
	MarkRead(ctx context.Context, roomID, userID string) (int, error)

	// UnreadCount returns the number of unread messages received by userID in the room.
	UnreadCount(ctx context.Context, roomID, userID string) (int, error)

	Close() error
}

// nextTimestamp keeps timestamps non-decreasing within a room.
func nextTimestamp(now, last time.Time) time.Time {
	now = now.UTC()
	if now.Before(last) {
		return last
	}
	return now
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}
