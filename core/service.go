package core

import (
	"context"
	"fmt"
	"log/slog"
)

// MessageNotifier fans out a persisted message.
type MessageNotifier interface {
	PublishMessage(msg *Message)
	PublishDirected(userID, event string, data any)
}

// ChatService persists messages and hands every successful append to the notifier.
type ChatService struct {
	store    MessageStore
	notifier MessageNotifier
	users    UserStore
	logger   *slog.Logger
}

// NewChatService builds the service. users may be nil, in which case receivers are not looked up.
func NewChatService(store MessageStore, notifier MessageNotifier, users UserStore, logger *slog.Logger) *ChatService {
	return &ChatService{store: store, notifier: notifier, users: users, logger: logger}
}

func (s *ChatService) requireUser(ctx context.Context, id string) error {
	if s.users == nil {
		return nil
	}
	user, err := s.users.GetUser(ctx, id)
	if err != nil {
		return fmt.Errorf("GetUser: %w", err)
	}
	if user == nil {
		return ErrUserNotFound
	}
	return nil
}

// Send appends an encrypted message from the session user to receiverID and fans it out.
// The room is created on the first send between the pair.
func (s *ChatService) Send(ctx context.Context, from Session, receiverID, encryptedContent string) (*Message, error) {
	if err := s.requireUser(ctx, receiverID); err != nil {
		return nil, err
	}
	room, err := s.store.GetOrCreateRoom(ctx, from.UserID, receiverID)
	if err != nil {
		return nil, err
	}
	msg, err := s.store.Append(ctx, AppendInput{
		RoomID:           room.ID,
		SenderID:         from.UserID,
		SenderName:       from.Name,
		ReceiverID:       receiverID,
		EncryptedContent: encryptedContent,
	})
	if err != nil {
		return nil, err
	}
	s.notifier.PublishMessage(msg)
	return msg, nil
}

// History returns the latest messages between userID and otherUserID, oldest first.
func (s *ChatService) History(ctx context.Context, userID, otherUserID string, limit int) (string, []Message, error) {
	room, err := s.store.GetOrCreateRoom(ctx, userID, otherUserID)
	if err != nil {
		return "", nil, err
	}
	messages, err := s.store.List(ctx, room.ID, limit)
	if err != nil {
		return "", nil, err
	}
	return room.ID, messages, nil
}

// recentWindow bounds how far back Recent looks for a message.
const recentWindow = 50

// Recent returns the stored copy of a message among the latest appended to the room.
func (s *ChatService) Recent(ctx context.Context, roomID, messageID string) (*Message, error) {
	messages, err := s.store.List(ctx, roomID, recentWindow)
	if err != nil {
		return nil, err
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].ID == messageID {
			return &messages[i], nil
		}
	}
	return nil, fmt.Errorf("%w: no recent message %q in %s", ErrInvalidMessage, messageID, roomID)
}

// MarkRead marks every message userID received from otherUserID as read.
func (s *ChatService) MarkRead(ctx context.Context, userID, otherUserID string) (string, int, error) {
	roomID, err := s.roomOf(userID, otherUserID)
	if err != nil {
		return "", 0, err
	}
	n, err := s.store.MarkRead(ctx, roomID, userID)
	if err != nil {
		return "", 0, err
	}
	return roomID, n, nil
}

func (s *ChatService) Unread(ctx context.Context, userID, otherUserID string) (string, int, error) {
	roomID, err := s.roomOf(userID, otherUserID)
	if err != nil {
		return "", 0, err
	}
	n, err := s.store.UnreadCount(ctx, roomID, userID)
	if err != nil {
		return "", 0, err
	}
	return roomID, n, nil
}

func (s *ChatService) roomOf(userID, otherUserID string) (string, error) {
	if userID == "" || otherUserID == "" || userID == otherUserID {
		return "", ErrInvalidParticipants
	}
	return RoomID(userID, otherUserID), nil
}

// KeyExchange forwards a public key to the target user over the relay path.
// The key is signaling only and never feeds the room key.
func (s *ChatService) KeyExchange(ctx context.Context, from Session, targetUserID, publicKey string, isResponse bool) error {
	if targetUserID == "" || targetUserID == from.UserID {
		return ErrInvalidParticipants
	}
	if err := validate.Var(publicKey, "required,base64"); err != nil {
		return fmt.Errorf("%w: public key must be base64", ErrInvalidMessage)
	}
	if err := s.requireUser(ctx, targetUserID); err != nil {
		return err
	}
	if s.users != nil {
		if err := s.users.SetPublicKey(ctx, from.UserID, publicKey); err != nil {
			return fmt.Errorf("SetPublicKey: %w", err)
		}
	}

	event := RelayKeyExchangeRequest
	if isResponse {
		event = RelayKeyExchangeResponse
	}
	s.notifier.PublishDirected(targetUserID, event, KeyExchangeData{
		FromUserID:   from.UserID,
		FromUserName: from.Name,
		PublicKey:    publicKey,
	})
	s.logger.Debug("key exchange relayed",
		slog.String("from", from.UserID), slog.String("to", targetUserID), slog.Bool("response", isResponse))
	return nil
}
