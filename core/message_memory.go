package core

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

type memoryRoom struct {
	mu       sync.RWMutex
	room     ChatRoom
	messages []Message
}

// MemoryMessageStore keeps rooms and messages in memory.
// The room map has its own lock; every message operation takes only the lock of its room.
type MemoryMessageStore struct {
	mu    sync.RWMutex
	rooms map[string]*memoryRoom
	now   func() time.Time
}

func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{
		rooms: make(map[string]*memoryRoom),
		now:   time.Now,
	}
}

func (s *MemoryMessageStore) GetOrCreateRoom(ctx context.Context, u1, u2 string) (*ChatRoom, error) {
	room, _, err := s.getOrCreateRoom(u1, u2)
	return room, err
}

// getOrCreateRoom also reports whether the room was created by this call.
func (s *MemoryMessageStore) getOrCreateRoom(u1, u2 string) (*ChatRoom, bool, error) {
	room, err := newChatRoom(u1, u2, s.now())
	if err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[room.ID]; ok {
		existing := r.room
		return &existing, false, nil
	}
	s.rooms[room.ID] = &memoryRoom{room: *room}
	return room, true, nil
}

func (s *MemoryMessageStore) deleteRoom(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
}

func (s *MemoryMessageStore) getRoom(roomID string) (*memoryRoom, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return r, nil
}

func (s *MemoryMessageStore) Room(ctx context.Context, roomID string) (*ChatRoom, error) {
	r, err := s.getRoom(roomID)
	if err != nil {
		return nil, err
	}
	room := r.room
	return &room, nil
}

func (s *MemoryMessageStore) Append(ctx context.Context, in AppendInput) (*Message, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	r, err := s.getRoom(in.RoomID)
	if err != nil {
		return nil, err
	}
	if err := in.checkParticipants(&r.room); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var last time.Time
	if n := len(r.messages); n > 0 {
		last = r.messages[n-1].Timestamp
	}
	msg := Message{
		ID:               uuid.New().String(),
		RoomID:           in.RoomID,
		SenderID:         in.SenderID,
		SenderName:       in.SenderName,
		ReceiverID:       in.ReceiverID,
		EncryptedContent: in.EncryptedContent,
		Timestamp:        nextTimestamp(s.now(), last),
	}
	r.messages = append(r.messages, msg)
	return &msg, nil
}

func (s *MemoryMessageStore) removeMessage(roomID, id string) {
	r, err := s.getRoom(roomID)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.messages) - 1; i >= 0; i-- {
		if r.messages[i].ID == id {
			r.messages = append(r.messages[:i], r.messages[i+1:]...)
			return
		}
	}
}

func (s *MemoryMessageStore) List(ctx context.Context, roomID string, limit int) ([]Message, error) {
	r, err := s.getRoom(roomID)
	if err != nil {
		return nil, err
	}
	limit = normalizeLimit(limit)

	r.mu.RLock()
	defer r.mu.RUnlock()
	start := max(len(r.messages)-limit, 0)
	out := make([]Message, len(r.messages)-start)
	copy(out, r.messages[start:])
	return out, nil
}

func (s *MemoryMessageStore) MarkRead(ctx context.Context, roomID, userID string) (int, error) {
	marked, err := s.markRead(roomID, userID)
	return len(marked), err
}

// markRead returns the ids of the messages it flipped.
func (s *MemoryMessageStore) markRead(roomID, userID string) ([]string, error) {
	r, err := s.getRoom(roomID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var marked []string
	for i := range r.messages {
		if r.messages[i].ReceiverID == userID && !r.messages[i].IsRead {
			r.messages[i].IsRead = true
			marked = append(marked, r.messages[i].ID)
		}
	}
	return marked, nil
}

func (s *MemoryMessageStore) unmarkRead(roomID string, ids []string) {
	r, err := s.getRoom(roomID)
	if err != nil {
		return
	}
	unread := lo.SliceToMap(ids, func(id string) (string, struct{}) { return id, struct{}{} })

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.messages {
		if _, ok := unread[r.messages[i].ID]; ok {
			r.messages[i].IsRead = false
		}
	}
}

func (s *MemoryMessageStore) UnreadCount(ctx context.Context, roomID, userID string) (int, error) {
	r, err := s.getRoom(roomID)
	if err != nil {
		return 0, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, m := range r.messages {
		if m.ReceiverID == userID && !m.IsRead {
			count++
		}
	}
	return count, nil
}

func (s *MemoryMessageStore) Close() error {
	return nil
}

// roomRecord is the persisted layout of a room with its messages.
type roomRecord struct {
	ID           string    `json:"id"`
	Participants [2]string `json:"participants"`
	Messages     []Message `json:"messages"`
	CreatedAt    time.Time `json:"createdAt"`
}

// snapshot copies every room. Each room is read under its own lock.
func (s *MemoryMessageStore) snapshot() map[string]roomRecord {
	s.mu.RLock()
	rooms := make([]*memoryRoom, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.mu.RUnlock()

	out := make(map[string]roomRecord, len(rooms))
	for _, r := range rooms {
		r.mu.RLock()
		msgs := make([]Message, len(r.messages))
		copy(msgs, r.messages)
		out[r.room.ID] = roomRecord{
			ID:           r.room.ID,
			Participants: r.room.Participants,
			Messages:     msgs,
			CreatedAt:    r.room.CreatedAt,
		}
		r.mu.RUnlock()
	}
	return out
}

func (s *MemoryMessageStore) restore(records map[string]roomRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range records {
		for i := range rec.Messages {
			rec.Messages[i].RoomID = id
		}
		s.rooms[id] = &memoryRoom{
			room: ChatRoom{
				ID:           id,
				Participants: rec.Participants,
				CreatedAt:    rec.CreatedAt,
			},
			messages: rec.Messages,
		}
	}
}
