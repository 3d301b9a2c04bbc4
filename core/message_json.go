package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

type jsonFileLayout struct {
	Rooms map[string]roomRecord `json:"rooms"`
}

// JSONFileMessageStore is a MemoryMessageStore that writes a snapshot of every room
// to a JSON file after each mutation.
type JSONFileMessageStore struct {
	*MemoryMessageStore
	file string
	// mu is held across each mutation and its write.
	mu sync.Mutex
}

// OpenJSONFileMessageStore loads the file if it exists.
func OpenJSONFileMessageStore(file string) (*JSONFileMessageStore, error) {
	s := &JSONFileMessageStore{
		MemoryMessageStore: NewMemoryMessageStore(),
		file:               file,
	}

	b, err := os.ReadFile(file)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("ReadFile: %w", err)
	}
	if len(b) == 0 {
		return s, nil
	}

	var layout jsonFileLayout
	if err := json.Unmarshal(b, &layout); err != nil {
		return nil, fmt.Errorf("Unmarshal: %w", err)
	}
	s.restore(layout.Rooms)
	return s, nil
}

// persist writes the current snapshot. Callers hold mu, so a mutation and its write
// are never interleaved with another mutation.
func (s *JSONFileMessageStore) persist() error {
	b, err := json.MarshalIndent(jsonFileLayout{Rooms: s.snapshot()}, "", "  ")
	if err != nil {
		return fmt.Errorf("Marshal: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.file), filepath.Base(s.file)+".*.tmp")
	if err != nil {
		return fmt.Errorf("CreateTemp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("Write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("Close: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.file); err != nil {
		return fmt.Errorf("Rename: %w", err)
	}
	return nil
}

// GetOrCreateRoom writes the file only when the room is new. A failed write drops the room again.
func (s *JSONFileMessageStore) GetOrCreateRoom(ctx context.Context, u1, u2 string) (*ChatRoom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, created, err := s.MemoryMessageStore.getOrCreateRoom(u1, u2)
	if err != nil || !created {
		return room, err
	}
	if err := s.persist(); err != nil {
		s.MemoryMessageStore.deleteRoom(room.ID)
		return nil, fmt.Errorf("persist: %w", err)
	}
	return room, nil
}

// Append only commits the message once it is on disk.
func (s *JSONFileMessageStore) Append(ctx context.Context, in AppendInput) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, err := s.MemoryMessageStore.Append(ctx, in)
	if err != nil {
		return nil, err
	}
	if err := s.persist(); err != nil {
		s.MemoryMessageStore.removeMessage(msg.RoomID, msg.ID)
		return nil, fmt.Errorf("persist: %w", err)
	}
	return msg, nil
}

func (s *JSONFileMessageStore) MarkRead(ctx context.Context, roomID, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	marked, err := s.MemoryMessageStore.markRead(roomID, userID)
	if err != nil {
		return 0, err
	}
	if len(marked) == 0 {
		return 0, nil
	}
	if err := s.persist(); err != nil {
		s.MemoryMessageStore.unmarkRead(roomID, marked)
		return 0, fmt.Errorf("persist: %w", err)
	}
	return len(marked), nil
}

// Room, List and UnreadCount take mu so they never see a mutation whose write may still be rolled back.
func (s *JSONFileMessageStore) Room(ctx context.Context, roomID string) (*ChatRoom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.MemoryMessageStore.Room(ctx, roomID)
}

func (s *JSONFileMessageStore) List(ctx context.Context, roomID string, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.MemoryMessageStore.List(ctx, roomID, limit)
}

func (s *JSONFileMessageStore) UnreadCount(ctx context.Context, roomID, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.MemoryMessageStore.UnreadCount(ctx, roomID, userID)
}

func (s *JSONFileMessageStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persist()
}
