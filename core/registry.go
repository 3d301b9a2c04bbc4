package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/samber/lo"
)

type roomMembers struct {
	mu       sync.Mutex
	sessions map[string]struct{}
	// removed is set once the entry has been dropped from the registry.
	removed bool
}

type sessionRooms struct {
	mu    sync.Mutex
	rooms map[string]struct{}
}

// RoomRegistry maps room ids to the sessions currently joined to them
// and tracks which users are online.
// Membership mutations take only the lock of the affected room.
type RoomRegistry struct {
	rooms    *SyncMap[string, *roomMembers]
	sessions *SyncMap[string, *sessionRooms]
	presence PresenceStore
}

func NewRoomRegistry(presence PresenceStore) *RoomRegistry {
	if presence == nil {
		presence = NewMemoryPresenceStore()
	}
	return &RoomRegistry{
		rooms:    NewSyncMap[string, *roomMembers](),
		sessions: NewSyncMap[string, *sessionRooms](),
		presence: presence,
	}
}

// Join adds the session to the room. Joining twice is a no-op.
func (r *RoomRegistry) Join(sessionID, roomID string) {
	for {
		entry, _ := r.rooms.LoadOrStore(roomID, func() *roomMembers {
			return &roomMembers{sessions: make(map[string]struct{})}
		})
		entry.mu.Lock()
		if entry.removed {
			// lost a race with the removal of an empty room; retry with a fresh entry
			entry.mu.Unlock()
			continue
		}
		entry.sessions[sessionID] = struct{}{}
		entry.mu.Unlock()
		break
	}

	sr, _ := r.sessions.LoadOrStore(sessionID, func() *sessionRooms {
		return &sessionRooms{rooms: make(map[string]struct{})}
	})
	sr.mu.Lock()
	sr.rooms[roomID] = struct{}{}
	sr.mu.Unlock()
}

// Leave removes the session from the room. Leaving a room that was not joined is a no-op.
func (r *RoomRegistry) Leave(sessionID, roomID string) {
	r.leaveRoom(sessionID, roomID)
	if sr, ok := r.sessions.Load(sessionID); ok {
		sr.mu.Lock()
		delete(sr.rooms, roomID)
		sr.mu.Unlock()
	}
}

func (r *RoomRegistry) leaveRoom(sessionID, roomID string) {
	entry, ok := r.rooms.Load(roomID)
	if !ok {
		return
	}
	entry.mu.Lock()
	delete(entry.sessions, sessionID)
	empty := len(entry.sessions) == 0
	entry.mu.Unlock()
	if !empty {
		return
	}
	r.rooms.DeleteIf(roomID, func(e *roomMembers) bool {
		if e != entry {
			return false
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		if len(e.sessions) > 0 {
			return false
		}
		e.removed = true
		return true
	})
}

// LeaveAll removes the session from every room it joined and returns those rooms.
func (r *RoomRegistry) LeaveAll(sessionID string) []string {
	sr, ok := r.sessions.Load(sessionID)
	if !ok {
		return nil
	}
	r.sessions.Delete(sessionID)

	sr.mu.Lock()
	rooms := lo.Keys(sr.rooms)
	sr.rooms = make(map[string]struct{})
	sr.mu.Unlock()

	for _, roomID := range rooms {
		r.leaveRoom(sessionID, roomID)
	}
	return rooms
}

// MembersOf returns the sessions joined to the room.
func (r *RoomRegistry) MembersOf(roomID string) []string {
	entry, ok := r.rooms.Load(roomID)
	if !ok {
		return nil
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return lo.Keys(entry.sessions)
}

// RoomsOf returns the rooms the session has joined.
func (r *RoomRegistry) RoomsOf(sessionID string) []string {
	sr, ok := r.sessions.Load(sessionID)
	if !ok {
		return nil
	}
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return lo.Keys(sr.rooms)
}

// IsMember reports whether the session has joined the room.
func (r *RoomRegistry) IsMember(sessionID, roomID string) bool {
	entry, ok := r.rooms.Load(roomID)
	if !ok {
		return false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	_, ok = entry.sessions[sessionID]
	return ok
}

// SetOnline records an identified session and reports whether it is the user's first.
func (r *RoomRegistry) SetOnline(ctx context.Context, userID, sessionID string) (bool, error) {
	first, err := r.presence.Add(ctx, userID, sessionID)
	if err != nil {
		return false, fmt.Errorf("presence.Add: %w", err)
	}
	return first, nil
}

// SetOffline forgets a session and reports whether the user has no session left.
func (r *RoomRegistry) SetOffline(ctx context.Context, userID, sessionID string) (bool, error) {
	last, err := r.presence.Remove(ctx, userID, sessionID)
	if err != nil {
		return false, fmt.Errorf("presence.Remove: %w", err)
	}
	return last, nil
}

func (r *RoomRegistry) Presence(ctx context.Context, userID string) (Presence, error) {
	online, err := r.presence.IsOnline(ctx, userID)
	if err != nil {
		return Offline, fmt.Errorf("presence.IsOnline: %w", err)
	}
	if online {
		return Online, nil
	}
	return Offline, nil
}

func (r *RoomRegistry) OnlineUsers(ctx context.Context) ([]string, error) {
	users, err := r.presence.OnlineUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("presence.OnlineUsers: %w", err)
	}
	return users, nil
}
