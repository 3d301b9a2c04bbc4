package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
)

// Presence is the online status of a user.
type Presence string

const (
	Online  Presence = "online"
	Offline Presence = "offline"
)

// PresenceStore tracks the open sessions of each user.
// A user is online while at least one session is open.
type PresenceStore interface {
	// Add records an open session and reports whether it is the user's first.
	Add(ctx context.Context, userID, sessionID string) (bool, error)
	// Remove forgets a session and reports whether it was the user's last.
	Remove(ctx context.Context, userID, sessionID string) (bool, error)
	IsOnline(ctx context.Context, userID string) (bool, error)
	OnlineUsers(ctx context.Context) ([]string, error)
}

// MemoryPresenceStore keeps presence in process memory.
type MemoryPresenceStore struct {
	mu       sync.Mutex
	sessions map[string]map[string]struct{}
}

func NewMemoryPresenceStore() *MemoryPresenceStore {
	return &MemoryPresenceStore{sessions: make(map[string]map[string]struct{})}
}

func (s *MemoryPresenceStore) Add(_ context.Context, userID, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sessions[userID]
	if !ok {
		set = make(map[string]struct{})
		s.sessions[userID] = set
	}
	set[sessionID] = struct{}{}
	return !ok, nil
}

func (s *MemoryPresenceStore) Remove(_ context.Context, userID, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sessions[userID]
	if !ok {
		return false, nil
	}
	if _, ok := set[sessionID]; !ok {
		return false, nil
	}
	delete(set, sessionID)
	if len(set) == 0 {
		delete(s.sessions, userID)
		return true, nil
	}
	return false, nil
}

func (s *MemoryPresenceStore) IsOnline(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[userID]
	return ok, nil
}

func (s *MemoryPresenceStore) OnlineUsers(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Keys(s.sessions), nil
}

const redisOnlineKey = "presence:online"

func redisSessionsKey(userID string) string {
	return fmt.Sprintf("presence:sessions:%s", userID)
}

// RedisPresenceStore shares presence between server instances.
// Each user has a set of session ids under presence:sessions:{user}; presence:online holds
// the users with a non-empty set.
type RedisPresenceStore struct {
	client *redis.Client
}

func NewRedisPresenceStore(client *redis.Client) *RedisPresenceStore {
	return &RedisPresenceStore{client: client}
}

// OpenRedisPresenceStore parses a redis url and checks the connection.
func OpenRedisPresenceStore(ctx context.Context, redisURL string) (*RedisPresenceStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisPresenceStore(client), nil
}

func (s *RedisPresenceStore) Add(ctx context.Context, userID, sessionID string) (bool, error) {
	var card *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, redisSessionsKey(userID), sessionID)
		card = pipe.SCard(ctx, redisSessionsKey(userID))
		pipe.SAdd(ctx, redisOnlineKey, userID)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("TxPipelined: %w", err)
	}
	return card.Val() == 1, nil
}

// removeSessionScript drops a session and, when it was the last one, the user's entry in the
// online index, in one step. Returns 1 only for the call that removed the last session.
var removeSessionScript = redis.NewScript(`
if redis.call("SREM", KEYS[1], ARGV[1]) == 0 then
	return 0
end
if redis.call("SCARD", KEYS[1]) > 0 then
	return 0
end
redis.call("SREM", KEYS[2], ARGV[2])
return 1
`)

func (s *RedisPresenceStore) Remove(ctx context.Context, userID, sessionID string) (bool, error) {
	last, err := removeSessionScript.Run(ctx, s.client,
		[]string{redisSessionsKey(userID), redisOnlineKey}, sessionID, userID).Int()
	if err != nil {
		return false, fmt.Errorf("removeSessionScript: %w", err)
	}
	return last == 1, nil
}

func (s *RedisPresenceStore) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := s.client.SCard(ctx, redisSessionsKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("SCard: %w", err)
	}
	return n > 0, nil
}

func (s *RedisPresenceStore) OnlineUsers(ctx context.Context) ([]string, error) {
	users, err := s.client.SMembers(ctx, redisOnlineKey).Result()
	if err != nil {
		return nil, fmt.Errorf("SMembers: %w", err)
	}
	return users, nil
}

func (s *RedisPresenceStore) Close() error {
	return s.client.Close()
}
