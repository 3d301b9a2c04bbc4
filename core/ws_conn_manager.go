package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
)

// DirectTransport delivers events to live websocket sessions.
type DirectTransport interface {
	SendTo(e *Event, sessionIDs ...string)
	SendToUsers(e *Event, userIDs ...string)
	Broadcast(e *Event)
}

type ConnManager struct {
	conns   map[string]*Conn
	mu      sync.RWMutex
	connWg  sync.WaitGroup
	context context.Context
	cancel  context.CancelFunc
	logger  *slog.Logger
	router  *EventRouter

	onConnectionOpened func(ConnInfo)
	onConnectionClosed func(ConnInfo)

	upgrader        websocket.Upgrader
	writeStreamSize int
	eventRate       rate.Limit
	eventBurst      int
}

var defaultUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type ManagerOption func(*ConnManager)

func WithCheckOrigin(f func(r *http.Request) bool) ManagerOption {
	return func(m *ConnManager) {
		m.upgrader.CheckOrigin = f
	}
}

func WithWriteStreamSize(n int) ManagerOption {
	return func(m *ConnManager) {
		m.writeStreamSize = n
	}
}

// WithEventRate limits the inbound events of each session.
func WithEventRate(limit rate.Limit, burst int) ManagerOption {
	return func(m *ConnManager) {
		m.eventRate = limit
		m.eventBurst = burst
	}
}

func NewConnManager(ctx context.Context, logger *slog.Logger, router *EventRouter, opts ...ManagerOption) *ConnManager {
	ctx, cancel := context.WithCancel(ctx)
	m := &ConnManager{
		conns:              make(map[string]*Conn),
		context:            ctx,
		cancel:             cancel,
		logger:             logger,
		router:             router,
		upgrader:           defaultUpgrader,
		writeStreamSize:    100,
		onConnectionOpened: func(ConnInfo) {},
		onConnectionClosed: func(ConnInfo) {},
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

func (m *ConnManager) OnConnectionOpened(f func(ConnInfo)) {
	m.onConnectionOpened = f
}

// OnConnectionClosed registers the callback run once per session after it is removed.
func (m *ConnManager) OnConnectionClosed(f func(ConnInfo)) {
	m.onConnectionClosed = f
}

// Connect upgrades the request and starts the session of an authenticated user.
func (m *ConnManager) Connect(userID, userName string, w http.ResponseWriter, r *http.Request) (ConnInfo, error) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return ConnInfo{}, fmt.Errorf("Upgrade: %w", err)
	}

	info := ConnInfo{ID: uuid.New().String(), UserID: userID, UserName: userName}
	wsConn := &Conn{
		ConnInfo:    info,
		conn:        conn,
		context:     m.context,
		writeStream: make(chan *Event, m.writeStreamSize),
		dispatch:    m.router.Dispatch,
		logger: m.logger.With(
			slog.String("session", info.ID),
			slog.String("user", userID)),
		disconnect: func() {
			m.disconnect(info.ID)
		},
	}
	if m.eventRate > 0 {
		wsConn.limiter = rate.NewLimiter(m.eventRate, m.eventBurst)
	}

	m.mu.Lock()
	m.conns[info.ID] = wsConn
	m.mu.Unlock()

	m.onConnectionOpened(info)

	m.connWg.Add(2)
	go func() {
		defer m.connWg.Done()
		wsConn.readLoop()
	}()
	go func() {
		defer m.connWg.Done()
		wsConn.writeLoop()
	}()

	return info, nil
}

func (m *ConnManager) disconnect(id string) {
	m.mu.Lock()
	conn, ok := m.conns[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.conns, id)
	m.mu.Unlock()

	conn.close()
	m.onConnectionClosed(conn.ConnInfo)
}

// Disconnect closes a session.
func (m *ConnManager) Disconnect(id string) {
	m.disconnect(id)
}

func (m *ConnManager) IsConnected(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.conns[id]
	return ok
}

// Sessions returns the ids of the live sessions.
func (m *ConnManager) Sessions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lo.Keys(m.conns)
}

func (m *ConnManager) deliver(e *Event, targets []*Conn) {
	for _, conn := range targets {
		if !conn.send(e) && !conn.isClosed() {
			conn.logger.Warn("slow consumer, disconnecting")
			m.disconnect(conn.ID)
		}
	}
}

func (m *ConnManager) SendTo(e *Event, sessionIDs ...string) {
	m.mu.RLock()
	targets := make([]*Conn, 0, len(sessionIDs))
	for _, id := range lo.Uniq(sessionIDs) {
		if conn, ok := m.conns[id]; ok {
			targets = append(targets, conn)
		}
	}
	m.mu.RUnlock()
	m.deliver(e, targets)
}

func (m *ConnManager) SendToUsers(e *Event, userIDs ...string) {
	m.mu.RLock()
	targets := lo.Filter(lo.Values(m.conns), func(c *Conn, _ int) bool {
		return lo.Contains(userIDs, c.UserID)
	})
	m.mu.RUnlock()
	m.deliver(e, targets)
}

func (m *ConnManager) Broadcast(e *Event) {
	m.mu.RLock()
	targets := lo.Values(m.conns)
	m.mu.RUnlock()
	m.deliver(e, targets)
}

// Close disconnects every session and waits for their goroutines to exit.
func (m *ConnManager) Close(ctx context.Context) error {
	for _, id := range m.Sessions() {
		m.disconnect(id)
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.connWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for connections: %w", ctx.Err())
	}
}
