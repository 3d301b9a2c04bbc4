package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"
)

var ErrRelayUnavailable = errors.New("relay unavailable")

// relay path event names
const (
	RelayNewMessage          = "new-message"
	RelayMessageReceived     = "message-received"
	RelayKeyExchangeRequest  = "key-exchange-request"
	RelayKeyExchangeResponse = "key-exchange-response"
)

const (
	DefaultRelayTimeout   = 5 * time.Second
	DefaultRelayQueueSize = 256
)

func RoomChannel(roomID string) string {
	return "chat-" + roomID
}

func UserChannel(userID string) string {
	return "user-" + userID
}

// RelayEvent is the wire format of the relay path.
type RelayEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type NewMessageData struct {
	Message Message `json:"message"`
}

type MessageReceivedData struct {
	RoomID     string `json:"roomId"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
}

type KeyExchangeData struct {
	FromUserID   string `json:"fromUserId"`
	FromUserName string `json:"fromUserName"`
	PublicKey    string `json:"publicKey"`
}

// Publisher publishes payloads to named channels of an external pub/sub service.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Subscriber receives the payloads published to a channel.
type Subscriber interface {
	Subscribe(channel string, handler func(payload []byte)) (unsubscribe func() error, err error)
}

// NopPublisher is used when no relay service is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, []byte) error {
	return nil
}

type publication struct {
	channel string
	event   string
	payload []byte
}

type RelayOption func(*Relay)

func WithRelayTimeout(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithRelayQueueSize(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// Relay fans out realtime events over the direct websocket path and the external relay path.
// Direct delivery happens on the caller's goroutine. Relay publications are queued and
// published in order by a single worker, so a slow relay never blocks the caller.
type Relay struct {
	direct    DirectTransport
	registry  *RoomRegistry
	publisher Publisher
	logger    *slog.Logger

	timeout   time.Duration
	queueSize int
	queue     chan publication
	wg        sync.WaitGroup

	mu      sync.RWMutex
	started bool
	closed  bool
}

func NewRelay(direct DirectTransport, registry *RoomRegistry, publisher Publisher, logger *slog.Logger, opts ...RelayOption) *Relay {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	r := &Relay{
		direct:    direct,
		registry:  registry,
		publisher: publisher,
		logger:    logger,
		timeout:   DefaultRelayTimeout,
		queueSize: DefaultRelayQueueSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.queue = make(chan publication, r.queueSize)
	return r
}

// Start launches the publishing worker.
func (r *Relay) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.closed {
		return
	}
	r.started = true
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.worker()
	}()
}

func (r *Relay) worker() {
	for p := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		err := r.publisher.Publish(ctx, p.channel, p.payload)
		cancel()
		if err != nil {
			r.logger.Error(fmt.Sprintf("publish %s to %s: %v", p.event, p.channel, errors.Join(ErrRelayUnavailable, err)))
		}
	}
}

// Close stops accepting publications and waits for the queue to drain.
func (r *Relay) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("draining relay queue: %w", ctx.Err())
	}
}

func (r *Relay) enqueue(channel, event string, data any) {
	b, err := json.Marshal(data)
	if err != nil {
		r.logger.Error(fmt.Sprintf("marshal %s: %v", event, err))
		return
	}
	payload, err := json.Marshal(RelayEvent{Event: event, Data: b})
	if err != nil {
		r.logger.Error(fmt.Sprintf("marshal relay event: %v", err))
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.logger.Warn(fmt.Sprintf("dropped %s to %s: %v", event, channel, ErrRelayUnavailable))
		return
	}
	select {
	case r.queue <- publication{channel: channel, event: event, payload: payload}:
	default:
		r.logger.Error(fmt.Sprintf("dropped %s to %s, queue full: %v", event, channel, ErrRelayUnavailable))
	}
}

func (r *Relay) emit(kind EventKind, payload any, sessionIDs []string) {
	if len(sessionIDs) == 0 {
		return
	}
	e, err := NewEvent(kind, payload)
	if err != nil {
		r.logger.Error(err.Error())
		return
	}
	r.direct.SendTo(e, sessionIDs...)
}

// PublishMessage delivers a persisted message to every session joined to its room,
// the sender's included, and to the room and receiver channels of the relay path.
func (r *Relay) PublishMessage(msg *Message) {
	r.emit(EventNewMessage, msg, r.registry.MembersOf(msg.RoomID))

	r.enqueue(RoomChannel(msg.RoomID), RelayNewMessage, NewMessageData{Message: *msg})
	r.enqueue(UserChannel(msg.ReceiverID), RelayMessageReceived, MessageReceivedData{
		RoomID:     msg.RoomID,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
	})
}

func (r *Relay) othersInRoom(roomID, senderSession string) []string {
	return lo.Without(r.registry.MembersOf(roomID), senderSession)
}

func (r *Relay) PublishTyping(roomID, senderSession, userID, userName string) {
	r.emit(EventUserTyping, TypingPayload{RoomID: roomID, UserID: userID, UserName: userName},
		r.othersInRoom(roomID, senderSession))
}

func (r *Relay) PublishStopTyping(roomID, senderSession, userID string) {
	r.emit(EventUserStopTyping, StopTypingPayload{RoomID: roomID, UserID: userID},
		r.othersInRoom(roomID, senderSession))
}

// PublishPresence tells every live session that a user came online or went offline.
func (r *Relay) PublishPresence(userID string, online bool) {
	e, err := NewEvent(EventUserOnline, PresencePayload{UserID: userID, Online: online})
	if err != nil {
		r.logger.Error(err.Error())
		return
	}
	r.direct.Broadcast(e)
}

// PublishDirected sends an event to the user channel of the relay path.
func (r *Relay) PublishDirected(userID, event string, data any) {
	r.enqueue(UserChannel(userID), event, data)
}

// ForwardMessage delivers a message announced by a client on the direct path only.
func (r *Relay) ForwardMessage(msg *Message) {
	r.emit(EventNewMessage, msg, r.registry.MembersOf(msg.RoomID))
}
