package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

var ErrUnknownEvent = errors.New("unknown event")

type EventKind string

// client to server
const (
	EventJoin        EventKind = "join"
	EventJoinRoom    EventKind = "join-room"
	EventLeaveRoom   EventKind = "leave-room"
	EventSendMessage EventKind = "send-message"
	EventTyping      EventKind = "typing"
	EventStopTyping  EventKind = "stop-typing"
)

// server to client
const (
	EventUserOnline     EventKind = "user-online"
	EventNewMessage     EventKind = "new-message"
	EventUserTyping     EventKind = "user-typing"
	EventUserStopTyping EventKind = "user-stop-typing"
)

// Event is a frame on the direct path.
type Event struct {
	Type    EventKind       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (e Event) String() string {
	return fmt.Sprintf("Event{Type: %s, Payload.Size: %d}", e.Type, len(e.Payload))
}

type JoinPayload struct {
	UserID string `json:"userId"`
}

type RoomPayload struct {
	RoomID string `json:"roomId"`
}

type SendMessagePayload struct {
	RoomID  string  `json:"roomId"`
	Message Message `json:"message"`
}

type TypingPayload struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

type StopTypingPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

type PresencePayload struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

func payloadFor(kind EventKind) (any, bool) {
	switch kind {
	case EventJoin:
		return &JoinPayload{}, true
	case EventJoinRoom, EventLeaveRoom:
		return &RoomPayload{}, true
	case EventSendMessage:
		return &SendMessagePayload{}, true
	case EventTyping, EventUserTyping:
		return &TypingPayload{}, true
	case EventStopTyping, EventUserStopTyping:
		return &StopTypingPayload{}, true
	case EventUserOnline:
		return &PresencePayload{}, true
	case EventNewMessage:
		return &Message{}, true
	}
	return nil, false
}

// NewEvent builds an event of a known kind.
func NewEvent(kind EventKind, payload any) (*Event, error) {
	if _, ok := payloadFor(kind); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, kind)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	return &Event{Type: kind, Payload: b}, nil
}

// DecodePayload decodes the payload into the typed struct of the event kind.
func (e *Event) DecodePayload() (any, error) {
	p, ok := payloadFor(e.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, e.Type)
	}
	if err := json.Unmarshal(e.Payload, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return p, nil
}

func EncodeEvent(w io.Writer, e *Event) error {
	if err := json.NewEncoder(w).Encode(e); err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return nil
}

func DecodeEvent(r io.Reader, e *Event) error {
	if err := json.NewDecoder(r).Decode(e); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	return nil
}

// ConnInfo identifies the session an event came from.
type ConnInfo struct {
	ID       string
	UserID   string
	UserName string
}

// EventHandler handles the decoded payload of an inbound event.
type EventHandler func(ctx context.Context, from ConnInfo, payload any) error

// EventRouter dispatches inbound events to the handler registered for their kind.
// Dispatch runs on the caller's goroutine so events of one connection are handled in order.
type EventRouter struct {
	handlers map[EventKind]EventHandler
	logger   *slog.Logger
}

func NewEventRouter(logger *slog.Logger) *EventRouter {
	return &EventRouter{
		handlers: make(map[EventKind]EventHandler),
		logger:   logger,
	}
}

// On registers the handler of an event kind. It must be called before connections are accepted.
func (r *EventRouter) On(kind EventKind, handler EventHandler) {
	r.handlers[kind] = handler
}

func (r *EventRouter) Dispatch(ctx context.Context, from ConnInfo, e *Event) (err error) {
	handler, ok := r.handlers[e.Type]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEvent, e.Type)
	}
	payload, err := e.DecodePayload()
	if err != nil {
		return err
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%s handler panicked: %v", e.Type, rec)
		}
	}()
	if err := handler(ctx, from, payload); err != nil {
		return fmt.Errorf("%s handler: %w", e.Type, err)
	}
	return nil
}
