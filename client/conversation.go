package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/putto11262002/cipherchat/core"
)

// Conversation is an open room with one peer. It feeds a Reconciler from the REST history,
// the direct path and, when a subscriber is given, the relay path.
type Conversation struct {
	client     *Client
	socket     *Socket
	peerID     string
	roomID     string
	key        core.Key
	reconciler *Reconciler
	typing     *TypingTracker
	notifier   *TypingNotifier
	unsub      func() error
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// Open loads the history of the room with peerID, then attaches the direct path and the relay path.
func Open(ctx context.Context, c *Client, peerID string, subscriber core.Subscriber) (*Conversation, error) {
	session := c.Session()
	if session == nil {
		return nil, core.ErrUnauthenticated
	}
	roomID := core.RoomID(session.UserID, peerID)
	key, err := core.DefaultKeyDeriver.Derive(ctx, roomID)
	if err != nil {
		return nil, err
	}

	conv := &Conversation{
		client:     c,
		peerID:     peerID,
		roomID:     roomID,
		key:        key,
		reconciler: NewReconciler(key),
		typing:     NewTypingTracker(TypingTimeout, nil),
	}

	_, history, err := c.Messages(ctx, peerID, 0)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	conv.reconciler.Load(history)

	if conv.socket, err = c.Dial(ctx); err != nil {
		return nil, err
	}
	if err := conv.socket.Emit(core.EventJoin, core.JoinPayload{UserID: session.UserID}); err != nil {
		conv.socket.Close()
		return nil, fmt.Errorf("join: %w", err)
	}
	if err := conv.socket.Emit(core.EventJoinRoom, core.RoomPayload{RoomID: roomID}); err != nil {
		conv.socket.Close()
		return nil, fmt.Errorf("join room: %w", err)
	}
	conv.wg.Add(1)
	go func() {
		defer conv.wg.Done()
		conv.consume()
	}()

	if subscriber != nil {
		conv.unsub, err = subscriber.Subscribe(core.RoomChannel(roomID), conv.onRelay)
		if err != nil {
			conv.Close()
			return nil, fmt.Errorf("subscribe relay: %w", err)
		}
	}

	conv.notifier = NewTypingNotifier(TypingTimeout,
		func() {
			conv.socket.Emit(core.EventTyping, core.TypingPayload{
				RoomID: roomID, UserID: session.UserID, UserName: session.Name})
		},
		func() {
			conv.socket.Emit(core.EventStopTyping, core.StopTypingPayload{RoomID: roomID, UserID: session.UserID})
		})

	return conv, nil
}

func (c *Conversation) consume() {
	for e := range c.socket.Events() {
		payload, err := e.DecodePayload()
		if err != nil {
			c.client.logger.Warn(err.Error())
			continue
		}
		switch p := payload.(type) {
		case *core.Message:
			if p.RoomID == c.roomID {
				c.reconciler.Receive(*p)
			}
		case *core.TypingPayload:
			if p.RoomID == c.roomID {
				c.typing.Typing(p.UserID, p.UserName)
			}
		case *core.StopTypingPayload:
			if p.RoomID == c.roomID {
				c.typing.StopTyping(p.UserID)
			}
		}
	}
}

func (c *Conversation) onRelay(payload []byte) {
	var e core.RelayEvent
	if err := json.Unmarshal(payload, &e); err != nil {
		c.client.logger.Warn(fmt.Sprintf("decode relay event: %v", err))
		return
	}
	if e.Event != core.RelayNewMessage {
		return
	}
	var data core.NewMessageData
	if err := json.Unmarshal(e.Data, &data); err != nil {
		c.client.logger.Warn(fmt.Sprintf("decode relay message: %v", err))
		return
	}
	if data.Message.RoomID == c.roomID {
		c.reconciler.Receive(data.Message)
	}
}

func (c *Conversation) RoomID() string {
	return c.roomID
}

// Send encrypts and persists a message, shows it locally and announces it on the direct path.
func (c *Conversation) Send(ctx context.Context, plaintext string) (*core.Message, error) {
	envelope, err := core.Encrypt([]byte(plaintext), c.key)
	if err != nil {
		return nil, err
	}
	msg, err := c.client.Send(ctx, c.peerID, envelope)
	if err != nil {
		return nil, err
	}
	c.reconciler.InsertLocal(*msg, plaintext)
	c.notifier.Flush()
	if err := c.socket.Emit(core.EventSendMessage, core.SendMessagePayload{RoomID: c.roomID, Message: *msg}); err != nil {
		c.client.logger.Warn(fmt.Sprintf("announce message: %v", err))
	}
	return msg, nil
}

// Keystroke signals local typing activity.
func (c *Conversation) Keystroke() {
	c.notifier.Keystroke()
}

func (c *Conversation) Entries() []Entry {
	return c.reconciler.Entries()
}

func (c *Conversation) Len() int {
	return c.reconciler.Len()
}

// Typers returns the remote users currently typing in the room.
func (c *Conversation) Typers() []string {
	return c.typing.Typers()
}

func (c *Conversation) Close() error {
	var errs []error
	c.closeOnce.Do(func() {
		if c.notifier != nil {
			c.notifier.Flush()
			c.notifier.Close()
		}
		if c.unsub != nil {
			errs = append(errs, c.unsub())
		}
		if c.socket != nil {
			c.socket.Emit(core.EventLeaveRoom, core.RoomPayload{RoomID: c.roomID})
			errs = append(errs, c.socket.Close())
		}
		c.wg.Wait()
	})
	return errors.Join(errs...)
}
