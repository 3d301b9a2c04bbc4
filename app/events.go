package cipherchat

import (
	"context"
	"fmt"

	"github.com/putto11262002/cipherchat/core"
)

func (app *App) registerEventHandlers() {
	app.eventRouter.On(core.EventJoin, app.JoinHandler)
	app.eventRouter.On(core.EventJoinRoom, app.JoinRoomHandler)
	app.eventRouter.On(core.EventLeaveRoom, app.LeaveRoomHandler)
	app.eventRouter.On(core.EventSendMessage, app.SendMessageEventHandler)
	app.eventRouter.On(core.EventTyping, app.TypingHandler)
	app.eventRouter.On(core.EventStopTyping, app.StopTypingHandler)
}

func checkRoom(roomID, userID string) error {
	if !core.IsParticipant(roomID, userID) {
		return fmt.Errorf("%w: %s is not a participant of %s", core.ErrUnauthorized, userID, roomID)
	}
	return nil
}

// JoinHandler marks the session user online and tells the session who else is online.
func (app *App) JoinHandler(ctx context.Context, from core.ConnInfo, payload any) error {
	p := payload.(*core.JoinPayload)
	if p.UserID != from.UserID {
		return fmt.Errorf("%w: join as %q", core.ErrUnauthorized, p.UserID)
	}

	first, err := app.registry.SetOnline(ctx, from.UserID, from.ID)
	if err != nil {
		return fmt.Errorf("SetOnline: %w", err)
	}
	if first {
		app.relay.PublishPresence(from.UserID, true)
	}

	online, err := app.registry.OnlineUsers(ctx)
	if err != nil {
		return fmt.Errorf("OnlineUsers: %w", err)
	}
	for _, userID := range online {
		if userID == from.UserID {
			continue
		}
		e, err := core.NewEvent(core.EventUserOnline, core.PresencePayload{UserID: userID, Online: true})
		if err != nil {
			return err
		}
		app.wsManager.SendTo(e, from.ID)
	}
	return nil
}

func (app *App) JoinRoomHandler(ctx context.Context, from core.ConnInfo, payload any) error {
	p := payload.(*core.RoomPayload)
	if err := checkRoom(p.RoomID, from.UserID); err != nil {
		return err
	}
	app.registry.Join(from.ID, p.RoomID)
	return nil
}

// LeaveRoomHandler drops the membership and clears any typing indicator the session left in the room.
func (app *App) LeaveRoomHandler(ctx context.Context, from core.ConnInfo, payload any) error {
	p := payload.(*core.RoomPayload)
	if !app.registry.IsMember(from.ID, p.RoomID) {
		return nil
	}
	app.registry.Leave(from.ID, p.RoomID)
	app.relay.PublishStopTyping(p.RoomID, from.ID, from.UserID)
	return nil
}

// SendMessageEventHandler forwards a message the client already persisted over REST
// to the sessions joined to the room. The stored copy is forwarded, never the client's.
func (app *App) SendMessageEventHandler(ctx context.Context, from core.ConnInfo, payload any) error {
	p := payload.(*core.SendMessagePayload)
	msg := p.Message
	if msg.RoomID == "" {
		msg.RoomID = p.RoomID
	}
	if msg.RoomID != p.RoomID {
		return fmt.Errorf("%w: message room %q does not match %q", core.ErrInvalidMessage, msg.RoomID, p.RoomID)
	}
	if msg.ID == "" || msg.EncryptedContent == "" {
		return core.ErrInvalidMessage
	}
	if msg.SenderID != from.UserID {
		return fmt.Errorf("%w: send as %q", core.ErrUnauthorized, msg.SenderID)
	}
	if err := checkRoom(msg.RoomID, from.UserID); err != nil {
		return err
	}
	stored, err := app.chatService.Recent(ctx, msg.RoomID, msg.ID)
	if err != nil {
		return err
	}
	if stored.SenderID != from.UserID {
		return fmt.Errorf("%w: forward a message sent by %q", core.ErrUnauthorized, stored.SenderID)
	}
	app.relay.ForwardMessage(stored)
	return nil
}

func (app *App) TypingHandler(ctx context.Context, from core.ConnInfo, payload any) error {
	p := payload.(*core.TypingPayload)
	if p.UserID != "" && p.UserID != from.UserID {
		return fmt.Errorf("%w: typing as %q", core.ErrUnauthorized, p.UserID)
	}
	if err := checkRoom(p.RoomID, from.UserID); err != nil {
		return err
	}
	app.relay.PublishTyping(p.RoomID, from.ID, from.UserID, from.UserName)
	return nil
}

func (app *App) StopTypingHandler(ctx context.Context, from core.ConnInfo, payload any) error {
	p := payload.(*core.StopTypingPayload)
	if p.UserID != "" && p.UserID != from.UserID {
		return fmt.Errorf("%w: stop typing as %q", core.ErrUnauthorized, p.UserID)
	}
	if err := checkRoom(p.RoomID, from.UserID); err != nil {
		return err
	}
	app.relay.PublishStopTyping(p.RoomID, from.ID, from.UserID)
	return nil
}
