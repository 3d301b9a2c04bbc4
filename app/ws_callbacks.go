package cipherchat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/putto11262002/cipherchat/core"
)

func (app *App) onConnectionOpen(info core.ConnInfo) {
	app.logger.Debug("session opened", slog.String("session", info.ID), slog.String("user", info.UserID))
}

// onConnectionClose releases the memberships of the session, clears any typing indicator
// it left behind and announces the user offline once their last session is gone.
func (app *App) onConnectionClose(info core.ConnInfo) {
	rooms := app.registry.LeaveAll(info.ID)
	for _, roomID := range rooms {
		app.relay.PublishStopTyping(roomID, info.ID, info.UserID)
	}

	// the app context may already be cancelled during shutdown
	ctx, cancel := context.WithTimeout(context.WithoutCancel(app.context), 5*time.Second)
	defer cancel()
	last, err := app.registry.SetOffline(ctx, info.UserID, info.ID)
	if err != nil {
		app.logger.Error(fmt.Sprintf("SetOffline: %v", err), slog.String("session", info.ID))
		return
	}
	if last {
		app.relay.PublishPresence(info.UserID, false)
	}
	app.logger.Debug("session closed", slog.String("session", info.ID), slog.String("user", info.UserID),
		slog.Int("rooms", len(rooms)))
}
