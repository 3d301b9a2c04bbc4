package core

import (
	"context"
	"errors"
	"time"
)

// Session is an authenticated identity.
type Session struct {
	UserID    string    `json:"userId"`
	Name      string    `json:"name"`
	Token     string    `json:"-"`
	ExpiresAt time.Time `json:"expiresAt"`
}

var (
	ErrBadCredentials  = errors.New("invalid credentials")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrUnauthorized    = errors.New("unauthorized")
)

type AuthStore interface {
	NewSession(ctx context.Context, userID, password string) (*Session, error)

	DestroySession(ctx context.Context, session Session) error

	// Session returns ErrUnauthenticated when the token is invalid, expired or revoked.
	Session(ctx context.Context, token string) (*Session, error)
}
