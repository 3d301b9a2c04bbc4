package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type SQLiteAuthStore struct {
	tokenExp  time.Duration
	secret    []byte
	userStore UserStore
	db        *sql.DB
}

type AuthOption func(*SQLiteAuthStore)

func WithTokenExp(exp time.Duration) AuthOption {
	return func(a *SQLiteAuthStore) {
		if exp > 0 {
			a.tokenExp = exp
		}
	}
}

func NewSQLiteAuthStore(db *sql.DB, userStore UserStore, secret []byte, opts ...AuthOption) *SQLiteAuthStore {
	auth := &SQLiteAuthStore{
		tokenExp:  time.Hour * 24,
		secret:    secret,
		userStore: userStore,
		db:        db,
	}
	for _, opt := range opts {
		opt(auth)
	}
	return auth
}

func (a *SQLiteAuthStore) NewSession(ctx context.Context, userID, password string) (*Session, error) {
	user, err := a.userStore.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("GetUser: %w", err)
	}
	if user == nil {
		return nil, ErrBadCredentials
	}

	ok, err := a.userStore.ComparePassword(ctx, userID, password)
	if err != nil {
		return nil, fmt.Errorf("ComparePassword: %w", err)
	}
	if !ok {
		return nil, ErrBadCredentials
	}

	token, exp, err := NewToken(*user, a.tokenExp, a.secret)
	if err != nil {
		return nil, fmt.Errorf("NewToken: %w", err)
	}

	return &Session{
		UserID:    user.ID,
		Name:      user.Name,
		Token:     token,
		ExpiresAt: exp,
	}, nil
}

func (a *SQLiteAuthStore) DestroySession(ctx context.Context, session Session) error {
	if err := a.blacklistToken(ctx, session.Token, session.ExpiresAt); err != nil {
		return fmt.Errorf("blacklistToken: %w", err)
	}
	return nil
}

func (a *SQLiteAuthStore) blacklistToken(ctx context.Context, token string, exp time.Time) error {
	_, err := a.db.ExecContext(ctx,
		"INSERT INTO blacklists (token, expires_at) VALUES (@token, @exp) ON CONFLICT (token) DO NOTHING",
		sql.Named("token", token), sql.Named("exp", exp.UnixNano()))
	return err
}

func (a *SQLiteAuthStore) isBlacklisted(ctx context.Context, token string) (bool, error) {
	row := a.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM blacklists WHERE token = @token", sql.Named("token", token))
	var count int
	if err := row.Scan(&count); err != nil {
		return false, fmt.Errorf("Scan: %w", err)
	}
	return count > 0, nil
}

// PurgeBlacklist removes revoked tokens that have expired anyway.
func (a *SQLiteAuthStore) PurgeBlacklist(ctx context.Context) (int, error) {
	res, err := a.db.ExecContext(ctx, "DELETE FROM blacklists WHERE expires_at < @now",
		sql.Named("now", time.Now().UnixNano()))
	if err != nil {
		return 0, fmt.Errorf("ExecContext: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("RowsAffected: %w", err)
	}
	return int(n), nil
}

func (a *SQLiteAuthStore) Session(ctx context.Context, token string) (*Session, error) {
	claims, err := VerifyToken(token, a.secret)
	if err != nil {
		if errors.Is(err, ErrTokenExpired) || errors.Is(err, ErrTokenInvalid) || errors.Is(err, ErrUnrecognizedToken) {
			return nil, ErrUnauthenticated
		}
		return nil, fmt.Errorf("VerifyToken: %w", err)
	}

	blacklisted, err := a.isBlacklisted(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("isBlacklisted: %w", err)
	}
	if blacklisted {
		return nil, ErrUnauthenticated
	}

	return &Session{
		UserID:    claims.UserID,
		Name:      claims.Name,
		Token:     token,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
