package core

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type User struct {
	ID       string `json:"id" validate:"required,alphanum,min=3,max=32"`
	Email    string `json:"email" validate:"required,email"`
	Name     string `json:"name" validate:"required,max=64"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

type UserWithoutSecrets struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	PublicKey string    `json:"publicKey,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

var (
	ErrConflictedUser = errors.New("user already exists")
	ErrUserNotFound   = errors.New("user not found")
	ErrInvalidUser    = errors.New("invalid user")
)

func (u User) Validate() error {
	if err := validate.Struct(u); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUser, err)
	}
	return nil
}

type GetUsersOptions struct {
	Limit  int
	Offset int
	Q      string
}

type UserStore interface {
	CreateUser(ctx context.Context, user User) (*UserWithoutSecrets, error)

	// GetUser returns nil when the user does not exist.
	GetUser(ctx context.Context, id string) (*UserWithoutSecrets, error)

	GetUsersByIDs(ctx context.Context, ids ...string) ([]UserWithoutSecrets, error)

	ComparePassword(ctx context.Context, id, password string) (bool, error)

	GetUsers(ctx context.Context, opts *GetUsersOptions) ([]UserWithoutSecrets, error)

	// SetPublicKey stores the public key a user announces for key exchange.
	SetPublicKey(ctx context.Context, id, publicKey string) error
}
