package core

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type BaseFixture struct {
	ctx      context.Context
	db       *sql.DB
	t        *testing.T
	tearDown func()
}

// NewBaseFixture opens a private in-memory database with every migration applied.
func NewBaseFixture(t *testing.T) *BaseFixture {
	ctx, cancel := context.WithCancel(context.Background())

	opt := &SQLiteDBOption{Mode: "memory", Cache: "shared"}
	db, err := sql.Open("sqlite3", opt.DSN(uuid.NewString()))
	require.NoError(t, err)
	// every connection of a memory database sees the same data only within the shared cache
	db.SetMaxOpenConns(1)

	require.NoError(t, Migrate(db, "../migrations"))

	return &BaseFixture{
		ctx: ctx,
		db:  db,
		t:   t,
		tearDown: func() {
			cancel()
			db.Close()
		},
	}
}

func seedUsers(ctx context.Context, t *testing.T, userStore UserStore, users ...User) []UserWithoutSecrets {
	created := make([]UserWithoutSecrets, 0, len(users))
	for _, u := range users {
		user, err := userStore.CreateUser(ctx, u)
		require.NoError(t, err)
		created = append(created, *user)
	}
	return created
}

var (
	alice = User{ID: "alice", Email: "alice@example.com", Name: "Alice", Password: "password-alice"}
	bob   = User{ID: "bob", Email: "bob@example.com", Name: "Bob", Password: "password-bob"}
	carol = User{ID: "carol", Email: "carol@example.com", Name: "Carol", Password: "password-carol"}
)
