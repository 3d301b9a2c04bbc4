package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

type SQLiteUserStore struct {
	db *sql.DB
}

func NewSQLiteUserStore(db *sql.DB) *SQLiteUserStore {
	return &SQLiteUserStore{
		db: db,
	}
}

const userColumns = "id, email, name, COALESCE(public_key, ''), created_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*UserWithoutSecrets, error) {
	var user UserWithoutSecrets
	var createdAt int64
	if err := row.Scan(&user.ID, &user.Email, &user.Name, &user.PublicKey, &createdAt); err != nil {
		return nil, err
	}
	user.CreatedAt = time.Unix(0, createdAt).UTC()
	return &user, nil
}

func (s *SQLiteUserStore) CreateUser(ctx context.Context, user User) (*UserWithoutSecrets, error) {
	if err := user.Validate(); err != nil {
		return nil, err
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(user.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("GenerateFromPassword: %w", err)
	}

	created := UserWithoutSecrets{
		ID:        user.ID,
		Email:     strings.ToLower(user.Email),
		Name:      user.Name,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, name, password_hash, created_at)
		 VALUES (@id, @email, @name, @password, @created_at)`,
		sql.Named("id", created.ID),
		sql.Named("email", created.Email),
		sql.Named("name", created.Name),
		sql.Named("password", string(hashed)),
		sql.Named("created_at", created.CreatedAt.UnixNano()))
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && (sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey) {
			return nil, ErrConflictedUser
		}
		return nil, fmt.Errorf("ExecContext: %w", err)
	}

	return &created, nil
}

func (s *SQLiteUserStore) GetUsersByIDs(ctx context.Context, ids ...string) ([]UserWithoutSecrets, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	values := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		values = append(values, id)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE id IN ("+strings.Repeat("?,", len(ids)-1)+"?)", values...)
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	var users []UserWithoutSecrets
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		users = append(users, *user)
	}
	return users, rows.Err()
}

func (s *SQLiteUserStore) GetUser(ctx context.Context, id string) (*UserWithoutSecrets, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ? LIMIT 1", id)

	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("Scan: %w", err)
	}
	return user, nil
}

func (s *SQLiteUserStore) ComparePassword(ctx context.Context, id, password string) (bool, error) {
	row := s.db.QueryRowContext(ctx, "SELECT password_hash FROM users WHERE id = ? LIMIT 1", id)

	var stored string
	if err := row.Scan(&stored); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrUserNotFound
		}
		return false, fmt.Errorf("Scan: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)); err != nil {
		return false, nil
	}
	return true, nil
}

func (s *SQLiteUserStore) GetUsers(ctx context.Context, options *GetUsersOptions) ([]UserWithoutSecrets, error) {
	where := "1 = 1"
	values := make([]interface{}, 0, 3)
	limit, offset := 10, 0
	if options != nil {
		if options.Q != "" {
			where = "(id LIKE @q OR name LIKE @q)"
			values = append(values, sql.Named("q", options.Q+"%"))
		}
		if options.Limit > 0 {
			limit = options.Limit
		}
		if options.Offset > 0 {
			offset = options.Offset
		}
	}
	values = append(values, sql.Named("limit", limit), sql.Named("offset", offset))

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE "+where+" ORDER BY id LIMIT @limit OFFSET @offset", values...)
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	defer rows.Close()

	users := []UserWithoutSecrets{}
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		users = append(users, *user)
	}
	return users, rows.Err()
}

func (s *SQLiteUserStore) SetPublicKey(ctx context.Context, id, publicKey string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE users SET public_key = @key WHERE id = @id",
		sql.Named("key", publicKey), sql.Named("id", id))
	if err != nil {
		return fmt.Errorf("ExecContext: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("RowsAffected: %w", err)
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}
