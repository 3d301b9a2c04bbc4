package core

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

type SQLiteDBOption struct {
	// mode can be ro | rw | rwc | memory
	Mode string
	// cache can be shared | private
	Cache string
	// JournalMode be DELETE | TRUNCATE | PERSIST | MEMORY | WAL | OFF
	JournalMode string
	// BusyTimeout is in milliseconds.
	BusyTimeout int
}

func (config *SQLiteDBOption) DSN(file string) string {
	q := url.Values{}
	if config != nil {
		if config.Mode != "" {
			q.Set("mode", config.Mode)
		}
		if config.Cache != "" {
			q.Set("cache", config.Cache)
		}
		if config.JournalMode != "" {
			q.Set("_journal_mode", config.JournalMode)
		}
		if config.BusyTimeout > 0 {
			q.Set("_busy_timeout", fmt.Sprintf("%d", config.BusyTimeout))
		}
	}
	if len(q) == 0 {
		return "file:" + file
	}
	return "file:" + file + "?" + q.Encode()
}

type SQLiteDB struct {
	*sql.DB
	config       *SQLiteDBOption
	file         string
	migrationDir string
}

func NewSQLiteDB(file, migrationDir string, config *SQLiteDBOption) (*SQLiteDB, error) {
	db := &SQLiteDB{config: config, migrationDir: migrationDir, file: file}

	d, err := sql.Open("sqlite3", config.DSN(file))
	if err != nil {
		return nil, err
	}

	db.DB = d
	return db, nil
}

func (db *SQLiteDB) Migrate() error {
	return Migrate(db.DB, db.migrationDir)
}

// Migrate applies the goose migrations found in dir.
func Migrate(db *sql.DB, dir string) error {
	goose.SetBaseFS(os.DirFS(dir))

	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}

	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}
