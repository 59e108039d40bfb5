// Package sqlite opens the embedded single-file database used for local and single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/applaude-labs/applaude-go/internal/platform/env"
	_ "modernc.org/sqlite"
)

const MemoryPath = ":memory:"

type Config struct {
	Path        string
	BusyTimeout time.Duration
	AutoMigrate bool
}

func ConfigFromEnv() (Config, error) {
	busy, err := env.Duration("SQLITE_BUSY_TIMEOUT", 5*time.Second)
	if err != nil {
		return Config{}, err
	}
	autoMigrate, err := env.Bool("DATABASE_AUTO_MIGRATE", true)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Path:        env.String("SQLITE_PATH", "applaude.db"),
		BusyTimeout: busy,
		AutoMigrate: autoMigrate,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Path) == "" {
		return errors.New("SQLITE_PATH is required")
	}
	if c.BusyTimeout < 0 {
		return errors.New("SQLITE_BUSY_TIMEOUT must be >= 0")
	}
	return nil
}

// DSN builds a modernc.org/sqlite connection string with foreign keys on and
// write transactions taking the database lock up front.
func (c Config) DSN() string {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", c.BusyTimeout.Milliseconds()))
	if c.Path != MemoryPath {
		q.Add("_pragma", "journal_mode(WAL)")
	}
	q.Set("_txlock", "immediate")
	return "file:" + c.Path + "?" + q.Encode()
}

// Open returns a pool limited to one connection: SQLite allows a single writer,
// and an in-memory database only lives as long as its connection.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}
