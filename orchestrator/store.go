package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/applaude-labs/applaude-go/internal/platform/postgres"
	"github.com/applaude-labs/applaude-go/internal/platform/sqlite"
	"github.com/applaude-labs/applaude-go/internal/repo"
	"github.com/applaude-labs/applaude-go/internal/repo/memory"
	repopg "github.com/applaude-labs/applaude-go/internal/repo/postgres"
	reposqlite "github.com/applaude-labs/applaude-go/internal/repo/sqlite"
)

type openedStore struct {
	store repo.Store
	// db is the PostgreSQL pool, nil for other drivers.
	db          *sql.DB
	databaseURL string
}

func openStore(ctx context.Context, logger *slog.Logger, driver string) (openedStore, error) {
	switch driver {
	case storeDriverPostgres:
		cfg, err := postgres.ConfigFromEnv()
		if err != nil {
			return openedStore{}, fmt.Errorf("database config: %w", err)
		}
		db, err := postgres.Open(ctx, cfg)
		if err != nil {
			return openedStore{}, fmt.Errorf("database unavailable: %w", err)
		}
		if cfg.AutoMigrate {
			if err := repopg.Migrate(db); err != nil {
				_ = db.Close()
				return openedStore{}, err
			}
			logger.Info("database migrated", "driver", driver)
		}
		store, err := repopg.NewStore(db)
		if err != nil {
			_ = db.Close()
			return openedStore{}, err
		}
		return openedStore{store: store, db: db, databaseURL: cfg.URL}, nil

	case storeDriverSQLite:
		cfg, err := sqlite.ConfigFromEnv()
		if err != nil {
			return openedStore{}, fmt.Errorf("sqlite config: %w", err)
		}
		db, err := sqlite.Open(ctx, cfg)
		if err != nil {
			return openedStore{}, err
		}
		if cfg.AutoMigrate {
			if err := reposqlite.Migrate(db); err != nil {
				_ = db.Close()
				return openedStore{}, err
			}
			logger.Info("database migrated", "driver", driver, "path", cfg.Path)
		}
		store, err := reposqlite.NewStore(db)
		if err != nil {
			_ = db.Close()
			return openedStore{}, err
		}
		return openedStore{store: store}, nil

	case storeDriverMemory:
		logger.Warn("using in-memory store; state is lost on restart")
		return openedStore{store: memory.New()}, nil

	default:
		return openedStore{}, fmt.Errorf("unsupported store driver %q", driver)
	}
}
