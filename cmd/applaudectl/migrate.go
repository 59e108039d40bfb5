package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/applaude-labs/applaude-go/internal/platform/postgres"
	"github.com/applaude-labs/applaude-go/internal/platform/sqlite"
	repopg "github.com/applaude-labs/applaude-go/internal/repo/postgres"
	reposqlite "github.com/applaude-labs/applaude-go/internal/repo/sqlite"
)

type migrator struct {
	db      *sql.DB
	migrate func(*sql.DB) error
	version func(*sql.DB) (int64, error)
}

// openMigrator connects with the same DATABASE_URL / SQLITE_PATH settings the orchestrator reads.
func openMigrator(ctx context.Context, driver string) (migrator, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres":
		cfg, err := postgres.ConfigFromEnv()
		if err != nil {
			return migrator{}, fmt.Errorf("database config: %w", err)
		}
		db, err := postgres.Open(ctx, cfg)
		if err != nil {
			return migrator{}, err
		}
		return migrator{db: db, migrate: repopg.Migrate, version: repopg.MigrationVersion}, nil
	case "sqlite":
		cfg, err := sqlite.ConfigFromEnv()
		if err != nil {
			return migrator{}, fmt.Errorf("sqlite config: %w", err)
		}
		db, err := sqlite.Open(ctx, cfg)
		if err != nil {
			return migrator{}, err
		}
		return migrator{db: db, migrate: reposqlite.Migrate, version: reposqlite.MigrationVersion}, nil
	default:
		return migrator{}, fmt.Errorf("driver must be postgres or sqlite (got %q)", driver)
	}
}

func newMigrateCmd(a *app) *cobra.Command {
	var driver string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or inspect database migrations",
	}
	cmd.PersistentFlags().StringVar(&driver, "driver", "postgres", "database driver (postgres|sqlite)")

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := openMigrator(cmd.Context(), driver)
			if err != nil {
				return err
			}
			defer m.db.Close()
			if err := m.migrate(m.db); err != nil {
				return err
			}
			version, err := m.version(m.db)
			if err != nil {
				return err
			}
			return a.print(cmd, map[string]any{"driver": driver, "version": version, "status": "migrated"})
		},
	}
	status := &cobra.Command{
		Use:   "status",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := openMigrator(cmd.Context(), driver)
			if err != nil {
				return err
			}
			defer m.db.Close()
			version, err := m.version(m.db)
			if err != nil {
				return err
			}
			return a.print(cmd, map[string]any{"driver": driver, "version": version})
		},
	}
	cmd.AddCommand(up, status)
	return cmd
}
