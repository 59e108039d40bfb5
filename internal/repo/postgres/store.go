package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/applaude-labs/applaude-go/internal/repo"
)

type repositories struct {
	projects    *ProjectStore
	runs        *RunStore
	balances    *BalanceStore
	transitions *TransitionStore
	audit       *AuditAppender
}

func newRepositories(db DB) repositories {
	return repositories{
		projects:    NewProjectStore(db),
		runs:        NewRunStore(db),
		balances:    NewBalanceStore(db),
		transitions: NewTransitionStore(db),
		audit:       NewAuditAppender(db),
	}
}

func (r repositories) Projects() repo.ProjectRepository       { return r.projects }
func (r repositories) Runs() repo.RunRepository               { return r.runs }
func (r repositories) Balances() repo.BalanceRepository       { return r.balances }
func (r repositories) Transitions() repo.TransitionRepository { return r.transitions }
func (r repositories) Audit() repo.AuditEventAppender         { return r.audit }

// Store is the PostgreSQL repo.Store. Transactions run at READ COMMITTED; the
// conditional UPDATEs used for debits and status changes provide the row-level serialization.
type Store struct {
	repositories
	db *sql.DB
}

func NewStore(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &Store{repositories: newRepositories(db), db: db}, nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) WithinTx(ctx context.Context, fn func(repo.Repositories) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", classify(err))
	}
	if err := fn(newRepositories(tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", classify(err))
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}
