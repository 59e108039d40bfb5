package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/applaude-labs/applaude-go/internal/domain"
)

type TransitionStore struct {
	db DB
}

func NewTransitionStore(db DB) *TransitionStore {
	if db == nil {
		return nil
	}
	return &TransitionStore{db: db}
}

// AppendTransition assigns the next sequence number for the run. Callers serialize
// per run by holding the run row lock taken by CompareAndSwapStatus or CreateRun.
func (s *TransitionStore) AppendTransition(ctx context.Context, t domain.Transition) (domain.Transition, error) {
	if s == nil || s.db == nil {
		return domain.Transition{}, errNotInitialized
	}
	t.RunID = strings.TrimSpace(t.RunID)
	t.OccurredAt = normalizeTime(t.OccurredAt)
	err := s.db.QueryRowContext(
		ctx,
		`INSERT INTO run_transitions (run_id, seq, from_status, to_status, actor, occurred_at)
		 SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5 FROM run_transitions WHERE run_id = $1
		 RETURNING seq`,
		t.RunID,
		nullIfEmpty(string(t.From)),
		string(t.To),
		strings.TrimSpace(t.Actor),
		t.OccurredAt,
	).Scan(&t.Seq)
	if err != nil {
		return domain.Transition{}, fmt.Errorf("append transition: %w", classify(err))
	}
	return t, nil
}

func (s *TransitionStore) ListTransitions(ctx context.Context, runID string) ([]domain.Transition, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT run_id, seq, from_status, to_status, actor, occurred_at
		 FROM run_transitions WHERE run_id = $1 ORDER BY seq`,
		strings.TrimSpace(runID),
	)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", classify(err))
	}
	defer rows.Close()

	out := make([]domain.Transition, 0)
	for rows.Next() {
		var t domain.Transition
		var from sql.NullString
		if err := rows.Scan(&t.RunID, &t.Seq, &from, &t.To, &t.Actor, &t.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		t.From = domain.RunStatus(from.String)
		t.OccurredAt = t.OccurredAt.UTC()
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list transitions: %w", classify(err))
	}
	return out, nil
}
