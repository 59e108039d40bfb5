package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/applaude-labs/applaude-go/internal/domain"
	"github.com/applaude-labs/applaude-go/internal/repo"
)

type RunStore struct {
	db DB
}

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

const runColumns = `run_id, account_id, project_id, run_type, status, created_at, updated_at,
	completed_at, pull_request_url, report_url, bugs_fixed`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.Run, error) {
	var run domain.Run
	var completedAt sql.NullTime
	var prURL, reportURL sql.NullString
	if err := row.Scan(&run.ID, &run.AccountID, &run.ProjectID, &run.RunType, &run.Status, &run.CreatedAt, &run.UpdatedAt,
		&completedAt, &prURL, &reportURL, &run.BugsFixed); err != nil {
		return domain.Run{}, err
	}
	run.CreatedAt = run.CreatedAt.UTC()
	run.UpdatedAt = run.UpdatedAt.UTC()
	run.CompletedAt = timePtr(completedAt)
	run.PullRequestURL = prURL.String
	run.ReportURL = reportURL.String
	return run, nil
}

func (s *RunStore) CreateRun(ctx context.Context, run domain.Run) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}
	if err := run.Validate(); err != nil {
		return err
	}
	createdAt := normalizeTime(run.CreatedAt)
	updatedAt := createdAt
	if !run.UpdatedAt.IsZero() {
		updatedAt = run.UpdatedAt.UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		strings.TrimSpace(run.ID),
		strings.TrimSpace(run.AccountID),
		strings.TrimSpace(run.ProjectID),
		string(run.RunType),
		string(run.Status),
		createdAt,
		updatedAt,
		nullTime(run.CompletedAt),
		nullIfEmpty(run.PullRequestURL),
		nullIfEmpty(run.ReportURL),
		run.BugsFixed,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", classify(err))
	}
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, accountID, id string) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, errNotInitialized
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Run{}, repo.ErrNotFound
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+runColumns+` FROM runs WHERE run_id = $1 AND ($2 = '' OR account_id = $2)`,
		id,
		strings.TrimSpace(accountID),
	)
	run, err := scanRun(row)
	if err != nil {
		return domain.Run{}, handleNotFound(err)
	}
	return run, nil
}

func buildRunListQuery(filter repo.RunFilter) (string, []any) {
	clauses := make([]string, 0, 5)
	args := make([]any, 0, 6)
	if v := strings.TrimSpace(filter.AccountID); v != "" {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf("account_id = $%d", len(args)))
	}
	if v := strings.TrimSpace(filter.ProjectID); v != "" {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf("project_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.NonTerminal {
		clauses = append(clauses, "status NOT IN ('COMPLETE', 'FAILED')")
	}
	if !filter.UpdatedBefore.IsZero() {
		args = append(args, filter.UpdatedBefore.UTC())
		clauses = append(clauses, fmt.Sprintf("updated_at < $%d", len(args)))
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, run_id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return query, args
}

func (s *RunStore) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	query, args := buildRunListQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", classify(err))
	}
	defer rows.Close()

	runs := make([]domain.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", classify(err))
	}
	return runs, nil
}

// CompareAndSwapStatus applies update only while the stored status still equals update.From.
// Set-once artifact columns keep their first non-null value.
func (s *RunStore) CompareAndSwapStatus(ctx context.Context, update repo.RunUpdate) (bool, error) {
	if s == nil || s.db == nil {
		return false, errNotInitialized
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE runs SET
			status = $1,
			updated_at = $2,
			completed_at = COALESCE(completed_at, $3),
			pull_request_url = COALESCE(pull_request_url, $4),
			report_url = COALESCE(report_url, $5),
			bugs_fixed = GREATEST(bugs_fixed, $6)
		 WHERE run_id = $7 AND status = $8`,
		string(update.To),
		normalizeTime(update.UpdatedAt),
		nullTime(update.CompletedAt),
		nullIfEmpty(update.PullRequestURL),
		nullIfEmpty(update.ReportURL),
		update.BugsFixed,
		strings.TrimSpace(update.ID),
		string(update.From),
	)
	if err != nil {
		return false, fmt.Errorf("update run status: %w", classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update run status: %w", err)
	}
	if n > 0 {
		return true, nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE run_id = $1`, strings.TrimSpace(update.ID)).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, repo.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("check run: %w", classify(err))
	}
	return false, nil
}
