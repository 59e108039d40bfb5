package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/applaude-labs/applaude-go/internal/domain"
	"github.com/applaude-labs/applaude-go/internal/repo"
)

type ProjectStore struct {
	db DB
}

func NewProjectStore(db DB) *ProjectStore {
	if db == nil {
		return nil
	}
	return &ProjectStore{db: db}
}

const projectColumns = `project_id, account_id, name, repository_url, is_connected, created_at, updated_at`

func (s *ProjectStore) CreateProject(ctx context.Context, project domain.Project) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}
	if err := project.Validate(); err != nil {
		return err
	}
	createdAt := normalizeTime(project.CreatedAt)
	updatedAt := createdAt
	if !project.UpdatedAt.IsZero() {
		updatedAt = project.UpdatedAt.UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO projects (`+projectColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		strings.TrimSpace(project.ID),
		strings.TrimSpace(project.AccountID),
		strings.TrimSpace(project.Name),
		strings.TrimSpace(project.RepositoryURL),
		project.IsConnected,
		createdAt,
		updatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert project: %w", classify(err))
	}
	return nil
}

func (s *ProjectStore) GetProject(ctx context.Context, accountID, id string) (domain.Project, error) {
	return s.getProject(ctx, accountID, id, "")
}

// LockProject takes FOR SHARE on the row. Inside a transaction a concurrent connect or
// disconnect waits until it ends.
func (s *ProjectStore) LockProject(ctx context.Context, accountID, id string) (domain.Project, error) {
	return s.getProject(ctx, accountID, id, " FOR SHARE")
}

func (s *ProjectStore) getProject(ctx context.Context, accountID, id, lock string) (domain.Project, error) {
	if s == nil || s.db == nil {
		return domain.Project{}, errNotInitialized
	}
	query := `SELECT ` + projectColumns + ` FROM projects WHERE project_id = $1 AND ($2 = '' OR account_id = $2)` + lock
	var p domain.Project
	row := s.db.QueryRowContext(
		ctx,
		query,
		strings.TrimSpace(id),
		strings.TrimSpace(accountID),
	)
	if err := row.Scan(&p.ID, &p.AccountID, &p.Name, &p.RepositoryURL, &p.IsConnected, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return domain.Project{}, handleNotFound(err)
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func buildProjectListQuery(filter repo.ProjectFilter) (string, []any) {
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if v := strings.TrimSpace(filter.AccountID); v != "" {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf("account_id = $%d", len(args)))
	}
	if filter.Connected != nil {
		args = append(args, *filter.Connected)
		clauses = append(clauses, fmt.Sprintf("is_connected = $%d", len(args)))
	}
	query := `SELECT ` + projectColumns + ` FROM projects`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, project_id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return query, args
}

func (s *ProjectStore) ListProjects(ctx context.Context, filter repo.ProjectFilter) ([]domain.Project, error) {
	if s == nil || s.db == nil {
		return nil, errNotInitialized
	}
	query, args := buildProjectListQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", classify(err))
	}
	defer rows.Close()

	out := make([]domain.Project, 0)
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.AccountID, &p.Name, &p.RepositoryURL, &p.IsConnected, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		p.CreatedAt = p.CreatedAt.UTC()
		p.UpdatedAt = p.UpdatedAt.UTC()
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list projects: %w", classify(err))
	}
	return out, nil
}

func (s *ProjectStore) SetProjectConnected(ctx context.Context, accountID, id string, connected bool, at time.Time) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE projects SET is_connected = $1, updated_at = $2 WHERE project_id = $3 AND account_id = $4`,
		connected,
		normalizeTime(at),
		strings.TrimSpace(id),
		strings.TrimSpace(accountID),
	)
	if err != nil {
		return fmt.Errorf("update project: %w", classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	if n == 0 {
		return repo.ErrNotFound
	}
	return nil
}
