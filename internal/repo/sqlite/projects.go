package sqlite

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
		`INSERT INTO projects (`+projectColumns+`) VALUES (?,?,?,?,?,?,?)`,
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

func scanProject(row interface{ Scan(...any) error }) (domain.Project, error) {
	var p domain.Project
	if err := row.Scan(&p.ID, &p.AccountID, &p.Name, &p.RepositoryURL, &p.IsConnected, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return domain.Project{}, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func (s *ProjectStore) GetProject(ctx context.Context, accountID, id string) (domain.Project, error) {
	if s == nil || s.db == nil {
		return domain.Project{}, errNotInitialized
	}
	accountID = strings.TrimSpace(accountID)
	p, err := scanProject(s.db.QueryRowContext(
		ctx,
		`SELECT `+projectColumns+` FROM projects WHERE project_id = ? AND (? = '' OR account_id = ?)`,
		strings.TrimSpace(id), accountID, accountID,
	))
	if err != nil {
		return domain.Project{}, handleNotFound(err)
	}
	return p, nil
}

// LockProject is GetProject. Write transactions begin IMMEDIATE, so no other writer can
// change the row before the transaction ends.
func (s *ProjectStore) LockProject(ctx context.Context, accountID, id string) (domain.Project, error) {
	return s.GetProject(ctx, accountID, id)
}

func buildProjectListQuery(filter repo.ProjectFilter) (string, []any) {
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if v := strings.TrimSpace(filter.AccountID); v != "" {
		clauses = append(clauses, "account_id = ?")
		args = append(args, v)
	}
	if filter.Connected != nil {
		clauses = append(clauses, "is_connected = ?")
		args = append(args, *filter.Connected)
	}
	query := `SELECT ` + projectColumns + ` FROM projects`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, project_id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
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
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
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
		`UPDATE projects SET is_connected = ?, updated_at = ? WHERE project_id = ? AND account_id = ?`,
		connected, normalizeTime(at), strings.TrimSpace(id), strings.TrimSpace(accountID),
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
