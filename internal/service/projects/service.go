// Package projects links source repositories to accounts and toggles whether
// the agent may operate on them.
package projects

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/applaude-labs/applaude-go/internal/domain"
	"github.com/applaude-labs/applaude-go/internal/repo"
)

type Service struct {
	store repo.Store
	now   func() time.Time
	newID func() string
}

func New(store repo.Store) (*Service, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	return &Service{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}, nil
}

// Link creates a connected project for accountID.
func (s *Service) Link(ctx context.Context, info domain.AuditInfo, accountID, name, repositoryURL string) (domain.Project, error) {
	now := s.now()
	project := domain.Project{
		ID:            s.newID(),
		AccountID:     strings.TrimSpace(accountID),
		Name:          strings.TrimSpace(name),
		RepositoryURL: strings.TrimSpace(repositoryURL),
		IsConnected:   true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if project.Name == "" {
		project.Name = nameFromRepository(project.RepositoryURL)
	}
	if err := project.Validate(); err != nil {
		return domain.Project{}, err
	}
	err := s.store.WithinTx(ctx, func(r repo.Repositories) error {
		if err := r.Projects().CreateProject(ctx, project); err != nil {
			return err
		}
		return s.audit(ctx, r, info, project, domain.AuditActionProjectLinked, now)
	})
	if err != nil {
		return domain.Project{}, err
	}
	return project, nil
}

func (s *Service) Get(ctx context.Context, accountID, id string) (domain.Project, error) {
	return s.store.Projects().GetProject(ctx, strings.TrimSpace(accountID), id)
}

func (s *Service) List(ctx context.Context, filter repo.ProjectFilter) ([]domain.Project, error) {
	return s.store.Projects().ListProjects(ctx, filter)
}

// SetConnected flips is_connected. Setting the current value is a no-op without an audit event.
func (s *Service) SetConnected(ctx context.Context, info domain.AuditInfo, accountID, id string, connected bool) (domain.Project, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return domain.Project{}, &domain.InvalidInputError{Field: "account_id", Message: "account id is required"}
	}
	var out domain.Project
	err := s.store.WithinTx(ctx, func(r repo.Repositories) error {
		project, err := r.Projects().GetProject(ctx, accountID, id)
		if err != nil {
			return err
		}
		if project.IsConnected == connected {
			out = project
			return nil
		}
		now := s.now()
		if err := r.Projects().SetProjectConnected(ctx, accountID, project.ID, connected, now); err != nil {
			return err
		}
		project.IsConnected = connected
		project.UpdatedAt = now
		action := domain.AuditActionProjectDisconnected
		if connected {
			action = domain.AuditActionProjectConnected
		}
		if err := s.audit(ctx, r, info, project, action, now); err != nil {
			return err
		}
		out = project
		return nil
	})
	return out, err
}

func (s *Service) audit(ctx context.Context, r repo.Repositories, info domain.AuditInfo, p domain.Project, action string, at time.Time) error {
	actor := info.Actor
	if actor == "" {
		actor = p.AccountID
	}
	_, err := r.Audit().Append(ctx, domain.AuditEvent{
		OccurredAt:   at,
		Actor:        actor,
		Action:       action,
		ResourceType: "project",
		ResourceID:   p.ID,
		AccountID:    p.AccountID,
		RequestID:    info.RequestID,
		Payload: map[string]any{
			"name":           p.Name,
			"repository_url": p.RepositoryURL,
			"is_connected":   p.IsConnected,
		},
	})
	if err != nil {
		return fmt.Errorf("audit %s: %w", action, err)
	}
	return nil
}

// nameFromRepository derives "owner/repo" from a repository URL.
func nameFromRepository(raw string) string {
	raw = strings.TrimSuffix(strings.TrimSuffix(strings.TrimSpace(raw), "/"), ".git")
	parts := strings.Split(raw, "/")
	if len(parts) >= 2 {
		return parts[len(parts)-2] + "/" + parts[len(parts)-1]
	}
	return raw
}
