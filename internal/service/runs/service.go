package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/applaude-labs/applaude-go/internal/dispatch"
	"github.com/applaude-labs/applaude-go/internal/domain"
	"github.com/applaude-labs/applaude-go/internal/ledger"
	"github.com/applaude-labs/applaude-go/internal/repo"
	"github.com/applaude-labs/applaude-go/internal/runevents"
)

// TokenIssuer mints the credential a worker uses to report on one run.
type TokenIssuer interface {
	Issue(accountID, runID string) (string, time.Time, error)
}

// Recorder receives lifecycle counters. A nil Recorder is ignored.
type Recorder interface {
	RunCreated(runType domain.RunType)
	RunTransitioned(from, to domain.RunStatus)
	TransitionRejected(reason string)
}

type Deps struct {
	Store      repo.Store
	Ledger     *ledger.Ledger
	Events     runevents.Publisher
	Dispatcher dispatch.Dispatcher
	Tokens     TokenIssuer
	Metrics    Recorder
	Logger     *slog.Logger
	Now        func() time.Time
	NewID      func() string
}

type Service struct {
	store      repo.Store
	ledger     *ledger.Ledger
	events     runevents.Publisher
	dispatcher dispatch.Dispatcher
	tokens     TokenIssuer
	metrics    Recorder
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string
}

func New(deps Deps) (*Service, error) {
	if deps.Store == nil {
		return nil, errors.New("store is required")
	}
	s := &Service{
		store:      deps.Store,
		ledger:     deps.Ledger,
		events:     deps.Events,
		dispatcher: deps.Dispatcher,
		tokens:     deps.Tokens,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		now:        deps.Now,
		newID:      deps.NewID,
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.ledger == nil {
		s.ledger = ledger.New()
	}
	s.ledger = s.ledger.WithClock(s.now)
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s, nil
}

type CreateResult struct {
	Run           domain.Run
	RunsRemaining int
}

// Create starts a run for a connected project of accountID, paying one credit.
// The debit and the run insert commit together or not at all.
func (s *Service) Create(ctx context.Context, info domain.AuditInfo, accountID, projectID string, runType domain.RunType) (CreateResult, error) {
	accountID = strings.TrimSpace(accountID)
	projectID = strings.TrimSpace(projectID)
	runType = domain.NormalizeRunType(string(runType))
	if accountID == "" {
		return CreateResult{}, &domain.InvalidInputError{Field: "account_id", Message: "account id is required"}
	}
	if projectID == "" {
		return CreateResult{}, &domain.InvalidInputError{Field: "project_id", Message: "project id is required"}
	}
	if runType == "" {
		return CreateResult{}, &domain.InvalidInputError{Field: "run_type", Message: "must be FULL_STACK or FRONTEND_ONLY"}
	}
	if info.Actor == "" {
		info.Actor = accountID
	}

	var (
		result  CreateResult
		project domain.Project
		first   domain.Transition
	)
	err := s.withinTx(ctx, func(r repo.Repositories) error {
		var err error
		project, err = r.Projects().LockProject(ctx, accountID, projectID)
		if err != nil {
			return err
		}
		if !project.IsConnected {
			return domain.ErrProjectNotConnected
		}

		now := s.now()
		run := domain.Run{
			ID:        s.newID(),
			AccountID: accountID,
			ProjectID: project.ID,
			RunType:   runType,
			Status:    domain.RunStatusQueued,
			CreatedAt: now,
			UpdatedAt: now,
		}
		remaining, err := s.ledger.Debit(ctx, r, info, accountID, run.ID)
		if err != nil {
			return err
		}
		if err := r.Runs().CreateRun(ctx, run); err != nil {
			return err
		}
		first, err = r.Transitions().AppendTransition(ctx, domain.Transition{
			RunID:      run.ID,
			To:         domain.RunStatusQueued,
			Actor:      info.Actor,
			OccurredAt: now,
		})
		if err != nil {
			return err
		}
		if _, err := r.Audit().Append(ctx, domain.AuditEvent{
			OccurredAt:   now,
			Actor:        info.Actor,
			Action:       domain.AuditActionRunCreated,
			ResourceType: "run",
			ResourceID:   run.ID,
			AccountID:    accountID,
			RequestID:    info.RequestID,
			Payload: map[string]any{
				"service":        info.Service,
				"project_id":     project.ID,
				"run_type":       string(run.RunType),
				"runs_remaining": remaining,
			},
		}); err != nil {
			return fmt.Errorf("audit run create: %w", err)
		}
		result = CreateResult{Run: run, RunsRemaining: remaining}
		return nil
	})
	if err != nil {
		return CreateResult{}, err
	}

	if s.metrics != nil {
		s.metrics.RunCreated(result.Run.RunType)
	}
	s.publish(ctx, result.Run, first)
	s.dispatch(ctx, result.Run, project)
	return result, nil
}

// dispatch runs after commit. A failed hand-off leaves the run QUEUED for the reaper.
func (s *Service) dispatch(ctx context.Context, run domain.Run, project domain.Project) {
	if s.dispatcher == nil {
		return
	}
	job := dispatch.Job{Run: run, RepositoryURL: project.RepositoryURL}
	if s.tokens != nil {
		token, expires, err := s.tokens.Issue(run.AccountID, run.ID)
		if err != nil {
			s.logger.Error("issue run token", "run_id", run.ID, "error", err)
			return
		}
		job.RunToken = token
		job.TokenExpiresAt = expires
	}
	if err := s.dispatcher.Dispatch(ctx, job); err != nil {
		s.logger.Error("dispatch run", "run_id", run.ID, "account_id", run.AccountID, "error", err)
	}
}

func (s *Service) publish(ctx context.Context, run domain.Run, t domain.Transition) {
	if s.events == nil {
		return
	}
	err := s.events.Publish(ctx, runevents.Event{
		RunID:      run.ID,
		AccountID:  run.AccountID,
		Seq:        t.Seq,
		From:       t.From,
		Status:     t.To,
		OccurredAt: t.OccurredAt,
	})
	if err != nil {
		s.logger.Warn("publish run event", "run_id", run.ID, "error", err)
	}
}

func (s *Service) Get(ctx context.Context, accountID, runID string) (domain.Run, error) {
	return s.store.Runs().GetRun(ctx, strings.TrimSpace(accountID), runID)
}

func (s *Service) List(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, &domain.InvalidInputError{Field: "status", Message: "unknown status"}
	}
	return s.store.Runs().ListRuns(ctx, filter)
}

// Transitions returns the ordered status history of a run owned by accountID.
func (s *Service) Transitions(ctx context.Context, accountID, runID string) ([]domain.Transition, error) {
	if _, err := s.store.Runs().GetRun(ctx, strings.TrimSpace(accountID), runID); err != nil {
		return nil, err
	}
	return s.store.Transitions().ListTransitions(ctx, runID)
}

const conflictAttempts = 3

// withinTx runs fn in a store transaction, retrying when the store reports contention.
// fn must be safe to re-run.
func (s *Service) withinTx(ctx context.Context, fn func(repo.Repositories) error) error {
	var err error
	for attempt := 1; attempt <= conflictAttempts; attempt++ {
		err = s.store.WithinTx(ctx, fn)
		if !errors.Is(err, repo.ErrConflict) || attempt == conflictAttempts {
			return err
		}
		s.logger.Debug("retrying transaction after conflict", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 25 * time.Millisecond):
		}
	}
	return err
}
