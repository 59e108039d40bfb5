package repo

import (
	"context"
	"errors"
	"time"

	"github.com/applaude-labs/applaude-go/internal/domain"
)

var (
	ErrNotFound = domain.ErrNotFound
	// ErrConflict signals transient contention (serialization failure, deadlock, busy database).
	// Callers may retry.
	ErrConflict = errors.New("storage conflict")
)

type ProjectFilter struct {
	AccountID string
	Connected *bool
	Limit     int
}

type RunFilter struct {
	AccountID     string
	ProjectID     string
	Status        domain.RunStatus
	NonTerminal   bool
	UpdatedBefore time.Time
	Limit         int
}

// RunUpdate is a compare-and-swap status change. It applies only while the stored status equals From.
type RunUpdate struct {
	ID             string
	From           domain.RunStatus
	To             domain.RunStatus
	UpdatedAt      time.Time
	CompletedAt    *time.Time
	PullRequestURL string
	ReportURL      string
	BugsFixed      int
}

// ProjectRepository manages Projects. Lookups are scoped to the owning account.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project domain.Project) error
	GetProject(ctx context.Context, accountID, id string) (domain.Project, error)
	// LockProject is GetProject that keeps the project's connection state fixed until the
	// surrounding transaction ends.
	LockProject(ctx context.Context, accountID, id string) (domain.Project, error)
	ListProjects(ctx context.Context, filter ProjectFilter) ([]domain.Project, error)
	SetProjectConnected(ctx context.Context, accountID, id string, connected bool, at time.Time) error
}

// RunRepository manages run state with immutable identity.
// An empty accountID on GetRun matches any account.
type RunRepository interface {
	CreateRun(ctx context.Context, run domain.Run) error
	GetRun(ctx context.Context, accountID, id string) (domain.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.Run, error)
	CompareAndSwapStatus(ctx context.Context, update RunUpdate) (bool, error)
}

// BalanceRepository manages per-account run credits.
type BalanceRepository interface {
	GetBalance(ctx context.Context, accountID string) (domain.CreditBalance, error)
	// DebitRun decrements runs_remaining by one only while it is positive.
	// It returns domain.ErrInsufficientCredits when nothing was debited.
	DebitRun(ctx context.Context, accountID string, at time.Time) (int, error)
	AddRuns(ctx context.Context, accountID string, amount int, at time.Time) (int, error)
	ActivatePlan(ctx context.Context, balance domain.CreditBalance) error
	// ClaimReference records an external billing reference. It returns false when it was already claimed.
	ClaimReference(ctx context.Context, ref domain.BillingReference) (bool, error)
}

// TransitionRepository keeps the ordered status history of each run.
type TransitionRepository interface {
	AppendTransition(ctx context.Context, transition domain.Transition) (domain.Transition, error)
	ListTransitions(ctx context.Context, runID string) ([]domain.Transition, error)
}

// AuditEventAppender ensures append-only audit writes.
type AuditEventAppender interface {
	Append(ctx context.Context, event domain.AuditEvent) (int64, error)
}

type Repositories interface {
	Projects() ProjectRepository
	Runs() RunRepository
	Balances() BalanceRepository
	Transitions() TransitionRepository
	Audit() AuditEventAppender
}

// Store is a transactional set of repositories.
// Repositories handed to fn observe and write only inside the transaction; fn returning an error rolls it back.
type Store interface {
	Repositories
	WithinTx(ctx context.Context, fn func(Repositories) error) error
	Ping(ctx context.Context) error
	Close() error
}
