package sqlite

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/applaude-labs/applaude-go/internal/domain"
	platformsqlite "github.com/applaude-labs/applaude-go/internal/platform/sqlite"
	"github.com/applaude-labs/applaude-go/internal/repo"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := platformsqlite.Open(context.Background(), platformsqlite.Config{Path: platformsqlite.MemoryPath})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, Migrate(db))
	store, err := NewStore(db)
	require.NoError(t, err)
	return store
}

func seedRun(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Projects().CreateProject(ctx, domain.Project{
		ID: "p1", AccountID: "a1", Name: "app", RepositoryURL: "https://github.com/acme/app", IsConnected: true,
	}))
	require.NoError(t, s.Runs().CreateRun(ctx, domain.Run{
		ID: "r1", AccountID: "a1", ProjectID: "p1", RunType: domain.RunTypeFullStack, Status: domain.RunStatusQueued,
	}))
}

func TestProjectRoundTrip(t *testing.T) {
	s := openTestStore(t)
	seedRun(t, s)
	ctx := context.Background()

	p, err := s.Projects().GetProject(ctx, "a1", "p1")
	require.NoError(t, err)
	assert.True(t, p.IsConnected)

	_, err = s.Projects().GetProject(ctx, "a2", "p1")
	require.ErrorIs(t, err, repo.ErrNotFound)

	require.NoError(t, s.Projects().SetProjectConnected(ctx, "a1", "p1", false, time.Now()))
	p, err = s.Projects().GetProject(ctx, "", "p1")
	require.NoError(t, err)
	assert.False(t, p.IsConnected)

	err = s.Projects().SetProjectConnected(ctx, "a2", "p1", true, time.Now())
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestDuplicateProjectIsInvalidInput(t *testing.T) {
	s := openTestStore(t)
	seedRun(t, s)
	err := s.Projects().CreateProject(context.Background(), domain.Project{
		ID: "p1", AccountID: "a1", Name: "app", RepositoryURL: "https://github.com/acme/app",
	})
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestCompareAndSwapKeepsArtifacts(t *testing.T) {
	s := openTestStore(t)
	seedRun(t, s)
	ctx := context.Background()

	steps := []domain.RunStatus{domain.RunStatusQueued, domain.RunStatusCloning, domain.RunStatusDebugging, domain.RunStatusReporting}
	for i := 0; i+1 < len(steps); i++ {
		ok, err := s.Runs().CompareAndSwapStatus(ctx, repo.RunUpdate{ID: "r1", From: steps[i], To: steps[i+1], UpdatedAt: time.Now()})
		require.NoError(t, err)
		require.True(t, ok)
	}

	completed := time.Now().UTC()
	ok, err := s.Runs().CompareAndSwapStatus(ctx, repo.RunUpdate{
		ID: "r1", From: domain.RunStatusReporting, To: domain.RunStatusComplete, UpdatedAt: completed,
		CompletedAt: &completed, PullRequestURL: "https://github.com/acme/app/pull/7", ReportURL: "/runs/r1/report", BugsFixed: 3,
	})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Runs().CompareAndSwapStatus(ctx, repo.RunUpdate{ID: "r1", From: domain.RunStatusReporting, To: domain.RunStatusFailed})
	require.NoError(t, err)
	assert.False(t, ok)

	run, err := s.Runs().GetRun(ctx, "a1", "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusComplete, run.Status)
	assert.Equal(t, 3, run.BugsFixed)
	assert.Equal(t, "https://github.com/acme/app/pull/7", run.PullRequestURL)
	require.NotNil(t, run.CompletedAt)

	_, err = s.Runs().CompareAndSwapStatus(ctx, repo.RunUpdate{ID: "nope", From: domain.RunStatusQueued, To: domain.RunStatusCloning})
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestCompleteWithoutArtifactsViolatesSchema(t *testing.T) {
	s := openTestStore(t)
	seedRun(t, s)
	_, err := s.Runs().CompareAndSwapStatus(context.Background(), repo.RunUpdate{
		ID: "r1", From: domain.RunStatusQueued, To: domain.RunStatusComplete,
	})
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestListRunsFilters(t *testing.T) {
	s := openTestStore(t)
	seedRun(t, s)
	ctx := context.Background()
	require.NoError(t, s.Runs().CreateRun(ctx, domain.Run{
		ID: "r2", AccountID: "a1", ProjectID: "p1", RunType: domain.RunTypeFrontendOnly, Status: domain.RunStatusFailed,
		CreatedAt: time.Now().Add(time.Second),
	}))

	all, err := s.Runs().ListRuns(ctx, repo.RunFilter{AccountID: "a1"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "r2", all[0].ID)

	active, err := s.Runs().ListRuns(ctx, repo.RunFilter{AccountID: "a1", NonTerminal: true})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "r1", active[0].ID)

	stale, err := s.Runs().ListRuns(ctx, repo.RunFilter{NonTerminal: true, UpdatedBefore: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.Len(t, stale, 1)
}

func TestDebitAndCredit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Balances().DebitRun(ctx, "a1", time.Now())
	require.ErrorIs(t, err, domain.ErrInsufficientCredits)

	n, err := s.Balances().AddRuns(ctx, "a1", 2, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = s.Balances().AddRuns(ctx, "a1", 1, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for want := 2; want >= 0; want-- {
		n, err = s.Balances().DebitRun(ctx, "a1", time.Now())
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	_, err = s.Balances().DebitRun(ctx, "a1", time.Now())
	require.ErrorIs(t, err, domain.ErrInsufficientCredits)
}

func TestActivatePlanOverwrites(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ends := time.Now().Add(7 * 24 * time.Hour).UTC()
	require.NoError(t, s.Balances().ActivatePlan(ctx, domain.CreditBalance{
		AccountID: "a1", RunsRemaining: 20, Plan: "WEEKLY", PlanStatus: domain.PlanStatusActive, PeriodEndsAt: &ends,
	}))
	b, err := s.Balances().GetBalance(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 20, b.RunsRemaining)
	assert.Equal(t, "WEEKLY", b.Plan)
	assert.Equal(t, domain.PlanStatusActive, b.PlanStatus)
	require.NotNil(t, b.PeriodEndsAt)
}

func TestClaimReference(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ref := domain.BillingReference{Reference: "evt_1", AccountID: "a1", PlanCode: "MONTHLY"}
	ok, err := s.Balances().ClaimReference(ctx, ref)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Balances().ClaimReference(ctx, ref)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTransitionsSequence(t *testing.T) {
	s := openTestStore(t)
	seedRun(t, s)
	ctx := context.Background()

	first, err := s.Transitions().AppendTransition(ctx, domain.Transition{RunID: "r1", To: domain.RunStatusQueued, Actor: "a1"})
	require.NoError(t, err)
	second, err := s.Transitions().AppendTransition(ctx, domain.Transition{RunID: "r1", From: domain.RunStatusQueued, To: domain.RunStatusCloning, Actor: "run:r1"})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Seq)
	assert.Equal(t, 2, second.Seq)

	list, err := s.Transitions().ListTransitions(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, domain.RunStatus(""), list[0].From)
	assert.Equal(t, domain.RunStatusCloning, list[1].To)
}

func TestWithinTxRollback(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.Balances().AddRuns(ctx, "a1", 1, time.Now())
	require.NoError(t, err)

	boom := errors.New("boom")
	err = s.WithinTx(ctx, func(r repo.Repositories) error {
		if _, err := r.Balances().DebitRun(ctx, "a1", time.Now()); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	b, err := s.Balances().GetBalance(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 1, b.RunsRemaining)
}

func TestAuditIsAppendOnly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id, err := s.Audit().Append(ctx, domain.AuditEvent{
		Actor: "a1", Action: domain.AuditActionRunCreated, ResourceType: "run", ResourceID: "r1",
		Payload: map[string]any{"run_type": "FULL_STACK"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	_, err = s.db.ExecContext(ctx, `DELETE FROM audit_events`)
	require.Error(t, err)
	_, err = s.db.ExecContext(ctx, `UPDATE audit_events SET actor = 'x'`)
	require.Error(t, err)
}

func TestConcurrentCreatesNeverOverdraw(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Projects().CreateProject(ctx, domain.Project{
		ID: "p1", AccountID: "a1", Name: "app", RepositoryURL: "https://github.com/acme/app", IsConnected: true,
	}))
	_, err := s.Balances().AddRuns(ctx, "a1", 3, time.Now())
	require.NoError(t, err)

	const callers = 10
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runID := fmt.Sprintf("r%d", i)
			errs[i] = s.WithinTx(ctx, func(r repo.Repositories) error {
				project, err := r.Projects().LockProject(ctx, "a1", "p1")
				if err != nil {
					return err
				}
				if _, err := r.Balances().DebitRun(ctx, "a1", time.Now()); err != nil {
					return err
				}
				if err := r.Runs().CreateRun(ctx, domain.Run{
					ID: runID, AccountID: "a1", ProjectID: project.ID, RunType: domain.RunTypeFullStack, Status: domain.RunStatusQueued,
				}); err != nil {
					return err
				}
				_, err = r.Transitions().AppendTransition(ctx, domain.Transition{RunID: runID, To: domain.RunStatusQueued, OccurredAt: time.Now()})
				return err
			})
		}()
	}
	wg.Wait()

	var created, rejected int
	for _, err := range errs {
		switch {
		case err == nil:
			created++
		case errors.Is(err, domain.ErrInsufficientCredits):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 3, created)
	assert.Equal(t, callers-3, rejected)

	b, err := s.Balances().GetBalance(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 0, b.RunsRemaining)
	runs, err := s.Runs().ListRuns(ctx, repo.RunFilter{AccountID: "a1"})
	require.NoError(t, err)
	assert.Len(t, runs, 3)
	for _, run := range runs {
		list, err := s.Transitions().ListTransitions(ctx, run.ID)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	}
}
