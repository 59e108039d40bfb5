package runs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/applaude-labs/applaude-go/internal/dispatch"
	"github.com/applaude-labs/applaude-go/internal/domain"
	"github.com/applaude-labs/applaude-go/internal/repo"
	"github.com/applaude-labs/applaude-go/internal/repo/memory"
	"github.com/applaude-labs/applaude-go/internal/runevents"
)

type fakeDispatcher struct {
	mu   sync.Mutex
	jobs []dispatch.Job
	err  error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, job dispatch.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, job)
	return d.err
}

type fakeTokens struct{}

func (fakeTokens) Issue(accountID, runID string) (string, time.Time, error) {
	return "token-" + runID, time.Now().Add(time.Hour), nil
}

type fakeRecorder struct {
	mu          sync.Mutex
	created     int
	transitions int
	rejected    map[string]int
}

func (r *fakeRecorder) RunCreated(domain.RunType) {
	r.mu.Lock()
	r.created++
	r.mu.Unlock()
}

func (r *fakeRecorder) RunTransitioned(domain.RunStatus, domain.RunStatus) {
	r.mu.Lock()
	r.transitions++
	r.mu.Unlock()
}

func (r *fakeRecorder) TransitionRejected(reason string) {
	r.mu.Lock()
	if r.rejected == nil {
		r.rejected = map[string]int{}
	}
	r.rejected[reason]++
	r.mu.Unlock()
}

type fixture struct {
	svc        *Service
	store      *memory.Store
	hub        *runevents.Hub
	dispatcher *fakeDispatcher
	metrics    *fakeRecorder
	clock      time.Time
}

var userInfo = domain.AuditInfo{Actor: "acct-1", RequestID: "req-1", Service: "tests"}
var workerInfo = domain.AuditInfo{Actor: "run:worker", Service: "tests"}

func newFixture(t *testing.T, credits int, connected bool) *fixture {
	t.Helper()
	f := &fixture{
		store:      memory.New(),
		hub:        runevents.NewHub(),
		dispatcher: &fakeDispatcher{},
		metrics:    &fakeRecorder{},
		clock:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	ctx := context.Background()
	if err := f.store.Projects().CreateProject(ctx, domain.Project{
		ID: "proj-1", AccountID: "acct-1", Name: "app", RepositoryURL: "https://github.com/acme/app", IsConnected: connected,
	}); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	if credits > 0 {
		if _, err := f.store.Balances().AddRuns(ctx, "acct-1", credits, f.clock); err != nil {
			t.Fatalf("seed credits: %v", err)
		}
	}
	var seq int
	var mu sync.Mutex
	svc, err := New(Deps{
		Store:      f.store,
		Events:     f.hub,
		Dispatcher: f.dispatcher,
		Tokens:     fakeTokens{},
		Metrics:    f.metrics,
		Now:        func() time.Time { return f.clock },
		NewID: func() string {
			mu.Lock()
			defer mu.Unlock()
			seq++
			return fmt.Sprintf("run-%d", seq)
		},
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	f.svc = svc
	return f
}

func (f *fixture) create(t *testing.T) domain.Run {
	t.Helper()
	res, err := f.svc.Create(context.Background(), userInfo, "acct-1", "proj-1", domain.RunTypeFullStack)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return res.Run
}

func (f *fixture) advance(t *testing.T, runID string, next domain.RunStatus) AdvanceResult {
	t.Helper()
	res, err := f.svc.Advance(context.Background(), workerInfo, AdvanceRequest{RunID: runID, Next: next})
	if err != nil {
		t.Fatalf("advance %s: %v", next, err)
	}
	return res
}

func TestCreateDebitsAndQueues(t *testing.T) {
	f := newFixture(t, 2, true)
	res, err := f.svc.Create(context.Background(), userInfo, "acct-1", "proj-1", "frontend_only")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.Run.Status != domain.RunStatusQueued || res.Run.RunType != domain.RunTypeFrontendOnly {
		t.Fatalf("unexpected run: %+v", res.Run)
	}
	if res.RunsRemaining != 1 {
		t.Fatalf("expected 1 run remaining, got %d", res.RunsRemaining)
	}

	history, err := f.svc.Transitions(context.Background(), "acct-1", res.Run.ID)
	if err != nil {
		t.Fatalf("transitions: %v", err)
	}
	if len(history) != 1 || history[0].From != "" || history[0].To != domain.RunStatusQueued {
		t.Fatalf("unexpected history: %+v", history)
	}
	if len(f.dispatcher.jobs) != 1 || f.dispatcher.jobs[0].RunToken != "token-"+res.Run.ID {
		t.Fatalf("expected one dispatched job with a run token, got %+v", f.dispatcher.jobs)
	}
	if f.dispatcher.jobs[0].RepositoryURL != "https://github.com/acme/app" {
		t.Fatalf("unexpected repository url %q", f.dispatcher.jobs[0].RepositoryURL)
	}

	actions := map[string]int{}
	for _, e := range f.store.AuditEvents() {
		actions[e.Action]++
	}
	if actions[domain.AuditActionRunCreated] != 1 || actions[domain.AuditActionCreditsDebited] != 1 {
		t.Fatalf("unexpected audit actions: %v", actions)
	}
}

func TestCreateRejections(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, 0, true)
	if _, err := f.svc.Create(ctx, userInfo, "acct-1", "proj-1", domain.RunTypeFullStack); !errors.Is(err, domain.ErrInsufficientCredits) {
		t.Fatalf("expected insufficient credits, got %v", err)
	}

	f = newFixture(t, 1, false)
	if _, err := f.svc.Create(ctx, userInfo, "acct-1", "proj-1", domain.RunTypeFullStack); !errors.Is(err, domain.ErrProjectNotConnected) {
		t.Fatalf("expected project not connected, got %v", err)
	}
	b, err := f.store.Balances().GetBalance(ctx, "acct-1")
	if err != nil || b.RunsRemaining != 1 {
		t.Fatalf("rejected create must not debit: %+v %v", b, err)
	}

	if _, err := f.svc.Create(ctx, userInfo, "acct-2", "proj-1", domain.RunTypeFullStack); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for foreign project, got %v", err)
	}
	if _, err := f.svc.Create(ctx, userInfo, "acct-1", "proj-1", "BACKEND"); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if len(f.dispatcher.jobs) != 0 {
		t.Fatalf("rejected creates must not dispatch")
	}
}

func TestConcurrentCreateAgainstSingleCredit(t *testing.T) {
	f := newFixture(t, 1, true)
	const callers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		other     []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Create(context.Background(), userInfo, "acct-1", "proj-1", domain.RunTypeFullStack)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
			} else if !errors.Is(err, domain.ErrInsufficientCredits) {
				other = append(other, err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 || len(other) != 0 {
		t.Fatalf("expected exactly one success, got %d (unexpected errors %v)", succeeded, other)
	}
	b, err := f.store.Balances().GetBalance(context.Background(), "acct-1")
	if err != nil || b.RunsRemaining != 0 {
		t.Fatalf("expected zero balance: %+v %v", b, err)
	}
	runs, err := f.svc.List(context.Background(), repo.RunFilter{AccountID: "acct-1"})
	if err != nil || len(runs) != 1 {
		t.Fatalf("expected one run, got %d (%v)", len(runs), err)
	}
}

func TestAdvanceHappyPath(t *testing.T) {
	f := newFixture(t, 1, true)
	run := f.create(t)
	events, release := f.hub.Subscribe(run.ID)
	defer release()

	for _, next := range []domain.RunStatus{domain.RunStatusCloning, domain.RunStatusDebugging, domain.RunStatusReporting} {
		if res := f.advance(t, run.ID, next); !res.Applied {
			t.Fatalf("expected %s to apply", next)
		}
	}

	res, err := f.svc.Advance(context.Background(), workerInfo, AdvanceRequest{RunID: run.ID, Next: domain.RunStatusComplete})
	if !errors.Is(err, domain.ErrArtifactsRequired) {
		t.Fatalf("expected artifacts required, got %v", err)
	}

	res, err = f.svc.Advance(context.Background(), workerInfo, AdvanceRequest{
		RunID: run.ID,
		Next:  domain.RunStatusComplete,
		Artifacts: domain.Artifacts{
			PullRequestURL: "https://github.com/acme/app/pull/12",
			ReportURL:      "/runs/" + run.ID + "/report",
			BugsFixed:      4,
		},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !res.Applied || res.Run.Status != domain.RunStatusComplete || res.Run.CompletedAt == nil || res.Run.BugsFixed != 4 {
		t.Fatalf("unexpected complete result: %+v", res)
	}

	stored, err := f.svc.Get(context.Background(), "acct-1", run.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.PullRequestURL == "" || stored.ReportURL == "" {
		t.Fatalf("expected artifacts persisted: %+v", stored)
	}

	var seen []domain.RunStatus
	for len(events) > 0 {
		seen = append(seen, (<-events).Status)
	}
	want := []domain.RunStatus{domain.RunStatusCloning, domain.RunStatusDebugging, domain.RunStatusReporting, domain.RunStatusComplete}
	if fmt.Sprint(seen) != fmt.Sprint(want) {
		t.Fatalf("unexpected events %v, want %v", seen, want)
	}
	if f.metrics.transitions != 4 || f.metrics.rejected["artifacts_required"] != 1 {
		t.Fatalf("unexpected metrics: %+v", f.metrics)
	}
}

func TestAdvanceIsIdempotent(t *testing.T) {
	f := newFixture(t, 1, true)
	run := f.create(t)
	f.advance(t, run.ID, domain.RunStatusCloning)
	res := f.advance(t, run.ID, domain.RunStatusCloning)
	if res.Applied {
		t.Fatalf("replay must not apply")
	}
	history, err := f.svc.Transitions(context.Background(), "acct-1", run.ID)
	if err != nil {
		t.Fatalf("transitions: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("replay must not append history, got %d rows", len(history))
	}
}

func TestAdvanceRejections(t *testing.T) {
	f := newFixture(t, 3, true)
	ctx := context.Background()
	run := f.create(t)

	cases := []struct {
		name string
		req  AdvanceRequest
		want error
	}{
		{"skip", AdvanceRequest{RunID: run.ID, Next: domain.RunStatusDebugging}, domain.ErrIllegalTransition},
		{"complete directly", AdvanceRequest{RunID: run.ID, Next: domain.RunStatusComplete, Artifacts: domain.Artifacts{
			PullRequestURL: "https://github.com/acme/app/pull/1", ReportURL: "/r",
		}}, domain.ErrIllegalTransition},
		{"stale expected", AdvanceRequest{RunID: run.ID, Expected: domain.RunStatusCloning, Next: domain.RunStatusDebugging}, domain.ErrIllegalTransition},
		{"artifacts early", AdvanceRequest{RunID: run.ID, Next: domain.RunStatusCloning, Artifacts: domain.Artifacts{BugsFixed: 1}}, domain.ErrInvalidInput},
		{"unknown status", AdvanceRequest{RunID: run.ID, Next: "TESTING"}, domain.ErrInvalidInput},
		{"missing run", AdvanceRequest{RunID: "nope", Next: domain.RunStatusCloning}, domain.ErrNotFound},
		{"foreign account", AdvanceRequest{RunID: run.ID, AccountID: "acct-2", Next: domain.RunStatusCloning}, domain.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.svc.Advance(ctx, workerInfo, tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	f.advance(t, run.ID, domain.RunStatusFailed)
	if _, err := f.svc.Advance(ctx, workerInfo, AdvanceRequest{RunID: run.ID, Next: domain.RunStatusDebugging}); !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("terminal run must reject, got %v", err)
	}
	var te *domain.TransitionError
	_, err := f.svc.Advance(ctx, workerInfo, AdvanceRequest{RunID: run.ID, Next: domain.RunStatusCloning})
	if !errors.As(err, &te) || te.From != domain.RunStatusFailed {
		t.Fatalf("expected transition error from FAILED, got %v", err)
	}
}

func TestConcurrentAdvanceSingleWinner(t *testing.T) {
	f := newFixture(t, 1, true)
	run := f.create(t)

	const workers = 6
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		applied  int
		rejected int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		next := domain.RunStatusCloning
		if i%2 == 1 {
			next = domain.RunStatusFailed
		}
		go func(next domain.RunStatus) {
			defer wg.Done()
			res, err := f.svc.Advance(context.Background(), workerInfo, AdvanceRequest{
				RunID: run.ID, Expected: domain.RunStatusQueued, Next: next,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && res.Applied:
				applied++
			case err == nil:
			case errors.Is(err, domain.ErrIllegalTransition):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(next)
	}
	wg.Wait()
	if applied != 1 {
		t.Fatalf("expected exactly one applied advance, got %d (rejected %d)", applied, rejected)
	}
	history, _ := f.svc.Transitions(context.Background(), "acct-1", run.ID)
	if len(history) != 2 {
		t.Fatalf("expected two history rows, got %d", len(history))
	}
}

func TestFailStale(t *testing.T) {
	f := newFixture(t, 2, true)
	old := f.create(t)
	f.advance(t, old.ID, domain.RunStatusCloning)

	f.clock = f.clock.Add(2 * time.Hour)
	fresh := f.create(t)

	n, err := f.svc.FailStale(context.Background(), time.Hour, 10)
	if err != nil {
		t.Fatalf("fail stale: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one stale run, got %d", n)
	}
	got, _ := f.svc.Get(context.Background(), "", old.ID)
	if got.Status != domain.RunStatusFailed {
		t.Fatalf("expected old run FAILED, got %s", got.Status)
	}
	got, _ = f.svc.Get(context.Background(), "", fresh.ID)
	if got.Status != domain.RunStatusQueued {
		t.Fatalf("expected fresh run untouched, got %s", got.Status)
	}
	history, _ := f.svc.Transitions(context.Background(), "acct-1", old.ID)
	if last := history[len(history)-1]; last.Actor != ReaperActor {
		t.Fatalf("expected reaper actor, got %q", last.Actor)
	}
}

func TestDispatchFailureKeepsRun(t *testing.T) {
	f := newFixture(t, 1, true)
	f.dispatcher.err = errors.New("queue down")
	run := f.create(t)
	got, err := f.svc.Get(context.Background(), "acct-1", run.ID)
	if err != nil || got.Status != domain.RunStatusQueued {
		t.Fatalf("run must survive dispatch failure: %+v %v", got, err)
	}
}

type conflictStore struct {
	*memory.Store
	fails int
	calls int
}

func (c *conflictStore) WithinTx(ctx context.Context, fn func(repo.Repositories) error) error {
	c.calls++
	if c.calls <= c.fails {
		return fmt.Errorf("begin: %w", repo.ErrConflict)
	}
	return c.Store.WithinTx(ctx, fn)
}

func TestCreateRetriesOnConflict(t *testing.T) {
	f := newFixture(t, 1, true)
	cs := &conflictStore{Store: f.store, fails: 2}
	f.svc.store = cs

	run := f.create(t)
	if run.Status != domain.RunStatusQueued {
		t.Fatalf("status = %q", run.Status)
	}
	if cs.calls != 3 {
		t.Fatalf("calls = %d, want 3", cs.calls)
	}
}

func TestConflictSurfacesAfterRetries(t *testing.T) {
	f := newFixture(t, 1, true)
	cs := &conflictStore{Store: f.store, fails: conflictAttempts}
	f.svc.store = cs

	_, err := f.svc.Create(context.Background(), userInfo, "acct-1", "proj-1", domain.RunTypeFullStack)
	if !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	b, err := f.store.Balances().GetBalance(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if b.RunsRemaining != 1 {
		t.Fatalf("runs remaining = %d, want 1", b.RunsRemaining)
	}
}
