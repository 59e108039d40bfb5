// Package memory is an in-process repo.Store. Transactions hold a single store-wide lock,
// so every transaction is serializable. Writes apply in place and a failed transaction
// replays its undo journal, so a transaction costs what it writes.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/applaude-labs/applaude-go/internal/domain"
	"github.com/applaude-labs/applaude-go/internal/platform/auditlog"
	"github.com/applaude-labs/applaude-go/internal/repo"
)

type state struct {
	projects    map[string]domain.Project
	runs        map[string]domain.Run
	balances    map[string]domain.CreditBalance
	references  map[string]domain.BillingReference
	transitions map[string][]domain.Transition
	audit       []StoredAuditEvent
	nextAuditID int64
}

// StoredAuditEvent is an appended audit event with its integrity digest.
type StoredAuditEvent struct {
	domain.AuditEvent
	IntegritySHA256 string
}

func newState() *state {
	return &state{
		projects:    map[string]domain.Project{},
		runs:        map[string]domain.Run{},
		balances:    map[string]domain.CreditBalance{},
		references:  map[string]domain.BillingReference{},
		transitions: map[string][]domain.Transition{},
	}
}

type Store struct {
	mu sync.Mutex
	st *state
}

func New() *Store {
	return &Store{st: newState()}
}

func (s *Store) Projects() repo.ProjectRepository       { return lockedProjects{s} }
func (s *Store) Runs() repo.RunRepository               { return lockedRuns{s} }
func (s *Store) Balances() repo.BalanceRepository       { return lockedBalances{s} }
func (s *Store) Transitions() repo.TransitionRepository { return lockedTransitions{s} }
func (s *Store) Audit() repo.AuditEventAppender         { return lockedAudit{s} }

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }
func (s *Store) Close() error                   { return nil }

// WithinTx runs fn under the store lock and undoes its writes when fn fails.
func (s *Store) WithinTx(ctx context.Context, fn func(repo.Repositories) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j := &journal{}
	err := fn(txView{st: s.st, j: j})
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		j.rollback()
		return err
	}
	return nil
}

// journal records how to revert each write of one transaction.
type journal struct {
	undo []func()
}

func (j *journal) record(fn func()) {
	if j != nil {
		j.undo = append(j.undo, fn)
	}
}

func (j *journal) rollback() {
	for i := len(j.undo) - 1; i >= 0; i-- {
		j.undo[i]()
	}
	j.undo = nil
}

// AuditEvents returns a copy of every appended audit event in append order.
func (s *Store) AuditEvents() []StoredAuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StoredAuditEvent(nil), s.st.audit...)
}

func (s *Store) view(fn func(v txView) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(txView{st: s.st})
}

// txView implements the repositories over a state without locking. j is nil outside WithinTx.
type txView struct {
	st *state
	j  *journal
}

func (v txView) Projects() repo.ProjectRepository       { return v }
func (v txView) Runs() repo.RunRepository               { return runView{v.st, v.j} }
func (v txView) Balances() repo.BalanceRepository       { return balanceView{v.st, v.j} }
func (v txView) Transitions() repo.TransitionRepository { return transitionView{v.st, v.j} }
func (v txView) Audit() repo.AuditEventAppender         { return auditView{v.st, v.j} }

// restore returns a func that puts back the current value of m[key], or deletes it when absent.
func restore[V any](m map[string]V, key string) func() {
	prev, ok := m[key]
	return func() {
		if ok {
			m[key] = prev
		} else {
			delete(m, key)
		}
	}
}

func (v txView) CreateProject(ctx context.Context, project domain.Project) error {
	if err := project.Validate(); err != nil {
		return err
	}
	if _, ok := v.st.projects[project.ID]; ok {
		return &domain.InvalidInputError{Field: "id", Message: "project already exists"}
	}
	now := time.Now().UTC()
	if project.CreatedAt.IsZero() {
		project.CreatedAt = now
	}
	if project.UpdatedAt.IsZero() {
		project.UpdatedAt = project.CreatedAt
	}
	v.j.record(restore(v.st.projects, project.ID))
	v.st.projects[project.ID] = project
	return nil
}

func (v txView) GetProject(ctx context.Context, accountID, id string) (domain.Project, error) {
	p, ok := v.st.projects[strings.TrimSpace(id)]
	if !ok || (accountID != "" && p.AccountID != accountID) {
		return domain.Project{}, repo.ErrNotFound
	}
	return p, nil
}

// LockProject is GetProject; the store lock already covers the transaction.
func (v txView) LockProject(ctx context.Context, accountID, id string) (domain.Project, error) {
	return v.GetProject(ctx, accountID, id)
}

func (v txView) ListProjects(ctx context.Context, filter repo.ProjectFilter) ([]domain.Project, error) {
	out := make([]domain.Project, 0)
	for _, p := range v.st.projects {
		if filter.AccountID != "" && p.AccountID != filter.AccountID {
			continue
		}
		if filter.Connected != nil && p.IsConnected != *filter.Connected {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (v txView) SetProjectConnected(ctx context.Context, accountID, id string, connected bool, at time.Time) error {
	p, err := v.GetProject(ctx, accountID, id)
	if err != nil {
		return err
	}
	p.IsConnected = connected
	p.UpdatedAt = at.UTC()
	v.j.record(restore(v.st.projects, p.ID))
	v.st.projects[p.ID] = p
	return nil
}

type runView struct {
	st *state
	j  *journal
}

func (v runView) CreateRun(ctx context.Context, run domain.Run) error {
	if err := run.Validate(); err != nil {
		return err
	}
	if _, ok := v.st.runs[run.ID]; ok {
		return &domain.InvalidInputError{Field: "id", Message: "run already exists"}
	}
	if _, ok := v.st.projects[run.ProjectID]; !ok {
		return repo.ErrNotFound
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = run.CreatedAt
	}
	v.j.record(restore(v.st.runs, run.ID))
	v.st.runs[run.ID] = run
	return nil
}

func (v runView) GetRun(ctx context.Context, accountID, id string) (domain.Run, error) {
	r, ok := v.st.runs[strings.TrimSpace(id)]
	if !ok || (accountID != "" && r.AccountID != accountID) {
		return domain.Run{}, repo.ErrNotFound
	}
	return r, nil
}

func (v runView) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	out := make([]domain.Run, 0)
	for _, r := range v.st.runs {
		if filter.AccountID != "" && r.AccountID != filter.AccountID {
			continue
		}
		if filter.ProjectID != "" && r.ProjectID != filter.ProjectID {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.NonTerminal && r.Status.Terminal() {
			continue
		}
		if !filter.UpdatedBefore.IsZero() && !r.UpdatedAt.Before(filter.UpdatedBefore) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (v runView) CompareAndSwapStatus(ctx context.Context, update repo.RunUpdate) (bool, error) {
	r, ok := v.st.runs[update.ID]
	if !ok {
		return false, repo.ErrNotFound
	}
	if r.Status != update.From {
		return false, nil
	}
	r.Status = update.To
	r.UpdatedAt = update.UpdatedAt.UTC()
	if update.CompletedAt != nil {
		completed := update.CompletedAt.UTC()
		r.CompletedAt = &completed
	}
	if update.PullRequestURL != "" {
		r.PullRequestURL = update.PullRequestURL
	}
	if update.ReportURL != "" {
		r.ReportURL = update.ReportURL
	}
	if update.BugsFixed > 0 {
		r.BugsFixed = update.BugsFixed
	}
	v.j.record(restore(v.st.runs, r.ID))
	v.st.runs[r.ID] = r
	return true, nil
}

type balanceView struct {
	st *state
	j  *journal
}

func (v balanceView) GetBalance(ctx context.Context, accountID string) (domain.CreditBalance, error) {
	b, ok := v.st.balances[accountID]
	if !ok {
		return domain.CreditBalance{}, repo.ErrNotFound
	}
	return b, nil
}

func (v balanceView) DebitRun(ctx context.Context, accountID string, at time.Time) (int, error) {
	b, ok := v.st.balances[accountID]
	if !ok || b.RunsRemaining <= 0 {
		return 0, domain.ErrInsufficientCredits
	}
	b.RunsRemaining--
	b.UpdatedAt = at.UTC()
	v.j.record(restore(v.st.balances, accountID))
	v.st.balances[accountID] = b
	return b.RunsRemaining, nil
}

func (v balanceView) AddRuns(ctx context.Context, accountID string, amount int, at time.Time) (int, error) {
	b, ok := v.st.balances[accountID]
	if !ok {
		b = domain.CreditBalance{AccountID: accountID}
	}
	b.RunsRemaining += amount
	b.UpdatedAt = at.UTC()
	v.j.record(restore(v.st.balances, accountID))
	v.st.balances[accountID] = b
	return b.RunsRemaining, nil
}

func (v balanceView) ActivatePlan(ctx context.Context, balance domain.CreditBalance) error {
	if balance.UpdatedAt.IsZero() {
		balance.UpdatedAt = time.Now().UTC()
	}
	v.j.record(restore(v.st.balances, balance.AccountID))
	v.st.balances[balance.AccountID] = balance
	return nil
}

func (v balanceView) ClaimReference(ctx context.Context, ref domain.BillingReference) (bool, error) {
	if _, ok := v.st.references[ref.Reference]; ok {
		return false, nil
	}
	v.j.record(restore(v.st.references, ref.Reference))
	v.st.references[ref.Reference] = ref
	return true, nil
}

type transitionView struct {
	st *state
	j  *journal
}

func (v transitionView) AppendTransition(ctx context.Context, t domain.Transition) (domain.Transition, error) {
	t.Seq = len(v.st.transitions[t.RunID]) + 1
	t.OccurredAt = t.OccurredAt.UTC()
	v.j.record(restore(v.st.transitions, t.RunID))
	v.st.transitions[t.RunID] = append(v.st.transitions[t.RunID], t)
	return t, nil
}

func (v transitionView) ListTransitions(ctx context.Context, runID string) ([]domain.Transition, error) {
	return append([]domain.Transition{}, v.st.transitions[runID]...), nil
}

type auditView struct {
	st *state
	j  *journal
}

func (v auditView) Append(ctx context.Context, event domain.AuditEvent) (int64, error) {
	rec, err := auditlog.Prepare(auditlog.Event{
		OccurredAt:   event.OccurredAt,
		Actor:        event.Actor,
		Action:       event.Action,
		ResourceType: event.ResourceType,
		ResourceID:   event.ResourceID,
		AccountID:    event.AccountID,
		RequestID:    event.RequestID,
		Payload:      event.Payload,
	})
	if err != nil {
		return 0, err
	}
	prevLen, prevID := len(v.st.audit), v.st.nextAuditID
	v.j.record(func() {
		v.st.audit = v.st.audit[:prevLen]
		v.st.nextAuditID = prevID
	})
	v.st.nextAuditID++
	event.EventID = v.st.nextAuditID
	event.OccurredAt = rec.OccurredAt
	v.st.audit = append(v.st.audit, StoredAuditEvent{AuditEvent: event, IntegritySHA256: rec.IntegritySHA256})
	return event.EventID, nil
}
