package memory

import (
	"context"
	"time"

	"github.com/applaude-labs/applaude-go/internal/domain"
	"github.com/applaude-labs/applaude-go/internal/repo"
)

// The locked* types serve calls made outside WithinTx, each under the store lock.

type lockedProjects struct{ s *Store }

func (l lockedProjects) CreateProject(ctx context.Context, project domain.Project) error {
	return l.s.view(func(v txView) error { return v.CreateProject(ctx, project) })
}

func (l lockedProjects) GetProject(ctx context.Context, accountID, id string) (out domain.Project, err error) {
	err = l.s.view(func(v txView) error {
		out, err = v.GetProject(ctx, accountID, id)
		return err
	})
	return out, err
}

func (l lockedProjects) LockProject(ctx context.Context, accountID, id string) (domain.Project, error) {
	return l.GetProject(ctx, accountID, id)
}

func (l lockedProjects) ListProjects(ctx context.Context, filter repo.ProjectFilter) (out []domain.Project, err error) {
	err = l.s.view(func(v txView) error {
		out, err = v.ListProjects(ctx, filter)
		return err
	})
	return out, err
}

func (l lockedProjects) SetProjectConnected(ctx context.Context, accountID, id string, connected bool, at time.Time) error {
	return l.s.view(func(v txView) error { return v.SetProjectConnected(ctx, accountID, id, connected, at) })
}

type lockedRuns struct{ s *Store }

func (l lockedRuns) CreateRun(ctx context.Context, run domain.Run) error {
	return l.s.view(func(v txView) error { return v.Runs().CreateRun(ctx, run) })
}

func (l lockedRuns) GetRun(ctx context.Context, accountID, id string) (out domain.Run, err error) {
	err = l.s.view(func(v txView) error {
		out, err = v.Runs().GetRun(ctx, accountID, id)
		return err
	})
	return out, err
}

func (l lockedRuns) ListRuns(ctx context.Context, filter repo.RunFilter) (out []domain.Run, err error) {
	err = l.s.view(func(v txView) error {
		out, err = v.Runs().ListRuns(ctx, filter)
		return err
	})
	return out, err
}

func (l lockedRuns) CompareAndSwapStatus(ctx context.Context, update repo.RunUpdate) (ok bool, err error) {
	err = l.s.view(func(v txView) error {
		ok, err = v.Runs().CompareAndSwapStatus(ctx, update)
		return err
	})
	return ok, err
}

type lockedBalances struct{ s *Store }

func (l lockedBalances) GetBalance(ctx context.Context, accountID string) (out domain.CreditBalance, err error) {
	err = l.s.view(func(v txView) error {
		out, err = v.Balances().GetBalance(ctx, accountID)
		return err
	})
	return out, err
}

func (l lockedBalances) DebitRun(ctx context.Context, accountID string, at time.Time) (n int, err error) {
	err = l.s.view(func(v txView) error {
		n, err = v.Balances().DebitRun(ctx, accountID, at)
		return err
	})
	return n, err
}

func (l lockedBalances) AddRuns(ctx context.Context, accountID string, amount int, at time.Time) (n int, err error) {
	err = l.s.view(func(v txView) error {
		n, err = v.Balances().AddRuns(ctx, accountID, amount, at)
		return err
	})
	return n, err
}

func (l lockedBalances) ActivatePlan(ctx context.Context, balance domain.CreditBalance) error {
	return l.s.view(func(v txView) error { return v.Balances().ActivatePlan(ctx, balance) })
}

func (l lockedBalances) ClaimReference(ctx context.Context, ref domain.BillingReference) (ok bool, err error) {
	err = l.s.view(func(v txView) error {
		ok, err = v.Balances().ClaimReference(ctx, ref)
		return err
	})
	return ok, err
}

type lockedTransitions struct{ s *Store }

func (l lockedTransitions) AppendTransition(ctx context.Context, t domain.Transition) (out domain.Transition, err error) {
	err = l.s.view(func(v txView) error {
		out, err = v.Transitions().AppendTransition(ctx, t)
		return err
	})
	return out, err
}

func (l lockedTransitions) ListTransitions(ctx context.Context, runID string) (out []domain.Transition, err error) {
	err = l.s.view(func(v txView) error {
		out, err = v.Transitions().ListTransitions(ctx, runID)
		return err
	})
	return out, err
}

type lockedAudit struct{ s *Store }

func (l lockedAudit) Append(ctx context.Context, event domain.AuditEvent) (id int64, err error) {
	err = l.s.view(func(v txView) error {
		id, err = v.Audit().Append(ctx, event)
		return err
	})
	return id, err
}
