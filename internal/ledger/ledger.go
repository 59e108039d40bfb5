// Package ledger keeps per-account run credits.
//
// Every mutating operation takes the repositories of an open transaction, so a
// debit commits or rolls back together with the run it pays for.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/applaude-labs/applaude-go/internal/domain"
	"github.com/applaude-labs/applaude-go/internal/repo"
)

type Ledger struct {
	now func() time.Time
}

func New() *Ledger {
	return &Ledger{now: func() time.Time { return time.Now().UTC() }}
}

// WithClock returns a copy of the ledger that reads time from now.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	if now == nil {
		return l
	}
	return &Ledger{now: now}
}

// Debit consumes one run credit. The decrement is conditional on a positive
// balance, so concurrent debits against one credit cannot both succeed.
func (l *Ledger) Debit(ctx context.Context, r repo.Repositories, info domain.AuditInfo, accountID, runID string) (int, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return 0, &domain.InvalidInputError{Field: "account_id", Message: "account id is required"}
	}
	now := l.now()
	remaining, err := r.Balances().DebitRun(ctx, accountID, now)
	if err != nil {
		return 0, err
	}
	if _, err := r.Audit().Append(ctx, domain.AuditEvent{
		OccurredAt:   now,
		Actor:        info.Actor,
		Action:       domain.AuditActionCreditsDebited,
		ResourceType: "account",
		ResourceID:   accountID,
		AccountID:    accountID,
		RequestID:    info.RequestID,
		Payload: map[string]any{
			"run_id":         runID,
			"amount":         1,
			"runs_remaining": remaining,
		},
	}); err != nil {
		return 0, fmt.Errorf("audit debit: %w", err)
	}
	return remaining, nil
}

// Credit adds amount runs to the account, creating the balance row when absent.
func (l *Ledger) Credit(ctx context.Context, r repo.Repositories, info domain.AuditInfo, accountID string, amount int, reason string) (int, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return 0, &domain.InvalidInputError{Field: "account_id", Message: "account id is required"}
	}
	if amount <= 0 {
		return 0, &domain.InvalidInputError{Field: "amount", Message: "must be > 0"}
	}
	now := l.now()
	remaining, err := r.Balances().AddRuns(ctx, accountID, amount, now)
	if err != nil {
		return 0, err
	}
	if _, err := r.Audit().Append(ctx, domain.AuditEvent{
		OccurredAt:   now,
		Actor:        info.Actor,
		Action:       domain.AuditActionCreditsGranted,
		ResourceType: "account",
		ResourceID:   accountID,
		AccountID:    accountID,
		RequestID:    info.RequestID,
		Payload: map[string]any{
			"amount":         amount,
			"reason":         strings.TrimSpace(reason),
			"runs_remaining": remaining,
		},
	}); err != nil {
		return 0, fmt.Errorf("audit credit: %w", err)
	}
	return remaining, nil
}

// ApplyPlan resets the balance to the plan allotment and starts a new period.
func (l *Ledger) ApplyPlan(ctx context.Context, r repo.Repositories, info domain.AuditInfo, accountID string, plan domain.Plan) (domain.CreditBalance, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return domain.CreditBalance{}, &domain.InvalidInputError{Field: "account_id", Message: "account id is required"}
	}
	if err := plan.Validate(); err != nil {
		return domain.CreditBalance{}, err
	}
	now := l.now()
	ends := plan.PeriodEnd(now)
	balance := domain.CreditBalance{
		AccountID:     accountID,
		RunsRemaining: plan.Runs,
		Plan:          plan.Code,
		PlanStatus:    domain.PlanStatusActive,
		PeriodEndsAt:  &ends,
		UpdatedAt:     now,
	}
	if err := r.Balances().ActivatePlan(ctx, balance); err != nil {
		return domain.CreditBalance{}, err
	}
	if _, err := r.Audit().Append(ctx, domain.AuditEvent{
		OccurredAt:   now,
		Actor:        info.Actor,
		Action:       domain.AuditActionPlanActivated,
		ResourceType: "account",
		ResourceID:   accountID,
		AccountID:    accountID,
		RequestID:    info.RequestID,
		Payload: map[string]any{
			"plan":           plan.Code,
			"runs_remaining": plan.Runs,
			"period_ends_at": ends.Format(time.RFC3339),
		},
	}); err != nil {
		return domain.CreditBalance{}, fmt.Errorf("audit plan: %w", err)
	}
	return balance, nil
}

// Balance returns the account balance. An account that never held credits has
// a zero balance rather than a NotFound error. A plan whose period has ended is
// reported as EXPIRED; its remaining runs stay usable.
func (l *Ledger) Balance(ctx context.Context, r repo.Repositories, accountID string) (domain.CreditBalance, error) {
	accountID = strings.TrimSpace(accountID)
	b, err := r.Balances().GetBalance(ctx, accountID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.CreditBalance{AccountID: accountID}, nil
	}
	if err != nil {
		return domain.CreditBalance{}, err
	}
	if b.PlanStatus == domain.PlanStatusActive && b.PeriodEndsAt != nil && !l.now().Before(*b.PeriodEndsAt) {
		b.PlanStatus = domain.PlanStatusExpired
	}
	return b, nil
}
