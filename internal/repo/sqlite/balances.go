package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/applaude-labs/applaude-go/internal/domain"
)

type BalanceStore struct {
	db DB
}

func NewBalanceStore(db DB) *BalanceStore {
	if db == nil {
		return nil
	}
	return &BalanceStore{db: db}
}

func (s *BalanceStore) GetBalance(ctx context.Context, accountID string) (domain.CreditBalance, error) {
	if s == nil || s.db == nil {
		return domain.CreditBalance{}, errNotInitialized
	}
	var b domain.CreditBalance
	var plan, planStatus sql.NullString
	var periodEnds sql.NullTime
	err := s.db.QueryRowContext(
		ctx,
		`SELECT account_id, runs_remaining, plan, plan_status, period_ends_at, updated_at
		 FROM credit_balances WHERE account_id = ?`,
		strings.TrimSpace(accountID),
	).Scan(&b.AccountID, &b.RunsRemaining, &plan, &planStatus, &periodEnds, &b.UpdatedAt)
	if err != nil {
		return domain.CreditBalance{}, handleNotFound(err)
	}
	b.Plan = plan.String
	b.PlanStatus = domain.PlanStatus(planStatus.String)
	b.PeriodEndsAt = timePtr(periodEnds)
	b.UpdatedAt = b.UpdatedAt.UTC()
	return b, nil
}

func (s *BalanceStore) DebitRun(ctx context.Context, accountID string, at time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, errNotInitialized
	}
	var remaining int
	err := s.db.QueryRowContext(
		ctx,
		`UPDATE credit_balances SET runs_remaining = runs_remaining - 1, updated_at = ?
		 WHERE account_id = ? AND runs_remaining > 0
		 RETURNING runs_remaining`,
		normalizeTime(at),
		strings.TrimSpace(accountID),
	).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrInsufficientCredits
	}
	if err != nil {
		return 0, fmt.Errorf("debit run: %w", classify(err))
	}
	return remaining, nil
}

func (s *BalanceStore) AddRuns(ctx context.Context, accountID string, amount int, at time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, errNotInitialized
	}
	var remaining int
	err := s.db.QueryRowContext(
		ctx,
		`INSERT INTO credit_balances (account_id, runs_remaining, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (account_id) DO UPDATE SET
			runs_remaining = credit_balances.runs_remaining + excluded.runs_remaining,
			updated_at = excluded.updated_at
		 RETURNING runs_remaining`,
		strings.TrimSpace(accountID),
		amount,
		normalizeTime(at),
	).Scan(&remaining)
	if err != nil {
		return 0, fmt.Errorf("add runs: %w", classify(err))
	}
	return remaining, nil
}

func (s *BalanceStore) ActivatePlan(ctx context.Context, b domain.CreditBalance) error {
	if s == nil || s.db == nil {
		return errNotInitialized
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO credit_balances (account_id, runs_remaining, plan, plan_status, period_ends_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (account_id) DO UPDATE SET
			runs_remaining = excluded.runs_remaining,
			plan = excluded.plan,
			plan_status = excluded.plan_status,
			period_ends_at = excluded.period_ends_at,
			updated_at = excluded.updated_at`,
		strings.TrimSpace(b.AccountID),
		b.RunsRemaining,
		nullIfEmpty(b.Plan),
		nullIfEmpty(string(b.PlanStatus)),
		nullTime(b.PeriodEndsAt),
		normalizeTime(b.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("activate plan: %w", classify(err))
	}
	return nil
}

func (s *BalanceStore) ClaimReference(ctx context.Context, ref domain.BillingReference) (bool, error) {
	if s == nil || s.db == nil {
		return false, errNotInitialized
	}
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO billing_references (reference, account_id, plan_code, applied_at)
		 VALUES (?, ?, ?, ?) ON CONFLICT (reference) DO NOTHING`,
		strings.TrimSpace(ref.Reference),
		strings.TrimSpace(ref.AccountID),
		nullIfEmpty(ref.PlanCode),
		normalizeTime(ref.AppliedAt),
	)
	if err != nil {
		return false, fmt.Errorf("claim reference: %w", classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim reference: %w", err)
	}
	return n == 1, nil
}
