package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/applaude-labs/applaude-go/internal/domain"
	"github.com/applaude-labs/applaude-go/internal/repo"
	"github.com/applaude-labs/applaude-go/internal/repo/memory"
)

var info = domain.AuditInfo{Actor: "billing", RequestID: "req-1"}

func TestCreditRejectsNonPositive(t *testing.T) {
	store := memory.New()
	_, err := New().Credit(context.Background(), store, info, "a1", 0, "grant")
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestDebitAfterCredit(t *testing.T) {
	store := memory.New()
	l := New()
	ctx := context.Background()

	n, err := l.Credit(ctx, store, info, "a1", 2, "grant")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = l.Debit(ctx, store, info, "a1", "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	events := store.AuditEvents()
	require.Len(t, events, 2)
	assert.Equal(t, domain.AuditActionCreditsGranted, events[0].Action)
	assert.Equal(t, domain.AuditActionCreditsDebited, events[1].Action)
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	store := memory.New()
	l := New()
	ctx := context.Background()
	_, err := l.Credit(ctx, store, info, "a1", 3, "grant")
	require.NoError(t, err)

	const workers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.WithinTx(ctx, func(r repo.Repositories) error {
				_, err := l.Debit(ctx, r, info, "a1", "")
				return err
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, domain.ErrInsufficientCredits)
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	b, err := l.Balance(ctx, store, "a1")
	require.NoError(t, err)
	assert.Equal(t, 0, b.RunsRemaining)
}

func TestApplyPlanResetsAndExpires(t *testing.T) {
	store := memory.New()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := start
	l := New().WithClock(func() time.Time { return clock })
	ctx := context.Background()

	_, err := l.Credit(ctx, store, info, "a1", 5, "grant")
	require.NoError(t, err)

	b, err := l.ApplyPlan(ctx, store, info, "a1", domain.Plan{Code: "WEEKLY", Runs: 20, DurationDays: 7, PriceCents: 1500})
	require.NoError(t, err)
	assert.Equal(t, 20, b.RunsRemaining)
	require.NotNil(t, b.PeriodEndsAt)
	assert.Equal(t, start.AddDate(0, 0, 7), *b.PeriodEndsAt)

	got, err := l.Balance(ctx, store, "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanStatusActive, got.PlanStatus)

	clock = start.AddDate(0, 0, 8)
	got, err = l.Balance(ctx, store, "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanStatusExpired, got.PlanStatus)
	assert.Equal(t, 20, got.RunsRemaining)
}

func TestBalanceOfUnknownAccountIsZero(t *testing.T) {
	b, err := New().Balance(context.Background(), memory.New(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, "ghost", b.AccountID)
	assert.Zero(t, b.RunsRemaining)
}
