package runs

import (
	"context"
	"errors"
	"time"

	"github.com/applaude-labs/applaude-go/internal/domain"
	"github.com/applaude-labs/applaude-go/internal/repo"
)

const ReaperActor = "system:reaper"

// FailStale moves non-terminal runs that have not changed for staleAfter to FAILED.
// Runs that move concurrently are skipped. It returns the number of runs failed.
func (s *Service) FailStale(ctx context.Context, staleAfter time.Duration, limit int) (int, error) {
	if staleAfter <= 0 {
		return 0, &domain.InvalidInputError{Field: "stale_after", Message: "must be > 0"}
	}
	stale, err := s.store.Runs().ListRuns(ctx, repo.RunFilter{
		NonTerminal:   true,
		UpdatedBefore: s.now().Add(-staleAfter),
		Limit:         limit,
	})
	if err != nil {
		return 0, err
	}

	info := domain.AuditInfo{Actor: ReaperActor, Service: "reaper"}
	failed := 0
	for _, run := range stale {
		if err := ctx.Err(); err != nil {
			return failed, err
		}
		res, err := s.Advance(ctx, info, AdvanceRequest{
			RunID:    run.ID,
			Expected: run.Status,
			Next:     domain.RunStatusFailed,
		})
		if errors.Is(err, domain.ErrIllegalTransition) {
			continue
		}
		if err != nil {
			return failed, err
		}
		if res.Applied {
			failed++
			s.logger.Info("stale run failed", "run_id", run.ID, "account_id", run.AccountID, "from", string(run.Status))
		}
	}
	return failed, nil
}
