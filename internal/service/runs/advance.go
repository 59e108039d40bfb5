package runs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/applaude-labs/applaude-go/internal/domain"
	"github.com/applaude-labs/applaude-go/internal/repo"
)

type AdvanceRequest struct {
	RunID string
	// AccountID scopes the lookup; empty means any account (system callers).
	AccountID string
	// Expected, when set, must equal the stored status for the change to apply.
	Expected  domain.RunStatus
	Next      domain.RunStatus
	Artifacts domain.Artifacts
}

type AdvanceResult struct {
	Run        domain.Run
	Applied    bool
	Transition *domain.Transition
}

// Advance moves a run to req.Next. Reporting the status the run already has
// succeeds with Applied=false, so at-least-once delivery is safe.
func (s *Service) Advance(ctx context.Context, info domain.AuditInfo, req AdvanceRequest) (AdvanceResult, error) {
	req.RunID = strings.TrimSpace(req.RunID)
	if req.RunID == "" {
		return AdvanceResult{}, &domain.InvalidInputError{Field: "run_id", Message: "run id is required"}
	}
	next := domain.NormalizeRunStatus(string(req.Next))
	if next == "" {
		return AdvanceResult{}, &domain.InvalidInputError{Field: "status", Message: "unknown status"}
	}
	var expected domain.RunStatus
	if strings.TrimSpace(string(req.Expected)) != "" {
		expected = domain.NormalizeRunStatus(string(req.Expected))
		if expected == "" {
			return AdvanceResult{}, &domain.InvalidInputError{Field: "expected_status", Message: "unknown status"}
		}
	}

	var result AdvanceResult
	err := s.withinTx(ctx, func(r repo.Repositories) error {
		run, err := r.Runs().GetRun(ctx, req.AccountID, req.RunID)
		if err != nil {
			return err
		}
		current := run.Status
		if current == next {
			result = AdvanceResult{Run: run}
			return nil
		}
		if err := checkAdvance(run, expected, next, req.Artifacts); err != nil {
			return err
		}

		now := s.now()
		update := repo.RunUpdate{ID: run.ID, From: current, To: next, UpdatedAt: now}
		if next.Terminal() {
			update.CompletedAt = &now
		}
		if next == domain.RunStatusComplete {
			update.PullRequestURL = strings.TrimSpace(req.Artifacts.PullRequestURL)
			update.ReportURL = strings.TrimSpace(req.Artifacts.ReportURL)
			update.BugsFixed = req.Artifacts.BugsFixed
		}
		ok, err := r.Runs().CompareAndSwapStatus(ctx, update)
		if err != nil {
			return err
		}
		if !ok {
			latest, err := r.Runs().GetRun(ctx, req.AccountID, req.RunID)
			if err != nil {
				return err
			}
			if latest.Status == next {
				result = AdvanceResult{Run: latest}
				return nil
			}
			return &domain.TransitionError{RunID: run.ID, From: latest.Status, To: next, Reason: "run changed concurrently"}
		}

		t, err := r.Transitions().AppendTransition(ctx, domain.Transition{
			RunID:      run.ID,
			From:       current,
			To:         next,
			Actor:      info.Actor,
			OccurredAt: now,
		})
		if err != nil {
			return err
		}
		payload := map[string]any{
			"service": info.Service,
			"from":    string(current),
			"to":      string(next),
			"seq":     t.Seq,
		}
		if next == domain.RunStatusComplete {
			payload["pull_request_url"] = update.PullRequestURL
			payload["report_url"] = update.ReportURL
			payload["bugs_fixed"] = update.BugsFixed
		}
		if _, err := r.Audit().Append(ctx, domain.AuditEvent{
			OccurredAt:   now,
			Actor:        info.Actor,
			Action:       domain.AuditActionRunTransitioned,
			ResourceType: "run",
			ResourceID:   run.ID,
			AccountID:    run.AccountID,
			RequestID:    info.RequestID,
			Payload:      payload,
		}); err != nil {
			return fmt.Errorf("audit run transition: %w", err)
		}

		run.Status = next
		run.UpdatedAt = now
		if update.CompletedAt != nil {
			run.CompletedAt = update.CompletedAt
		}
		if next == domain.RunStatusComplete {
			run.PullRequestURL = update.PullRequestURL
			run.ReportURL = update.ReportURL
			run.BugsFixed = update.BugsFixed
		}
		result = AdvanceResult{Run: run, Applied: true, Transition: &t}
		return nil
	})
	if err != nil {
		s.rejected(req, next, err)
		return AdvanceResult{}, err
	}

	if result.Applied {
		if s.metrics != nil {
			s.metrics.RunTransitioned(result.Transition.From, result.Transition.To)
		}
		s.publish(ctx, result.Run, *result.Transition)
	}
	return result, nil
}

// checkAdvance validates a change away from the current status, in the order
// the rejections are reported.
func checkAdvance(run domain.Run, expected, next domain.RunStatus, artifacts domain.Artifacts) error {
	current := run.Status
	if expected != "" && expected != current {
		return &domain.TransitionError{RunID: run.ID, From: current, To: next, Reason: fmt.Sprintf("expected %s", expected)}
	}
	if current.Terminal() {
		return &domain.TransitionError{RunID: run.ID, From: current, To: next, Reason: "run is terminal"}
	}
	if !domain.CanTransition(current, next) {
		return &domain.TransitionError{RunID: run.ID, From: current, To: next, Reason: "not a legal successor"}
	}
	if next == domain.RunStatusComplete {
		if !artifacts.Complete() {
			return domain.ErrArtifactsRequired
		}
	} else if !artifacts.Empty() {
		return &domain.InvalidInputError{Field: "artifacts", Message: "artifacts are only accepted with COMPLETE"}
	}
	return artifacts.Validate()
}

func (s *Service) rejected(req AdvanceRequest, next domain.RunStatus, err error) {
	reason := ""
	switch {
	case errors.Is(err, domain.ErrIllegalTransition):
		reason = "illegal_transition"
		s.logger.Warn("run transition rejected", "run_id", req.RunID, "to", string(next), "error", err)
	case errors.Is(err, domain.ErrArtifactsRequired):
		reason = "artifacts_required"
		s.logger.Warn("run transition rejected", "run_id", req.RunID, "to", string(next), "error", err)
	case errors.Is(err, domain.ErrInvalidInput):
		reason = "invalid_input"
	default:
		return
	}
	if s.metrics != nil {
		s.metrics.TransitionRejected(reason)
	}
}
