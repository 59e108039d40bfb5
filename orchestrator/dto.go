package main

import (
	"time"

	"github.com/applaude-labs/applaude-go/internal/domain"
)

type projectView struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	RepositoryURL string    `json:"repository_url"`
	IsConnected   bool      `json:"is_connected"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func toProjectView(p domain.Project) projectView {
	return projectView{
		ID:            p.ID,
		Name:          p.Name,
		RepositoryURL: p.RepositoryURL,
		IsConnected:   p.IsConnected,
		CreatedAt:     p.CreatedAt.UTC(),
		UpdatedAt:     p.UpdatedAt.UTC(),
	}
}

type runView struct {
	ID             string           `json:"id"`
	ProjectID      string           `json:"project_id"`
	RunType        domain.RunType   `json:"run_type"`
	Status         domain.RunStatus `json:"status"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
	PullRequestURL string           `json:"pull_request_url,omitempty"`
	ReportURL      string           `json:"report_url,omitempty"`
	BugsFixed      int              `json:"bugs_fixed"`
}

func toRunView(r domain.Run) runView {
	v := runView{
		ID:             r.ID,
		ProjectID:      r.ProjectID,
		RunType:        r.RunType,
		Status:         r.Status,
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
		PullRequestURL: r.PullRequestURL,
		ReportURL:      r.ReportURL,
		BugsFixed:      r.BugsFixed,
	}
	if r.CompletedAt != nil {
		t := r.CompletedAt.UTC()
		v.CompletedAt = &t
	}
	return v
}

type transitionView struct {
	Seq        int              `json:"seq"`
	From       domain.RunStatus `json:"from,omitempty"`
	To         domain.RunStatus `json:"to"`
	Actor      string           `json:"actor"`
	OccurredAt time.Time        `json:"occurred_at"`
}

func toTransitionView(t domain.Transition) transitionView {
	return transitionView{Seq: t.Seq, From: t.From, To: t.To, Actor: t.Actor, OccurredAt: t.OccurredAt.UTC()}
}

type balanceView struct {
	AccountID     string            `json:"account_id"`
	RunsRemaining int               `json:"runs_remaining"`
	Plan          string            `json:"plan,omitempty"`
	PlanStatus    domain.PlanStatus `json:"plan_status,omitempty"`
	PeriodEndsAt  *time.Time        `json:"period_ends_at,omitempty"`
}

func toBalanceView(b domain.CreditBalance) balanceView {
	return balanceView{
		AccountID:     b.AccountID,
		RunsRemaining: b.RunsRemaining,
		Plan:          b.Plan,
		PlanStatus:    b.PlanStatus,
		PeriodEndsAt:  b.PeriodEndsAt,
	}
}

// statusEvent is the payload of every subscription message after "ready".
type statusEvent struct {
	Type       string           `json:"type"`
	RunID      string           `json:"run_id"`
	Seq        int              `json:"seq"`
	From       domain.RunStatus `json:"from,omitempty"`
	Status     domain.RunStatus `json:"status"`
	OccurredAt time.Time        `json:"occurred_at"`
	Run        *runView         `json:"run,omitempty"`
}

type linkProjectRequest struct {
	Name          string `json:"name,omitempty" validate:"max=200"`
	RepositoryURL string `json:"repository_url" validate:"required,url,max=2048"`
}

type startRunRequest struct {
	RunType string `json:"run_type" validate:"required,oneof=FULL_STACK FRONTEND_ONLY full_stack frontend_only"`
}

type startRunResponse struct {
	Run           runView `json:"run"`
	RunsRemaining int     `json:"runs_remaining"`
}

type progressRequest struct {
	Status         string `json:"status" validate:"required,max=32"`
	ExpectedStatus string `json:"expected_status,omitempty" validate:"max=32"`
	PullRequestURL string `json:"pull_request_url,omitempty" validate:"omitempty,url,max=2048"`
	ReportURL      string `json:"report_url,omitempty" validate:"max=2048"`
	BugsFixed      int    `json:"bugs_fixed,omitempty" validate:"gte=0"`
	Message        string `json:"message,omitempty" validate:"max=2000"`
}

type progressResponse struct {
	Run     runView `json:"run"`
	Applied bool    `json:"applied"`
	Seq     int     `json:"seq,omitempty"`
}
