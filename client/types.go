package client

import "time"

const (
	RunTypeFullStack    = "FULL_STACK"
	RunTypeFrontendOnly = "FRONTEND_ONLY"

	StatusQueued    = "QUEUED"
	StatusCloning   = "CLONING"
	StatusDebugging = "DEBUGGING"
	StatusReporting = "REPORTING"
	StatusComplete  = "COMPLETE"
	StatusFailed    = "FAILED"

	// PhaseTesting is reported by some workers between DEBUGGING and REPORTING.
	// The server has no such status; ReportProgress only logs it.
	PhaseTesting = "TESTING"
)

// Terminal reports whether status ends a run.
func Terminal(status string) bool {
	return status == StatusComplete || status == StatusFailed
}

type Project struct {
	ID            string    `json:"id" yaml:"id"`
	Name          string    `json:"name" yaml:"name"`
	RepositoryURL string    `json:"repository_url" yaml:"repository_url"`
	IsConnected   bool      `json:"is_connected" yaml:"is_connected"`
	CreatedAt     time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" yaml:"updated_at"`
}

type Run struct {
	ID             string     `json:"id" yaml:"id"`
	ProjectID      string     `json:"project_id" yaml:"project_id"`
	RunType        string     `json:"run_type" yaml:"run_type"`
	Status         string     `json:"status" yaml:"status"`
	CreatedAt      time.Time  `json:"created_at" yaml:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" yaml:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	PullRequestURL string     `json:"pull_request_url,omitempty" yaml:"pull_request_url,omitempty"`
	ReportURL      string     `json:"report_url,omitempty" yaml:"report_url,omitempty"`
	BugsFixed      int        `json:"bugs_fixed" yaml:"bugs_fixed"`
}

type Transition struct {
	Seq        int       `json:"seq" yaml:"seq"`
	From       string    `json:"from,omitempty" yaml:"from,omitempty"`
	To         string    `json:"to" yaml:"to"`
	Actor      string    `json:"actor" yaml:"actor"`
	OccurredAt time.Time `json:"occurred_at" yaml:"occurred_at"`
}

type Balance struct {
	AccountID     string     `json:"account_id" yaml:"account_id"`
	RunsRemaining int        `json:"runs_remaining" yaml:"runs_remaining"`
	Plan          string     `json:"plan,omitempty" yaml:"plan,omitempty"`
	PlanStatus    string     `json:"plan_status,omitempty" yaml:"plan_status,omitempty"`
	PeriodEndsAt  *time.Time `json:"period_ends_at,omitempty" yaml:"period_ends_at,omitempty"`
}

type Plan struct {
	Code         string `json:"code" yaml:"code"`
	Name         string `json:"name" yaml:"name"`
	Runs         int    `json:"runs" yaml:"runs"`
	DurationDays int    `json:"duration_days" yaml:"duration_days"`
	PriceCents   int    `json:"price_cents" yaml:"price_cents"`
	Currency     string `json:"currency" yaml:"currency"`
}

type StartRunResult struct {
	Run           Run `json:"run" yaml:"run"`
	RunsRemaining int `json:"runs_remaining" yaml:"runs_remaining"`
}

// Progress is a worker status report. Artifacts are only accepted with COMPLETE.
type Progress struct {
	Status         string `json:"status"`
	ExpectedStatus string `json:"expected_status,omitempty"`
	PullRequestURL string `json:"pull_request_url,omitempty"`
	ReportURL      string `json:"report_url,omitempty"`
	BugsFixed      int    `json:"bugs_fixed,omitempty"`
	Message        string `json:"message,omitempty"`
}

type ProgressResult struct {
	Run     Run  `json:"run"`
	Applied bool `json:"applied"`
	Seq     int  `json:"seq,omitempty"`
}

type ReportUpload struct {
	ReportURL   string `json:"report_url" yaml:"report_url"`
	ObjectKey   string `json:"object_key" yaml:"object_key"`
	SHA256      string `json:"sha256" yaml:"sha256"`
	SizeBytes   int64  `json:"size_bytes" yaml:"size_bytes"`
	ContentType string `json:"content_type" yaml:"content_type"`
}

// StatusEvent is one message of a run subscription.
type StatusEvent struct {
	Type       string    `json:"type" yaml:"type"`
	RunID      string    `json:"run_id" yaml:"run_id"`
	Seq        int       `json:"seq" yaml:"seq"`
	From       string    `json:"from,omitempty" yaml:"from,omitempty"`
	Status     string    `json:"status" yaml:"status"`
	OccurredAt time.Time `json:"occurred_at" yaml:"occurred_at"`
	Run        *Run      `json:"run,omitempty" yaml:"run,omitempty"`
}

type RunFilter struct {
	ProjectID string
	Status    string
	Limit     int
}
