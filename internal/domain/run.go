package domain

import (
	"net/url"
	"strings"
	"time"
)

// RunType selects the remediation scope. Fixed at creation.
type RunType string

const (
	RunTypeFullStack    RunType = "FULL_STACK"
	RunTypeFrontendOnly RunType = "FRONTEND_ONLY"
)

func NormalizeRunType(value string) RunType {
	switch RunType(strings.ToUpper(strings.TrimSpace(value))) {
	case RunTypeFullStack:
		return RunTypeFullStack
	case RunTypeFrontendOnly:
		return RunTypeFrontendOnly
	default:
		return ""
	}
}

// Run is one execution of the remediation agent against a project.
type Run struct {
	ID             string
	AccountID      string
	ProjectID      string
	RunType        RunType
	Status         RunStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
	PullRequestURL string
	ReportURL      string
	BugsFixed      int
}

func (r Run) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return invalid("id", "run id is required")
	}
	if strings.TrimSpace(r.AccountID) == "" {
		return invalid("account_id", "account id is required")
	}
	if strings.TrimSpace(r.ProjectID) == "" {
		return invalid("project_id", "project id is required")
	}
	if NormalizeRunType(string(r.RunType)) == "" {
		return invalid("run_type", "must be FULL_STACK or FRONTEND_ONLY")
	}
	if !r.Status.Valid() {
		return invalid("status", "unknown status")
	}
	if r.BugsFixed < 0 {
		return invalid("bugs_fixed", "must be >= 0")
	}
	if r.BugsFixed > 0 && r.Status != RunStatusComplete {
		return invalid("bugs_fixed", "only a complete run can report fixed bugs")
	}
	if r.Status == RunStatusComplete && (r.PullRequestURL == "" || r.ReportURL == "") {
		return ErrArtifactsRequired
	}
	return nil
}

// Artifacts are the delivery outputs attached when a run completes.
type Artifacts struct {
	PullRequestURL string
	ReportURL      string
	BugsFixed      int
}

func (a Artifacts) Empty() bool {
	return strings.TrimSpace(a.PullRequestURL) == "" && strings.TrimSpace(a.ReportURL) == "" && a.BugsFixed == 0
}

// Complete reports whether both delivery links are present.
func (a Artifacts) Complete() bool {
	return strings.TrimSpace(a.PullRequestURL) != "" && strings.TrimSpace(a.ReportURL) != ""
}

func (a Artifacts) Validate() error {
	if a.BugsFixed < 0 {
		return invalid("bugs_fixed", "must be >= 0")
	}
	if v := strings.TrimSpace(a.PullRequestURL); v != "" {
		if err := validateAbsoluteURL(v); err != nil {
			return invalid("pull_request_url", err.Error())
		}
	}
	if v := strings.TrimSpace(a.ReportURL); v != "" {
		u, err := url.Parse(v)
		if err != nil {
			return invalid("report_url", err.Error())
		}
		if !u.IsAbs() && !strings.HasPrefix(u.Path, "/") {
			return invalid("report_url", "must be an absolute url or path")
		}
	}
	return nil
}

func validateAbsoluteURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return errInvalidScheme
	}
	if u.Host == "" {
		return errMissingHost
	}
	return nil
}
