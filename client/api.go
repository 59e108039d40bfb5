package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

func (c *Client) ListPlans(ctx context.Context) ([]Plan, error) {
	var out struct {
		Plans []Plan `json:"plans"`
	}
	err := c.do(ctx, request{method: http.MethodGet, path: "/plans", idempotent: true}, &out)
	return out.Plans, err
}

func (c *Client) Balance(ctx context.Context) (Balance, error) {
	var out Balance
	err := c.do(ctx, request{method: http.MethodGet, path: "/account/balance", idempotent: true}, &out)
	return out, err
}

func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var out struct {
		Projects []Project `json:"projects"`
	}
	err := c.do(ctx, request{method: http.MethodGet, path: "/projects", idempotent: true}, &out)
	return out.Projects, err
}

func (c *Client) LinkProject(ctx context.Context, name, repositoryURL string) (Project, error) {
	var out Project
	body := map[string]string{"repository_url": strings.TrimSpace(repositoryURL)}
	if name = strings.TrimSpace(name); name != "" {
		body["name"] = name
	}
	err := c.do(ctx, request{method: http.MethodPost, path: "/projects", body: body}, &out)
	return out, err
}

// SetProjectConnected connects or disconnects a project. Disconnected projects cannot start runs.
func (c *Client) SetProjectConnected(ctx context.Context, projectID string, connected bool) (Project, error) {
	action := "/disconnect"
	if connected {
		action = "/connect"
	}
	var out Project
	err := c.do(ctx, request{method: http.MethodPost, path: "/projects/" + url.PathEscape(projectID) + action, idempotent: true}, &out)
	return out, err
}

// StartRun pays one credit and queues a run. Only the server's own transient rejections
// (503 conflict_retry, 429 rate_limited) are retried, since those are returned before any
// credit is taken. Gateway errors and transport failures are returned to the caller.
func (c *Client) StartRun(ctx context.Context, projectID, runType string) (StartRunResult, error) {
	if strings.TrimSpace(projectID) == "" {
		return StartRunResult{}, errors.New("project id is required")
	}
	var out StartRunResult
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/projects/" + url.PathEscape(projectID) + "/runs",
		body:   map[string]string{"run_type": runType},
	}, &out)
	return out, err
}

func (c *Client) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	q := url.Values{}
	if filter.ProjectID != "" {
		q.Set("project_id", filter.ProjectID)
	}
	if filter.Status != "" {
		q.Set("status", filter.Status)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	var out struct {
		Runs []Run `json:"runs"`
	}
	err := c.do(ctx, request{method: http.MethodGet, path: "/runs", query: q, idempotent: true}, &out)
	return out.Runs, err
}

func (c *Client) GetRun(ctx context.Context, runID string) (Run, error) {
	var out Run
	err := c.do(ctx, request{method: http.MethodGet, path: "/runs/" + url.PathEscape(runID), idempotent: true}, &out)
	return out, err
}

func (c *Client) Transitions(ctx context.Context, runID string) ([]Transition, error) {
	var out struct {
		Transitions []Transition `json:"transitions"`
	}
	err := c.do(ctx, request{method: http.MethodGet, path: "/runs/" + url.PathEscape(runID) + "/transitions", idempotent: true}, &out)
	return out.Transitions, err
}

// ReportProgress advances a run on behalf of its worker. Reports are idempotent, so they are
// retried after transport failures too. A TESTING phase is logged and not sent.
func (c *Client) ReportProgress(ctx context.Context, runID string, p Progress) (ProgressResult, error) {
	if strings.EqualFold(strings.TrimSpace(p.Status), PhaseTesting) {
		c.logger.Info("run phase", "run_id", runID, "phase", PhaseTesting, "message", p.Message)
		return ProgressResult{}, nil
	}
	var out ProgressResult
	err := c.do(ctx, request{
		method:     http.MethodPost,
		path:       "/runs/" + url.PathEscape(runID) + "/progress",
		body:       p,
		idempotent: true,
	}, &out)
	return out, err
}

// UploadReport stores the run's report document. body is rewound before each attempt.
func (c *Client) UploadReport(ctx context.Context, runID string, body io.ReadSeeker, size int64, contentType string) (ReportUpload, error) {
	if contentType == "" {
		contentType = "application/pdf"
	}
	var out ReportUpload
	err := c.do(ctx, request{
		method:      http.MethodPut,
		path:        "/runs/" + url.PathEscape(runID) + "/report",
		raw:         body,
		rawSize:     size,
		contentType: contentType,
		idempotent:  true,
	}, &out)
	return out, err
}
