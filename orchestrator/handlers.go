package main

import (
	"io"
	"net/http"
	"strings"

	"github.com/applaude-labs/applaude-go/internal/billing"
	"github.com/applaude-labs/applaude-go/internal/domain"
	"github.com/applaude-labs/applaude-go/internal/platform/ratelimit"
	"github.com/applaude-labs/applaude-go/internal/repo"
	"github.com/applaude-labs/applaude-go/internal/reports"
	runsvc "github.com/applaude-labs/applaude-go/internal/service/runs"
)

func (api *orchestratorAPI) handleListPlans(w http.ResponseWriter, r *http.Request) {
	api.writeJSON(w, http.StatusOK, map[string]any{"plans": api.catalog.Plans()})
}

func (api *orchestratorAPI) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	identity, ok := api.identity(w, r)
	if !ok {
		return
	}
	balance, err := api.ledger.Balance(r.Context(), api.store, identity.AccountID)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, toBalanceView(balance))
}

func (api *orchestratorAPI) handleBillingWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_body")
		return
	}
	if err := billing.VerifySignature(api.webhookSecret, body, r.Header.Get(billing.SignatureHeader)); err != nil {
		api.logger.Warn("billing webhook rejected", "request_id", r.Header.Get("X-Request-Id"), "error", err)
		api.writeError(w, r, http.StatusUnauthorized, "invalid_signature")
		return
	}
	ev, err := billing.DecodeEvent(body)
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if err := api.validate.Struct(ev); err != nil {
		api.metrics.BillingEvent(ev.Type, "rejected")
		api.writeErrorDetail(w, r, http.StatusBadRequest, "invalid_input", validationDetail(err))
		return
	}
	res, err := api.billing.Process(r.Context(), ev)
	if err != nil {
		api.metrics.BillingEvent(ev.Type, "rejected")
		api.writeDomainError(w, r, err)
		return
	}
	outcome := "applied"
	if !res.Applied {
		outcome = "replayed"
	}
	api.metrics.BillingEvent(ev.Type, outcome)
	api.logger.Info("billing event",
		"request_id", r.Header.Get("X-Request-Id"),
		"event", ev.Type,
		"account_id", ev.AccountID,
		"reference", ev.Reference,
		"outcome", outcome,
	)
	api.writeJSON(w, http.StatusOK, map[string]any{
		"applied": res.Applied,
		"balance": toBalanceView(res.Balance),
	})
}

func (api *orchestratorAPI) handleListProjects(w http.ResponseWriter, r *http.Request) {
	identity, ok := api.identity(w, r)
	if !ok {
		return
	}
	connected, err := parseBoolQuery(r, "connected")
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	limit, err := parseIntQuery(r, "limit", 100)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	projects, err := api.projects.List(r.Context(), repo.ProjectFilter{
		AccountID: identity.AccountID,
		Connected: connected,
		Limit:     clampInt(limit, 1, 500),
	})
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	out := make([]projectView, 0, len(projects))
	for _, p := range projects {
		out = append(out, toProjectView(p))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"projects": out})
}

func (api *orchestratorAPI) handleLinkProject(w http.ResponseWriter, r *http.Request) {
	identity, ok := api.identity(w, r)
	if !ok {
		return
	}
	var req linkProjectRequest
	if !api.decodeAndValidate(w, r, &req) {
		return
	}
	project, err := api.projects.Link(r.Context(), auditInfo(r, identity), identity.AccountID, req.Name, req.RepositoryURL)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusCreated, toProjectView(project))
}

func (api *orchestratorAPI) handleGetProject(w http.ResponseWriter, r *http.Request) {
	identity, ok := api.identity(w, r)
	if !ok {
		return
	}
	project, err := api.projects.Get(r.Context(), identity.AccountID, r.PathValue("project_id"))
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, toProjectView(project))
}

func (api *orchestratorAPI) handleSetConnected(connected bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, ok := api.identity(w, r)
		if !ok {
			return
		}
		project, err := api.projects.SetConnected(r.Context(), auditInfo(r, identity), identity.AccountID, r.PathValue("project_id"), connected)
		if err != nil {
			api.writeDomainError(w, r, err)
			return
		}
		api.writeJSON(w, http.StatusOK, toProjectView(project))
	}
}

func (api *orchestratorAPI) handleStartRun(w http.ResponseWriter, r *http.Request) {
	identity, ok := api.identity(w, r)
	if !ok {
		return
	}
	var req startRunRequest
	if !api.decodeAndValidate(w, r, &req) {
		return
	}
	if allowed, wait := api.limiter.Allow(identity.AccountID, api.now()); !allowed {
		w.Header().Set("Retry-After", ratelimit.RetryAfterSeconds(wait))
		api.writeError(w, r, http.StatusTooManyRequests, "rate_limited")
		return
	}

	res, err := api.runs.Create(r.Context(), auditInfo(r, identity), identity.AccountID, r.PathValue("project_id"), domain.RunType(req.RunType))
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", "/runs/"+res.Run.ID)
	api.writeJSON(w, http.StatusAccepted, startRunResponse{Run: toRunView(res.Run), RunsRemaining: res.RunsRemaining})
}

func (api *orchestratorAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	identity, ok := api.identity(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := repo.RunFilter{
		AccountID: identity.AccountID,
		ProjectID: strings.TrimSpace(q.Get("project_id")),
	}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		filter.Status = domain.NormalizeRunStatus(raw)
		if filter.Status == "" {
			api.writeErrorDetail(w, r, http.StatusBadRequest, "invalid_input", "status: unknown status")
			return
		}
	}
	limit, err := parseIntQuery(r, "limit", 50)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	filter.Limit = clampInt(limit, 1, 200)

	runs, err := api.runs.List(r.Context(), filter)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	out := make([]runView, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunView(run))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (api *orchestratorAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	identity, ok := api.identity(w, r)
	if !ok {
		return
	}
	run, err := api.runs.Get(r.Context(), identity.AccountID, r.PathValue("run_id"))
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, toRunView(run))
}

func (api *orchestratorAPI) handleListTransitions(w http.ResponseWriter, r *http.Request) {
	identity, ok := api.identity(w, r)
	if !ok {
		return
	}
	history, err := api.runs.Transitions(r.Context(), identity.AccountID, r.PathValue("run_id"))
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	out := make([]transitionView, 0, len(history))
	for _, t := range history {
		out = append(out, toTransitionView(t))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"transitions": out})
}

// handleReportProgress is the worker callback. Only the run's own token may call it.
func (api *orchestratorAPI) handleReportProgress(w http.ResponseWriter, r *http.Request) {
	identity, ok := api.identity(w, r)
	if !ok {
		return
	}
	runID := r.PathValue("run_id")
	if !identity.IsRunWorker() || identity.RunID != runID {
		api.writeError(w, r, http.StatusForbidden, "forbidden")
		return
	}
	var req progressRequest
	if !api.decodeAndValidate(w, r, &req) {
		return
	}
	if msg := strings.TrimSpace(req.Message); msg != "" {
		api.logger.Info("run progress message", "run_id", runID, "status", req.Status, "message", msg)
	}

	artifacts := domain.Artifacts{
		PullRequestURL: strings.TrimSpace(req.PullRequestURL),
		ReportURL:      strings.TrimSpace(req.ReportURL),
		BugsFixed:      req.BugsFixed,
	}
	if err := artifacts.Validate(); err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	res, err := api.runs.Advance(r.Context(), auditInfo(r, identity), runsvc.AdvanceRequest{
		RunID:     runID,
		AccountID: identity.AccountID,
		Expected:  domain.RunStatus(req.ExpectedStatus),
		Next:      domain.RunStatus(req.Status),
		Artifacts: artifacts,
	})
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	out := progressResponse{Run: toRunView(res.Run), Applied: res.Applied}
	if res.Transition != nil {
		out.Seq = res.Transition.Seq
	}
	api.writeJSON(w, http.StatusOK, out)
}

func (api *orchestratorAPI) handleUploadReport(w http.ResponseWriter, r *http.Request) {
	identity, ok := api.identity(w, r)
	if !ok {
		return
	}
	runID := r.PathValue("run_id")
	if !identity.IsRunWorker() || identity.RunID != runID {
		api.writeError(w, r, http.StatusForbidden, "forbidden")
		return
	}
	run, err := api.runs.Get(r.Context(), identity.AccountID, runID)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	body := http.MaxBytesReader(w, r.Body, reports.MaxSize+1)
	rep, err := api.reports.Put(r.Context(), auditInfo(r, identity), run, body, r.ContentLength, r.Header.Get("Content-Type"))
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusCreated, map[string]any{
		"report_url":   rep.URL,
		"object_key":   rep.Key,
		"sha256":       rep.SHA256,
		"size_bytes":   rep.SizeBytes,
		"content_type": rep.ContentType,
	})
}

func (api *orchestratorAPI) handleDownloadReport(w http.ResponseWriter, r *http.Request) {
	identity, ok := api.identity(w, r)
	if !ok {
		return
	}
	run, err := api.runs.Get(r.Context(), identity.AccountID, r.PathValue("run_id"))
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	link, err := api.reports.PresignGet(r.Context(), run.ID)
	if err != nil {
		api.writeDomainError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, link, http.StatusFound)
}
