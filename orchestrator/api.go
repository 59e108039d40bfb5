package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"github.com/applaude-labs/applaude-go/internal/billing"
	"github.com/applaude-labs/applaude-go/internal/domain"
	"github.com/applaude-labs/applaude-go/internal/ledger"
	"github.com/applaude-labs/applaude-go/internal/platform/auth"
	"github.com/applaude-labs/applaude-go/internal/platform/metrics"
	"github.com/applaude-labs/applaude-go/internal/platform/ratelimit"
	"github.com/applaude-labs/applaude-go/internal/reports"
	"github.com/applaude-labs/applaude-go/internal/repo"
	"github.com/applaude-labs/applaude-go/internal/runevents"
	projectsvc "github.com/applaude-labs/applaude-go/internal/service/projects"
	runsvc "github.com/applaude-labs/applaude-go/internal/service/runs"
)

const serviceName = "orchestrator"

type orchestratorAPI struct {
	logger        *slog.Logger
	store         repo.Store
	runs          *runsvc.Service
	projects      *projectsvc.Service
	ledger        *ledger.Ledger
	catalog       billing.Catalog
	billing       *billing.Processor
	webhookSecret string
	hub           *runevents.Hub
	reports       *reports.Store
	limiter       *ratelimit.Limiter
	metrics       *metrics.Recorder
	validate      *validator.Validate
	upgrader      websocket.Upgrader
	heartbeat     time.Duration
	now           func() time.Time
}

func (api *orchestratorAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /plans", api.handleListPlans)
	mux.HandleFunc("GET /account/balance", api.handleGetBalance)
	mux.HandleFunc("POST /billing/webhook", api.handleBillingWebhook)

	mux.HandleFunc("GET /projects", api.handleListProjects)
	mux.HandleFunc("POST /projects", api.handleLinkProject)
	mux.HandleFunc("GET /projects/{project_id}", api.handleGetProject)
	mux.HandleFunc("POST /projects/{project_id}/connect", api.handleSetConnected(true))
	mux.HandleFunc("POST /projects/{project_id}/disconnect", api.handleSetConnected(false))
	mux.HandleFunc("POST /projects/{project_id}/runs", api.handleStartRun)

	mux.HandleFunc("GET /runs", api.handleListRuns)
	mux.HandleFunc("GET /runs/{run_id}", api.handleGetRun)
	mux.HandleFunc("GET /runs/{run_id}/transitions", api.handleListTransitions)
	mux.HandleFunc("GET /runs/{run_id}/stream", api.handleStreamRun)
	mux.HandleFunc("GET /runs/{run_id}/ws", api.handleWatchRunWS)
	mux.HandleFunc("POST /runs/{run_id}/progress", api.handleReportProgress)
	mux.HandleFunc("PUT /runs/{run_id}/report", api.handleUploadReport)
	mux.HandleFunc("GET /runs/{run_id}/report", api.handleDownloadReport)
}

func (api *orchestratorAPI) identity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || strings.TrimSpace(identity.AccountID) == "" {
		api.writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return auth.Identity{}, false
	}
	return identity, true
}

func auditInfo(r *http.Request, identity auth.Identity) domain.AuditInfo {
	actor := identity.Subject
	if actor == "" {
		actor = identity.AccountID
	}
	return domain.AuditInfo{
		Actor:     actor,
		RequestID: r.Header.Get("X-Request-Id"),
		Service:   serviceName,
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

// decodeAndValidate writes the error response itself and reports whether the request may proceed.
func (api *orchestratorAPI) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(r, dst); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return false
	}
	if err := api.validate.Struct(dst); err != nil {
		api.writeErrorDetail(w, r, http.StatusBadRequest, "invalid_input", validationDetail(err))
		return false
	}
	return true
}

func validationDetail(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fe.Field()+": "+fe.Tag())
	}
	return strings.Join(parts, "; ")
}

func (api *orchestratorAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *orchestratorAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeErrorDetail(w, r, status, code, "")
}

func (api *orchestratorAPI) writeErrorDetail(w http.ResponseWriter, r *http.Request, status int, code, detail string) {
	body := map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	}
	if detail != "" {
		body["detail"] = detail
	}
	api.writeJSON(w, status, body)
}

// writeDomainError maps the error taxonomy onto HTTP status codes.
func (api *orchestratorAPI) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		invalid    *domain.InvalidInputError
		transition *domain.TransitionError
	)
	switch {
	case errors.Is(err, domain.ErrInsufficientCredits):
		api.writeError(w, r, http.StatusPaymentRequired, "insufficient_credits")
	case errors.Is(err, domain.ErrProjectNotConnected):
		api.writeError(w, r, http.StatusConflict, "project_not_connected")
	case errors.As(err, &transition):
		api.writeErrorDetail(w, r, http.StatusConflict, "illegal_transition", transition.Error())
	case errors.Is(err, domain.ErrIllegalTransition):
		api.writeError(w, r, http.StatusConflict, "illegal_transition")
	case errors.Is(err, domain.ErrArtifactsRequired):
		api.writeErrorDetail(w, r, http.StatusUnprocessableEntity, "artifacts_required", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		api.writeError(w, r, http.StatusNotFound, "not_found")
	case errors.As(err, &invalid):
		api.writeErrorDetail(w, r, http.StatusBadRequest, "invalid_input", invalid.Error())
	case errors.Is(err, domain.ErrInvalidInput):
		api.writeError(w, r, http.StatusBadRequest, "invalid_input")
	case errors.Is(err, repo.ErrConflict):
		w.Header().Set("Retry-After", "1")
		api.writeError(w, r, http.StatusServiceUnavailable, "conflict_retry")
	case errors.Is(err, reports.ErrNotConfigured):
		api.writeError(w, r, http.StatusNotImplemented, "report_storage_not_configured")
	case errors.Is(err, reports.ErrTooLarge):
		api.writeError(w, r, http.StatusRequestEntityTooLarge, "report_too_large")
	default:
		api.logger.Error("request failed",
			"request_id", r.Header.Get("X-Request-Id"),
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
	}
}

func parseIntQuery(r *http.Request, key string, def int) (int, error) {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def, nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return 0, &domain.InvalidInputError{Field: key, Message: "must be an integer"}
	}
	return parsed, nil
}

func parseBoolQuery(r *http.Request, key string) (*bool, error) {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return nil, nil
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return nil, &domain.InvalidInputError{Field: key, Message: "must be a boolean"}
	}
	return &parsed, nil
}

func clampInt(v int, min int, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
