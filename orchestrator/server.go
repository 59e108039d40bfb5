package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"github.com/applaude-labs/applaude-go/internal/billing"
	"github.com/applaude-labs/applaude-go/internal/domain"
	"github.com/applaude-labs/applaude-go/internal/ledger"
	"github.com/applaude-labs/applaude-go/internal/platform/auditlog"
	"github.com/applaude-labs/applaude-go/internal/platform/auth"
	"github.com/applaude-labs/applaude-go/internal/platform/httpserver"
	"github.com/applaude-labs/applaude-go/internal/platform/metrics"
	"github.com/applaude-labs/applaude-go/internal/platform/ratelimit"
	"github.com/applaude-labs/applaude-go/internal/reports"
	"github.com/applaude-labs/applaude-go/internal/repo"
	"github.com/applaude-labs/applaude-go/internal/runevents"
	projectsvc "github.com/applaude-labs/applaude-go/internal/service/projects"
	runsvc "github.com/applaude-labs/applaude-go/internal/service/runs"
)

type serverDeps struct {
	Logger        *slog.Logger
	Store         repo.Store
	Runs          *runsvc.Service
	Projects      *projectsvc.Service
	Ledger        *ledger.Ledger
	Catalog       billing.Catalog
	Billing       *billing.Processor
	WebhookSecret string
	Hub           *runevents.Hub
	Reports       *reports.Store
	Limiter       *ratelimit.Limiter
	Metrics       *metrics.Recorder
	Heartbeat     time.Duration
	Now           func() time.Time

	// Authenticator handles user credentials; run tokens signed with RunTokenSecret are accepted in front of it.
	Authenticator  auth.Authenticator
	RunTokenSecret string
	OIDC           *auth.OIDCService
	AuthConfig     auth.Config
	Readiness      []httpserver.ReadinessCheck
}

var publicPaths = []string{"/healthz", "/readyz", "/metrics", "/plans", "/billing/webhook"}

func newHandler(d serverDeps) http.Handler {
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	if d.Heartbeat <= 0 {
		d.Heartbeat = 15 * time.Second
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New()
	}
	api := &orchestratorAPI{
		logger:        d.Logger,
		store:         d.Store,
		runs:          d.Runs,
		projects:      d.Projects,
		ledger:        d.Ledger,
		catalog:       d.Catalog,
		billing:       d.Billing,
		webhookSecret: d.WebhookSecret,
		hub:           d.Hub,
		reports:       d.Reports,
		limiter:       d.Limiter,
		metrics:       d.Metrics,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		heartbeat: d.Heartbeat,
		now:       d.Now,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", httpserver.Healthz(serviceName))
	checks := append([]httpserver.ReadinessCheck{{
		Name:  "store",
		Check: auth.WithTimeout(750*time.Millisecond, d.Store.Ping),
	}}, d.Readiness...)
	mux.HandleFunc("GET /readyz", httpserver.ReadyzWithChecks(serviceName, checks...))
	mux.Handle("GET /metrics", d.Metrics.Handler())
	api.registerAuth(mux, d)
	api.register(mux)

	authenticator := auth.RunTokenAuthenticator{Secret: d.RunTokenSecret, Next: d.Authenticator, Now: d.Now}
	protected := auth.Middleware{
		Logger:        d.Logger,
		Authenticator: authenticator,
		Authorize:     auth.RunScopeAuthorizer(auth.MethodRoleAuthorizer()),
		Audit:         auditDenyFunc(d.Store),
		SkipPrefixes:  []string{"/auth/"},
		SkipExact:     publicPaths,
	}.Wrap(mux)

	return httpserver.WrapObserved(d.Logger, serviceName, d.Metrics.ObserveHTTP, protected)
}

func auditDenyFunc(store repo.Store) auth.AuditFunc {
	return func(ctx context.Context, event auth.DenyEvent) error {
		auditCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
		defer cancel()
		ev := auditlog.FromAuthDeny(serviceName, event)
		payload, _ := ev.Payload.(map[string]any)
		_, err := store.Audit().Append(auditCtx, domain.AuditEvent{
			OccurredAt:   ev.OccurredAt,
			Actor:        ev.Actor,
			Action:       ev.Action,
			ResourceType: ev.ResourceType,
			ResourceID:   ev.ResourceID,
			AccountID:    ev.AccountID,
			RequestID:    ev.RequestID,
			Payload:      payload,
		})
		return err
	}
}

func (api *orchestratorAPI) registerAuth(mux *http.ServeMux, d serverDeps) {
	notConfigured := func(w http.ResponseWriter, r *http.Request) {
		api.writeError(w, r, http.StatusNotImplemented, "login_not_configured")
	}

	if d.OIDC != nil {
		mux.HandleFunc("GET /auth/logout", d.OIDC.LogoutHandler())
		mux.HandleFunc("GET /auth/session", d.OIDC.SessionHandler())
		if err := d.AuthConfig.ValidateForLogin(); err == nil {
			if login, err := d.OIDC.LoginHandler(); err == nil {
				mux.HandleFunc("GET /auth/login", login)
			}
			if callback, err := d.OIDC.CallbackHandler(); err == nil {
				mux.HandleFunc("GET /auth/callback", callback)
			}
			return
		}
		mux.HandleFunc("GET /auth/login", notConfigured)
		mux.HandleFunc("GET /auth/callback", notConfigured)
		return
	}

	mux.HandleFunc("GET /auth/login", notConfigured)
	mux.HandleFunc("GET /auth/callback", notConfigured)
	mux.HandleFunc("GET /auth/logout", func(w http.ResponseWriter, r *http.Request) {
		api.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	mux.HandleFunc("GET /auth/session", func(w http.ResponseWriter, r *http.Request) {
		if d.Authenticator == nil {
			api.writeError(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}
		identity, err := d.Authenticator.Authenticate(r.Context(), r)
		if err != nil {
			api.writeError(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}
		api.writeJSON(w, http.StatusOK, map[string]any{
			"mode":       string(d.AuthConfig.Mode),
			"subject":    identity.Subject,
			"email":      identity.Email,
			"roles":      identity.Roles,
			"account_id": identity.AccountID,
		})
	})
}
