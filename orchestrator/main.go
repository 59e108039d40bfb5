package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/applaude-labs/applaude-go/internal/billing"
	"github.com/applaude-labs/applaude-go/internal/dispatch"
	"github.com/applaude-labs/applaude-go/internal/ledger"
	"github.com/applaude-labs/applaude-go/internal/platform/auth"
	"github.com/applaude-labs/applaude-go/internal/platform/httpserver"
	"github.com/applaude-labs/applaude-go/internal/platform/logging"
	"github.com/applaude-labs/applaude-go/internal/platform/metrics"
	"github.com/applaude-labs/applaude-go/internal/platform/objectstore"
	"github.com/applaude-labs/applaude-go/internal/platform/ratelimit"
	"github.com/applaude-labs/applaude-go/internal/platform/requestid"
	"github.com/applaude-labs/applaude-go/internal/reports"
	"github.com/applaude-labs/applaude-go/internal/runevents"
	projectsvc "github.com/applaude-labs/applaude-go/internal/service/projects"
	runsvc "github.com/applaude-labs/applaude-go/internal/service/runs"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Error("load .env", "error", err)
		os.Exit(2)
	}

	logCfg, err := logging.ConfigFromEnv()
	if err != nil {
		slog.Error("invalid logging config", "error", err)
		os.Exit(2)
	}
	logger := logging.New(os.Stdout, logCfg).With("service", serviceName)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpCfg, err := httpserver.ConfigFromEnv(serviceName, "ORCHESTRATOR", ":8080")
	if err != nil {
		logger.Error("invalid http config", "error", err)
		os.Exit(2)
	}
	cfg, err := configFromEnv()
	if err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(2)
	}
	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}
	dispatchCfg, err := dispatch.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid dispatch config", "error", err)
		os.Exit(2)
	}
	objectCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object storage config", "error", err)
		os.Exit(2)
	}
	limitCfg, err := ratelimit.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid rate limit config", "error", err)
		os.Exit(2)
	}
	catalog, err := billing.LoadCatalog(cfg.PlansFile)
	if err != nil {
		logger.Error("load plans", "error", err)
		os.Exit(2)
	}

	if authCfg.RunTokenSecret == "" {
		secret, err := requestid.New()
		if err != nil {
			logger.Error("generate run token secret", "error", err)
			os.Exit(1)
		}
		authCfg.RunTokenSecret = secret
		logger.Warn("APPLAUDE_RUN_TOKEN_SECRET not set; worker tokens will not survive a restart", "auth_mode", authCfg.Mode)
	}

	var (
		authenticator auth.Authenticator
		oidcSvc       *auth.OIDCService
	)
	switch authCfg.Mode {
	case auth.ModeOIDC:
		oidcSvc, err = auth.NewOIDCService(ctx, authCfg)
		if err != nil {
			logger.Error("init oidc", "error", err)
			os.Exit(1)
		}
		authenticator = oidcSvc
	case auth.ModeDev:
		authenticator = auth.NewDevAuthenticator(authCfg)
	default:
		logger.Warn("authentication disabled; every request acts as one admin account")
		authenticator = auth.DisabledAuthenticator{AccountID: authCfg.DevSubject}
	}

	opened, err := openStore(ctx, logger, cfg.StoreDriver)
	if err != nil {
		logger.Error("open store", "error", err, "driver", cfg.StoreDriver)
		os.Exit(1)
	}
	defer opened.store.Close()

	g, gctx := errgroup.WithContext(ctx)

	hub := runevents.NewHub()
	var publisher runevents.Publisher = hub
	if cfg.EventsBroker == eventsBrokerPostgres {
		broker, err := runevents.NewPostgresBroker(opened.db, opened.databaseURL, hub, logger)
		if err != nil {
			logger.Error("init run event broker", "error", err)
			os.Exit(1)
		}
		publisher = broker
		g.Go(func() error { return broker.Run(gctx) })
	}

	rec := metrics.New()
	led := ledger.New()
	runs, err := runsvc.New(runsvc.Deps{
		Store:      opened.store,
		Ledger:     led,
		Events:     publisher,
		Dispatcher: dispatch.New(dispatchCfg, logger),
		Tokens:     auth.RunTokenIssuer{Secret: authCfg.RunTokenSecret, TTL: authCfg.RunTokenTTL},
		Metrics:    rec,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("init run service", "error", err)
		os.Exit(1)
	}
	projects, err := projectsvc.New(opened.store)
	if err != nil {
		logger.Error("init project service", "error", err)
		os.Exit(1)
	}
	processor, err := billing.NewProcessor(opened.store, led, catalog)
	if err != nil {
		logger.Error("init billing", "error", err)
		os.Exit(1)
	}

	var (
		reportStore *reports.Store
		readiness   []httpserver.ReadinessCheck
	)
	if objectCfg.Enabled() {
		client, err := objectstore.NewMinIOClient(objectCfg)
		if err != nil {
			logger.Error("init object storage", "error", err)
			os.Exit(1)
		}
		bucketCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = objectstore.EnsureBucket(bucketCtx, client, objectCfg)
		cancel()
		if err != nil {
			logger.Error("ensure report bucket", "error", err, "bucket", objectCfg.BucketReports)
			os.Exit(1)
		}
		reportStore, err = reports.NewStore(client, objectCfg.BucketReports, opened.store.Audit(), cfg.ReportPresignTTL)
		if err != nil {
			logger.Error("init report store", "error", err)
			os.Exit(1)
		}
		readiness = append(readiness, httpserver.ReadinessCheck{
			Name: "object_storage",
			Check: auth.WithTimeout(750*time.Millisecond, func(ctx context.Context) error {
				return objectstore.CheckBucket(ctx, client, objectCfg)
			}),
		})
	} else {
		logger.Info("object storage not configured; report upload disabled")
	}

	if cfg.WebhookSecret == "" {
		logger.Warn("APPLAUDE_BILLING_WEBHOOK_SECRET not set; billing webhooks will be rejected")
	}

	if cfg.StaleAfter > 0 {
		reaper, err := startReaper(gctx, logger, runs, rec, cfg)
		if err != nil {
			logger.Error("start reaper", "error", err)
			os.Exit(1)
		}
		defer reaper.Stop()
	}

	handler := newHandler(serverDeps{
		Logger:         logger,
		Store:          opened.store,
		Runs:           runs,
		Projects:       projects,
		Ledger:         led,
		Catalog:        catalog,
		Billing:        processor,
		WebhookSecret:  cfg.WebhookSecret,
		Hub:            hub,
		Reports:        reportStore,
		Limiter:        ratelimit.New(limitCfg),
		Metrics:        rec,
		Heartbeat:      cfg.StreamHeartbeat,
		Authenticator:  authenticator,
		RunTokenSecret: authCfg.RunTokenSecret,
		OIDC:           oidcSvc,
		AuthConfig:     authCfg,
		Readiness:      readiness,
	})

	logger.Info("starting",
		"addr", httpCfg.Addr,
		"store", cfg.StoreDriver,
		"events_broker", cfg.EventsBroker,
		"auth_mode", authCfg.Mode,
		"dispatch_http", dispatchCfg.URL != "",
	)
	g.Go(func() error { return httpserver.Run(gctx, logger, httpCfg, handler) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
