package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/applaude-labs/applaude-go/internal/platform/env"
)

const (
	storeDriverPostgres = "postgres"
	storeDriverSQLite   = "sqlite"
	storeDriverMemory   = "memory"

	eventsBrokerLocal    = "local"
	eventsBrokerPostgres = "postgres"
)

type config struct {
	StoreDriver      string
	EventsBroker     string
	StaleAfter       time.Duration
	ReaperSchedule   string
	ReaperBatch      int
	WebhookSecret    string
	PlansFile        string
	ReportPresignTTL time.Duration
	StreamHeartbeat  time.Duration
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func configFromEnv() (config, error) {
	staleAfter, err := env.Duration("RUN_STALE_AFTER", 2*time.Hour)
	if err != nil {
		return config{}, err
	}
	batch, err := env.Int("RUN_REAPER_BATCH", 100)
	if err != nil {
		return config{}, err
	}
	presignTTL, err := env.Duration("APPLAUDE_REPORT_PRESIGN_TTL", 10*time.Minute)
	if err != nil {
		return config{}, err
	}
	heartbeat, err := env.Duration("RUN_STREAM_HEARTBEAT", 15*time.Second)
	if err != nil {
		return config{}, err
	}
	cfg := config{
		StoreDriver:      strings.ToLower(strings.TrimSpace(env.String("STORE_DRIVER", storeDriverPostgres))),
		EventsBroker:     strings.ToLower(strings.TrimSpace(env.String("RUN_EVENTS_BROKER", eventsBrokerLocal))),
		StaleAfter:       staleAfter,
		ReaperSchedule:   strings.TrimSpace(env.String("RUN_REAPER_SCHEDULE", "*/5 * * * *")),
		ReaperBatch:      batch,
		WebhookSecret:    env.String("APPLAUDE_BILLING_WEBHOOK_SECRET", ""),
		PlansFile:        strings.TrimSpace(env.String("PLANS_FILE", "")),
		ReportPresignTTL: presignTTL,
		StreamHeartbeat:  heartbeat,
	}
	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func (c config) validate() error {
	switch c.StoreDriver {
	case storeDriverPostgres, storeDriverSQLite, storeDriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be one of: postgres, sqlite, memory (got %q)", c.StoreDriver)
	}
	switch c.EventsBroker {
	case eventsBrokerLocal:
	case eventsBrokerPostgres:
		if c.StoreDriver != storeDriverPostgres {
			return errors.New("RUN_EVENTS_BROKER=postgres requires STORE_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("RUN_EVENTS_BROKER must be local or postgres (got %q)", c.EventsBroker)
	}
	if c.StaleAfter < 0 {
		return errors.New("RUN_STALE_AFTER must be >= 0")
	}
	if c.StaleAfter > 0 {
		if _, err := cronParser.Parse(c.ReaperSchedule); err != nil {
			return fmt.Errorf("RUN_REAPER_SCHEDULE: %w", err)
		}
	}
	if c.ReaperBatch <= 0 {
		return errors.New("RUN_REAPER_BATCH must be positive")
	}
	if c.ReportPresignTTL <= 0 {
		return errors.New("APPLAUDE_REPORT_PRESIGN_TTL must be positive")
	}
	if c.StreamHeartbeat <= 0 {
		return errors.New("RUN_STREAM_HEARTBEAT must be positive")
	}
	return nil
}
