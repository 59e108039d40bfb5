package postgres

import (
	"testing"
	"time"
)

func TestConfigFromEnvDefaults(t *testing.T) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if !cfg.AutoMigrate {
		t.Fatalf("AutoMigrate should default to true")
	}
	if cfg.LockTimeout != 2*time.Second {
		t.Fatalf("LockTimeout=%v", cfg.LockTimeout)
	}
}

func TestConfigValidateIdleAboveOpen(t *testing.T) {
	t.Setenv("DATABASE_MAX_OPEN_CONNS", "2")
	t.Setenv("DATABASE_MAX_IDLE_CONNS", "3")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("expected idle > open to be rejected")
	}
}

func TestConfigFromEnvBadValues(t *testing.T) {
	for key, value := range map[string]string{
		"DATABASE_AUTO_MIGRATE": "sometimes",
		"DATABASE_LOCK_TIMEOUT": "soon",
		"DATABASE_PING_TIMEOUT": "0s",
	} {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := ConfigFromEnv(); err == nil {
				t.Fatalf("expected %s=%q to be rejected", key, value)
			}
		})
	}
}

func TestConnConfigSessionParams(t *testing.T) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	cfg.URL = "postgres://u:p@db.internal:5433/runs?sslmode=disable&application_name=from-url"
	cfg.ApplicationName = "orchestrator"
	cfg.StatementTimeout = 0

	cc, err := cfg.connConfig()
	if err != nil {
		t.Fatalf("connConfig() err=%v", err)
	}
	if cc.Host != "db.internal" || cc.Port != 5433 || cc.Database != "runs" {
		t.Fatalf("unexpected target %s:%d/%s", cc.Host, cc.Port, cc.Database)
	}
	if got := cc.RuntimeParams["application_name"]; got != "orchestrator" {
		t.Fatalf("application_name=%q", got)
	}
	if got := cc.RuntimeParams["lock_timeout"]; got != "2000" {
		t.Fatalf("lock_timeout=%q", got)
	}
	if _, ok := cc.RuntimeParams["statement_timeout"]; ok {
		t.Fatalf("statement_timeout should be left to the server")
	}
}

func TestConnConfigRejectsBadURL(t *testing.T) {
	cfg := Config{URL: "postgres://%zz"}
	if _, err := cfg.connConfig(); err == nil {
		t.Fatalf("expected parse error")
	}
}
