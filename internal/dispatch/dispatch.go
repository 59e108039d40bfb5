// Package dispatch hands newly created runs to the external agent worker queue.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/applaude-labs/applaude-go/internal/domain"
	"github.com/applaude-labs/applaude-go/internal/platform/env"
)

// Job is everything a worker needs to execute a run and report back.
type Job struct {
	Run            domain.Run
	RepositoryURL  string
	RunToken       string
	TokenExpiresAt time.Time
}

type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) error
}

type Config struct {
	URL        string
	Timeout    time.Duration
	MaxElapsed time.Duration
}

func ConfigFromEnv() (Config, error) {
	timeout, err := env.Duration("APPLAUDE_DISPATCH_TIMEOUT", 10*time.Second)
	if err != nil {
		return Config{}, err
	}
	maxElapsed, err := env.Duration("APPLAUDE_DISPATCH_MAX_ELAPSED", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		URL:        env.String("APPLAUDE_DISPATCH_URL", ""),
		Timeout:    timeout,
		MaxElapsed: maxElapsed,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.URL != "" {
		u, err := url.Parse(c.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.New("APPLAUDE_DISPATCH_URL must be an absolute http(s) url")
		}
	}
	if c.Timeout <= 0 {
		return errors.New("APPLAUDE_DISPATCH_TIMEOUT must be > 0")
	}
	if c.MaxElapsed < 0 {
		return errors.New("APPLAUDE_DISPATCH_MAX_ELAPSED must be >= 0")
	}
	return nil
}

// New returns an HTTPDispatcher, or a LogDispatcher when no URL is configured.
func New(cfg Config, logger *slog.Logger) Dispatcher {
	if strings.TrimSpace(cfg.URL) == "" {
		return LogDispatcher{Logger: logger}
	}
	return &HTTPDispatcher{
		URL:        cfg.URL,
		Client:     &http.Client{Timeout: cfg.Timeout},
		MaxElapsed: cfg.MaxElapsed,
	}
}

// LogDispatcher records the hand-off without delivering it.
type LogDispatcher struct {
	Logger *slog.Logger
}

func (d LogDispatcher) Dispatch(_ context.Context, job Job) error {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("run dispatch skipped, no dispatch url configured",
		"run_id", job.Run.ID,
		"account_id", job.Run.AccountID,
		"run_type", job.Run.RunType,
	)
	return nil
}

// HTTPDispatcher POSTs jobs as JSON. 5xx and transport failures are retried with
// exponential backoff until MaxElapsed; 4xx responses are permanent.
type HTTPDispatcher struct {
	URL        string
	Client     *http.Client
	MaxElapsed time.Duration
}

type jobPayload struct {
	RunID          string    `json:"run_id"`
	AccountID      string    `json:"account_id"`
	ProjectID      string    `json:"project_id"`
	RunType        string    `json:"run_type"`
	RepositoryURL  string    `json:"repository_url"`
	RunToken       string    `json:"run_token"`
	TokenExpiresAt time.Time `json:"token_expires_at"`
	CreatedAt      time.Time `json:"created_at"`
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, job Job) error {
	body, err := json.Marshal(jobPayload{
		RunID:          job.Run.ID,
		AccountID:      job.Run.AccountID,
		ProjectID:      job.Run.ProjectID,
		RunType:        string(job.Run.RunType),
		RepositoryURL:  job.RepositoryURL,
		RunToken:       job.RunToken,
		TokenExpiresAt: job.TokenExpiresAt.UTC(),
		CreatedAt:      job.Run.CreatedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = d.MaxElapsed

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", job.Run.ID)
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("dispatch: status %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("dispatch: status %d", resp.StatusCode))
		}
	}
	return backoff.Retry(op, backoff.WithContext(policy, ctx))
}
