// Package client is the Go SDK for the run orchestration API. User tools authenticate with a
// session or dev account; agent workers authenticate with the run token they were dispatched with.
package client

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
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const defaultUserAgent = "applaude-go-client"

type Config struct {
	BaseURL string
	// Token is sent as a bearer credential: an OIDC ID token or a run token.
	Token string
	// AccountID selects the account when the server runs with AUTH_MODE=dev.
	AccountID  string
	HTTPClient *http.Client
	// MaxElapsed bounds retries of one call. Zero disables retrying.
	MaxElapsed time.Duration
	Logger     *slog.Logger
	UserAgent  string
}

type Client struct {
	base       *url.URL
	token      string
	accountID  string
	http       *http.Client
	maxElapsed time.Duration
	logger     *slog.Logger
	userAgent  string
}

func New(cfg Config) (*Client, error) {
	raw := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if raw == "" {
		return nil, errors.New("base url is required")
	}
	base, err := url.Parse(raw)
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("base url must be an absolute http(s) url (got %q)", cfg.BaseURL)
	}
	c := &Client{
		base:       base,
		token:      strings.TrimSpace(cfg.Token),
		accountID:  strings.TrimSpace(cfg.AccountID),
		http:       cfg.HTTPClient,
		maxElapsed: cfg.MaxElapsed,
		logger:     cfg.Logger,
		userAgent:  cfg.UserAgent,
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 30 * time.Second}
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.userAgent == "" {
		c.userAgent = defaultUserAgent
	}
	return c, nil
}

// APIError is a non-2xx response decoded from the server's error envelope.
type APIError struct {
	StatusCode int
	Code       string `json:"error"`
	Detail     string `json:"detail,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("applaude api: %d %s", e.StatusCode, e.Code)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.RequestID != "" {
		msg += " (request_id=" + e.RequestID + ")"
	}
	return msg
}

// IsCode reports whether err is an APIError with the given error code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// retryable reports whether the request may be sent again. A non-idempotent request is
// retried only when the server itself rejected it before doing any work; a gateway error
// may hide a request that was already applied.
func (e *APIError) retryable(idempotent bool) bool {
	if !idempotent {
		return e.Code == "conflict_retry" || e.Code == "rate_limited"
	}
	switch e.StatusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

type request struct {
	method string
	path   string
	query  url.Values
	body   any
	// raw, when set, is sent as-is with contentType and rewound before each attempt.
	raw         io.ReadSeeker
	rawSize     int64
	contentType string
	// idempotent requests are also retried after transport errors.
	idempotent bool
}

// retryAfterBackOff waits at least as long as the server asked in Retry-After.
type retryAfterBackOff struct {
	backoff.BackOff
	floor time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	if b.floor > next {
		next = b.floor
	}
	b.floor = 0
	return next
}

func (c *Client) do(ctx context.Context, req request, out any) error {
	var policy backoff.BackOff = &backoff.StopBackOff{}
	if c.maxElapsed > 0 {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = 200 * time.Millisecond
		exp.MaxElapsedTime = c.maxElapsed
		policy = exp
	}
	wait := &retryAfterBackOff{BackOff: policy}

	var payload []byte
	if req.body != nil {
		blob, err := json.Marshal(req.body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = blob
	}

	attempt := 0
	op := func() error {
		attempt++
		err := c.once(ctx, req, payload, out)
		if err == nil {
			return nil
		}
		var apiErr *APIError
		switch {
		case errors.As(err, &apiErr):
			if !apiErr.retryable(req.idempotent) {
				return backoff.Permanent(err)
			}
			wait.floor = apiErr.RetryAfter
		case ctx.Err() != nil:
			return backoff.Permanent(err)
		case !req.idempotent:
			return backoff.Permanent(err)
		}
		c.logger.Debug("retrying request", "method", req.method, "path", req.path, "attempt", attempt, "error", err)
		return err
	}
	return backoff.Retry(op, backoff.WithContext(wait, ctx))
}

func (c *Client) once(ctx context.Context, req request, payload []byte, out any) error {
	var body io.Reader
	switch {
	case req.raw != nil:
		if _, err := req.raw.Seek(0, io.SeekStart); err != nil {
			return backoff.Permanent(fmt.Errorf("rewind body: %w", err))
		}
		body = req.raw
	case payload != nil:
		body = bytes.NewReader(payload)
	}
	httpReq, err := c.newRequest(ctx, req.method, req.path, req.query, body)
	if err != nil {
		return backoff.Permanent(err)
	}
	switch {
	case req.raw != nil:
		httpReq.ContentLength = req.rawSize
		httpReq.Header.Set("Content-Type", req.contentType)
	case payload != nil:
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return backoff.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	u := *c.base
	u.Path = c.base.Path + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.accountID != "" {
		req.Header.Set("X-Account-Id", c.accountID)
	}
	return req, nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, apiErr); err != nil || apiErr.Code == "" {
		apiErr.Code = strings.ToLower(strings.ReplaceAll(http.StatusText(resp.StatusCode), " ", "_"))
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Retry-After"))); err == nil && secs > 0 {
		apiErr.RetryAfter = time.Duration(secs) * time.Second
	}
	return apiErr
}
