package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/applaude-labs/applaude-go/internal/billing"
	"github.com/applaude-labs/applaude-go/internal/dispatch"
	"github.com/applaude-labs/applaude-go/internal/ledger"
	"github.com/applaude-labs/applaude-go/internal/platform/auth"
	"github.com/applaude-labs/applaude-go/internal/platform/metrics"
	"github.com/applaude-labs/applaude-go/internal/platform/ratelimit"
	"github.com/applaude-labs/applaude-go/internal/repo/memory"
	"github.com/applaude-labs/applaude-go/internal/runevents"
	projectsvc "github.com/applaude-labs/applaude-go/internal/service/projects"
	runsvc "github.com/applaude-labs/applaude-go/internal/service/runs"
)

const (
	testAccount       = "acct-1"
	testRunSecret     = "run-token-secret"
	testWebhookSecret = "whsec_test"
)

type captureDispatcher struct {
	mu   sync.Mutex
	jobs map[string]dispatch.Job
}

func (d *captureDispatcher) Dispatch(_ context.Context, job dispatch.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.jobs == nil {
		d.jobs = map[string]dispatch.Job{}
	}
	d.jobs[job.Run.ID] = job
	return nil
}

func (d *captureDispatcher) token(t *testing.T, runID string) string {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	job, ok := d.jobs[runID]
	require.True(t, ok, "run %s was not dispatched", runID)
	require.NotEmpty(t, job.RunToken)
	return job.RunToken
}

type testServer struct {
	srv   *httptest.Server
	store *memory.Store
	jobs  *captureDispatcher
}

func newTestServer(t *testing.T, limiter *ratelimit.Limiter) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	jobs := &captureDispatcher{}
	hub := runevents.NewHub()
	rec := metrics.New()
	led := ledger.New()

	runs, err := runsvc.New(runsvc.Deps{
		Store:      store,
		Ledger:     led,
		Events:     hub,
		Dispatcher: jobs,
		Tokens:     auth.RunTokenIssuer{Secret: testRunSecret, TTL: time.Hour},
		Metrics:    rec,
		Logger:     logger,
	})
	require.NoError(t, err)
	projects, err := projectsvc.New(store)
	require.NoError(t, err)
	catalog, err := billing.LoadCatalog("")
	require.NoError(t, err)
	processor, err := billing.NewProcessor(store, led, catalog)
	require.NoError(t, err)

	authCfg := auth.Config{Mode: auth.ModeDev, DevSubject: testAccount, DevRoles: []string{auth.RoleAdmin}}
	handler := newHandler(serverDeps{
		Logger:         logger,
		Store:          store,
		Runs:           runs,
		Projects:       projects,
		Ledger:         led,
		Catalog:        catalog,
		Billing:        processor,
		WebhookSecret:  testWebhookSecret,
		Hub:            hub,
		Limiter:        limiter,
		Metrics:        rec,
		Heartbeat:      time.Minute,
		Authenticator:  auth.NewDevAuthenticator(authCfg),
		RunTokenSecret: testRunSecret,
		AuthConfig:     authCfg,
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, store: store, jobs: jobs}
}

// do sends a JSON request. A header value "Bearer ..." for Authorization acts as the worker.
func (ts *testServer) do(t *testing.T, method, path string, body any, header http.Header) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		blob, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(blob)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(bytes.TrimSpace(raw)) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

func worker(token string) http.Header {
	return http.Header{"Authorization": {"Bearer " + token}}
}

func (ts *testServer) grant(t *testing.T, account string, n int) {
	t.Helper()
	_, err := ts.store.Balances().AddRuns(context.Background(), account, n, time.Now())
	require.NoError(t, err)
}

func (ts *testServer) linkProject(t *testing.T) string {
	t.Helper()
	resp, body := ts.do(t, http.MethodPost, "/projects", map[string]any{"repository_url": "https://github.com/acme/shop"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	assert.Equal(t, "shop", body["name"])
	assert.Equal(t, true, body["is_connected"])
	return body["id"].(string)
}

func (ts *testServer) startRun(t *testing.T, projectID string) (runID string, token string) {
	t.Helper()
	resp, body := ts.do(t, http.MethodPost, "/projects/"+projectID+"/runs", map[string]any{"run_type": "FULL_STACK"}, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, body)
	run := body["run"].(map[string]any)
	runID = run["id"].(string)
	assert.Equal(t, "/runs/"+runID, resp.Header.Get("Location"))
	return runID, ts.jobs.token(t, runID)
}

func (ts *testServer) progress(t *testing.T, runID, token string, body map[string]any) (*http.Response, map[string]any) {
	t.Helper()
	return ts.do(t, http.MethodPost, "/runs/"+runID+"/progress", body, worker(token))
}

var completeArtifacts = map[string]any{
	"status":           "COMPLETE",
	"pull_request_url": "https://github.com/acme/shop/pull/7",
	"report_url":       "https://reports.example.com/r.pdf",
	"bugs_fixed":       3,
}

func TestStartRunDebitsOneCredit(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.grant(t, testAccount, 2)
	projectID := ts.linkProject(t)

	resp, body := ts.do(t, http.MethodPost, "/projects/"+projectID+"/runs", map[string]any{"run_type": "frontend_only"}, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, body)
	assert.Equal(t, float64(1), body["runs_remaining"])
	run := body["run"].(map[string]any)
	assert.Equal(t, "QUEUED", run["status"])
	assert.Equal(t, "FRONTEND_ONLY", run["run_type"])

	resp, body = ts.do(t, http.MethodGet, "/account/balance", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["runs_remaining"])

	resp, body = ts.do(t, http.MethodGet, "/runs/"+run["id"].(string)+"/transitions", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	history := body["transitions"].([]any)
	require.Len(t, history, 1)
	assert.Equal(t, "QUEUED", history[0].(map[string]any)["to"])
}

func TestStartRunRejections(t *testing.T) {
	ts := newTestServer(t, nil)
	projectID := ts.linkProject(t)

	resp, body := ts.do(t, http.MethodPost, "/projects/"+projectID+"/runs", map[string]any{"run_type": "FULL_STACK"}, nil)
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, "insufficient_credits", body["error"])

	resp, body = ts.do(t, http.MethodGet, "/runs", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["runs"], "a rejected start must not leave a run behind")

	ts.grant(t, testAccount, 1)
	resp, _ = ts.do(t, http.MethodPost, "/projects/"+projectID+"/disconnect", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body = ts.do(t, http.MethodPost, "/projects/"+projectID+"/runs", map[string]any{"run_type": "FULL_STACK"}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "project_not_connected", body["error"])

	resp, body = ts.do(t, http.MethodPost, "/projects/"+projectID+"/runs", map[string]any{"run_type": "BACKEND"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_input", body["error"])

	resp, _ = ts.do(t, http.MethodPost, "/projects/missing/runs", map[string]any{"run_type": "FULL_STACK"}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = ts.do(t, http.MethodGet, "/account/balance", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["runs_remaining"])
}

func TestConcurrentStartsNeverOverdraw(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.grant(t, testAccount, 3)
	projectID := ts.linkProject(t)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		statuses = map[int]int{}
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, _ := ts.do(t, http.MethodPost, "/projects/"+projectID+"/runs", map[string]any{"run_type": "FULL_STACK"}, nil)
			mu.Lock()
			statuses[resp.StatusCode]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, statuses[http.StatusAccepted])
	assert.Equal(t, 7, statuses[http.StatusPaymentRequired])
	_, body := ts.do(t, http.MethodGet, "/account/balance", nil, nil)
	assert.Equal(t, float64(0), body["runs_remaining"])
}

func TestStartRunRateLimited(t *testing.T) {
	ts := newTestServer(t, ratelimit.New(ratelimit.Config{Rate: 0.001, Burst: 1, MaxKeys: 10}))
	ts.grant(t, testAccount, 5)
	projectID := ts.linkProject(t)

	ts.startRun(t, projectID)
	resp, body := ts.do(t, http.MethodPost, "/projects/"+projectID+"/runs", map[string]any{"run_type": "FULL_STACK"}, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "rate_limited", body["error"])
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	// Another account has its own bucket.
	ts.grant(t, "acct-2", 1)
	other := http.Header{"X-Account-Id": {"acct-2"}}
	resp, body = ts.do(t, http.MethodPost, "/projects", map[string]any{"repository_url": "https://github.com/acme/other"}, other)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodPost, "/projects/"+body["id"].(string)+"/runs", map[string]any{"run_type": "FULL_STACK"}, other)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestProgressLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.grant(t, testAccount, 1)
	runID, token := ts.startRun(t, ts.linkProject(t))

	resp, body := ts.progress(t, runID, token, map[string]any{"status": "DEBUGGING"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "skipping CLONING is illegal")
	assert.Equal(t, "illegal_transition", body["error"])

	for i, status := range []string{"CLONING", "DEBUGGING", "REPORTING"} {
		resp, body := ts.progress(t, runID, token, map[string]any{"status": status, "message": "working"})
		require.Equal(t, http.StatusOK, resp.StatusCode, body)
		assert.Equal(t, true, body["applied"])
		assert.Equal(t, float64(i+2), body["seq"])
	}

	resp, body = ts.progress(t, runID, token, map[string]any{"status": "COMPLETE"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "artifacts_required", body["error"])

	resp, body = ts.progress(t, runID, token, map[string]any{"status": "COMPLETE", "expected_status": "DEBUGGING",
		"pull_request_url": "https://github.com/acme/shop/pull/7", "report_url": "https://reports.example.com/r.pdf"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "stale expected status")

	resp, body = ts.progress(t, runID, token, completeArtifacts)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, true, body["applied"])
	run := body["run"].(map[string]any)
	assert.Equal(t, "COMPLETE", run["status"])
	assert.Equal(t, "https://github.com/acme/shop/pull/7", run["pull_request_url"])
	assert.Equal(t, float64(3), run["bugs_fixed"])
	assert.NotEmpty(t, run["completed_at"])

	resp, body = ts.progress(t, runID, token, completeArtifacts)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["applied"], "redelivery is a no-op")

	resp, body = ts.progress(t, runID, token, map[string]any{"status": "FAILED"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "terminal runs never move")
	assert.Equal(t, "illegal_transition", body["error"])

	_, body = ts.do(t, http.MethodGet, "/runs/"+runID+"/transitions", nil, nil)
	assert.Len(t, body["transitions"], 5)
}

func TestProgressRequiresOwnRunToken(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.grant(t, testAccount, 2)
	projectID := ts.linkProject(t)
	first, firstToken := ts.startRun(t, projectID)
	second, _ := ts.startRun(t, projectID)

	resp, _ := ts.progress(t, second, firstToken, map[string]any{"status": "CLONING"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/runs/"+first+"/progress", map[string]any{"status": "CLONING"}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "users cannot report progress")

	resp, _ = ts.do(t, http.MethodGet, "/runs", nil, worker(firstToken))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := ts.do(t, http.MethodGet, "/runs/"+first, nil, worker(firstToken))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, first, body["id"])

	resp, body = ts.do(t, http.MethodGet, "/runs/"+first, nil, worker("applaude_run_v1.forged.sig"))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	events := ts.store.AuditEvents()
	require.NotEmpty(t, events)
	assert.Equal(t, "auth.denied", events[len(events)-1].Action)
}

func TestRunsAreAccountScoped(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.grant(t, testAccount, 1)
	runID, _ := ts.startRun(t, ts.linkProject(t))

	other := http.Header{"X-Account-Id": {"acct-2"}}
	resp, _ := ts.do(t, http.MethodGet, "/runs/"+runID, nil, other)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodGet, "/runs/"+runID+"/stream", nil, other)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_, body := ts.do(t, http.MethodGet, "/runs", nil, other)
	assert.Empty(t, body["runs"])
	_, body = ts.do(t, http.MethodGet, "/projects", nil, other)
	assert.Empty(t, body["projects"])

	_, body = ts.do(t, http.MethodGet, "/runs?status=queued", nil, nil)
	assert.Len(t, body["runs"], 1)
	resp, body = ts.do(t, http.MethodGet, "/runs?status=TESTING", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_input", body["error"])
}

func TestBillingWebhook(t *testing.T) {
	ts := newTestServer(t, nil)
	payload := []byte(`{"event":"credits.granted","reference":"pay_1","account_id":"acct-1","amount":5}`)

	post := func(signature string) (*http.Response, map[string]any) {
		req, err := http.NewRequest(http.MethodPost, ts.srv.URL+"/billing/webhook", bytes.NewReader(payload))
		require.NoError(t, err)
		req.Header.Set(billing.SignatureHeader, signature)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		out := map[string]any{}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return resp, out
	}

	resp, body := post(billing.Sign("wrong", payload))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid_signature", body["error"])

	resp, body = post(billing.Sign(testWebhookSecret, payload))
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, true, body["applied"])
	assert.Equal(t, float64(5), body["balance"].(map[string]any)["runs_remaining"])

	resp, body = post(billing.Sign(testWebhookSecret, payload))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["applied"])
	assert.Equal(t, float64(5), body["balance"].(map[string]any)["runs_remaining"])
}

func TestPublicEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, body := ts.do(t, http.MethodGet, "/plans", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["plans"], 3)

	resp, _ = ts.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodGet, "/readyz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = ts.do(t, http.MethodGet, "/auth/session", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, testAccount, body["account_id"])
	resp, _ = ts.do(t, http.MethodGet, "/auth/login", nil, nil)
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestReportsWithoutObjectStorage(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.grant(t, testAccount, 1)
	runID, token := ts.startRun(t, ts.linkProject(t))

	req, err := http.NewRequest(http.MethodPut, ts.srv.URL+"/runs/"+runID+"/report", strings.NewReader("%PDF-1.7"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/pdf")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)

	resp, body := ts.do(t, http.MethodGet, "/runs/"+runID+"/report", nil, nil)
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
	assert.Equal(t, "report_storage_not_configured", body["error"])
}

type sseEvent struct {
	name string
	id   string
	data map[string]any
}

func readSSE(t *testing.T, body io.Reader) <-chan sseEvent {
	out := make(chan sseEvent, 16)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(body)
		var ev sseEvent
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				if ev.name != "" {
					out <- ev
				}
				ev = sseEvent{}
			case strings.HasPrefix(line, ":"):
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "id: "):
				ev.id = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "data: "):
				ev.data = map[string]any{}
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev.data); err != nil {
					t.Errorf("bad sse data %q: %v", line, err)
				}
			}
		}
	}()
	return out
}

func nextSSE(t *testing.T, ch <-chan sseEvent) sseEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "stream closed early")
		return ev
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for stream event")
		return sseEvent{}
	}
}

func TestStreamReplaysAndEndsOnTerminal(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.grant(t, testAccount, 1)
	runID, token := ts.startRun(t, ts.linkProject(t))
	for _, status := range []string{"CLONING", "DEBUGGING", "REPORTING"} {
		resp, _ := ts.progress(t, runID, token, map[string]any{"status": status})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	req, err := http.NewRequest(http.MethodGet, ts.srv.URL+"/runs/"+runID+"/stream?after_seq=1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readSSE(t, resp.Body)
	ready := nextSSE(t, events)
	assert.Equal(t, "ready", ready.name)
	assert.Equal(t, runID, ready.data["run_id"])

	for i, want := range []string{"CLONING", "DEBUGGING", "REPORTING"} {
		ev := nextSSE(t, events)
		assert.Equal(t, "status", ev.name)
		assert.Equal(t, want, ev.data["status"])
		assert.Equal(t, float64(i+2), ev.data["seq"])
	}

	resp2, body := ts.progress(t, runID, token, completeArtifacts)
	require.Equal(t, http.StatusOK, resp2.StatusCode, body)

	final := nextSSE(t, events)
	assert.Equal(t, "COMPLETE", final.data["status"])
	assert.Equal(t, "5", final.id)
	run := final.data["run"].(map[string]any)
	assert.Equal(t, "https://github.com/acme/shop/pull/7", run["pull_request_url"])

	select {
	case _, ok := <-events:
		assert.False(t, ok, "stream must close after a terminal status")
	case <-time.After(10 * time.Second):
		t.Fatal("stream stayed open after terminal status")
	}
}

func TestStreamOfFinishedRunSendsFinalStatus(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.grant(t, testAccount, 1)
	runID, token := ts.startRun(t, ts.linkProject(t))
	resp, _ := ts.progress(t, runID, token, map[string]any{"status": "FAILED"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err := http.Get(ts.srv.URL + "/runs/" + runID + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	events := readSSE(t, resp.Body)
	assert.Equal(t, "ready", nextSSE(t, events).name)
	final := nextSSE(t, events)
	assert.Equal(t, "FAILED", final.data["status"])
	assert.NotNil(t, final.data["run"])
	_, ok := <-events
	assert.False(t, ok)
}

func TestWatchRunOverWebSocket(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.grant(t, testAccount, 1)
	runID, token := ts.startRun(t, ts.linkProject(t))

	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/runs/" + runID + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"X-Account-Id": {testAccount}})
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))

	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "ready", msg["type"])

	msg = map[string]any{}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "QUEUED", msg["status"])
	assert.NotNil(t, msg["run"], "first message carries the run snapshot")

	for _, status := range []string{"CLONING", "DEBUGGING", "REPORTING"} {
		resp, _ := ts.progress(t, runID, token, map[string]any{"status": status})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp2, _ := ts.progress(t, runID, token, completeArtifacts)
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	var seen []string
	for len(seen) < 4 {
		msg = map[string]any{}
		require.NoError(t, conn.ReadJSON(&msg))
		seen = append(seen, msg["status"].(string))
	}
	assert.Equal(t, []string{"CLONING", "DEBUGGING", "REPORTING", "COMPLETE"}, seen)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}
