package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type testAuthenticator struct {
	identity Identity
	err      error
	calls    int
}

func (a *testAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	a.calls++
	return a.identity, a.err
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return body
}

func TestMiddleware_Unauthorized(t *testing.T) {
	authn := &testAuthenticator{err: ErrUnauthenticated}
	called := false
	h := Middleware{
		Authenticator: authn,
	}.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodGet, "http://example.test/runs", nil)
	req.Header.Set("X-Request-Id", "rid-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if called {
		t.Fatalf("handler should not be called")
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d, want 401", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["error"] != "unauthorized" {
		t.Fatalf("error=%v, want unauthorized", body["error"])
	}
	if body["request_id"] != "rid-1" {
		t.Fatalf("request_id=%v, want rid-1", body["request_id"])
	}
}

func TestMiddleware_InvalidToken(t *testing.T) {
	h := Middleware{
		Authenticator: &testAuthenticator{err: errors.New("bad token")},
	}.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.test/runs", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d, want 401", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "invalid_token" {
		t.Fatalf("error=%v, want invalid_token", body["error"])
	}
}

func TestMiddleware_RequiresAccount(t *testing.T) {
	h := Middleware{
		Authenticator: &testAuthenticator{identity: Identity{Subject: "alice", Roles: []string{RoleAdmin}}},
	}.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.test/runs", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d, want 401", rec.Code)
	}
}

func TestMiddleware_Forbidden(t *testing.T) {
	h := Middleware{
		Authenticator: &testAuthenticator{identity: Identity{Subject: "alice", AccountID: "alice", Roles: []string{"viewer"}}},
		Authorize:     MethodRoleAuthorizer(),
	}.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "http://example.test/projects/p1/runs", nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status=%d, want 403", rec.Code)
	}
}

func TestMiddleware_IdentityInContext(t *testing.T) {
	var got Identity
	h := Middleware{
		Authenticator: &testAuthenticator{identity: Identity{Subject: "alice", AccountID: "acct-1", Roles: []string{RoleEditor}}},
		Authorize:     RunScopeAuthorizer(MethodRoleAuthorizer()),
	}.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "http://example.test/projects/p1/runs", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status=%d, want 202", rec.Code)
	}
	if got.AccountID != "acct-1" {
		t.Fatalf("AccountID=%q, want acct-1", got.AccountID)
	}
}

func TestMiddleware_SkipPrefixAndExact(t *testing.T) {
	authn := &testAuthenticator{err: ErrUnauthenticated}
	h := Middleware{
		Authenticator: authn,
		SkipPrefixes:  []string{"/auth/"},
		SkipExact:     []string{"/healthz"},
	}.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for _, path := range []string{"/healthz", "/auth/login"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.test"+path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status=%d, want 200", path, rec.Code)
		}
	}
	if authn.calls != 0 {
		t.Fatalf("authenticator calls=%d, want 0", authn.calls)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://example.test/healthz/extra", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("exact skip must not match longer paths, status=%d", rec.Code)
	}
}

func TestMiddleware_AuditOnDeny(t *testing.T) {
	var got DenyEvent
	calls := 0
	h := Middleware{
		Authenticator: &testAuthenticator{err: ErrUnauthenticated},
		Audit: func(ctx context.Context, event DenyEvent) error {
			calls++
			got = event
			return nil
		},
	}.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "http://example.test/runs", nil)
	req.Header.Set("X-Request-Id", "rid-4")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if calls != 1 {
		t.Fatalf("audit calls=%d, want 1", calls)
	}
	if got.Reason != "unauthenticated" {
		t.Fatalf("Reason=%q, want unauthenticated", got.Reason)
	}
	if got.RequestID != "rid-4" {
		t.Fatalf("RequestID=%q, want rid-4", got.RequestID)
	}
}
