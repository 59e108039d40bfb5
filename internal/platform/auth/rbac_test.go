package auth

import (
	"errors"
	"net/http"
	"testing"
)

func TestHasAtLeast(t *testing.T) {
	if !HasAtLeast([]string{"viewer"}, RoleViewer) {
		t.Fatalf("viewer should satisfy viewer")
	}
	if HasAtLeast([]string{"viewer"}, RoleEditor) {
		t.Fatalf("viewer should not satisfy editor")
	}
	if !HasAtLeast([]string{"admin"}, RoleEditor) {
		t.Fatalf("admin should satisfy editor")
	}
	if HasAtLeast([]string{"owner"}, RoleViewer) {
		t.Fatalf("unknown roles grant nothing")
	}
}

func TestRequiredRoleForRequest(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://example.test/", nil)
	if got := RequiredRoleForRequest(req); got != RoleViewer {
		t.Fatalf("RequiredRoleForRequest(GET)=%q, want viewer", got)
	}
	req.Method = http.MethodPost
	if got := RequiredRoleForRequest(req); got != RoleEditor {
		t.Fatalf("RequiredRoleForRequest(POST)=%q, want editor", got)
	}
}

func TestWorkerMayAccess(t *testing.T) {
	cases := []struct {
		method string
		path   string
		want   bool
	}{
		{http.MethodPost, "/runs/r1/progress", true},
		{http.MethodPut, "/runs/r1/report", true},
		{http.MethodGet, "/runs/r1", true},
		{http.MethodPost, "/runs/r2/progress", false},
		{http.MethodGet, "/runs/r1/report", false},
		{http.MethodGet, "/runs", false},
		{http.MethodPost, "/projects/p1/runs", false},
		{http.MethodGet, "/account/balance", false},
	}
	for _, tc := range cases {
		if got := WorkerMayAccess(tc.method, tc.path, "r1"); got != tc.want {
			t.Errorf("WorkerMayAccess(%s %s)=%v, want %v", tc.method, tc.path, got, tc.want)
		}
	}
}

func TestRunScopeAuthorizer(t *testing.T) {
	authz := RunScopeAuthorizer(MethodRoleAuthorizer())
	worker := Identity{Subject: "run:r1", AccountID: "a", RunID: "r1", Roles: []string{RoleEditor}}

	if err := authz(newRequest(http.MethodPost, "/runs/r1/progress"), worker); err != nil {
		t.Fatalf("own run: %v", err)
	}
	if err := authz(newRequest(http.MethodPost, "/runs/r9/progress"), worker); !errors.Is(err, ErrForbidden) {
		t.Fatalf("other run err=%v", err)
	}

	viewer := Identity{Subject: "u", AccountID: "a", Roles: []string{RoleViewer}}
	if err := authz(newRequest(http.MethodGet, "/runs"), viewer); err != nil {
		t.Fatalf("viewer GET: %v", err)
	}
	if err := authz(newRequest(http.MethodPost, "/projects"), viewer); !errors.Is(err, ErrForbidden) {
		t.Fatalf("viewer POST err=%v", err)
	}
}
