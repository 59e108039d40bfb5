package auth

import (
	"errors"
	"net/http"
	"strings"
)

var ErrForbidden = errors.New("forbidden")

const (
	RoleViewer = "viewer"
	RoleEditor = "editor"
	RoleAdmin  = "admin"
)

var roleLevels = map[string]int{
	RoleViewer: 1,
	RoleEditor: 2,
	RoleAdmin:  3,
}

func HasAtLeast(roles []string, required string) bool {
	requiredLevel := roleLevels[strings.ToLower(required)]
	if requiredLevel == 0 {
		return false
	}
	maxLevel := 0
	for _, role := range roles {
		level := roleLevels[strings.ToLower(strings.TrimSpace(role))]
		if level > maxLevel {
			maxLevel = level
		}
	}
	return maxLevel >= requiredLevel
}

func RequiredRoleForRequest(r *http.Request) string {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return RoleViewer
	default:
		return RoleEditor
	}
}

func MethodRoleAuthorizer() AuthorizeFunc {
	return func(r *http.Request, identity Identity) error {
		required := RequiredRoleForRequest(r)
		if HasAtLeast(identity.Roles, required) {
			return nil
		}
		return ErrForbidden
	}
}

// RunScopeAuthorizer confines run-token identities to their own run's worker endpoints
// and hands every other identity to next.
func RunScopeAuthorizer(next AuthorizeFunc) AuthorizeFunc {
	return func(r *http.Request, identity Identity) error {
		if !identity.IsRunWorker() {
			if next == nil {
				return nil
			}
			return next(r, identity)
		}
		if !WorkerMayAccess(r.Method, r.URL.Path, identity.RunID) {
			return ErrForbidden
		}
		return nil
	}
}

// WorkerMayAccess lists what a worker can do with its run: read it, report progress, upload the report.
func WorkerMayAccess(method, path, runID string) bool {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 || parts[0] != "runs" || parts[1] != runID {
		return false
	}
	switch {
	case len(parts) == 2:
		return method == http.MethodGet
	case len(parts) == 3 && parts[2] == "progress":
		return method == http.MethodPost
	case len(parts) == 3 && parts[2] == "report":
		return method == http.MethodPut
	default:
		return false
	}
}
