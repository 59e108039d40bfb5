package auth

import (
	"context"
	"net/http"
	"strings"
)

// DevAuthenticator accepts every request as the configured account.
// An X-Account-Id header overrides the account so local tools can act as several tenants.
type DevAuthenticator struct {
	identity Identity
}

func NewDevAuthenticator(cfg Config) *DevAuthenticator {
	return &DevAuthenticator{
		identity: Identity{
			Subject:   cfg.DevSubject,
			Email:     cfg.DevEmail,
			Roles:     cfg.DevRoles,
			AccountID: cfg.DevSubject,
		},
	}
}

func (a *DevAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	identity := a.identity
	if account := strings.TrimSpace(r.Header.Get("X-Account-Id")); account != "" {
		identity.Subject = account
		identity.AccountID = account
	}
	return identity, nil
}

// DisabledAuthenticator grants admin to an anonymous account. Only for tests and demos.
type DisabledAuthenticator struct {
	AccountID string
}

func (a DisabledAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	account := strings.TrimSpace(a.AccountID)
	if account == "" {
		account = "anonymous"
	}
	return Identity{Subject: account, AccountID: account, Roles: []string{RoleAdmin}}, nil
}
