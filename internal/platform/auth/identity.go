package auth

import (
	"context"
	"net/http"
	"strings"
)

// Identity is the authenticated caller. AccountID scopes every read and write;
// RunID is set only for agent workers holding a run token.
type Identity struct {
	Subject   string
	Email     string
	Roles     []string
	AccountID string
	RunID     string
}

func (i Identity) IsRunWorker() bool {
	return strings.TrimSpace(i.RunID) != ""
}

type ctxKeyIdentity struct{}

func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity{}, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	v, ok := ctx.Value(ctxKeyIdentity{}).(Identity)
	return v, ok
}

type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (Identity, error)
}
