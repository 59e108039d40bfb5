package auth

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// RunTokenAuthenticator accepts run tokens and delegates any other credential to Next.
type RunTokenAuthenticator struct {
	Secret string
	Next   Authenticator
	Now    func() time.Time
}

func (a RunTokenAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	if token := tokenFromHeader(r); IsRunToken(token) {
		now := time.Now().UTC()
		if a.Now != nil {
			now = a.Now().UTC()
		}
		claims, err := VerifyRunToken(a.Secret, token, now)
		if err != nil {
			return Identity{}, ErrUnauthenticated
		}
		return Identity{
			Subject:   RunTokenSubject(claims),
			Roles:     []string{RoleEditor},
			AccountID: claims.AccountID,
			RunID:     claims.RunID,
		}, nil
	}

	if a.Next == nil {
		return Identity{}, ErrUnauthenticated
	}
	return a.Next.Authenticate(ctx, r)
}

func tokenFromHeader(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return ""
	}
	parts := strings.SplitN(authz, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
