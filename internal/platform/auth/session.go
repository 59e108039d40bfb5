package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const loginCookieTTL = 10 * time.Minute

func tokenFromCookie(r *http.Request, name string) string {
	cookie, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}

func randomBase64URL(nBytes int) (string, error) {
	if nBytes <= 0 {
		return "", errors.New("nBytes must be positive")
	}
	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func pkceS256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// safeReturnTo keeps post-login redirects on this origin.
func safeReturnTo(raw string) string {
	u, err := url.Parse(raw)
	if raw == "" || err != nil || u.IsAbs() || u.Host != "" {
		return "/"
	}
	if !strings.HasPrefix(u.Path, "/") || strings.HasPrefix(u.Path, "//") {
		return "/"
	}
	return u.Path
}

func setShortCookie(w http.ResponseWriter, name string, value string, cfg Config) {
	http.SetCookie(w, newCookie(name, value, int(loginCookieTTL.Seconds()), cfg))
}

func setSessionCookie(w http.ResponseWriter, name string, value string, cfg Config) {
	maxAge := cfg.SessionCookieMaxAge
	if maxAge <= 0 {
		maxAge = loginCookieTTL
	}
	http.SetCookie(w, newCookie(name, value, int(maxAge.Seconds()), cfg))
}

func clearCookie(w http.ResponseWriter, name string, cfg Config) {
	http.SetCookie(w, newCookie(name, "", -1, cfg))
}

func newCookie(name, value string, maxAge int, cfg Config) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   cfg.SessionCookieSecure,
		SameSite: parseSameSite(cfg.SessionCookieSameSite),
	}
}

func parseSameSite(raw string) http.SameSite {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

func extractStringClaim(claims map[string]any, key string) string {
	s, _ := claims[key].(string)
	return s
}

// extractRolesClaim accepts a JSON array of strings or a comma separated string.
func extractRolesClaim(claims map[string]any, key string) []string {
	switch typed := claims[key].(type) {
	case string:
		return parseCSV(typed)
	case []string:
		return parseCSV(strings.Join(typed, ","))
	case []any:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			if s, ok := item.(string); ok {
				items = append(items, s)
			}
		}
		return parseCSV(strings.Join(items, ","))
	default:
		return nil
	}
}
