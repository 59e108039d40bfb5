package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const runTokenPrefix = "applaude_run_v1"

var (
	ErrRunTokenInvalid = errors.New("run token is invalid")
	ErrRunTokenExpired = errors.New("run token is expired")
)

// RunTokenClaims bind a worker credential to a single run of a single account.
type RunTokenClaims struct {
	RunID         string `json:"run_id"`
	AccountID     string `json:"account_id"`
	IssuedAtUnix  int64  `json:"iat"`
	ExpiresAtUnix int64  `json:"exp"`
}

func RunTokenSubject(claims RunTokenClaims) string {
	return "run:" + strings.TrimSpace(claims.RunID)
}

func ParseRunTokenSubject(subject string) (runID string, ok bool) {
	subject = strings.TrimSpace(subject)
	if !strings.HasPrefix(subject, "run:") {
		return "", false
	}
	runID = strings.TrimSpace(strings.TrimPrefix(subject, "run:"))
	if runID == "" || strings.Contains(runID, ":") {
		return "", false
	}
	return runID, true
}

// IsRunToken reports whether token carries the run token prefix. It does not verify it.
func IsRunToken(token string) bool {
	return strings.HasPrefix(strings.TrimSpace(token), runTokenPrefix+".")
}

func GenerateRunToken(secret string, claims RunTokenClaims, now time.Time) (string, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return "", errors.New("secret is required")
	}
	claims.RunID = strings.TrimSpace(claims.RunID)
	claims.AccountID = strings.TrimSpace(claims.AccountID)
	if claims.RunID == "" {
		return "", errors.New("run_id is required")
	}
	if claims.AccountID == "" {
		return "", errors.New("account_id is required")
	}

	if now.IsZero() {
		now = time.Now().UTC()
	}
	if claims.IssuedAtUnix == 0 {
		claims.IssuedAtUnix = now.UTC().Unix()
	}
	if claims.ExpiresAtUnix == 0 {
		return "", errors.New("exp is required")
	}
	if claims.ExpiresAtUnix <= now.UTC().Unix() {
		return "", errors.New("exp must be in the future")
	}

	payloadJSON, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payloadB64 := base64.RawURLEncoding.EncodeToString(payloadJSON)
	sigB64, err := computeRunTokenSignature(secret, payloadB64)
	if err != nil {
		return "", err
	}
	return strings.Join([]string{runTokenPrefix, payloadB64, sigB64}, "."), nil
}

func VerifyRunToken(secret string, token string, now time.Time) (RunTokenClaims, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return RunTokenClaims{}, errors.New("secret is required")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return RunTokenClaims{}, ErrRunTokenInvalid
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] != runTokenPrefix {
		return RunTokenClaims{}, ErrRunTokenInvalid
	}
	payloadB64 := strings.TrimSpace(parts[1])
	sigB64 := strings.TrimSpace(parts[2])
	if payloadB64 == "" || sigB64 == "" {
		return RunTokenClaims{}, ErrRunTokenInvalid
	}

	expectedB64, err := computeRunTokenSignature(secret, payloadB64)
	if err != nil {
		return RunTokenClaims{}, err
	}
	expectedSig, err := base64.RawURLEncoding.DecodeString(expectedB64)
	if err != nil {
		return RunTokenClaims{}, ErrRunTokenInvalid
	}
	gotSig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return RunTokenClaims{}, ErrRunTokenInvalid
	}
	if !hmac.Equal(expectedSig, gotSig) {
		return RunTokenClaims{}, ErrRunTokenInvalid
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return RunTokenClaims{}, ErrRunTokenInvalid
	}
	var claims RunTokenClaims
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		return RunTokenClaims{}, ErrRunTokenInvalid
	}
	claims.RunID = strings.TrimSpace(claims.RunID)
	claims.AccountID = strings.TrimSpace(claims.AccountID)
	if claims.RunID == "" || claims.AccountID == "" || claims.ExpiresAtUnix == 0 {
		return RunTokenClaims{}, ErrRunTokenInvalid
	}

	if now.IsZero() {
		now = time.Now().UTC()
	}
	if claims.ExpiresAtUnix <= now.UTC().Unix() {
		return RunTokenClaims{}, ErrRunTokenExpired
	}

	return claims, nil
}

func computeRunTokenSignature(secret string, payloadB64 string) (string, error) {
	payloadB64 = strings.TrimSpace(payloadB64)
	if payloadB64 == "" {
		return "", errors.New("payload is required")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	if _, err := mac.Write([]byte("applaude-run-token-v1\n")); err != nil {
		return "", err
	}
	if _, err := mac.Write([]byte(payloadB64)); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// RunTokenIssuer mints worker credentials for newly created runs.
type RunTokenIssuer struct {
	Secret string
	TTL    time.Duration
	Now    func() time.Time
}

func (i RunTokenIssuer) Issue(accountID, runID string) (string, time.Time, error) {
	now := time.Now().UTC()
	if i.Now != nil {
		now = i.Now().UTC()
	}
	token, err := i.issueAt(accountID, runID, now)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, now.Add(i.ttl()), nil
}

func (i RunTokenIssuer) ttl() time.Duration {
	if i.TTL <= 0 {
		return 6 * time.Hour
	}
	return i.TTL
}

func (i RunTokenIssuer) issueAt(accountID, runID string, now time.Time) (string, error) {
	return GenerateRunToken(i.Secret, RunTokenClaims{
		RunID:         runID,
		AccountID:     accountID,
		ExpiresAtUnix: now.Add(i.ttl()).Unix(),
	}, now)
}
