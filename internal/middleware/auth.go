package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/openguild/openguild/internal/auth"
)

type contextKey int

const claimsKey contextKey = iota

// TokenVerifier verifies a bearer access token; the session authority
// satisfies it.
type TokenVerifier interface {
	VerifyAccess(token string) (*auth.Claims, error)
}

// ClaimsFromContext returns the verified claims RequireAuth stored, or nil
// on an unauthenticated request.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(claimsKey).(*auth.Claims)
	return claims
}

// BearerToken extracts the token from an Authorization header. The "bearer"
// prefix is case-insensitive and surrounding whitespace is stripped.
func BearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", false
	}
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	if token == "" {
		return "", false
	}
	return token, true
}

// RequireAuth rejects requests without a valid bearer token and stores the
// claims in the request context for handlers downstream.
func RequireAuth(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := BearerToken(r)
			if !ok {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			claims, err := verifier.VerifyAccess(token)
			if err != nil {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
		})
	}
}
