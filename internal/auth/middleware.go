package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"authcore/internal/autherr"
	"authcore/internal/token"
)

type claimsKey struct{}

// AccessVerifier checks access tokens.
type AccessVerifier interface {
	VerifyAccess(raw string) (token.AccountClaims, error)
}

// Middleware rejects requests without a valid access token and stores the
// verified claims in the request context.
func Middleware(verifier AccessVerifier, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if header == "" {
			unauthorized(w, "missing authorization token")
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			unauthorized(w, "invalid authorization format")
			return
		}

		tokenStr := strings.TrimSpace(parts[1])
		if tokenStr == "" {
			unauthorized(w, "invalid authorization token")
			return
		}

		claims, err := verifier.VerifyAccess(tokenStr)
		if err != nil {
			if errors.Is(err, autherr.ErrTokenExpired) {
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "token has expired", Code: autherr.KindTokenExpired.String()})
				return
			}
			unauthorized(w, "invalid or expired token")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

// ClaimsFrom returns the claims stored by Middleware.
func ClaimsFrom(ctx context.Context) (token.AccountClaims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(token.AccountClaims)
	return claims, ok
}
