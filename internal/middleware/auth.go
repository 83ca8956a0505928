package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/zhouzirui/helpdesk/backend/internal/service/auth"
	"github.com/zhouzirui/helpdesk/backend/pkg/utils"
)

// TokenParser validates session tokens.
type TokenParser interface {
	Parse(raw string) (*auth.Claims, error)
}

type claimsKey struct{}

// TokenFromRequest reads a bearer token, falling back to the "token" query
// parameter for WebSocket and EventSource clients that cannot set headers.
func TokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("token")
}

// Authenticate rejects requests without a valid token and stores the claims in the context.
func Authenticate(tokens TokenParser) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := tokens.Parse(TokenFromRequest(r))
			if err != nil {
				utils.RespondError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// RequireAdmin must run after Authenticate.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFrom(r.Context())
		if !ok || !claims.Admin {
			utils.RespondError(w, http.StatusForbidden, "admin only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WithClaims attaches claims to ctx.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// ClaimsFrom returns the claims stored by Authenticate.
func ClaimsFrom(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*auth.Claims)
	return claims, ok && claims != nil
}
