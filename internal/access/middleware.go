package access

import (
	"net/http"
	"strings"

	"bookworm/internal/respond"
)

// TokenParser turns a bearer token into a principal.
type TokenParser interface {
	ParseToken(token string) (Principal, error)
}

// Authenticate attaches the bearer token's principal to the request context.
// Requests without an Authorization header pass through anonymously; a
// malformed or expired token is rejected.
func Authenticate(parser TokenParser) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				next.ServeHTTP(w, r)
				return
			}
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				respond.Error(w, http.StatusUnauthorized, respond.Problem{Kind: "unauthorized", Code: "malformed_authorization", Message: "expected a bearer token"})
				return
			}
			p, err := parser.ParseToken(token)
			if err != nil {
				respond.Error(w, http.StatusUnauthorized, respond.Problem{Kind: "unauthorized", Code: "invalid_token", Message: err.Error()})
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireAuthenticated rejects anonymous requests with 401.
func RequireAuthenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := FromContext(r.Context()); !ok {
			respond.Error(w, http.StatusUnauthorized, respond.Problem{Kind: "unauthorized", Code: "no_principal", Message: "unauthorized request (no roles found)"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireCatalogAdmin answers 401 without a principal and 403 when the
// principal's roles do not allow catalog mutations.
func RequireCatalogAdmin(next http.Handler) http.Handler {
	return requireClearance(CanModifyCatalog, next)
}

// RequireMemberAdmin answers 401 without a principal and 403 when the
// principal may not manage other members.
func RequireMemberAdmin(next http.Handler) http.Handler {
	return requireClearance(CanManageMembers, next)
}

func requireClearance(allowed func([]Role) bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := FromContext(r.Context())
		if !ok {
			respond.Error(w, http.StatusUnauthorized, respond.Problem{Kind: "unauthorized", Code: "no_principal", Message: "unauthorized request (no roles found)"})
			return
		}
		if !allowed(p.Roles) {
			respond.Error(w, http.StatusForbidden, respond.Problem{Kind: "forbidden", Code: "insufficient_clearance", Message: "forbidden request (insufficient clearance)"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
