package identity

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"examhub/internal/app/apiresp"
)

// Roles as delivered by the upstream identity provider. The engine trusts the
// resolved principal and never authenticates by itself.
const (
	RoleStudent = "student"
	RoleTeacher = "teacher"
	RoleAdmin   = "admin"
)

const (
	headerUserID = "X-User-ID"
	headerRole   = "X-User-Role"
)

type Principal struct {
	ID   int64
	Role string
}

func (p Principal) IsStudent() bool {
	return p.Role == RoleStudent
}

func (p Principal) IsPrivileged() bool {
	return p.Role == RoleTeacher || p.Role == RoleAdmin
}

type contextKey struct{}

// Middleware resolves the caller from gateway-injected headers and stores the
// principal in the request context. Requests without a resolvable principal
// are rejected before reaching any handler.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(strings.TrimSpace(r.Header.Get(headerUserID)), 10, 64)
		if err != nil || id <= 0 {
			apiresp.WriteError(w, r, http.StatusUnauthorized, "missing identity")
			return
		}

		role := strings.ToLower(strings.TrimSpace(r.Header.Get(headerRole)))
		switch role {
		case RoleStudent, RoleTeacher, RoleAdmin:
		default:
			role = RoleStudent
		}

		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), Principal{ID: id, Role: role})))
	})
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

func CurrentPrincipal(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(Principal)
	return p, ok
}

// RequireRoles guards admin/teacher routes.
func RequireRoles(roles ...string) func(http.Handler) http.Handler {
	allowed := map[string]struct{}{}
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := CurrentPrincipal(r.Context())
			if !ok {
				apiresp.WriteError(w, r, http.StatusUnauthorized, "missing identity")
				return
			}
			if _, ok := allowed[p.Role]; !ok {
				apiresp.WriteError(w, r, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
