// Package access decides what an authenticated principal may do.
package access

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// Role is a named permission set attached to a user account.
type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleMember, RoleAdmin:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// CanModifyCatalog reports whether the role set grants catalog mutations.
// Lending operations are not gated here; any authenticated member may
// check out, return and hold.
func CanModifyCatalog(roles []Role) bool {
	return slices.Contains(roles, RoleAdmin)
}

// CanManageMembers reports whether the role set grants listing, editing and
// removing other members' accounts.
func CanManageMembers(roles []Role) bool {
	return slices.Contains(roles, RoleAdmin)
}

// Principal is the authenticated caller of a request.
type Principal struct {
	UserID uuid.UUID
	Roles  []Role
}

// HasRole reports whether the principal carries role r.
func (p Principal) HasRole(r Role) bool {
	return slices.Contains(p.Roles, r)
}

// CanEditAccount reports whether p may read or change the account of userID:
// its owner or a member administrator.
func (p Principal) CanEditAccount(userID uuid.UUID) bool {
	return p.UserID == userID || CanManageMembers(p.Roles)
}

type principalKey struct{}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal stored in ctx, if any.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
