package auth

import (
	"context"
	"errors"
)

// ErrForbidden indicates the context lacks the required permission.
var ErrForbidden = errors.New("forbidden")

type contextKey string

const principalContextKey contextKey = "principal"

// ContextWithPrincipal returns a new context with the principal stored in it.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	if p == nil {
		return ctx
	}
	return context.WithValue(ctx, principalContextKey, p)
}

// PrincipalFromContext retrieves the principal from the context.
// Returns nil if no principal is present.
func PrincipalFromContext(ctx context.Context) *Principal {
	if ctx == nil {
		return nil
	}
	p, ok := ctx.Value(principalContextKey).(*Principal)
	if !ok {
		return nil
	}
	return p
}

// IsAuthenticated returns true if the context contains a valid session.
func IsAuthenticated(ctx context.Context) bool {
	if session := SessionFromContext(ctx); session != nil && session.IsValid() {
		return true
	}
	return false
}

// Role context key
const roleContextKey contextKey = "role"

// ContextWithRole returns a new context with the role stored in it.
func ContextWithRole(ctx context.Context, role Role) context.Context {
	return context.WithValue(ctx, roleContextKey, role)
}

// RoleFromContext retrieves the role from the context.
// Returns RoleNone if no role is present.
func RoleFromContext(ctx context.Context) Role {
	if ctx == nil {
		return RoleNone
	}
	role, ok := ctx.Value(roleContextKey).(Role)
	if !ok {
		return RoleNone
	}
	return role
}

// GetEffectiveRole returns the effective role for the current context.
// It checks: explicit role > session role.
func GetEffectiveRole(ctx context.Context) Role {
	if role := RoleFromContext(ctx); role != RoleNone {
		return role
	}
	if session := SessionFromContext(ctx); session != nil && session.IsValid() {
		return session.Role
	}
	return RoleNone
}

// RequirePermission checks if the context has permission for a resource action.
// Returns nil if permitted, or ErrForbidden if not.
func RequirePermission(ctx context.Context, resource, action string) error {
	role := GetEffectiveRole(ctx)
	if !HasPermission(role, resource, action) {
		return ErrForbidden
	}
	return nil
}
