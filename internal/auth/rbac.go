// Package auth provides authentication and authorization for ServerHub.
package auth

import (
	"strings"
)

// Role represents a user role in the RBAC system.
type Role string

const (
	// RoleAdmin has full access to all resources and operations.
	RoleAdmin Role = "admin"

	// RoleServerOwner can register and manage their own servers.
	RoleServerOwner Role = "server_owner"

	// RoleUser has read-only access to the server catalog.
	RoleUser Role = "user"

	// RoleNone represents no role (unauthenticated or unknown).
	RoleNone Role = ""
)

// Resource constants for permission checks.
const (
	ResourceServers  = "servers"
	ResourceUsers    = "users"
	ResourceAudit    = "audit"
	ResourceSessions = "sessions"
)

// Action constants for permission checks.
const (
	ActionCreate = "create"
	ActionRead   = "read"
	ActionUpdate = "update"
	ActionDelete = "delete"
	ActionList   = "list"
)

// Permission represents an action on a resource.
type Permission struct {
	Resource string
	Action   string
}

// String returns a string representation of the permission (e.g., "servers:read").
func (p Permission) String() string {
	return p.Resource + ":" + p.Action
}

// RolePermissions maps roles to their allowed permissions.
// This is the authoritative source of what each role can do.
var RolePermissions = map[Role][]Permission{
	RoleAdmin: {
		{ResourceServers, ActionCreate},
		{ResourceServers, ActionRead},
		{ResourceServers, ActionUpdate},
		{ResourceServers, ActionDelete},
		{ResourceServers, ActionList},
		{ResourceUsers, ActionCreate},
		{ResourceUsers, ActionRead},
		{ResourceUsers, ActionUpdate},
		{ResourceUsers, ActionDelete},
		{ResourceUsers, ActionList},
		{ResourceAudit, ActionRead},
		{ResourceAudit, ActionList},
		{ResourceSessions, ActionRead},
		{ResourceSessions, ActionDelete},
		{ResourceSessions, ActionList},
	},
	RoleServerOwner: {
		// Read/write access to their own server registrations
		{ResourceServers, ActionCreate},
		{ResourceServers, ActionRead},
		{ResourceServers, ActionUpdate},
		{ResourceServers, ActionDelete},
		{ResourceServers, ActionList},
	},
	RoleUser: {
		// Read-only access to the catalog
		{ResourceServers, ActionRead},
		{ResourceServers, ActionList},
	},
}

// rolePermissionCache is a pre-computed lookup table for faster permission checks.
// Map format: role -> resource -> action -> bool
var rolePermissionCache map[Role]map[string]map[string]bool

func init() {
	rolePermissionCache = make(map[Role]map[string]map[string]bool)
	for role, perms := range RolePermissions {
		rolePermissionCache[role] = make(map[string]map[string]bool)
		for _, perm := range perms {
			if rolePermissionCache[role][perm.Resource] == nil {
				rolePermissionCache[role][perm.Resource] = make(map[string]bool)
			}
			rolePermissionCache[role][perm.Resource][perm.Action] = true
		}
	}
}

// HasPermission checks if a role has permission for a specific resource and action.
// Returns false for unknown roles or permissions (default deny).
func HasPermission(role Role, resource, action string) bool {
	if role == RoleNone {
		return false
	}

	resourcePerms, ok := rolePermissionCache[role]
	if !ok {
		return false // Unknown role - deny
	}

	actionPerms, ok := resourcePerms[resource]
	if !ok {
		return false // Unknown resource - deny
	}

	return actionPerms[action] // Unknown action returns false (deny)
}

// GetPermissions returns all permissions for a given role.
// Returns nil for unknown roles.
func GetPermissions(role Role) []Permission {
	perms, ok := RolePermissions[role]
	if !ok {
		return nil
	}
	// Return a copy to prevent mutation
	result := make([]Permission, len(perms))
	copy(result, perms)
	return result
}

// RoleLevel returns the privilege level of a role, higher meaning more
// privileged. Used to break ties when multiple mappings apply.
func RoleLevel(role Role) int {
	switch role {
	case RoleAdmin:
		return 3
	case RoleServerOwner:
		return 2
	case RoleUser:
		return 1
	default:
		return 0
	}
}

// ValidRoles returns all valid role values.
func ValidRoles() []Role {
	return []Role{RoleAdmin, RoleServerOwner, RoleUser}
}

// IsValidRole returns true if the given role is a valid defined role.
func IsValidRole(role Role) bool {
	switch role {
	case RoleAdmin, RoleServerOwner, RoleUser:
		return true
	default:
		return false
	}
}

// ParseRole parses a string into a Role.
// Returns RoleNone if the string doesn't match a valid role.
func ParseRole(s string) Role {
	role := Role(strings.ToLower(strings.TrimSpace(s)))
	if IsValidRole(role) {
		return role
	}
	return RoleNone
}
