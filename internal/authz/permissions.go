package authz

import (
	"github.com/ledgerdesk/sessiond/internal/gateway"
)

// Permission is a namespaced capability tag of the form "category:action",
// e.g. "users:view".
type Permission string

// Role names known to the static role table.
const (
	RoleGuest   = "guest"
	RoleClerk   = "clerk"
	RoleManager = "manager"
	RoleAdmin   = "admin"
)

// rolePermissions is the static role table. Roles are configuration, not
// computed: an unknown role degrades to guest rather than failing open.
var rolePermissions = map[string][]Permission{
	RoleGuest: {},
	RoleClerk: {
		"dashboard:view",
		"products:view",
		"suppliers:view",
		"purchases:view",
		"purchases:create",
	},
	RoleManager: {
		"dashboard:view",
		"products:view", "products:create", "products:edit",
		"suppliers:view", "suppliers:create", "suppliers:edit",
		"purchases:view", "purchases:create", "purchases:edit", "purchases:approve",
		"accounts:view",
		"reports:view",
	},
	RoleAdmin: {
		"dashboard:view",
		"products:view", "products:create", "products:edit", "products:delete",
		"suppliers:view", "suppliers:create", "suppliers:edit", "suppliers:delete",
		"purchases:view", "purchases:create", "purchases:edit", "purchases:approve", "purchases:delete",
		"accounts:view", "accounts:edit",
		"reports:view", "reports:export",
		"users:view", "users:create", "users:edit", "users:delete",
		"settings:view", "settings:edit",
	},
}

// Set is a derived permission set with pure membership tests.
type Set map[Permission]struct{}

// NewSet builds a Set from explicit tags.
func NewSet(perms ...Permission) Set {
	s := make(Set, len(perms))
	for _, p := range perms {
		s[p] = struct{}{}
	}
	return s
}

// Has reports whether the tag is in the set.
func (s Set) Has(tag Permission) bool {
	_, ok := s[tag]
	return ok
}

// HasAny reports whether at least one of the tags is in the set.
func (s Set) HasAny(tags ...Permission) bool {
	for _, tag := range tags {
		if s.Has(tag) {
			return true
		}
	}
	return false
}

// HasAll reports whether every tag is in the set.
func (s Set) HasAll(tags ...Permission) bool {
	for _, tag := range tags {
		if !s.Has(tag) {
			return false
		}
	}
	return true
}

// Derive computes the permission set for a session. An unauthenticated
// session gets the guest set. A user record carrying an explicit permission
// list from the backend takes precedence over the role table; otherwise the
// user's role is looked up, with unknown roles treated as guest.
func Derive(authenticated bool, user *gateway.UserRecord) Set {
	if !authenticated || user == nil {
		return NewSet(rolePermissions[RoleGuest]...)
	}
	if len(user.Permissions) > 0 {
		s := make(Set, len(user.Permissions))
		for _, p := range user.Permissions {
			s[Permission(p)] = struct{}{}
		}
		return s
	}
	perms, ok := rolePermissions[user.Role]
	if !ok {
		perms = rolePermissions[RoleGuest]
	}
	return NewSet(perms...)
}

// RolePermissions returns the table entry for a role, nil when unknown.
// Exposed for the bridge's introspection endpoint.
func RolePermissions(role string) []Permission {
	perms, ok := rolePermissions[role]
	if !ok {
		return nil
	}
	return append([]Permission(nil), perms...)
}
