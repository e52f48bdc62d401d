// Package policy evaluates per-role, per-path access rules against the
// flat object keyspace.
package policy

import "strings"

// Delimiter separates key segments in the object keyspace.
const Delimiter = "/"

// Role is a principal's role.
type Role string

// Known roles.
const (
	RoleAdmin          Role = "admin"
	RoleEditor         Role = "editor"
	RoleViewer         Role = "viewer"
	RoleExternalViewer Role = "external_viewer"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleEditor, RoleViewer, RoleExternalViewer:
		return true
	}
	return false
}

// Permission identifies a grantable capability.
type Permission string

// Known permissions.
const (
	PermFilesRead     Permission = "files:read"
	PermFilesWrite    Permission = "files:write"
	PermFilesDelete   Permission = "files:delete"
	PermAnalyticsRead Permission = "analytics:read"
)

// rolePermissions maps roles to their granted permissions. Admin is
// handled separately (all permissions).
var rolePermissions = map[Role][]Permission{
	RoleEditor:         {PermFilesRead, PermFilesWrite, PermFilesDelete, PermAnalyticsRead},
	RoleViewer:         {PermFilesRead, PermAnalyticsRead},
	RoleExternalViewer: {PermFilesRead},
}

// AllPermissions lists every grantable permission.
var AllPermissions = []Permission{PermFilesRead, PermFilesWrite, PermFilesDelete, PermAnalyticsRead}

// RolePermissions returns the role-to-permission matrix as a copy.
// Admin rows carry every permission.
func RolePermissions() map[Role][]Permission {
	out := make(map[Role][]Permission, len(rolePermissions)+1)
	out[RoleAdmin] = append([]Permission(nil), AllPermissions...)
	for role, perms := range rolePermissions {
		out[role] = append([]Permission(nil), perms...)
	}
	return out
}

// Principal is the read-only identity this package evaluates. It is
// supplied by the user-management store; empty AllowedPathPrefix means
// unrestricted.
type Principal struct {
	ID                int
	Role              Role
	AllowedPathPrefix string
}

// HasPermission reports whether the principal's role grants perm.
func HasPermission(p Principal, perm Permission) bool {
	if p.Role == RoleAdmin {
		return true
	}
	for _, granted := range rolePermissions[p.Role] {
		if granted == perm {
			return true
		}
	}
	return false
}

// NormalizePrefix canonicalizes a path prefix: trimmed of surrounding
// whitespace and delimiters. The empty result means unrestricted.
func NormalizePrefix(prefix string) string {
	return strings.Trim(strings.TrimSpace(prefix), Delimiter)
}

// pathWithin reports whether path sits at or under prefix, comparing on
// whole delimiter-terminated segments so "a/b" does not match "a/bc".
func pathWithin(path, prefix string) bool {
	base := NormalizePrefix(prefix)
	if base == "" {
		return true
	}
	p := strings.TrimSpace(path)
	p = strings.TrimSuffix(p, Delimiter) + Delimiter
	base += Delimiter
	return p == base || strings.HasPrefix(p, base)
}

// Evaluator decides access for principals. SharedWritePrefix is the
// single write area available to non-admin writers.
type Evaluator struct {
	SharedWritePrefix string
}

// CanRead reports whether p may read (list, download) under path.
// Admins read everywhere. A set AllowedPathPrefix restricts reads to
// that subtree; empty means unrestricted.
func (e *Evaluator) CanRead(p Principal, path string) bool {
	if !HasPermission(p, PermFilesRead) {
		return false
	}
	if p.Role == RoleAdmin {
		return true
	}
	return pathWithin(path, p.AllowedPathPrefix)
}

// CanWrite reports whether p may upload or create folders at path.
// Non-admin writes are confined to the shared write area regardless of
// the principal's read scope.
func (e *Evaluator) CanWrite(p Principal, path string) bool {
	if !HasPermission(p, PermFilesWrite) {
		return false
	}
	if p.Role == RoleAdmin {
		return true
	}
	return pathWithin(path, e.SharedWritePrefix)
}

// CanDelete reports whether p may delete the object at path. Follows the
// same shared-write-area rule as CanWrite.
func (e *Evaluator) CanDelete(p Principal, path string) bool {
	if !HasPermission(p, PermFilesDelete) {
		return false
	}
	if p.Role == RoleAdmin {
		return true
	}
	return pathWithin(path, e.SharedWritePrefix)
}

// EffectivePrefixes returns the path prefixes p may browse. Unrestricted
// principals get the root prefix (""); the result is never empty.
func (e *Evaluator) EffectivePrefixes(p Principal) []string {
	if p.Role == RoleAdmin {
		return []string{""}
	}
	base := NormalizePrefix(p.AllowedPathPrefix)
	if base == "" {
		return []string{""}
	}
	return []string{base + Delimiter}
}

// MergePrefixes unions the static and discovered prefix lists, order
// preserving, static first; the first occurrence of a value wins.
func MergePrefixes(static, discovered []string) []string {
	seen := make(map[string]bool, len(static)+len(discovered))
	merged := make([]string, 0, len(static)+len(discovered))
	for _, list := range [][]string{static, discovered} {
		for _, raw := range list {
			p := NormalizePrefix(raw)
			if p == "" || seen[p] {
				continue
			}
			seen[p] = true
			merged = append(merged, p)
		}
	}
	return merged
}
