// Package domain contains the core entities of the mail queue.
package domain

// Role is the permission level carried by an operator token.
type Role string

// Roles in ascending order of privilege.
const (
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

var roleRank = map[Role]int{
	RoleOperator: 1,
	RoleAdmin:    2,
}

// IsValid reports whether r is a known role.
func (r Role) IsValid() bool {
	_, ok := roleRank[r]
	return ok
}

// HasPermission reports whether r grants at least minRole.
func (r Role) HasPermission(minRole Role) bool {
	have, ok := roleRank[r]
	if !ok {
		return false
	}
	return have >= roleRank[minRole]
}
