package auth

import "strings"

// Role is an API caller's permission level. Levels are ordered: admin covers
// operator, operator covers viewer.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

var roleLevels = map[Role]int{
	RoleViewer:   1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// NormalizeRole maps a claim value onto a known role. Matching ignores case
// and surrounding whitespace; anything else is rejected.
func NormalizeRole(value string) (Role, bool) {
	role := Role(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := roleLevels[role]; !ok {
		return "", false
	}
	return role, true
}

// AtLeast reports whether the role covers the required level.
func (r Role) AtLeast(required Role) bool {
	return roleLevels[r] >= roleLevels[required]
}
