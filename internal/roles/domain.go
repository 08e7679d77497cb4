package roles

import (
	"fmt"
	"strings"
	"time"
)

// Role is the coarse access level of an identity.
type Role string

const (
	// RoleNone is the zero value; it never grants access.
	RoleNone    Role = ""
	RoleAdmin   Role = "admin"
	RoleStudent Role = "student"
)

// Binding associates an identity with a role. Bindings are never mutated.
type Binding struct {
	IdentityID string
	Role       Role
	CreatedAt  time.Time
}

// ParseRole converts a stored value into a Role.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleAdmin:
		return RoleAdmin, nil
	case RoleStudent:
		return RoleStudent, nil
	}
	return RoleNone, fmt.Errorf("roles: unknown role %q", s)
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleStudent
}

func (r Role) String() string {
	if r == RoleNone {
		return "none"
	}
	return string(r)
}

// precedence orders roles when one identity holds several bindings.
// Admin wins over student.
func (r Role) precedence() int {
	switch r {
	case RoleAdmin:
		return 2
	case RoleStudent:
		return 1
	}
	return 0
}

// Highest picks the role that governs access when an identity holds several
// bindings. Unknown values are ignored; the result is RoleNone when nothing is valid.
func Highest(rs []Role) Role {
	best := RoleNone
	for _, r := range rs {
		if r.precedence() > best.precedence() {
			best = r
		}
	}
	return best
}
