// Package session tracks who is signed in to a console session and with what
// role. A Machine owns the state; everything else reads snapshots.
package session

import (
	"time"

	"github.com/campusdesk/campusdesk/internal/identity"
	"github.com/campusdesk/campusdesk/internal/roles"
)

// Phase is the coarse state of a console session.
type Phase int

const (
	// PhaseInitializing is held until the first session fetch resolves.
	PhaseInitializing Phase = iota
	// PhaseUnauthenticated means no identity, or one whose role could not be resolved.
	PhaseUnauthenticated
	// PhaseAuthenticated means an identity with a role from the ledger.
	PhaseAuthenticated
)

func (p Phase) String() string {
	switch p {
	case PhaseInitializing:
		return "initializing"
	case PhaseUnauthenticated:
		return "unauthenticated"
	case PhaseAuthenticated:
		return "authenticated"
	}
	return "unknown"
}

// State is an immutable snapshot of a Machine.
type State struct {
	Phase    Phase
	Identity *identity.Identity
	Role     roles.Role
	// Anomaly records why a present identity was treated as unauthenticated.
	Anomaly error
	// At is the event time of the change that produced this state.
	At time.Time
}

// Resolved reports whether the state left Initializing.
func (s State) Resolved() bool {
	return s.Phase != PhaseInitializing
}

// AdminSession reports an authenticated admin.
func (s State) AdminSession() bool {
	return s.Phase == PhaseAuthenticated && s.Role == roles.RoleAdmin
}

// StudentSession reports an authenticated student.
func (s State) StudentSession() bool {
	return s.Phase == PhaseAuthenticated && s.Role == roles.RoleStudent
}

// IdentityID returns the signed-in identity id or "".
func (s State) IdentityID() string {
	if s.Phase != PhaseAuthenticated || s.Identity == nil {
		return ""
	}
	return s.Identity.ID
}

// Label names the state for logs and metrics.
func (s State) Label() string {
	switch {
	case s.AdminSession():
		return "admin"
	case s.StudentSession():
		return "student"
	}
	return s.Phase.String()
}
