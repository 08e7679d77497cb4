// Package gate decides, for every request, whether the console session may
// see the requested route.
package gate

import (
	"strings"

	"github.com/campusdesk/campusdesk/internal/roles"
	"github.com/campusdesk/campusdesk/internal/session"
)

// Access classifies a route.
type Access int

const (
	// AccessUnknown routes render not found.
	AccessUnknown Access = iota
	// AccessSignIn is the sign-in surface, only for unauthenticated sessions.
	AccessSignIn
	// AccessAuthenticated routes accept any signed-in role.
	AccessAuthenticated
	// AccessAdmin routes are for admins.
	AccessAdmin
	// AccessStudent routes are for students.
	AccessStudent
)

func (a Access) String() string {
	switch a {
	case AccessSignIn:
		return "sign_in"
	case AccessAuthenticated:
		return "authenticated"
	case AccessAdmin:
		return "admin"
	case AccessStudent:
		return "student"
	}
	return "unknown"
}

// Well-known routes.
const (
	SignInPath       = "/auth"
	AdminLanding     = "/"
	StudentLanding   = "/student-dashboard"
	LogoutPath       = "/auth/logout"
	CredentialsRoute = "/students/{id}/credentials"
)

type route struct {
	path   string
	prefix bool
	access Access
}

// routes is matched top to bottom; exact entries precede prefixes sharing a stem.
var routes = []route{
	{path: "/", access: AccessAdmin},
	{path: LogoutPath, access: AccessAuthenticated},
	{path: "/auth", access: AccessSignIn},
	{path: "/auth/login", access: AccessSignIn},
	{path: "/auth/setup", access: AccessSignIn},
	{path: StudentLanding, prefix: true, access: AccessStudent},
	{path: "/students", prefix: true, access: AccessAdmin},
	{path: "/departments", prefix: true, access: AccessAdmin},
	{path: "/courses", prefix: true, access: AccessAdmin},
	{path: "/marks", prefix: true, access: AccessAdmin},
	{path: "/fees", prefix: true, access: AccessAdmin},
	{path: "/jobs", prefix: true, access: AccessAdmin},
}

// Classify maps a request path to its access class.
func Classify(path string) Access {
	if path == "" {
		path = "/"
	}
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	for _, rt := range routes {
		if path == rt.path {
			return rt.access
		}
		if rt.prefix && strings.HasPrefix(path, rt.path+"/") {
			return rt.access
		}
	}
	return AccessUnknown
}

// Outcome is what the gate does with a request.
type Outcome int

const (
	// Allow renders the route.
	Allow Outcome = iota
	// Redirect sends the browser to Decision.Location.
	Redirect
	// Suspend renders nothing until the session resolves.
	Suspend
	// NotFound renders the terminal not-found view.
	NotFound
)

func (o Outcome) String() string {
	switch o {
	case Allow:
		return "allow"
	case Redirect:
		return "redirect"
	case Suspend:
		return "suspend"
	case NotFound:
		return "not_found"
	}
	return "invalid"
}

// Decision is the gate's verdict for one request.
type Decision struct {
	Outcome  Outcome
	Location string
}

// Landing returns the route a session belongs on.
func Landing(st session.State) string {
	switch {
	case st.AdminSession():
		return AdminLanding
	case st.StudentSession():
		return StudentLanding
	}
	return SignInPath
}

// Decide is total over every state and path.
func Decide(st session.State, path string) Decision {
	if !st.Resolved() {
		return Decision{Outcome: Suspend}
	}
	access := Classify(path)
	if access == AccessUnknown {
		return Decision{Outcome: NotFound}
	}

	role := roles.RoleNone
	if st.Phase == session.PhaseAuthenticated && st.Role.Valid() {
		role = st.Role
	}
	if role == roles.RoleNone {
		if access == AccessSignIn {
			return Decision{Outcome: Allow}
		}
		return Decision{Outcome: Redirect, Location: SignInPath}
	}

	switch access {
	case AccessSignIn:
		return Decision{Outcome: Redirect, Location: Landing(st)}
	case AccessAuthenticated:
		return Decision{Outcome: Allow}
	case AccessAdmin:
		if role == roles.RoleAdmin {
			return Decision{Outcome: Allow}
		}
	case AccessStudent:
		if role == roles.RoleStudent {
			return Decision{Outcome: Allow}
		}
	}
	return Decision{Outcome: Redirect, Location: Landing(st)}
}
