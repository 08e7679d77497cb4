package gate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusdesk/campusdesk/internal/identity"
	"github.com/campusdesk/campusdesk/internal/roles"
	"github.com/campusdesk/campusdesk/internal/session"
	"github.com/campusdesk/campusdesk/internal/testing/fakes"
)

var (
	initializing    = session.State{Phase: session.PhaseInitializing}
	unauthenticated = session.State{Phase: session.PhaseUnauthenticated}
	admin           = session.State{Phase: session.PhaseAuthenticated, Role: roles.RoleAdmin, Identity: &identity.Identity{ID: "a"}}
	student         = session.State{Phase: session.PhaseAuthenticated, Role: roles.RoleStudent, Identity: &identity.Identity{ID: "s"}}
)

func TestDecideIsTotal(t *testing.T) {
	const (
		adminRoute   = "/students"
		studentRoute = StudentLanding
		publicRoute  = SignInPath
		unknownRoute = "/no-such-page"
	)
	cases := []struct {
		name  string
		state session.State
		path  string
		want  Decision
	}{
		{"initializing admin route", initializing, adminRoute, Decision{Outcome: Suspend}},
		{"initializing student route", initializing, studentRoute, Decision{Outcome: Suspend}},
		{"initializing public route", initializing, publicRoute, Decision{Outcome: Suspend}},
		{"initializing unknown route", initializing, unknownRoute, Decision{Outcome: Suspend}},

		{"unauthenticated admin route", unauthenticated, adminRoute, Decision{Outcome: Redirect, Location: SignInPath}},
		{"unauthenticated student route", unauthenticated, studentRoute, Decision{Outcome: Redirect, Location: SignInPath}},
		{"unauthenticated public route", unauthenticated, publicRoute, Decision{Outcome: Allow}},
		{"unauthenticated unknown route", unauthenticated, unknownRoute, Decision{Outcome: NotFound}},

		{"admin admin route", admin, adminRoute, Decision{Outcome: Allow}},
		{"admin student route", admin, studentRoute, Decision{Outcome: Redirect, Location: AdminLanding}},
		{"admin public route", admin, publicRoute, Decision{Outcome: Redirect, Location: AdminLanding}},
		{"admin unknown route", admin, unknownRoute, Decision{Outcome: NotFound}},

		{"student admin route", student, adminRoute, Decision{Outcome: Redirect, Location: StudentLanding}},
		{"student student route", student, studentRoute, Decision{Outcome: Allow}},
		{"student public route", student, publicRoute, Decision{Outcome: Redirect, Location: StudentLanding}},
		{"student unknown route", student, unknownRoute, Decision{Outcome: NotFound}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Decide(tc.state, tc.path))
		})
	}
}

func TestDecideNeverAllowsRestrictedRoutes(t *testing.T) {
	paths := []string{"/", "/students/1/credentials", "/departments", "/courses", "/marks", "/fees", "/jobs/health", StudentLanding, LogoutPath}
	for _, st := range []session.State{initializing, unauthenticated} {
		for _, p := range paths {
			assert.NotEqual(t, Allow, Decide(st, p).Outcome, "%s %s", st.Label(), p)
		}
	}
	for _, p := range paths[:7] {
		assert.NotEqual(t, Allow, Decide(student, p).Outcome, p)
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, AccessAdmin, Classify("/"))
	assert.Equal(t, AccessAdmin, Classify(""))
	assert.Equal(t, AccessSignIn, Classify("/auth/"))
	assert.Equal(t, AccessSignIn, Classify("/auth/setup"))
	assert.Equal(t, AccessAuthenticated, Classify("/auth/logout"))
	assert.Equal(t, AccessAdmin, Classify("/students/abc/credentials"))
	assert.Equal(t, AccessStudent, Classify("/student-dashboard"))
	assert.Equal(t, AccessUnknown, Classify("/studentsx"))
	assert.Equal(t, AccessUnknown, Classify("/auth/other"))
}

func TestAnomalousSessionIsTreatedAsSignedOut(t *testing.T) {
	// Authenticated without a valid role never passes the gate.
	odd := session.State{Phase: session.PhaseAuthenticated, Role: roles.RoleNone}
	assert.Equal(t, Decision{Outcome: Redirect, Location: SignInPath}, Decide(odd, "/"))
	assert.Equal(t, Decision{Outcome: Allow}, Decide(odd, SignInPath))
}

func serve(t *testing.T, g *Gate, m *session.Machine, path string) *httptest.ResponseRecorder {
	t.Helper()
	var admitted bool
	h := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		admitted = true
		assert.True(t, session.StateFromContext(r.Context()).Resolved())
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if m != nil {
		req = req.WithContext(session.ContextWithMachine(req.Context(), m))
	}
	res := httptest.NewRecorder()
	h.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		assert.False(t, admitted)
	}
	return res
}

func TestMiddlewareSuspendsWhileInitializing(t *testing.T) {
	store, ledger := fakes.NewIdentityStore(), fakes.NewLedger()
	m := session.NewMachine(store, ledger, "")
	defer m.Close()
	g := New(10*time.Millisecond, nil, nil, nil)

	res := serve(t, g, m, "/students")
	assert.Equal(t, http.StatusServiceUnavailable, res.Code)
	assert.Equal(t, "1", res.Header().Get("Retry-After"))
}

func TestMiddlewareWaitsForResolution(t *testing.T) {
	store, ledger := fakes.NewIdentityStore(), fakes.NewLedger()
	sess, err := store.Seed("s@x.edu", "pass123")
	require.NoError(t, err)
	require.NoError(t, ledger.Insert(context.Background(), sess.Identity.ID, roles.RoleStudent))
	m := session.NewMachine(store, ledger, sess.Token)
	defer m.Close()
	m.Start()
	g := New(2*time.Second, nil, nil, nil)

	assert.Equal(t, http.StatusOK, serve(t, g, m, StudentLanding).Code)
	res := serve(t, g, m, "/marks")
	assert.Equal(t, http.StatusSeeOther, res.Code)
	assert.Equal(t, StudentLanding, res.Header().Get("Location"))
}

func TestMiddlewareWithoutMachineRedirectsToSignIn(t *testing.T) {
	g := New(0, nil, nil, nil)
	res := serve(t, g, nil, "/")
	assert.Equal(t, http.StatusSeeOther, res.Code)
	assert.Equal(t, SignInPath, res.Header().Get("Location"))
	assert.Equal(t, http.StatusNotFound, serve(t, g, nil, "/missing").Code)
}
