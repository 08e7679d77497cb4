package auth_test

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusdesk/campusdesk/internal/auth"
	"github.com/campusdesk/campusdesk/internal/bootstrap"
	"github.com/campusdesk/campusdesk/internal/roles"
	"github.com/campusdesk/campusdesk/internal/shared"
	"github.com/campusdesk/campusdesk/internal/testing/consoletest"
	_ "github.com/campusdesk/campusdesk/testing"
)

func newAuthHarness(t *testing.T) *consoletest.Harness {
	t.Helper()
	h := consoletest.New(t)
	setup := bootstrap.NewService(bootstrap.NewDecider(h.Ledger, nil, nil), h.Store, h.Ledger, nil, false)
	handler := auth.NewHandler(nil, setup, h.Templates, h.Sessions, h.CSRF, h.Registry, h.Locks)
	h.Router.Route("/auth", handler.MountRoutes)
	h.Router.Get("/", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("admin dashboard")) })
	h.Router.Get("/student-dashboard", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("student dashboard")) })
	return h
}

func TestSignInPageOffersSetupWithoutAdmin(t *testing.T) {
	h := newAuthHarness(t)

	res := h.Get("/auth")
	require.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, res.Body.String(), "<form")
	assert.Contains(t, res.Body.String(), "No admin account exists yet")
	assert.NotEmpty(t, h.Session().Get(shared.CSRFSessionKey))

	require.NoError(t, h.Ledger.Insert(context.Background(), "ident-9", roles.RoleAdmin))
	res = h.Get("/auth/login")
	require.Equal(t, http.StatusOK, res.Code)
	assert.NotContains(t, res.Body.String(), "No admin account exists yet")
}

func TestSetupModeToggle(t *testing.T) {
	h := newAuthHarness(t)

	res := h.Get("/auth?setup=1")
	require.Equal(t, http.StatusOK, res.Code)
	assert.Contains(t, res.Body.String(), `action="/auth/setup"`)
	assert.Contains(t, res.Body.String(), "Back to sign in")
}

func TestFirstAdminThenSignIn(t *testing.T) {
	h := newAuthHarness(t)
	h.Get("/auth")

	res := h.Post("/auth/setup", url.Values{"email": {"Admin@Campus.edu"}, "password": {"secret1"}})
	require.Equal(t, http.StatusSeeOther, res.Code)
	assert.Equal(t, "/auth", res.Header().Get("Location"))
	assert.Empty(t, h.Session().AuthToken(), "setup must not sign the admin in")

	res = h.Get("/auth")
	assert.Contains(t, res.Body.String(), "Admin account created")
	assert.NotContains(t, res.Body.String(), "No admin account exists yet")

	res = h.Post("/auth/login", url.Values{"email": {"admin@campus.edu"}, "password": {"secret1"}})
	require.Equal(t, http.StatusSeeOther, res.Code)
	assert.Equal(t, "/", res.Header().Get("Location"))
	assert.NotEmpty(t, h.Session().AuthToken())

	res = h.Get("/")
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, "admin dashboard", res.Body.String())

	res = h.Get("/auth")
	assert.Equal(t, http.StatusSeeOther, res.Code, "signed-in admins are sent to their landing")
}

func TestSetupClosedOnceAdminExists(t *testing.T) {
	h := newAuthHarness(t)
	require.NoError(t, h.Ledger.Insert(context.Background(), "ident-9", roles.RoleAdmin))
	h.Get("/auth")

	res := h.Post("/auth/setup", url.Values{"email": {"second@campus.edu"}, "password": {"secret1"}})
	require.Equal(t, http.StatusSeeOther, res.Code)
	assert.Equal(t, 0, h.Store.SignUps)
	assert.Contains(t, h.Get("/auth").Body.String(), "An admin account already exists")
}

func TestSetupValidationStaysLocal(t *testing.T) {
	h := newAuthHarness(t)
	h.Get("/auth")

	res := h.Post("/auth/setup", url.Values{"email": {"not-an-email"}, "password": {"123"}})
	require.Equal(t, http.StatusBadRequest, res.Code)
	assert.Contains(t, res.Body.String(), "Please enter a valid email address")
	assert.Contains(t, res.Body.String(), "password must be at least 6 characters")
	assert.Equal(t, 0, h.Store.SignUps)
}

func TestSetupReportsRoleBindingFailure(t *testing.T) {
	h := newAuthHarness(t)
	h.Ledger.InsertErr = errors.New("ledger offline")
	h.Get("/auth")

	res := h.Post("/auth/setup", url.Values{"email": {"admin@campus.edu"}, "password": {"secret1"}})
	require.Equal(t, http.StatusInternalServerError, res.Code)
	assert.Contains(t, res.Body.String(), "role could not be recorded")
	_, exists := h.Store.Lookup("admin@campus.edu")
	assert.True(t, exists)
}

func TestSignInInvalidCredentials(t *testing.T) {
	h := newAuthHarness(t)
	_, err := h.Store.Seed("user@campus.edu", "correct-pass")
	require.NoError(t, err)
	h.Get("/auth")

	res := h.Post("/auth/login", url.Values{"email": {"user@campus.edu"}, "password": {"wrong"}})
	require.Equal(t, http.StatusUnauthorized, res.Code)
	assert.Contains(t, res.Body.String(), "Invalid email or password")
	assert.Empty(t, h.Session().AuthToken())
}

func TestSignInBackendUnavailable(t *testing.T) {
	h := newAuthHarness(t)
	h.Store.SignInErr = &shared.AuthError{Op: "sign in", Err: shared.ErrIdentityUnavailable}
	h.Get("/auth")

	res := h.Post("/auth/login", url.Values{"email": {"user@campus.edu"}, "password": {"whatever"}})
	require.Equal(t, http.StatusServiceUnavailable, res.Code)
	assert.Contains(t, res.Body.String(), "Authentication service is unavailable")
}

func TestSignInStudentLandsOnStudentDashboard(t *testing.T) {
	h := newAuthHarness(t)
	ident, err := h.Store.SignUp(context.Background(), "stud@campus.edu", "secret1")
	require.NoError(t, err)
	require.NoError(t, h.Ledger.Insert(context.Background(), ident.ID, roles.RoleStudent))
	h.Get("/auth")

	res := h.Post("/auth/login", url.Values{"email": {"stud@campus.edu"}, "password": {"secret1"}})
	require.Equal(t, http.StatusSeeOther, res.Code)
	assert.Equal(t, "/student-dashboard", res.Header().Get("Location"))

	res = h.Get("/")
	assert.Equal(t, http.StatusSeeOther, res.Code)
	assert.Equal(t, "/student-dashboard", res.Header().Get("Location"))
}

func TestSignInWithoutRoleIsRefused(t *testing.T) {
	h := newAuthHarness(t)
	_, err := h.Store.SignUp(context.Background(), "orphan@campus.edu", "secret1")
	require.NoError(t, err)
	h.Get("/auth")

	res := h.Post("/auth/login", url.Values{"email": {"orphan@campus.edu"}, "password": {"secret1"}})
	require.Equal(t, http.StatusForbidden, res.Code)
	assert.Contains(t, res.Body.String(), "no console access")
	assert.Empty(t, h.Session().AuthToken())

	res = h.Get("/")
	assert.Equal(t, http.StatusSeeOther, res.Code)
	assert.Equal(t, "/auth", res.Header().Get("Location"))
}

func TestSignInRejectsDuplicateSubmission(t *testing.T) {
	h := newAuthHarness(t)
	_, err := h.Store.SignUp(context.Background(), "user@campus.edu", "secret1")
	require.NoError(t, err)
	h.Get("/auth")

	release, err := h.Locks.Acquire(context.Background(), h.SessionID(), auth.ActionSignIn)
	require.NoError(t, err)
	defer release()

	res := h.Post("/auth/login", url.Values{"email": {"user@campus.edu"}, "password": {"secret1"}})
	require.Equal(t, http.StatusConflict, res.Code)
	assert.Contains(t, res.Body.String(), "already being processed")
}

func TestLogoutReturnsToSignIn(t *testing.T) {
	h := newAuthHarness(t)
	h.SignInAs("admin@campus.edu", roles.RoleAdmin)
	require.Equal(t, http.StatusOK, h.Get("/").Code)
	sid := h.SessionID()

	res := h.Post("/auth/logout", nil)
	require.Equal(t, http.StatusSeeOther, res.Code)
	assert.Equal(t, "/auth", res.Header().Get("Location"))
	assert.Empty(t, h.SessionID())
	assert.False(t, h.Miniredis.Exists("console:session:"+sid))

	res = h.Get("/")
	assert.Equal(t, http.StatusSeeOther, res.Code)
	assert.Equal(t, "/auth", res.Header().Get("Location"))
}
