// Package consoletest runs console handlers behind the cookie session, the
// session machine and the route gate, the way the server wires them.
package consoletest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/campusdesk/campusdesk/internal/gate"
	"github.com/campusdesk/campusdesk/internal/identity"
	"github.com/campusdesk/campusdesk/internal/roles"
	"github.com/campusdesk/campusdesk/internal/session"
	"github.com/campusdesk/campusdesk/internal/shared"
	"github.com/campusdesk/campusdesk/internal/testing/fakes"
	"github.com/campusdesk/campusdesk/internal/view"
)

// Harness holds the in-memory collaborators of one console.
type Harness struct {
	t         *testing.T
	Redis     *redis.Client
	Miniredis *miniredis.Miniredis
	Store     *fakes.IdentityStore
	Ledger    *fakes.Ledger
	Sessions  *shared.SessionManager
	CSRF      *shared.CSRFManager
	Locks     *shared.ActionLock
	Registry  *session.Registry
	Templates *view.Engine
	Router    chi.Router

	cookie    string
}

// New builds a harness whose Router already carries the console middleware.
// Callers mount their handlers on Router.
func New(t *testing.T) *Harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	templates, err := view.NewEngine()
	require.NoError(t, err)

	h := &Harness{
		t:         t,
		Redis:     client,
		Miniredis: mr,
		Store:     fakes.NewIdentityStore(),
		Ledger:    fakes.NewLedger(),
		Sessions:  shared.NewSessionManager(client, "campusdesk_test", "session-secret", time.Hour, false),
		CSRF:      shared.NewCSRFManager("csrf-secret"),
		Locks:     shared.NewActionLock(client, time.Minute),
		Templates: templates,
	}
	h.Registry = session.NewRegistry(h.Store, h.Ledger, time.Hour, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_ = h.Registry.Run(ctx)
	})

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})
	r := chi.NewRouter()
	r.Use(h.sessionMiddleware, h.machineMiddleware, gate.New(2*time.Second, notFound, nil, nil).Middleware)
	r.NotFound(notFound)
	h.Router = r
	return h
}

type committingWriter struct {
	http.ResponseWriter
	commit  func()
	written bool
}

func (w *committingWriter) WriteHeader(code int) {
	if !w.written {
		w.written = true
		w.commit()
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *committingWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (h *Harness) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := h.Sessions.Load(r.Context(), r)
		require.NoError(h.t, err)
		ctx := shared.ContextWithSession(r.Context(), sess)
		cw := &committingWriter{ResponseWriter: w}
		cw.commit = func() { _ = h.Sessions.Commit(ctx, w, r, sess) }
		next.ServeHTTP(cw, r.WithContext(ctx))
		if !cw.written {
			cw.WriteHeader(http.StatusOK)
		}
	})
}

func (h *Harness) machineMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := shared.SessionFromContext(r.Context())
		m := h.Registry.Acquire(sess.ID, sess.AuthToken())
		next.ServeHTTP(w, r.WithContext(session.ContextWithMachine(r.Context(), m)))
	})
}

// Get issues a GET with the harness cookie.
func (h *Harness) Get(path string) *httptest.ResponseRecorder {
	return h.do(httptest.NewRequest(http.MethodGet, path, nil))
}

// Post issues a form POST carrying the session's CSRF token.
func (h *Harness) Post(path string, form url.Values) *httptest.ResponseRecorder {
	if form == nil {
		form = url.Values{}
	}
	if form.Get(shared.CSRFFormField) == "" {
		form.Set(shared.CSRFFormField, h.Session().Get(shared.CSRFSessionKey))
	}
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return h.do(req)
}

func (h *Harness) do(req *http.Request) *httptest.ResponseRecorder {
	if h.cookie != "" {
		req.AddCookie(&http.Cookie{Name: h.Sessions.CookieName(), Value: h.cookie})
	}
	rr := httptest.NewRecorder()
	h.Router.ServeHTTP(rr, req)
	for _, c := range rr.Result().Cookies() {
		if c.Name != h.Sessions.CookieName() {
			continue
		}
		if c.MaxAge < 0 {
			h.cookie = ""
		} else {
			h.cookie = c.Value
		}
	}
	return rr
}

// Session loads the harness cookie session as stored in Redis.
func (h *Harness) Session() *shared.Session {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if h.cookie != "" {
		req.AddCookie(&http.Cookie{Name: h.Sessions.CookieName(), Value: h.cookie})
	}
	sess, err := h.Sessions.Load(context.Background(), req)
	require.NoError(h.t, err)
	return sess
}

// SessionID returns the cookie session id, empty before the first request.
func (h *Harness) SessionID() string {
	id, _, _ := strings.Cut(h.cookie, ".")
	return id
}

// SignInAs creates an identity bound to role and stores its session token in
// the harness cookie session. An empty role leaves the identity unbound.
func (h *Harness) SignInAs(email string, role roles.Role) identity.Session {
	h.t.Helper()
	idSess, err := h.Store.Seed(email, "secret-pass")
	require.NoError(h.t, err)
	if role != roles.RoleNone {
		require.NoError(h.t, h.Ledger.Insert(context.Background(), idSess.Identity.ID, role))
	}
	h.Get("/auth")
	sess := h.Session()
	sess.SetAuthToken(idSess.Token)
	require.NoError(h.t, h.Sessions.Commit(context.Background(), httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil), sess))
	return idSess
}
