package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusdesk/campusdesk/internal/observability"
	"github.com/campusdesk/campusdesk/internal/session"
	"github.com/campusdesk/campusdesk/internal/shared"
	"github.com/campusdesk/campusdesk/internal/testing/fakes"
	"github.com/campusdesk/campusdesk/internal/view"
)

type routerClient struct {
	t       *testing.T
	handler http.Handler
	cookie  *http.Cookie
}

func (c *routerClient) do(req *http.Request) *httptest.ResponseRecorder {
	if c.cookie != nil {
		req.AddCookie(c.cookie)
	}
	rr := httptest.NewRecorder()
	c.handler.ServeHTTP(rr, req)
	for _, ck := range rr.Result().Cookies() {
		if ck.Name == "campusdesk_session" {
			c.cookie = ck
		}
	}
	return rr
}

func (c *routerClient) get(path string) *httptest.ResponseRecorder {
	return c.do(httptest.NewRequest(http.MethodGet, path, nil))
}

func newRouterClient(t *testing.T, health map[string]HealthCheck) (*routerClient, *observability.Metrics) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	templates, err := view.NewEngine()
	require.NoError(t, err)
	registry := session.NewRegistry(fakes.NewIdentityStore(), fakes.NewLedger(), time.Hour, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_ = registry.Run(ctx)
	})
	metrics := observability.NewMetrics()

	router := NewRouter(RouterParams{
		Config:         &Config{AppEnv: "test", GateResolveWait: 2 * time.Second},
		Templates:      templates,
		SessionManager: shared.NewSessionManager(client, "campusdesk_session", "session-secret", time.Hour, false),
		CSRFManager:    shared.NewCSRFManager("csrf"),
		Registry:       registry,
		Metrics:        metrics,
		Health:         health,
	})
	return &routerClient{t: t, handler: router}, metrics
}

func TestHealthzReportsEachCheck(t *testing.T) {
	c, _ := newRouterClient(t, map[string]HealthCheck{
		"postgres": func(*http.Request) error { return nil },
		"redis":    func(*http.Request) error { return errors.New("connection refused") },
	})

	rr := c.get("/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "ok", body["postgres"])
	assert.Equal(t, "connection refused", body["redis"])
}

func TestStaticAssetsAreCached(t *testing.T) {
	c, _ := newRouterClient(t, nil)
	rr := c.get("/static/css/app.css")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "public, max-age=3600", rr.Header().Get("Cache-Control"))
}

func TestAnonymousVisitorIsGated(t *testing.T) {
	c, _ := newRouterClient(t, nil)

	rr := c.get("/students")
	assert.Equal(t, http.StatusSeeOther, rr.Code)
	assert.Equal(t, "/auth", rr.Header().Get("Location"))
	assert.Equal(t, "DENY", rr.Header().Get("X-Frame-Options"))
	require.NotNil(t, c.cookie)

	rr = c.get("/no-such-page")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), "Page not found")

	rr = c.get("/metrics")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "campusdesk_gate_decisions_total")
}

func TestSessionSnapshotSettles(t *testing.T) {
	c, _ := newRouterClient(t, nil)

	require.Eventually(t, func() bool {
		rr := c.get("/api/session")
		if rr.Code != http.StatusOK {
			return false
		}
		var snap struct {
			Phase string `json:"phase"`
		}
		return json.Unmarshal(rr.Body.Bytes(), &snap) == nil && snap.Phase == "unauthenticated"
	}, 2*time.Second, 50*time.Millisecond)
}

func TestPostWithoutCSRFTokenIsRejected(t *testing.T) {
	c, _ := newRouterClient(t, nil)
	c.get("/auth")

	form := url.Values{"email": {"a@campus.edu"}, "password": {"secret-pass"}}
	req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := c.do(req)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}
