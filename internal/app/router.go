package app

import (
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/campusdesk/campusdesk/internal/auth"
	"github.com/campusdesk/campusdesk/internal/console"
	"github.com/campusdesk/campusdesk/internal/gate"
	"github.com/campusdesk/campusdesk/internal/observability"
	"github.com/campusdesk/campusdesk/internal/platform/httpx"
	"github.com/campusdesk/campusdesk/internal/provisioning"
	"github.com/campusdesk/campusdesk/internal/session"
	"github.com/campusdesk/campusdesk/internal/shared"
	"github.com/campusdesk/campusdesk/internal/view"
	"github.com/campusdesk/campusdesk/jobs"
	"github.com/campusdesk/campusdesk/web"
)

// HealthCheck reports whether a backing service answers.
type HealthCheck func(r *http.Request) error

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger              *slog.Logger
	Config              *Config
	Templates           *view.Engine
	SessionManager      *shared.SessionManager
	CSRFManager         *shared.CSRFManager
	Registry            *session.Registry
	AuthHandler         *auth.Handler
	ConsoleHandler      *console.Handler
	ProvisioningHandler *provisioning.Handler
	JobHandler          *jobs.Handler
	Metrics             *observability.Metrics
	Health              map[string]HealthCheck
}

// NewRouter constructs the chi.Router. Console pages sit behind the route
// gate; infrastructure endpoints do not.
func NewRouter(params RouterParams) http.Handler {
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()

	r.Get("/healthz", healthHandler(params.Health))
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	staticFS, err := fs.Sub(web.Static, "static")
	if err != nil {
		logger.Error("create static sub filesystem", slog.Any("error", err))
	} else {
		fileServer := http.StripPrefix("/static/", http.FileServer(http.FS(staticFS)))
		r.Handle("/static/*", staticCacheHandler(fileServer))
	}

	notFound := notFoundHandler(params.Templates, params.CSRFManager, logger)
	stack := MiddlewareStack(MiddlewareConfig{
		Logger:         logger,
		Config:         params.Config,
		SessionManager: params.SessionManager,
		CSRFManager:    params.CSRFManager,
		Registry:       params.Registry,
		Metrics:        params.Metrics,
	})
	wait := 3 * time.Second
	if params.Config != nil {
		wait = params.Config.GateResolveWait
	}
	gated := append(stack, gate.New(wait, notFound, logger, params.Metrics).Middleware)

	r.With(stack...).Get("/api/session", sessionSnapshot)

	r.Group(func(r chi.Router) {
		r.Use(gated...)
		if params.AuthHandler != nil {
			r.Route("/auth", params.AuthHandler.MountRoutes)
		}
		if params.ProvisioningHandler != nil {
			params.ProvisioningHandler.MountRoutes(r)
		}
		if params.ConsoleHandler != nil {
			params.ConsoleHandler.MountRoutes(r)
		}
		if params.JobHandler != nil {
			r.Route("/jobs", params.JobHandler.MountRoutes)
		}
	})
	// Unknown paths still pass the gate so an initializing session is
	// suspended rather than answered.
	r.NotFound(chi.Chain(gated...).Handler(notFound).ServeHTTP)

	return r
}

type sessionView struct {
	Phase    string `json:"phase"`
	Role     string `json:"role,omitempty"`
	Identity string `json:"identity_id,omitempty"`
	Email    string `json:"email,omitempty"`
	Anomaly  string `json:"anomaly,omitempty"`
}

// sessionSnapshot answers the caller's console state without gating, so
// scripts can poll while a machine is still initializing.
func sessionSnapshot(w http.ResponseWriter, r *http.Request) {
	m := session.MachineFromContext(r.Context())
	if m == nil {
		httpx.RespondError(w, shared.ErrNotFound)
		return
	}
	st := m.Snapshot()
	out := sessionView{Phase: st.Phase.String()}
	if id := st.IdentityID(); id != "" {
		out.Identity = id
		out.Email = st.Identity.Email
		out.Role = st.Role.String()
	}
	if st.Anomaly != nil {
		out.Anomaly = shared.UserSafeMessage(st.Anomaly)
	}
	httpx.JSON(w, http.StatusOK, out)
}

func healthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		result := map[string]string{"status": "ok"}
		for name, check := range checks {
			if err := check(r); err != nil {
				status = http.StatusServiceUnavailable
				result["status"] = "degraded"
				result[name] = err.Error()
				continue
			}
			result[name] = "ok"
		}
		httpx.JSON(w, status, result)
	}
}

func notFoundHandler(templates *view.Engine, csrf *shared.CSRFManager, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if templates == nil {
			http.NotFound(w, r)
			return
		}
		sess := shared.SessionFromContext(r.Context())
		token := ""
		if sess != nil && csrf != nil {
			token, _ = csrf.EnsureToken(r.Context(), sess)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		err := templates.Render(w, "pages/not_found.html", view.TemplateData{
			Title:       "Not found",
			CSRFToken:   token,
			CurrentPath: r.URL.Path,
			Principal:   view.PrincipalOf(session.StateFromContext(r.Context())),
		})
		if err != nil {
			logger.Error("render not found", slog.Any("error", err))
		}
	})
}

// staticCacheHandler wraps a file server with Cache-Control headers.
func staticCacheHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=3600")
		next.ServeHTTP(w, r)
	})
}
