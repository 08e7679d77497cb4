// Package auth serves the sign-in surface: sign-in, first-admin setup and
// sign-out.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/campusdesk/campusdesk/internal/bootstrap"
	"github.com/campusdesk/campusdesk/internal/gate"
	"github.com/campusdesk/campusdesk/internal/identity"
	"github.com/campusdesk/campusdesk/internal/session"
	"github.com/campusdesk/campusdesk/internal/shared"
	"github.com/campusdesk/campusdesk/internal/view"
)

// Actions guarded against double submission.
const (
	ActionSignIn = "sign_in"
	ActionSetup  = "bootstrap_admin"
)

// Locker guards an action of one console session.
type Locker interface {
	Acquire(ctx context.Context, sessionID, action string) (func(), error)
}

// MachineRemover forgets the session machine of a destroyed console session.
type MachineRemover interface {
	Remove(sessionID string)
}

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger         *slog.Logger
	setup          *bootstrap.Service
	templates      *view.Engine
	sessionManager *shared.SessionManager
	csrfManager    *shared.CSRFManager
	machines       MachineRemover
	locks          Locker
	validator      *validator.Validate
}

// NewHandler constructs a Handler instance. locks may be nil.
func NewHandler(logger *slog.Logger, setup *bootstrap.Service, templates *view.Engine, sessions *shared.SessionManager, csrf *shared.CSRFManager, machines MachineRemover, locks Locker) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:         logger,
		setup:          setup,
		templates:      templates,
		sessionManager: sessions,
		csrfManager:    csrf,
		machines:       machines,
		locks:          locks,
		validator:      validator.New(),
	}
}

// MountRoutes registers auth routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.showAuth)
	r.Get("/login", h.showAuth)
	r.Post("/login", h.handleLogin)
	r.Post("/setup", h.handleSetup)
	r.Post("/logout", h.handleLogout)
}

type loginForm struct {
	Email    string `validate:"required,email"`
	Password string `validate:"required"`
}

type authPage struct {
	Setup          bool
	SetupAvailable bool
	Email          string
}

func (h *Handler) showAuth(w http.ResponseWriter, r *http.Request) {
	page := authPage{
		Setup:          r.URL.Query().Get("setup") == "1",
		SetupAvailable: h.setup.SetupAvailable(r.Context()),
	}
	h.render(w, r, http.StatusOK, page, nil)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	form := loginForm{
		Email:    identity.NormalizeEmail(r.PostFormValue("email")),
		Password: r.PostFormValue("password"),
	}
	page := authPage{Email: form.Email, SetupAvailable: h.setup.SetupAvailable(ctx)}

	if err := h.validator.Struct(form); err != nil {
		h.renderError(w, r, http.StatusBadRequest, page, shared.ValidationFromValidator(err))
		return
	}

	sess := shared.SessionFromContext(ctx)
	m := session.MachineFromContext(ctx)
	if sess == nil || m == nil {
		h.logger.Error("session missing during login")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	release, err := h.acquire(ctx, sess.ID, ActionSignIn)
	if err != nil {
		h.renderError(w, r, statusFor(err), page, err)
		return
	}
	defer release()

	st, err := m.SignIn(ctx, form.Email, form.Password)
	if err != nil {
		h.logger.Info("sign-in rejected", slog.String("email", form.Email), slog.Any("error", err))
		h.renderError(w, r, statusFor(err), page, err)
		return
	}
	if st.Phase != session.PhaseAuthenticated {
		h.logger.Warn("signed-in identity has no console role",
			slog.String("email", form.Email), slog.Any("anomaly", st.Anomaly))
		if err := m.SignOut(ctx); err != nil {
			h.logger.Warn("sign out roleless identity", slog.Any("error", err))
		}
		sess.SetAuthToken("")
		h.renderError(w, r, http.StatusForbidden, page, shared.ErrForbidden)
		return
	}

	sess.SetAuthToken(m.Token())
	sess.AddFlash(shared.FlashMessage{Kind: "success", Message: "Welcome back"})
	http.Redirect(w, r, gate.Landing(st), http.StatusSeeOther)
}

func (h *Handler) handleSetup(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	input := bootstrap.AdminInput{
		Email:    identity.NormalizeEmail(r.PostFormValue("email")),
		Password: r.PostFormValue("password"),
	}
	page := authPage{Setup: true, SetupAvailable: true, Email: input.Email}

	sess := shared.SessionFromContext(ctx)
	sessionID := ""
	if sess != nil {
		sessionID = sess.ID
	}
	release, err := h.acquire(ctx, sessionID, ActionSetup)
	if err != nil {
		h.renderError(w, r, statusFor(err), page, err)
		return
	}
	defer release()

	ident, err := h.setup.CreateFirstAdmin(ctx, input)
	switch {
	case err == nil:
		h.logger.Info("admin account created", slog.String("identity_id", ident.ID))
		if sess != nil {
			sess.AddFlash(shared.FlashMessage{Kind: "success", Message: "Admin account created. Please sign in."})
		}
		http.Redirect(w, r, gate.SignInPath, http.StatusSeeOther)
	case errors.Is(err, shared.ErrBootstrapClosed):
		if sess != nil {
			sess.AddFlash(shared.FlashMessage{Kind: "info", Message: shared.UserSafeMessage(err)})
		}
		http.Redirect(w, r, gate.SignInPath, http.StatusSeeOther)
	default:
		var serr *bootstrap.SetupError
		if errors.As(err, &serr) {
			h.logger.Error("admin setup failed", slog.String("step", serr.Step),
				slog.String("identity_id", serr.IdentityID), slog.Any("error", serr.Err))
			if serr.Step == bootstrap.StepBindRole {
				h.render(w, r, http.StatusInternalServerError, page, map[string]string{
					"general": "The admin identity was created but its role could not be recorded. Contact the operator before retrying.",
				})
				return
			}
		}
		h.renderError(w, r, statusFor(err), page, err)
	}
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if m := session.MachineFromContext(ctx); m != nil {
		if err := m.SignOut(ctx); err != nil {
			h.logger.Warn("identity sign out", slog.Any("error", err))
		}
	}
	if sess := shared.SessionFromContext(ctx); sess != nil {
		if h.machines != nil {
			h.machines.Remove(sess.ID)
		}
		h.sessionManager.Destroy(sess)
	}
	http.Redirect(w, r, gate.SignInPath, http.StatusSeeOther)
}

func (h *Handler) acquire(ctx context.Context, sessionID, action string) (func(), error) {
	if h.locks == nil || sessionID == "" {
		return func() {}, nil
	}
	return h.locks.Acquire(ctx, sessionID, action)
}

func (h *Handler) renderError(w http.ResponseWriter, r *http.Request, status int, page authPage, err error) {
	errs := map[string]string{}
	var verr *shared.ValidationError
	switch {
	case errors.As(err, &verr):
		for field, msg := range verr.Fields {
			errs[field] = msg
		}
	case errors.Is(err, shared.ErrForbidden):
		errs["general"] = "This account has no console access. Contact an administrator."
	default:
		errs["general"] = shared.UserSafeMessage(err)
	}
	h.render(w, r, status, page, errs)
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, status int, page authPage, errs map[string]string) {
	sess := shared.SessionFromContext(r.Context())
	csrfToken, _ := h.csrfManager.EnsureToken(r.Context(), sess)
	var flash *shared.FlashMessage
	if sess != nil {
		flash = sess.PopFlash()
	}
	title := "Sign in"
	if page.Setup {
		title = "Create admin account"
	}
	viewData := view.TemplateData{
		Title:       title,
		CSRFToken:   csrfToken,
		Flash:       flash,
		CurrentPath: r.URL.Path,
		Errors:      errs,
		Data:        page,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := h.templates.Render(w, "pages/auth.html", viewData); err != nil {
		h.logger.Error("render auth", slog.Any("error", err))
	}
}

func statusFor(err error) int {
	var verr *shared.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, shared.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, shared.ErrDuplicateEmail), errors.Is(err, shared.ErrActionInFlight):
		return http.StatusConflict
	case errors.Is(err, shared.ErrIdentityUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
