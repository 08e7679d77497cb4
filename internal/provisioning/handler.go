package provisioning

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/campusdesk/campusdesk/internal/session"
	"github.com/campusdesk/campusdesk/internal/shared"
	"github.com/campusdesk/campusdesk/internal/students"
	"github.com/campusdesk/campusdesk/internal/view"
)

// Handler serves the credentials form of a student record.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	students  students.Repository
	templates *view.Engine
	csrf      *shared.CSRFManager
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, repo students.Repository, templates *view.Engine, csrf *shared.CSRFManager) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, students: repo, templates: templates, csrf: csrf}
}

// MountRoutes registers the credentials routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/students/{id}/credentials", h.showForm)
	r.Post("/students/{id}/credentials", h.submit)
}

type credentialsPage struct {
	Student *students.Student
}

func (h *Handler) showForm(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	student, err := h.service.Eligible(ctx, session.StateFromContext(ctx), id)
	if errors.Is(err, shared.ErrCredentialsExist) {
		// Linked records still render so the operator sees why there is no form.
		student, err = h.students.FindByID(ctx, id)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.render(w, r, http.StatusOK, credentialsPage{Student: student}, nil)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	req := Request{StudentID: id, Password: r.PostFormValue("password")}
	if sess := shared.SessionFromContext(ctx); sess != nil {
		req.SessionID = sess.ID
	}

	res, err := h.service.Provision(ctx, session.StateFromContext(ctx), req)
	if err == nil {
		if sess := shared.SessionFromContext(ctx); sess != nil {
			sess.AddFlash(shared.FlashMessage{Kind: "success", Message: fmt.Sprintf("Login created for %s", res.Student.Name)})
		}
		http.Redirect(w, r, "/students", http.StatusSeeOther)
		return
	}

	var verr *shared.ValidationError
	if errors.As(err, &verr) {
		student, ferr := h.students.FindByID(ctx, id)
		if ferr != nil {
			h.fail(w, r, ferr)
			return
		}
		h.render(w, r, http.StatusBadRequest, credentialsPage{Student: student}, verr.Fields)
		return
	}
	h.fail(w, r, err)
}

// fail renders err on the credentials page. Partial runs name the identity and
// step so the operator can finish them by hand.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	msg := shared.UserSafeMessage(err)
	switch {
	case errors.Is(err, shared.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, shared.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, shared.ErrCredentialsExist), errors.Is(err, shared.ErrActionInFlight), errors.Is(err, shared.ErrDuplicateEmail):
		status = http.StatusConflict
	case errors.Is(err, shared.ErrIdentityUnavailable):
		status = http.StatusServiceUnavailable
	}
	if serr, ok := AsStepError(err); ok && serr.Partial() {
		msg = fmt.Sprintf("Identity %s was created but the %s step failed. The failure was written to the audit log; finish the %s step before retrying.",
			serr.IdentityID, serr.Step, serr.Step)
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("provisioning request failed", slog.Any("error", err))
	}

	ctx := r.Context()
	var student *students.Student
	if id := chi.URLParam(r, "id"); id != "" && status != http.StatusNotFound && status != http.StatusForbidden {
		if s, ferr := h.students.FindByID(ctx, id); ferr == nil {
			student = s
		}
	}
	h.render(w, r, status, credentialsPage{Student: student}, map[string]string{"general": msg})
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, status int, page credentialsPage, errs map[string]string) {
	sess := shared.SessionFromContext(r.Context())
	csrfToken, _ := h.csrf.EnsureToken(r.Context(), sess)
	var flash *shared.FlashMessage
	if sess != nil {
		flash = sess.PopFlash()
	}
	viewData := view.TemplateData{
		Title:       "Student login",
		CSRFToken:   csrfToken,
		Flash:       flash,
		CurrentPath: r.URL.Path,
		Principal:   view.PrincipalOf(session.StateFromContext(r.Context())),
		Errors:      errs,
		Data:        page,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := h.templates.Render(w, "pages/credentials.html", viewData); err != nil {
		h.logger.Error("render credentials", slog.Any("error", err))
	}
}
