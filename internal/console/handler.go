// Package console serves the signed-in screens: the admin dashboard, the
// student dashboard and the data-entry pages.
package console

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/campusdesk/campusdesk/internal/records"
	"github.com/campusdesk/campusdesk/internal/session"
	"github.com/campusdesk/campusdesk/internal/shared"
	"github.com/campusdesk/campusdesk/internal/students"
	"github.com/campusdesk/campusdesk/internal/view"
)

// RecordStore is the persistence the data-entry screens need.
type RecordStore interface {
	ListDepartments(ctx context.Context) ([]records.Department, error)
	InsertDepartment(ctx context.Context, in records.NewDepartment) error
	ListCourses(ctx context.Context) ([]records.Course, error)
	InsertCourse(ctx context.Context, in records.NewCourse) error
	ListMarks(ctx context.Context) ([]records.Mark, error)
	MarksForStudent(ctx context.Context, studentID string) ([]records.Mark, error)
	InsertMark(ctx context.Context, in records.NewMark) error
	ListFees(ctx context.Context) ([]records.Fee, error)
	FeesForStudent(ctx context.Context, studentID string) ([]records.Fee, error)
	InsertFee(ctx context.Context, in records.NewFee) error
	Delete(ctx context.Context, entity records.Entity, id string) error
	Counts(ctx context.Context) (records.Counts, error)
}

// Handler wires the console screens.
type Handler struct {
	logger    *slog.Logger
	templates *view.Engine
	csrf      *shared.CSRFManager
	students  students.Repository
	records   RecordStore
	validator *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, templates *view.Engine, csrf *shared.CSRFManager, studentRepo students.Repository, store RecordStore) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		templates: templates,
		csrf:      csrf,
		students:  studentRepo,
		records:   store,
		validator: validator.New(),
	}
}

// MountRoutes registers console routes on the root router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.adminDashboard)
	r.Get("/student-dashboard", h.studentDashboard)

	r.Route("/students", func(r chi.Router) {
		r.Get("/", h.listStudents)
		r.Post("/", h.createStudent)
		r.Post("/{id}/delete", h.deleteEntity(records.EntityStudents))
	})
	r.Route("/departments", func(r chi.Router) {
		r.Get("/", h.listDepartments)
		r.Post("/", h.createDepartment)
		r.Post("/{id}/delete", h.deleteEntity(records.EntityDepartments))
	})
	r.Route("/courses", func(r chi.Router) {
		r.Get("/", h.listCourses)
		r.Post("/", h.createCourse)
		r.Post("/{id}/delete", h.deleteEntity(records.EntityCourses))
	})
	r.Route("/marks", func(r chi.Router) {
		r.Get("/", h.listMarks)
		r.Post("/", h.createMark)
		r.Post("/{id}/delete", h.deleteEntity(records.EntityMarks))
	})
	r.Route("/fees", func(r chi.Router) {
		r.Get("/", h.listFees)
		r.Post("/", h.createFee)
		r.Post("/{id}/delete", h.deleteEntity(records.EntityFees))
	})
}

type dashboardPage struct {
	Counts records.Counts
}

func (h *Handler) adminDashboard(w http.ResponseWriter, r *http.Request) {
	counts, err := h.records.Counts(r.Context())
	if err != nil {
		h.fail(w, "dashboard counts", err)
		return
	}
	h.render(w, r, http.StatusOK, "pages/dashboard.html", "Dashboard", dashboardPage{Counts: counts}, nil)
}

type studentDashboardPage struct {
	Student *students.Student
	Marks   []records.Mark
	Fees    []records.Fee
}

func (h *Handler) studentDashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	st := session.StateFromContext(ctx)
	page := studentDashboardPage{}

	student, err := h.students.FindByIdentity(ctx, st.IdentityID())
	switch {
	case errors.Is(err, shared.ErrNotFound):
		h.logger.Warn("student identity has no record", slog.String("identity_id", st.IdentityID()))
	case err != nil:
		h.fail(w, "student profile", err)
		return
	default:
		page.Student = student
		if page.Marks, err = h.records.MarksForStudent(ctx, student.ID); err != nil {
			h.fail(w, "student marks", err)
			return
		}
		if page.Fees, err = h.records.FeesForStudent(ctx, student.ID); err != nil {
			h.fail(w, "student fees", err)
			return
		}
	}
	h.render(w, r, http.StatusOK, "pages/student_dashboard.html", "My records", page, nil)
}

func (h *Handler) deleteEntity(entity records.Entity) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var err error
		if entity == records.EntityStudents {
			err = h.students.Delete(r.Context(), id)
		} else {
			err = h.records.Delete(r.Context(), entity, id)
		}
		back := "/" + string(entity)
		switch {
		case errors.Is(err, shared.ErrNotFound):
			h.flash(r, "error", shared.UserSafeMessage(err))
		case err != nil:
			h.logger.Error("delete record", slog.String("entity", string(entity)), slog.String("id", id), slog.Any("error", err))
			h.flash(r, "error", "Could not delete the record; it may still be referenced")
		default:
			h.logger.Info("record deleted", slog.String("entity", string(entity)), slog.String("id", id))
			h.flash(r, "success", "Record deleted")
		}
		http.Redirect(w, r, back, http.StatusSeeOther)
	}
}

// saved handles the result of an insert: redirect on success, re-render the
// form with field errors on validation failure.
func (h *Handler) saved(w http.ResponseWriter, r *http.Request, err error, back string, rerender func(errs map[string]string)) {
	if err == nil {
		h.flash(r, "success", "Record saved")
		http.Redirect(w, r, back, http.StatusSeeOther)
		return
	}
	var verr *shared.ValidationError
	if errors.As(err, &verr) {
		rerender(verr.Fields)
		return
	}
	h.fail(w, "save record", err)
}

func (h *Handler) check(v any) error {
	if err := h.validator.Struct(v); err != nil {
		return shared.ValidationFromValidator(err)
	}
	return nil
}

func (h *Handler) flash(r *http.Request, kind, msg string) {
	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		sess.AddFlash(shared.FlashMessage{Kind: kind, Message: msg})
	}
}

func (h *Handler) fail(w http.ResponseWriter, what string, err error) {
	h.logger.Error(what, slog.Any("error", err))
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, status int, name, title string, data any, errs map[string]string) {
	sess := shared.SessionFromContext(r.Context())
	csrfToken, _ := h.csrf.EnsureToken(r.Context(), sess)
	var flash *shared.FlashMessage
	if sess != nil {
		flash = sess.PopFlash()
	}
	viewData := view.TemplateData{
		Title:       title,
		CSRFToken:   csrfToken,
		Flash:       flash,
		CurrentPath: r.URL.Path,
		Principal:   view.PrincipalOf(session.StateFromContext(r.Context())),
		Errors:      errs,
		Data:        data,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := h.templates.Render(w, name, viewData); err != nil {
		h.logger.Error("render page", slog.String("template", name), slog.Any("error", err))
	}
}

func formText(r *http.Request, key string) string {
	return strings.TrimSpace(r.PostFormValue(key))
}

// formInt parses an integer field; unparsable input becomes 0 and is then
// rejected by the struct's range rules.
func formInt(r *http.Request, key string) int {
	v, err := strconv.Atoi(formText(r, key))
	if err != nil {
		return 0
	}
	return v
}

func formFloat(r *http.Request, key string) float64 {
	v, err := strconv.ParseFloat(formText(r, key), 64)
	if err != nil {
		return -1
	}
	return v
}
