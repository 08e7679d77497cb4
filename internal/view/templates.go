package view

import (
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/campusdesk/campusdesk/internal/session"
	"github.com/campusdesk/campusdesk/internal/shared"
	"github.com/campusdesk/campusdesk/web"
)

// Engine renders HTML templates.
type Engine struct {
	templates *template.Template
}

// Principal describes who is looking at the page. Zero value means signed out.
type Principal struct {
	Email string
	Role  string
}

// SignedIn reports whether the page is rendered for an authenticated user.
func (p Principal) SignedIn() bool { return p.Role != "" }

// Admin reports whether the viewer holds the admin role.
func (p Principal) Admin() bool { return p.Role == "admin" }

// PrincipalOf derives the viewer from an admitted session state.
func PrincipalOf(st session.State) Principal {
	if st.IdentityID() == "" || !st.Role.Valid() {
		return Principal{}
	}
	return Principal{Email: st.Identity.Email, Role: st.Role.String()}
}

// TemplateData contains values shared across templates.
type TemplateData struct {
	Title       string
	CSRFToken   string
	Flash       *shared.FlashMessage
	CurrentPath string
	Principal   Principal
	Errors      map[string]string
	Data        any
}

var amounts = message.NewPrinter(language.English)

// FormatMoney renders an amount with two decimals and thousands grouping.
func FormatMoney(v float64) string {
	return amounts.Sprintf("%.2f", v)
}

// NewEngine parses templates at build-time.
func NewEngine() (*Engine, error) {
	funcMap := template.FuncMap{
		"formatDate": func(t time.Time) string {
			if t.IsZero() {
				return ""
			}
			return t.Format("02 Jan 2006 15:04")
		},
		"money": FormatMoney,
		"percent": func(v float64) string {
			return strconv.FormatFloat(v, 'f', 2, 64) + "%"
		},
		"active": func(current, prefix string) bool {
			if prefix == "/" {
				return current == "/"
			}
			return len(current) >= len(prefix) && current[:len(prefix)] == prefix
		},
	}
	tpl, err := template.New("root").Funcs(funcMap).ParseFS(web.Templates, "templates/layouts/*.html", "templates/partials/*.html", "templates/pages/*.html")
	if err != nil {
		return nil, err
	}
	return &Engine{templates: tpl}, nil
}

// Render executes a named template with TemplateData.
func (e *Engine) Render(w http.ResponseWriter, name string, data TemplateData) error {
	if e == nil {
		return fmt.Errorf("template engine not initialised")
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	return e.templates.ExecuteTemplate(w, name, data)
}
