package gate

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/campusdesk/campusdesk/internal/session"
)

// DecisionObserver counts gate outcomes.
type DecisionObserver interface {
	GateDecision(outcome, access string)
}

// Gate applies Decide to HTTP requests.
type Gate struct {
	wait     time.Duration
	logger   *slog.Logger
	observer DecisionObserver
	notFound http.Handler
}

// New constructs a Gate. wait bounds how long a request waits for an
// initializing session before it is answered 503.
func New(wait time.Duration, notFound http.Handler, logger *slog.Logger, observer DecisionObserver) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	if notFound == nil {
		notFound = http.NotFoundHandler()
	}
	return &Gate{wait: wait, logger: logger, observer: observer, notFound: notFound}
}

// Middleware admits, redirects, suspends or 404s each request. Admitted
// requests carry the state they were admitted with.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st := g.resolve(r.Context())
		d := Decide(st, r.URL.Path)
		if g.observer != nil {
			g.observer.GateDecision(d.Outcome.String(), Classify(r.URL.Path).String())
		}
		switch d.Outcome {
		case Allow:
			next.ServeHTTP(w, r.WithContext(session.ContextWithState(r.Context(), st)))
		case Redirect:
			http.Redirect(w, r, d.Location, http.StatusSeeOther)
		case Suspend:
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(g.wait)))
			http.Error(w, "session is still loading", http.StatusServiceUnavailable)
		default:
			g.notFound.ServeHTTP(w, r.WithContext(session.ContextWithState(r.Context(), st)))
		}
	})
}

func (g *Gate) resolve(ctx context.Context) session.State {
	m := session.MachineFromContext(ctx)
	if m == nil {
		return session.State{Phase: session.PhaseUnauthenticated}
	}
	st := m.Snapshot()
	if st.Resolved() || g.wait <= 0 {
		return st
	}
	waitCtx, cancel := context.WithTimeout(ctx, g.wait)
	defer cancel()
	st, err := m.Wait(waitCtx)
	if err != nil {
		g.logger.Debug("session still initializing", slog.Any("error", err))
	}
	return st
}

func retryAfterSeconds(wait time.Duration) int {
	if s := int(wait.Round(time.Second) / time.Second); s > 1 {
		return s
	}
	return 1
}
