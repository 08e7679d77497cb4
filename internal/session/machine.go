package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/campusdesk/campusdesk/internal/identity"
	"github.com/campusdesk/campusdesk/internal/roles"
	"github.com/campusdesk/campusdesk/internal/shared"
)

// RoleFinder resolves the role bound to an identity. roles.Ledger satisfies it.
type RoleFinder interface {
	FindRole(ctx context.Context, identityID string) (roles.Role, bool, error)
}

// Observer receives transition notifications, typically for metrics.
type Observer interface {
	SessionTransition(label string)
	SessionAnomaly(reason string)
}

type nopObserver struct{}

func (nopObserver) SessionTransition(string) {}
func (nopObserver) SessionAnomaly(string)    {}

// Option customises a Machine.
type Option func(*Machine)

// WithLogger sets the machine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithObserver sets the transition observer.
func WithObserver(obs Observer) Option {
	return func(m *Machine) {
		if obs != nil {
			m.observer = obs
		}
	}
}

// WithClock overrides the clock used to stamp fetches and sign-outs.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithLookupTimeout bounds each role lookup.
func WithLookupTimeout(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.lookupTimeout = d
		}
	}
}

// ticket identifies one accepted session change. A result is applied only if
// its ticket is still the newest when the lookup returns.
type ticket struct {
	gen   uint64
	event identity.Event
}

// Machine is the session state machine of one console session.
//
// Changes are ordered by event time, not arrival: a change older than the
// newest accepted one is dropped. Role lookups run one at a time, and a lookup
// superseded by a newer change or a sign-out is discarded.
type Machine struct {
	store         identity.Store
	roles         RoleFinder
	logger        *slog.Logger
	observer      Observer
	now           func() time.Time
	lookupTimeout time.Duration

	procMu sync.Mutex

	mu       sync.RWMutex
	state    State
	token    string
	gen      uint64
	latest   time.Time
	ready    chan struct{}
	watchers map[int]chan State
	nextW    int

	startOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	unsub     func()
}

// NewMachine constructs a machine for the identity-store session token (which
// may be empty). The machine stays Initializing until Start.
func NewMachine(store identity.Store, finder RoleFinder, token string, opts ...Option) *Machine {
	m := &Machine{
		store:         store,
		roles:         finder,
		logger:        slog.Default(),
		observer:      nopObserver{},
		now:           func() time.Time { return time.Now().UTC() },
		lookupTimeout: 5 * time.Second,
		state:         State{Phase: PhaseInitializing},
		token:         token,
		ready:         make(chan struct{}),
		watchers:      make(map[int]chan State),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// Start fetches the current session and subscribes to session changes
// concurrently. It returns at once; use Done or Wait to observe resolution.
// The machine runs until Close.
func (m *Machine) Start() {
	m.startOnce.Do(func() {
		go m.bootstrap()
	})
}

func (m *Machine) bootstrap() {
	var g errgroup.Group
	g.Go(func() error {
		issuedAt := m.now()
		m.mu.RLock()
		token := m.token
		m.mu.RUnlock()

		ctx, cancel := context.WithTimeout(m.ctx, m.lookupTimeout)
		defer cancel()
		sess, err := m.store.CurrentSession(ctx, token)
		if err != nil {
			m.failFetch(issuedAt, err)
			return fmt.Errorf("session: current session: %w", err)
		}
		if t, ok := m.accept(identity.Event{Token: token, Session: sess, At: issuedAt}, fromFetch); ok {
			m.resolve(t)
		}
		return nil
	})
	g.Go(func() error {
		unsub := m.store.OnSessionChange(m.Deliver)
		m.mu.Lock()
		m.unsub = unsub
		m.mu.Unlock()
		if m.ctx.Err() != nil {
			unsub()
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		m.logger.Warn("session bootstrap", slog.Any("error", err))
	}
}

// failFetch resolves to Unauthenticated when the initial fetch fails, unless
// a newer change already arrived.
func (m *Machine) failFetch(at time.Time, err error) {
	t, ok := m.accept(identity.Event{Token: "", At: at}, fromFetch)
	if !ok {
		return
	}
	m.commit(t, State{Phase: PhaseUnauthenticated, Anomaly: err, At: at})
}

// Deliver feeds a session-change notification to the machine. Notifications
// for other tokens are ignored. The role lookup runs asynchronously.
func (m *Machine) Deliver(ev identity.Event) {
	m.mu.RLock()
	mine := ev.Token != "" && ev.Token == m.token
	m.mu.RUnlock()
	if !mine {
		return
	}
	t, ok := m.accept(ev, fromChange)
	if !ok {
		return
	}
	go m.resolve(t)
}

// eventSource ranks changes that share an event time. The initial fetch is
// stamped when it is issued, so anything accepted with the same time arrived
// while it was in flight and is at least as fresh.
type eventSource int

const (
	fromFetch eventSource = iota
	fromChange
)

// accept records ev as the newest change. Older events are dropped, and so is
// an initial fetch that ties with a change already accepted or a sign-out.
func (m *Machine) accept(ev identity.Event, src eventSource) (ticket, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stale := ev.At.Before(m.latest)
	if src == fromFetch && m.gen > 0 && !ev.At.After(m.latest) {
		stale = true
	}
	if stale {
		m.logger.Debug("session change dropped as stale",
			slog.Time("event_at", ev.At), slog.Time("latest", m.latest))
		return ticket{}, false
	}
	m.latest = ev.At
	m.gen++
	return ticket{gen: m.gen, event: ev}, true
}

func (m *Machine) current(t ticket) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return t.gen == m.gen
}

// resolve joins the session against the role ledger and commits the result.
func (m *Machine) resolve(t ticket) {
	m.procMu.Lock()
	defer m.procMu.Unlock()

	if !m.current(t) {
		return
	}
	ev := t.event
	if ev.Session == nil {
		m.commit(t, State{Phase: PhaseUnauthenticated, At: ev.At})
		return
	}

	ident := ev.Session.Identity
	ctx, cancel := context.WithTimeout(m.ctx, m.lookupTimeout)
	defer cancel()
	role, found, err := m.roles.FindRole(ctx, ident.ID)

	var next State
	switch {
	case err != nil:
		next = m.failClosed(ident, "role lookup failed", err, ev.At)
	case !found:
		next = m.failClosed(ident, "no role binding", nil, ev.At)
	default:
		next = State{Phase: PhaseAuthenticated, Identity: &ident, Role: role, At: ev.At}
	}
	m.commit(t, next)
}

func (m *Machine) failClosed(ident identity.Identity, reason string, err error, at time.Time) State {
	anomaly := &shared.ConsistencyError{IdentityID: ident.ID, Reason: reason, Err: err}
	m.logger.Error("signed-in identity treated as unauthenticated",
		slog.String("identity_id", ident.ID), slog.String("reason", reason), slog.Any("error", err))
	m.observer.SessionAnomaly(reason)
	return State{Phase: PhaseUnauthenticated, Anomaly: anomaly, At: at}
}

// commit installs next if t is still the newest ticket.
func (m *Machine) commit(t ticket, next State) {
	m.mu.Lock()
	if t.gen != m.gen {
		m.mu.Unlock()
		if t.event.Session != nil {
			m.logger.Debug("stale role lookup discarded", slog.String("identity_id", t.event.Session.Identity.ID))
		}
		return
	}
	m.install(next)
	m.mu.Unlock()
}

// install must be called with mu held.
func (m *Machine) install(next State) {
	m.state = next
	select {
	case <-m.ready:
	default:
		close(m.ready)
	}
	for _, ch := range m.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- next
	}
	m.observer.SessionTransition(next.Label())
}

// SignIn authenticates through the identity store and resolves the new
// session's role before returning. On failure the state is unchanged.
func (m *Machine) SignIn(ctx context.Context, email, password string) (State, error) {
	sess, err := m.store.SignIn(ctx, email, password)
	if err != nil {
		return m.Snapshot(), err
	}
	m.mu.Lock()
	m.token = sess.Token
	m.mu.Unlock()

	if t, ok := m.accept(identity.Event{Token: sess.Token, Session: &sess, At: m.now()}, fromChange); ok {
		m.resolve(t)
	}
	return m.Snapshot(), nil
}

// SignOut invalidates the session in the identity store, then forces
// Unauthenticated without waiting for the notification. Outstanding lookups
// are discarded.
func (m *Machine) SignOut(ctx context.Context) error {
	m.mu.RLock()
	token := m.token
	m.mu.RUnlock()
	if err := m.store.SignOut(ctx, token); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = ""
	m.gen++
	at := m.now()
	if at.After(m.latest) {
		m.latest = at
	}
	m.install(State{Phase: PhaseUnauthenticated, At: m.latest})
	return nil
}

// Snapshot returns the current state.
func (m *Machine) Snapshot() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Token returns the identity-store session token the machine tracks.
func (m *Machine) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token
}

// Done is closed once the machine leaves Initializing.
func (m *Machine) Done() <-chan struct{} {
	return m.ready
}

// Wait blocks until the machine resolves or ctx ends.
func (m *Machine) Wait(ctx context.Context) (State, error) {
	select {
	case <-m.ready:
		return m.Snapshot(), nil
	case <-ctx.Done():
		return m.Snapshot(), ctx.Err()
	}
}

// Watch returns a channel receiving the latest state after every transition.
// Slow readers only see the newest state.
func (m *Machine) Watch() (<-chan State, func()) {
	ch := make(chan State, 1)
	m.mu.Lock()
	id := m.nextW
	m.nextW++
	m.watchers[id] = ch
	m.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.watchers, id)
			m.mu.Unlock()
		})
	}
}

// Close stops the subscription and cancels outstanding lookups.
func (m *Machine) Close() {
	m.cancel()
	m.mu.Lock()
	unsub := m.unsub
	m.unsub = nil
	m.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// ErrNoMachine is returned when a request reaches a handler without a machine.
var ErrNoMachine = errors.New("session: no state machine in context")
