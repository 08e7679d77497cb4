package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusdesk/campusdesk/internal/identity"
	"github.com/campusdesk/campusdesk/internal/roles"
	"github.com/campusdesk/campusdesk/internal/shared"
	"github.com/campusdesk/campusdesk/internal/testing/fakes"
)

func waitResolved(t *testing.T, m *Machine) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := m.Wait(ctx)
	require.NoError(t, err)
	return st
}

func TestMachineStartsUnauthenticatedWithoutSession(t *testing.T) {
	store, ledger := fakes.NewIdentityStore(), fakes.NewLedger()
	m := NewMachine(store, ledger, "")
	defer m.Close()
	assert.Equal(t, PhaseInitializing, m.Snapshot().Phase)

	m.Start()
	st := waitResolved(t, m)
	assert.Equal(t, PhaseUnauthenticated, st.Phase)
	assert.Nil(t, st.Anomaly)
}

func TestMachineResolvesRoleFromLedger(t *testing.T) {
	store, ledger := fakes.NewIdentityStore(), fakes.NewLedger()
	sess, err := store.Seed("admin@x.edu", "secret1")
	require.NoError(t, err)
	require.NoError(t, ledger.Insert(context.Background(), sess.Identity.ID, roles.RoleAdmin))

	m := NewMachine(store, ledger, sess.Token)
	defer m.Close()
	m.Start()
	st := waitResolved(t, m)
	assert.True(t, st.AdminSession())
	assert.Equal(t, sess.Identity.ID, st.IdentityID())
}

func TestMachineFailsClosedWithoutRoleBinding(t *testing.T) {
	store, ledger := fakes.NewIdentityStore(), fakes.NewLedger()
	sess, err := store.Seed("ghost@x.edu", "secret1")
	require.NoError(t, err)

	m := NewMachine(store, ledger, sess.Token)
	defer m.Close()
	m.Start()
	st := waitResolved(t, m)
	assert.Equal(t, PhaseUnauthenticated, st.Phase)
	assert.Equal(t, roles.RoleNone, st.Role)
	var cerr *shared.ConsistencyError
	require.ErrorAs(t, st.Anomaly, &cerr)
	assert.Equal(t, sess.Identity.ID, cerr.IdentityID)
}

func TestMachineFailsClosedOnLookupError(t *testing.T) {
	store, ledger := fakes.NewIdentityStore(), fakes.NewLedger()
	sess, err := store.Seed("admin@x.edu", "secret1")
	require.NoError(t, err)
	require.NoError(t, ledger.Insert(context.Background(), sess.Identity.ID, roles.RoleAdmin))
	ledger.FindErr = errors.New("connection reset")

	m := NewMachine(store, ledger, sess.Token)
	defer m.Close()
	m.Start()
	st := waitResolved(t, m)
	assert.False(t, st.AdminSession())
	assert.Equal(t, PhaseUnauthenticated, st.Phase)
	assert.ErrorContains(t, st.Anomaly, "connection reset")
}

func TestMachineFetchErrorFailsClosed(t *testing.T) {
	store, ledger := fakes.NewIdentityStore(), fakes.NewLedger()
	store.FetchErr = shared.ErrIdentityUnavailable

	m := NewMachine(store, ledger, "tok-x")
	defer m.Close()
	m.Start()
	st := waitResolved(t, m)
	assert.Equal(t, PhaseUnauthenticated, st.Phase)
	assert.ErrorIs(t, st.Anomaly, shared.ErrIdentityUnavailable)
}

func TestMachineSignInFailureLeavesStateUnchanged(t *testing.T) {
	store, ledger := fakes.NewIdentityStore(), fakes.NewLedger()
	_, err := store.SignUp(context.Background(), "s@x.edu", "pass123")
	require.NoError(t, err)

	m := NewMachine(store, ledger, "")
	defer m.Close()
	m.Start()
	before := waitResolved(t, m)

	st, err := m.SignIn(context.Background(), "s@x.edu", "wrong")
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrInvalidCredentials)
	assert.Equal(t, before, st)
	assert.Equal(t, "", m.Token())
}

func TestMachineSignInResolvesStudent(t *testing.T) {
	store, ledger := fakes.NewIdentityStore(), fakes.NewLedger()
	ident, err := store.SignUp(context.Background(), "s@x.edu", "pass123")
	require.NoError(t, err)
	require.NoError(t, ledger.Insert(context.Background(), ident.ID, roles.RoleStudent))

	m := NewMachine(store, ledger, "")
	defer m.Close()
	m.Start()
	waitResolved(t, m)

	st, err := m.SignIn(context.Background(), "s@x.edu", "pass123")
	require.NoError(t, err)
	assert.True(t, st.StudentSession())
	assert.NotEmpty(t, m.Token())
}

func TestMachineSignOutDiscardsOutstandingLookup(t *testing.T) {
	store, ledger := fakes.NewIdentityStore(), fakes.NewLedger()
	sess, err := store.Seed("admin@x.edu", "secret1")
	require.NoError(t, err)
	require.NoError(t, ledger.Insert(context.Background(), sess.Identity.ID, roles.RoleAdmin))

	entered := make(chan string, 1)
	release := make(chan struct{})
	ledger.SetFindHook(func(id string) {
		entered <- id
		<-release
	})

	m := NewMachine(store, ledger, sess.Token)
	defer m.Close()
	m.Deliver(identity.Event{Token: sess.Token, Session: &sess, At: time.Now()})
	<-entered

	require.NoError(t, m.SignOut(context.Background()))
	assert.Equal(t, PhaseUnauthenticated, m.Snapshot().Phase)
	close(release)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, PhaseUnauthenticated, m.Snapshot().Phase)
	assert.False(t, m.Snapshot().AdminSession())
}

func TestMachineDiscardsSupersededIdentityLookup(t *testing.T) {
	store, ledger := fakes.NewIdentityStore(), fakes.NewLedger()
	ctx := context.Background()
	a := identity.Identity{ID: "ident-a", Email: "a@x.edu"}
	b := identity.Identity{ID: "ident-b", Email: "b@x.edu"}
	require.NoError(t, ledger.Insert(ctx, a.ID, roles.RoleAdmin))
	require.NoError(t, ledger.Insert(ctx, b.ID, roles.RoleStudent))

	entered := make(chan string, 2)
	releaseA := make(chan struct{})
	ledger.SetFindHook(func(id string) {
		entered <- id
		if id == a.ID {
			<-releaseA
		}
	})

	m := NewMachine(store, ledger, "tok-shared")
	defer m.Close()
	base := time.Now()
	m.Deliver(identity.Event{Token: "tok-shared", Session: &identity.Session{Token: "tok-shared", Identity: a}, At: base})
	require.Equal(t, a.ID, <-entered)
	m.Deliver(identity.Event{Token: "tok-shared", Session: &identity.Session{Token: "tok-shared", Identity: b}, At: base.Add(time.Second)})
	close(releaseA)

	require.Eventually(t, func() bool {
		return m.Snapshot().StudentSession()
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	st := m.Snapshot()
	assert.True(t, st.StudentSession())
	assert.Equal(t, b.ID, st.IdentityID())
}

func TestMachineLateInitialFetchDoesNotOverwriteNewerEvent(t *testing.T) {
	store, ledger := fakes.NewIdentityStore(), fakes.NewLedger()
	sess, err := store.Seed("admin@x.edu", "secret1")
	require.NoError(t, err)
	require.NoError(t, ledger.Insert(context.Background(), sess.Identity.ID, roles.RoleAdmin))

	t0 := time.Date(2024, 9, 1, 8, 0, 0, 0, time.UTC)
	m := NewMachine(store, ledger, sess.Token, WithClock(func() time.Time { return t0 }))
	defer m.Close()

	// The sign-out notification lands while the initial fetch is still in flight.
	store.FetchHook = func() {
		m.Deliver(identity.Event{Token: sess.Token, At: t0.Add(time.Second)})
		assert.Eventually(t, func() bool { return m.Snapshot().Resolved() }, time.Second, 5*time.Millisecond)
	}
	m.Start()

	st := waitResolved(t, m)
	assert.Equal(t, PhaseUnauthenticated, st.Phase)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, PhaseUnauthenticated, m.Snapshot().Phase)
	assert.Equal(t, t0.Add(time.Second), m.Snapshot().At)
}

func TestMachineInitialFetchLosesTieWithSignOut(t *testing.T) {
	store, ledger := fakes.NewIdentityStore(), fakes.NewLedger()
	sess, err := store.Seed("admin@x.edu", "secret1")
	require.NoError(t, err)
	require.NoError(t, ledger.Insert(context.Background(), sess.Identity.ID, roles.RoleAdmin))

	t0 := time.Date(2024, 9, 1, 8, 0, 0, 0, time.UTC)
	m := NewMachine(store, ledger, sess.Token, WithClock(func() time.Time { return t0 }))
	defer m.Close()

	// Same event time as the fetch, which still returns the live session.
	store.FetchHook = func() {
		m.Deliver(identity.Event{Token: sess.Token, At: t0})
		assert.Eventually(t, func() bool { return m.Snapshot().Resolved() }, time.Second, 5*time.Millisecond)
	}
	m.Start()

	st := waitResolved(t, m)
	assert.Equal(t, PhaseUnauthenticated, st.Phase)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, PhaseUnauthenticated, m.Snapshot().Phase)
	assert.False(t, m.Snapshot().AdminSession())
}

func TestMachineSignInWinsTieWithPriorEvent(t *testing.T) {
	store, ledger := fakes.NewIdentityStore(), fakes.NewLedger()
	sess, err := store.Seed("student@x.edu", "secret1")
	require.NoError(t, err)
	require.NoError(t, ledger.Insert(context.Background(), sess.Identity.ID, roles.RoleStudent))

	t0 := time.Date(2024, 9, 1, 8, 0, 0, 0, time.UTC)
	m := NewMachine(store, ledger, "", WithClock(func() time.Time { return t0 }))
	defer m.Close()
	m.Start()
	require.Equal(t, PhaseUnauthenticated, waitResolved(t, m).Phase)

	st, err := m.SignIn(context.Background(), "student@x.edu", "secret1")
	require.NoError(t, err)
	assert.True(t, st.StudentSession())
}

func TestMachineIgnoresOtherTokens(t *testing.T) {
	store, ledger := fakes.NewIdentityStore(), fakes.NewLedger()
	m := NewMachine(store, ledger, "tok-mine")
	defer m.Close()

	m.Deliver(identity.Event{Token: "tok-other", At: time.Now()})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, PhaseInitializing, m.Snapshot().Phase)
}

func TestMachineSubscriptionDeliversSignOut(t *testing.T) {
	store, ledger := fakes.NewIdentityStore(), fakes.NewLedger()
	sess, err := store.Seed("admin@x.edu", "secret1")
	require.NoError(t, err)
	require.NoError(t, ledger.Insert(context.Background(), sess.Identity.ID, roles.RoleAdmin))

	m := NewMachine(store, ledger, sess.Token)
	defer m.Close()
	m.Start()
	require.True(t, waitResolved(t, m).AdminSession())
	require.Eventually(t, func() bool {
		m.mu.RLock()
		defer m.mu.RUnlock()
		return m.unsub != nil
	}, time.Second, 5*time.Millisecond)

	updates, stop := m.Watch()
	defer stop()
	// Signed out from another console instance.
	require.NoError(t, store.SignOut(context.Background(), sess.Token))

	select {
	case st := <-updates:
		assert.Equal(t, PhaseUnauthenticated, st.Phase)
	case <-time.After(2 * time.Second):
		t.Fatal("no transition observed")
	}
}

type countingObserver struct {
	transitions []string
	anomalies   []string
}

func (o *countingObserver) SessionTransition(label string) { o.transitions = append(o.transitions, label) }
func (o *countingObserver) SessionAnomaly(reason string)   { o.anomalies = append(o.anomalies, reason) }

func TestMachineReportsTransitions(t *testing.T) {
	store, ledger := fakes.NewIdentityStore(), fakes.NewLedger()
	ident, err := store.SignUp(context.Background(), "ghost@x.edu", "secret1")
	require.NoError(t, err)
	obs := &countingObserver{}

	m := NewMachine(store, ledger, "", WithObserver(obs))
	defer m.Close()
	_, err = m.SignIn(context.Background(), ident.Email, "secret1")
	require.NoError(t, err)

	assert.Equal(t, []string{"unauthenticated"}, obs.transitions)
	assert.Equal(t, []string{"no role binding"}, obs.anomalies)
}
