package bootstrap

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusdesk/campusdesk/internal/roles"
	"github.com/campusdesk/campusdesk/internal/session"
	"github.com/campusdesk/campusdesk/internal/shared"
	"github.com/campusdesk/campusdesk/internal/testing/fakes"
)

type ambiguityCounter struct {
	mu sync.Mutex
	n  int
}

func (c *ambiguityCounter) BootstrapAmbiguity() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func TestHasAdmin(t *testing.T) {
	ledger := fakes.NewLedger()
	d := NewDecider(ledger, nil, nil)
	assert.False(t, d.HasAdmin(context.Background()))

	require.NoError(t, ledger.Insert(context.Background(), "ident-1", roles.RoleStudent))
	assert.False(t, d.HasAdmin(context.Background()))

	require.NoError(t, ledger.Insert(context.Background(), "ident-2", roles.RoleAdmin))
	assert.True(t, d.HasAdmin(context.Background()))
}

func TestHasAdminFailsSafeOnError(t *testing.T) {
	ledger := fakes.NewLedger()
	ledger.CountErr = errors.New("timeout")
	counter := &ambiguityCounter{}
	d := NewDecider(ledger, nil, counter)

	assert.True(t, d.HasAdmin(context.Background()))
	assert.Equal(t, 1, counter.n)
}

func TestHasAdminIsNotCached(t *testing.T) {
	ledger := fakes.NewLedger()
	d := NewDecider(ledger, nil, nil)
	d.HasAdmin(context.Background())
	d.HasAdmin(context.Background())
	assert.Equal(t, 2, ledger.Counts)
}

func newService(allowExtra bool) (*Service, *fakes.IdentityStore, *fakes.Ledger) {
	store, ledger := fakes.NewIdentityStore(), fakes.NewLedger()
	svc := NewService(NewDecider(ledger, nil, nil), store, ledger, nil, allowExtra)
	return svc, store, ledger
}

func TestCreateFirstAdminValidatesLocally(t *testing.T) {
	svc, store, _ := newService(false)

	_, err := svc.CreateFirstAdmin(context.Background(), AdminInput{Email: "not-an-email", Password: "secret1"})
	var verr *shared.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "email")

	_, err = svc.CreateFirstAdmin(context.Background(), AdminInput{Email: "admin@x.edu", Password: "12345"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "password must be at least 6 characters", verr.Fields["password"])
	assert.Zero(t, store.SignUps)
}

func TestCreateFirstAdminClosedOnceAdminExists(t *testing.T) {
	svc, store, ledger := newService(false)
	require.NoError(t, ledger.Insert(context.Background(), "existing", roles.RoleAdmin))

	_, err := svc.CreateFirstAdmin(context.Background(), AdminInput{Email: "admin@x.edu", Password: "secret1"})
	assert.ErrorIs(t, err, shared.ErrBootstrapClosed)
	assert.Zero(t, store.SignUps)
}

func TestCreateFirstAdminClosedWhenCheckFails(t *testing.T) {
	svc, _, ledger := newService(false)
	ledger.CountErr = errors.New("timeout")

	assert.False(t, svc.SetupAvailable(context.Background()))
	_, err := svc.CreateFirstAdmin(context.Background(), AdminInput{Email: "admin@x.edu", Password: "secret1"})
	assert.ErrorIs(t, err, shared.ErrBootstrapClosed)
}

func TestCreateExtraAdminWhenOptedIn(t *testing.T) {
	svc, _, ledger := newService(true)
	require.NoError(t, ledger.Insert(context.Background(), "existing", roles.RoleAdmin))

	_, err := svc.CreateFirstAdmin(context.Background(), AdminInput{Email: "second@x.edu", Password: "secret1"})
	require.NoError(t, err)
	n, err := ledger.Count(context.Background(), roles.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCreateFirstAdminBindFailureReportsStep(t *testing.T) {
	svc, store, ledger := newService(false)
	ledger.InsertErr = errors.New("insert failed")

	ident, err := svc.CreateFirstAdmin(context.Background(), AdminInput{Email: "admin@x.edu", Password: "secret1"})
	var serr *SetupError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, StepBindRole, serr.Step)
	assert.Equal(t, ident.ID, serr.IdentityID)
	_, exists := store.Lookup("admin@x.edu")
	assert.True(t, exists)
}

func TestCreateFirstAdminDuplicateEmail(t *testing.T) {
	svc, store, _ := newService(false)
	_, err := store.SignUp(context.Background(), "admin@x.edu", "other12")
	require.NoError(t, err)

	_, err = svc.CreateFirstAdmin(context.Background(), AdminInput{Email: "admin@x.edu", Password: "secret1"})
	var serr *SetupError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, StepCreateIdentity, serr.Step)
	assert.ErrorIs(t, err, shared.ErrDuplicateEmail)
}

func TestFirstAdminScenario(t *testing.T) {
	svc, store, ledger := newService(false)
	ctx := context.Background()
	require.True(t, svc.SetupAvailable(ctx))

	ident, err := svc.CreateFirstAdmin(ctx, AdminInput{Email: "admin@x.edu", Password: "secret1"})
	require.NoError(t, err)

	role, ok, err := ledger.FindRole(ctx, ident.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, roles.RoleAdmin, role)
	assert.True(t, svc.decider.HasAdmin(ctx))
	assert.False(t, svc.SetupAvailable(ctx))

	m := session.NewMachine(store, ledger, "")
	defer m.Close()
	st, err := m.SignIn(ctx, "admin@x.edu", "secret1")
	require.NoError(t, err)
	assert.True(t, st.AdminSession())
}
