package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/campusdesk/campusdesk/internal/shared"
)

var fixedNow = time.Date(2024, 9, 1, 8, 0, 0, 0, time.UTC)

func newTestPGStore(t *testing.T) (*PGStore, pgxmock.PgxPoolIface, *miniredis.Miniredis) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := NewPGStore(mock, client, time.Hour, nil,
		WithBcryptCost(bcrypt.MinCost),
		WithClock(func() time.Time { return fixedNow }),
	)
	return store, mock, mr
}

func TestPGStoreSignUpNormalizesEmail(t *testing.T) {
	store, mock, _ := newTestPGStore(t)
	mock.ExpectExec(`INSERT INTO identities`).
		WithArgs(pgxmock.AnyArg(), "ada@campus.edu", pgxmock.AnyArg(), fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	ident, err := store.SignUp(context.Background(), "  Ada@Campus.edu ", "secret1")
	require.NoError(t, err)
	assert.Equal(t, "ada@campus.edu", ident.Email)
	assert.NotEmpty(t, ident.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreSignUpDuplicateEmail(t *testing.T) {
	store, mock, _ := newTestPGStore(t)
	mock.ExpectExec(`INSERT INTO identities`).
		WithArgs(pgxmock.AnyArg(), "ada@campus.edu", pgxmock.AnyArg(), fixedNow).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	_, err := store.SignUp(context.Background(), "ada@campus.edu", "secret1")
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrDuplicateEmail)
	var authErr *shared.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "sign up", authErr.Op)
}

func TestPGStoreSignUpBackendFailure(t *testing.T) {
	store, mock, _ := newTestPGStore(t)
	mock.ExpectExec(`INSERT INTO identities`).
		WithArgs(pgxmock.AnyArg(), "ada@campus.edu", pgxmock.AnyArg(), fixedNow).
		WillReturnError(errors.New("connection refused"))

	_, err := store.SignUp(context.Background(), "ada@campus.edu", "secret1")
	assert.ErrorIs(t, err, shared.ErrIdentityUnavailable)
}

func expectCredentials(t *testing.T, mock pgxmock.PgxPoolIface, email, password string) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	mock.ExpectQuery(`SELECT id, email, password_hash, created_at FROM identities WHERE email = \$1`).
		WithArgs(email).
		WillReturnRows(pgxmock.NewRows([]string{"id", "email", "password_hash", "created_at"}).
			AddRow("id-1", email, string(hash), fixedNow))
}

func TestPGStoreSignInIssuesSession(t *testing.T) {
	store, mock, mr := newTestPGStore(t)
	expectCredentials(t, mock, "ada@campus.edu", "secret1")

	sess, err := store.SignIn(context.Background(), "ADA@campus.edu", "secret1")
	require.NoError(t, err)
	assert.Equal(t, "id-1", sess.Identity.ID)
	assert.Equal(t, fixedNow, sess.IssuedAt)
	assert.Equal(t, fixedNow.Add(time.Hour), sess.ExpiresAt)
	assert.True(t, mr.Exists(sessionKey(sess.Token)))

	current, err := store.CurrentSession(context.Background(), sess.Token)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, sess.Identity.Email, current.Identity.Email)
	assert.True(t, sess.IssuedAt.Equal(current.IssuedAt))
}

func TestPGStoreSignInWrongPassword(t *testing.T) {
	store, mock, _ := newTestPGStore(t)
	expectCredentials(t, mock, "ada@campus.edu", "secret1")

	_, err := store.SignIn(context.Background(), "ada@campus.edu", "wrong-password")
	assert.ErrorIs(t, err, shared.ErrInvalidCredentials)
}

func TestPGStoreSignInUnknownEmail(t *testing.T) {
	store, mock, _ := newTestPGStore(t)
	mock.ExpectQuery(`SELECT id, email, password_hash, created_at FROM identities`).
		WithArgs("nobody@campus.edu").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.SignIn(context.Background(), "nobody@campus.edu", "secret1")
	assert.ErrorIs(t, err, shared.ErrInvalidCredentials)
}

func TestPGStoreSignOutClearsSession(t *testing.T) {
	store, mock, _ := newTestPGStore(t)
	expectCredentials(t, mock, "ada@campus.edu", "secret1")
	sess, err := store.SignIn(context.Background(), "ada@campus.edu", "secret1")
	require.NoError(t, err)

	require.NoError(t, store.SignOut(context.Background(), sess.Token))
	current, err := store.CurrentSession(context.Background(), sess.Token)
	require.NoError(t, err)
	assert.Nil(t, current)

	require.NoError(t, store.SignOut(context.Background(), sess.Token))
}

func TestPGStoreCurrentSessionUnknownToken(t *testing.T) {
	store, _, _ := newTestPGStore(t)
	current, err := store.CurrentSession(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, current)

	current, err = store.CurrentSession(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, current)
}

func TestPGStoreRunRelaysEvents(t *testing.T) {
	store, mock, mr := newTestPGStore(t)
	events := make(chan Event, 4)
	unsubscribe := store.OnSessionChange(func(ev Event) { events <- ev })
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- store.Run(ctx) }()
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(EventsChannel)[EventsChannel] == 1
	}, time.Second, 10*time.Millisecond)

	expectCredentials(t, mock, "ada@campus.edu", "secret1")
	sess, err := store.SignIn(context.Background(), "ada@campus.edu", "secret1")
	require.NoError(t, err)
	require.NoError(t, store.SignOut(context.Background(), sess.Token))

	var got []Event
	for len(got) < 2 {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for events, got %d", len(got))
		}
	}
	require.NotNil(t, got[0].Session)
	assert.Equal(t, sess.Token, got[0].Token)
	assert.Equal(t, "id-1", got[0].Session.Identity.ID)
	assert.Equal(t, sess.Token, got[1].Token)
	assert.Nil(t, got[1].Session)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
