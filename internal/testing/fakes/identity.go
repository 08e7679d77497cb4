// Package fakes holds in-memory collaborators shared by package tests.
package fakes

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/campusdesk/campusdesk/internal/identity"
	"github.com/campusdesk/campusdesk/internal/shared"
)

// IdentityStore is an in-memory identity.Store.
type IdentityStore struct {
	mu         sync.Mutex
	broker     *identity.Broker
	byEmail    map[string]identity.Identity
	passwords  map[string]string
	sessions   map[string]identity.Session
	seq        int
	Now        func() time.Time
	SignUpErr  error
	SignInErr  error
	SignOutErr error
	FetchErr   error
	// FetchHook runs inside CurrentSession before the result is returned.
	FetchHook func()
	SignUps   int
}

// NewIdentityStore builds an empty store.
func NewIdentityStore() *IdentityStore {
	return &IdentityStore{
		broker:    identity.NewBroker(),
		byEmail:   make(map[string]identity.Identity),
		passwords: make(map[string]string),
		sessions:  make(map[string]identity.Session),
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *IdentityStore) SignUp(ctx context.Context, email, password string) (identity.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SignUps++
	if s.SignUpErr != nil {
		return identity.Identity{}, s.SignUpErr
	}
	email = identity.NormalizeEmail(email)
	if _, ok := s.byEmail[email]; ok {
		return identity.Identity{}, &shared.AuthError{Op: "sign up", Err: shared.ErrDuplicateEmail}
	}
	s.seq++
	ident := identity.Identity{ID: fmt.Sprintf("ident-%d", s.seq), Email: email, CreatedAt: s.Now()}
	s.byEmail[email] = ident
	s.passwords[email] = password
	return ident, nil
}

func (s *IdentityStore) SignIn(ctx context.Context, email, password string) (identity.Session, error) {
	s.mu.Lock()
	if s.SignInErr != nil {
		s.mu.Unlock()
		return identity.Session{}, s.SignInErr
	}
	email = identity.NormalizeEmail(email)
	ident, ok := s.byEmail[email]
	if !ok || s.passwords[email] != password {
		s.mu.Unlock()
		return identity.Session{}, &shared.AuthError{Op: "sign in", Err: shared.ErrInvalidCredentials}
	}
	s.seq++
	now := s.Now()
	sess := identity.Session{
		Token:     fmt.Sprintf("tok-%d", s.seq),
		Identity:  ident,
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	}
	s.sessions[sess.Token] = sess
	s.mu.Unlock()
	s.broker.Publish(identity.Event{Token: sess.Token, Session: &sess, At: now})
	return sess, nil
}

func (s *IdentityStore) SignOut(ctx context.Context, token string) error {
	s.mu.Lock()
	if s.SignOutErr != nil {
		s.mu.Unlock()
		return s.SignOutErr
	}
	delete(s.sessions, token)
	now := s.Now()
	s.mu.Unlock()
	s.broker.Publish(identity.Event{Token: token, At: now})
	return nil
}

func (s *IdentityStore) CurrentSession(ctx context.Context, token string) (*identity.Session, error) {
	s.mu.Lock()
	hook := s.FetchHook
	err := s.FetchErr
	sess, ok := s.sessions[token]
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &sess, nil
}

func (s *IdentityStore) OnSessionChange(fn func(identity.Event)) func() {
	return s.broker.Subscribe(fn)
}

// Emit publishes an arbitrary event to subscribers.
func (s *IdentityStore) Emit(ev identity.Event) {
	s.broker.Publish(ev)
}

// Seed registers an identity with a live session and returns its token.
func (s *IdentityStore) Seed(email, password string) (identity.Session, error) {
	if _, err := s.SignUp(context.Background(), email, password); err != nil {
		return identity.Session{}, err
	}
	return s.SignIn(context.Background(), email, password)
}

// Lookup returns the identity registered for email.
func (s *IdentityStore) Lookup(email string) (identity.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ident, ok := s.byEmail[identity.NormalizeEmail(email)]
	return ident, ok
}

var _ identity.Store = (*IdentityStore)(nil)
