// Package identity holds the credential store the console signs users into.
// Two backends exist: PGStore (Postgres credentials + Redis session tokens) and
// KratosStore (Ory Kratos). Both emit session-change events through a Broker.
package identity

import (
	"context"
	"strings"
	"time"
)

// Identity is an authenticated principal issued by the store.
type Identity struct {
	ID        string
	Email     string
	CreatedAt time.Time
}

// Session is a live sign-in for an Identity. Token is opaque to the console.
type Session struct {
	Token     string
	Identity  Identity
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Event announces a change of the session behind Token. A nil Session means
// the token was signed out or expired.
type Event struct {
	Token   string
	Session *Session
	At      time.Time
}

// Store is the identity store consumed by the console.
type Store interface {
	SignUp(ctx context.Context, email, password string) (Identity, error)
	SignIn(ctx context.Context, email, password string) (Session, error)
	SignOut(ctx context.Context, token string) error
	// CurrentSession returns nil without error when token has no live session.
	CurrentSession(ctx context.Context, token string) (*Session, error)
	OnSessionChange(fn func(Event)) (unsubscribe func())
}

// NormalizeEmail lower-cases and trims an email so lookups are case-insensitive.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
