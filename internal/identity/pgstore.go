package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/campusdesk/campusdesk/internal/platform/db"
	"github.com/campusdesk/campusdesk/internal/shared"
)

// EventsChannel is the redis pub/sub channel carrying session events between
// console instances.
const EventsChannel = "identity:session-events"

// PGStore keeps credentials in Postgres and session tokens in Redis.
type PGStore struct {
	db         db.DBTX
	redis      *redis.Client
	broker     *Broker
	logger     *slog.Logger
	sessionTTL time.Duration
	cost       int
	now        func() time.Time
}

// PGStoreOption customises a PGStore.
type PGStoreOption func(*PGStore)

// WithBcryptCost overrides the bcrypt cost (tests use bcrypt.MinCost).
func WithBcryptCost(cost int) PGStoreOption {
	return func(s *PGStore) { s.cost = cost }
}

// WithClock overrides the store clock.
func WithClock(now func() time.Time) PGStoreOption {
	return func(s *PGStore) { s.now = now }
}

// NewPGStore constructs the Postgres/Redis identity store.
func NewPGStore(conn db.DBTX, client *redis.Client, sessionTTL time.Duration, logger *slog.Logger, opts ...PGStoreOption) *PGStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &PGStore{
		db:         conn,
		redis:      client,
		broker:     NewBroker(),
		logger:     logger,
		sessionTTL: sessionTTL,
		cost:       bcrypt.DefaultCost,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type storedSession struct {
	IdentityID string    `json:"identity_id"`
	Email      string    `json:"email"`
	CreatedAt  time.Time `json:"created_at"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type wireEvent struct {
	Token   string         `json:"token"`
	Session *storedSession `json:"session,omitempty"`
	At      time.Time      `json:"at"`
}

// SignUp creates a new identity with a bcrypt hashed password.
func (s *PGStore) SignUp(ctx context.Context, email, password string) (Identity, error) {
	email = NormalizeEmail(email)
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return Identity{}, &shared.AuthError{Op: "sign up", Err: err}
	}
	ident := Identity{ID: uuid.NewString(), Email: email, CreatedAt: s.now()}
	_, err = s.db.Exec(ctx, `INSERT INTO identities (id, email, password_hash, created_at) VALUES ($1, $2, $3, $4)`,
		ident.ID, ident.Email, string(hash), ident.CreatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Identity{}, &shared.AuthError{Op: "sign up", Err: shared.ErrDuplicateEmail}
		}
		return Identity{}, &shared.AuthError{Op: "sign up", Err: errors.Join(shared.ErrIdentityUnavailable, err)}
	}
	return ident, nil
}

// SignIn verifies credentials and issues a session token.
func (s *PGStore) SignIn(ctx context.Context, email, password string) (Session, error) {
	email = NormalizeEmail(email)
	var (
		ident Identity
		hash  string
	)
	err := s.db.QueryRow(ctx, `SELECT id, email, password_hash, created_at FROM identities WHERE email = $1`, email).
		Scan(&ident.ID, &ident.Email, &hash, &ident.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, &shared.AuthError{Op: "sign in", Err: shared.ErrInvalidCredentials}
		}
		return Session{}, &shared.AuthError{Op: "sign in", Err: errors.Join(shared.ErrIdentityUnavailable, err)}
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return Session{}, &shared.AuthError{Op: "sign in", Err: shared.ErrInvalidCredentials}
	}

	now := s.now()
	sess := Session{
		Token:     uuid.NewString(),
		Identity:  ident,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.sessionTTL),
	}
	stored := toStored(sess)
	data, err := json.Marshal(stored)
	if err != nil {
		return Session{}, &shared.AuthError{Op: "sign in", Err: err}
	}
	if err := s.redis.Set(ctx, sessionKey(sess.Token), data, s.sessionTTL).Err(); err != nil {
		return Session{}, &shared.AuthError{Op: "sign in", Err: errors.Join(shared.ErrIdentityUnavailable, err)}
	}
	s.publish(ctx, wireEvent{Token: sess.Token, Session: &stored, At: now})
	return sess, nil
}

// SignOut invalidates token. Signing out an unknown token succeeds.
func (s *PGStore) SignOut(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if err := s.redis.Del(ctx, sessionKey(token)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return &shared.AuthError{Op: "sign out", Err: errors.Join(shared.ErrIdentityUnavailable, err)}
	}
	s.publish(ctx, wireEvent{Token: token, At: s.now()})
	return nil
}

// CurrentSession loads the live session behind token.
func (s *PGStore) CurrentSession(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, nil
	}
	data, err := s.redis.Get(ctx, sessionKey(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("identity: load session: %w", errors.Join(shared.ErrIdentityUnavailable, err))
	}
	var stored storedSession
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("identity: decode session: %w", err)
	}
	sess := fromStored(token, stored)
	return &sess, nil
}

// OnSessionChange registers fn for session events from every console instance.
// Events only flow while Run is active.
func (s *PGStore) OnSessionChange(fn func(Event)) func() {
	return s.broker.Subscribe(fn)
}

// Run relays redis pub/sub session events to local listeners until ctx is done.
func (s *PGStore) Run(ctx context.Context) error {
	sub := s.redis.Subscribe(ctx, EventsChannel)
	defer func() {
		if err := sub.Close(); err != nil {
			s.logger.Warn("identity events unsubscribe", slog.Any("error", err))
		}
	}()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("identity: subscribe events: %w", err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var wire wireEvent
			if err := json.Unmarshal([]byte(msg.Payload), &wire); err != nil {
				s.logger.Warn("identity event decode", slog.Any("error", err))
				continue
			}
			ev := Event{Token: wire.Token, At: wire.At}
			if wire.Session != nil {
				sess := fromStored(wire.Token, *wire.Session)
				ev.Session = &sess
			}
			s.broker.Publish(ev)
		}
	}
}

func (s *PGStore) publish(ctx context.Context, ev wireEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn("identity event encode", slog.Any("error", err))
		return
	}
	if err := s.redis.Publish(ctx, EventsChannel, data).Err(); err != nil {
		s.logger.Warn("identity event publish", slog.Any("error", err))
	}
}

func sessionKey(token string) string {
	return "identity:session:" + token
}

func toStored(sess Session) storedSession {
	return storedSession{
		IdentityID: sess.Identity.ID,
		Email:      sess.Identity.Email,
		CreatedAt:  sess.Identity.CreatedAt,
		IssuedAt:   sess.IssuedAt,
		ExpiresAt:  sess.ExpiresAt,
	}
}

func fromStored(token string, stored storedSession) Session {
	return Session{
		Token: token,
		Identity: Identity{
			ID:        stored.IdentityID,
			Email:     stored.Email,
			CreatedAt: stored.CreatedAt,
		},
		IssuedAt:  stored.IssuedAt,
		ExpiresAt: stored.ExpiresAt,
	}
}

var _ Store = (*PGStore)(nil)
