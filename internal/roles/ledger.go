package roles

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/campusdesk/campusdesk/internal/platform/db"
)

// ErrInvalidBinding is returned for bindings with an empty identity or unknown role.
var ErrInvalidBinding = errors.New("roles: invalid binding")

// Ledger is the persisted identity → role mapping.
type Ledger interface {
	Count(ctx context.Context, role Role) (int, error)
	FindRole(ctx context.Context, identityID string) (Role, bool, error)
	Insert(ctx context.Context, identityID string, role Role) error
}

// PGLedger implements Ledger on the user_roles table.
type PGLedger struct {
	db  db.DBTX
	now func() time.Time
}

// NewLedger constructs a PostgreSQL ledger.
func NewLedger(conn db.DBTX) *PGLedger {
	return &PGLedger{db: conn, now: func() time.Time { return time.Now().UTC() }}
}

// Count returns how many bindings carry role.
func (l *PGLedger) Count(ctx context.Context, role Role) (int, error) {
	var n int
	if err := l.db.QueryRow(ctx, `SELECT COUNT(*) FROM user_roles WHERE role = $1`, string(role)).Scan(&n); err != nil {
		return 0, fmt.Errorf("roles: count %s: %w", role, err)
	}
	return n, nil
}

// FindRole resolves the governing role for identityID. The bool is false when
// the identity has no valid binding.
func (l *PGLedger) FindRole(ctx context.Context, identityID string) (Role, bool, error) {
	rows, err := l.db.Query(ctx, `SELECT role FROM user_roles WHERE user_id = $1`, identityID)
	if err != nil {
		return RoleNone, false, fmt.Errorf("roles: find role: %w", err)
	}
	defer rows.Close()

	var found []Role
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return RoleNone, false, fmt.Errorf("roles: scan role: %w", err)
		}
		if r, err := ParseRole(raw); err == nil {
			found = append(found, r)
		}
	}
	if err := rows.Err(); err != nil {
		return RoleNone, false, fmt.Errorf("roles: find role: %w", err)
	}
	role := Highest(found)
	return role, role != RoleNone, nil
}

// Insert records a binding. Re-inserting an existing binding is a no-op.
func (l *PGLedger) Insert(ctx context.Context, identityID string, role Role) error {
	if identityID == "" || !role.Valid() {
		return ErrInvalidBinding
	}
	_, err := l.db.Exec(ctx, `INSERT INTO user_roles (user_id, role, created_at) VALUES ($1, $2, $3) ON CONFLICT (user_id, role) DO NOTHING`,
		identityID, string(role), l.now())
	if err != nil {
		return fmt.Errorf("roles: insert binding: %w", err)
	}
	return nil
}

var _ Ledger = (*PGLedger)(nil)
