package fakes

import (
	"context"
	"sync"

	"github.com/campusdesk/campusdesk/internal/roles"
)

// Ledger is an in-memory roles.Ledger.
type Ledger struct {
	mu        sync.Mutex
	bindings  map[string][]roles.Role
	CountErr  error
	FindErr   error
	InsertErr error
	// FindHook runs before FindRole answers, letting tests hold a lookup open.
	FindHook func(identityID string)
	Counts   int
}

// NewLedger builds an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{bindings: make(map[string][]roles.Role)}
}

func (l *Ledger) Count(ctx context.Context, role roles.Role) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Counts++
	if l.CountErr != nil {
		return 0, l.CountErr
	}
	n := 0
	for _, rs := range l.bindings {
		for _, r := range rs {
			if r == role {
				n++
			}
		}
	}
	return n, nil
}

func (l *Ledger) FindRole(ctx context.Context, identityID string) (roles.Role, bool, error) {
	l.mu.Lock()
	hook := l.FindHook
	l.mu.Unlock()
	if hook != nil {
		hook(identityID)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.FindErr != nil {
		return roles.RoleNone, false, l.FindErr
	}
	rs := l.bindings[identityID]
	if len(rs) == 0 {
		return roles.RoleNone, false, nil
	}
	return roles.Highest(rs), true, nil
}

func (l *Ledger) Insert(ctx context.Context, identityID string, role roles.Role) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.InsertErr != nil {
		return l.InsertErr
	}
	for _, r := range l.bindings[identityID] {
		if r == role {
			return nil
		}
	}
	l.bindings[identityID] = append(l.bindings[identityID], role)
	return nil
}

// SetFindHook swaps the FindRole hook under the ledger lock.
func (l *Ledger) SetFindHook(fn func(identityID string)) {
	l.mu.Lock()
	l.FindHook = fn
	l.mu.Unlock()
}

var _ roles.Ledger = (*Ledger)(nil)
