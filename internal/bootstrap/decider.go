// Package bootstrap decides whether the sign-in surface offers first-admin
// setup and runs that setup.
package bootstrap

import (
	"context"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/campusdesk/campusdesk/internal/roles"
)

// AmbiguityObserver is told when the admin check could not be answered.
type AmbiguityObserver interface {
	BootstrapAmbiguity()
}

// Decider answers "does any admin exist?".
type Decider struct {
	ledger   roles.Ledger
	logger   *slog.Logger
	observer AmbiguityObserver
	group    singleflight.Group
}

// NewDecider constructs a Decider. observer may be nil.
func NewDecider(ledger roles.Ledger, logger *slog.Logger, observer AmbiguityObserver) *Decider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decider{ledger: ledger, logger: logger, observer: observer}
}

// HasAdmin reports whether at least one admin binding exists. When the count
// fails it returns true so setup is never offered on an error. Results are not
// cached; concurrent callers share one in-flight query.
func (d *Decider) HasAdmin(ctx context.Context) bool {
	v, err, _ := d.group.Do("has_admin", func() (any, error) {
		n, err := d.ledger.Count(ctx, roles.RoleAdmin)
		if err != nil {
			return true, err
		}
		return n > 0, nil
	})
	if err != nil {
		d.logger.Warn("admin existence check failed, assuming an admin exists", slog.Any("error", err))
		if d.observer != nil {
			d.observer.BootstrapAmbiguity()
		}
		return true
	}
	has, ok := v.(bool)
	return !ok || has
}
