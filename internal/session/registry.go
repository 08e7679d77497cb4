package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/campusdesk/campusdesk/internal/identity"
)

type registryEntry struct {
	machine  *Machine
	lastSeen time.Time
}

// Registry holds one Machine per console session id.
type Registry struct {
	store   identity.Store
	roles   RoleFinder
	idleTTL time.Duration
	logger  *slog.Logger
	opts    []Option
	now     func() time.Time

	mu       sync.Mutex
	machines map[string]*registryEntry
}

// NewRegistry builds a registry. Machines unused for idleTTL are evicted by Run.
func NewRegistry(store identity.Store, finder RoleFinder, idleTTL time.Duration, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if idleTTL <= 0 {
		idleTTL = 30 * time.Minute
	}
	return &Registry{
		store:    store,
		roles:    finder,
		idleTTL:  idleTTL,
		logger:   logger,
		opts:     append([]Option{WithLogger(logger)}, opts...),
		now:      time.Now,
		machines: make(map[string]*registryEntry),
	}
}

// Acquire returns the started machine for sessionID, creating it when missing.
// A machine tracking a different token than the cookie session carries
// (signed in elsewhere) is replaced.
func (r *Registry) Acquire(sessionID, token string) *Machine {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.machines[sessionID]; ok {
		if entry.machine.Token() == token {
			entry.lastSeen = r.now()
			return entry.machine
		}
		entry.machine.Close()
	}
	m := NewMachine(r.store, r.roles, token, r.opts...)
	m.Start()
	r.machines[sessionID] = &registryEntry{machine: m, lastSeen: r.now()}
	return m
}

// Remove closes and forgets the machine of sessionID.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	entry, ok := r.machines[sessionID]
	delete(r.machines, sessionID)
	r.mu.Unlock()
	if ok {
		entry.machine.Close()
	}
}

// Len reports the number of live machines.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.machines)
}

// Sweep evicts machines idle since before now-idleTTL and returns the count.
func (r *Registry) Sweep(now time.Time) int {
	cutoff := now.Add(-r.idleTTL)
	var stale []*Machine
	r.mu.Lock()
	for id, entry := range r.machines {
		if entry.lastSeen.Before(cutoff) {
			stale = append(stale, entry.machine)
			delete(r.machines, id)
		}
	}
	r.mu.Unlock()
	for _, m := range stale {
		m.Close()
	}
	return len(stale)
}

// Run sweeps idle machines until ctx is done, then closes every machine.
func (r *Registry) Run(ctx context.Context) error {
	interval := r.idleTTL / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.closeAll()
			return nil
		case <-ticker.C:
			if n := r.Sweep(r.now()); n > 0 {
				r.logger.Debug("evicted idle session machines", slog.Int("count", n))
			}
		}
	}
}

func (r *Registry) closeAll() {
	r.mu.Lock()
	entries := r.machines
	r.machines = make(map[string]*registryEntry)
	r.mu.Unlock()
	for _, entry := range entries {
		entry.machine.Close()
	}
}
