package session

import "context"

type machineContextKey struct{}

type stateContextKey struct{}

// ContextWithMachine stores the console session's machine in ctx.
func ContextWithMachine(ctx context.Context, m *Machine) context.Context {
	return context.WithValue(ctx, machineContextKey{}, m)
}

// MachineFromContext returns the machine stored in ctx, or nil.
func MachineFromContext(ctx context.Context) *Machine {
	m, _ := ctx.Value(machineContextKey{}).(*Machine)
	return m
}

// ContextWithState pins the state a request was admitted with.
func ContextWithState(ctx context.Context, st State) context.Context {
	return context.WithValue(ctx, stateContextKey{}, st)
}

// StateFromContext returns the pinned state, else a snapshot of the machine in
// ctx. Without either the state is Unauthenticated.
func StateFromContext(ctx context.Context) State {
	if st, ok := ctx.Value(stateContextKey{}).(State); ok {
		return st
	}
	if m := MachineFromContext(ctx); m != nil {
		return m.Snapshot()
	}
	return State{Phase: PhaseUnauthenticated}
}
