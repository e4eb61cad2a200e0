// Package registry tracks the number of live upstream sessions in the process.
package registry

import (
	"log/slog"
	"sync/atomic"
)

// Registry is a process-wide counter of connected upstream sessions.
// Increment and Decrement are called once each per session lifecycle.
type Registry struct {
	count atomic.Int64
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{}
}

// Increment records a session reaching the connected state.
func (r *Registry) Increment() int64 {
	return r.count.Add(1)
}

// Decrement records a session leaving the connected state.
func (r *Registry) Decrement() int64 {
	n := r.count.Add(-1)
	if n < 0 {
		// Unbalanced decrement. Clamp so the broadcast never shows a negative count.
		slog.Error("Connection registry went negative", "count", n)
		r.count.CompareAndSwap(n, 0)
		return 0
	}
	return n
}

// Count returns the current number of connected sessions.
func (r *Registry) Count() int64 {
	return r.count.Load()
}
