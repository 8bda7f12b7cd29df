// Package timeout tracks per-request deadlines so every attempt runs under
// its own bounded context and nothing outlives the request that created it.
package timeout

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Handle is one registered deadline.
type Handle struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
}

// ID returns the request id the handle was created for.
func (h *Handle) ID() string { return h.id }

// TimedOut reports whether the deadline fired, as opposed to the parent
// being cancelled or Cleanup being called.
func (h *Handle) TimedOut() bool {
	return errors.Is(h.ctx.Err(), context.DeadlineExceeded)
}

// Manager owns the outstanding handles, keyed by request id.
type Manager struct {
	mu      sync.Mutex
	handles map[string]*Handle
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{handles: make(map[string]*Handle)}
}

// Create derives a context from parent that expires after d. An existing
// handle for the same id is cancelled and replaced. A non-positive d means
// no deadline.
func (m *Manager) Create(parent context.Context, id string, d time.Duration) (context.Context, *Handle) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if d > 0 {
		ctx, cancel = context.WithTimeout(parent, d)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	h := &Handle{id: id, ctx: ctx, cancel: cancel}

	m.mu.Lock()
	prev := m.handles[id]
	m.handles[id] = h
	m.mu.Unlock()

	if prev != nil {
		prev.cancel()
	}
	return ctx, h
}

// Cleanup cancels and forgets the handle for id. Calling it again, or for
// an unknown id, is a no-op.
func (m *Manager) Cleanup(id string) {
	m.mu.Lock()
	h := m.handles[id]
	delete(m.handles, id)
	m.mu.Unlock()

	if h != nil {
		h.cancel()
	}
}

// Release cancels h and forgets it only if it is still the registered
// handle for its id, so a stale attempt cannot drop a newer one.
func (m *Manager) Release(h *Handle) {
	if h == nil {
		return
	}
	m.mu.Lock()
	if m.handles[h.id] == h {
		delete(m.handles, h.id)
	}
	m.mu.Unlock()
	h.cancel()
}

// Active returns the number of outstanding handles.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// Close cancels every outstanding handle.
func (m *Manager) Close() {
	m.mu.Lock()
	handles := m.handles
	m.handles = make(map[string]*Handle)
	m.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
}
