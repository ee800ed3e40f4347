// Package resource serializes access to the agent's shared actuation
// resources. Each control resource (aim, movement) gets its own TimedMutex
// so a reflex that needs only movement never contends with a planner
// holding aim. Exclusivity is keyed by owner string, not goroutine
// identity, so one logical actor can re-acquire across asynchronous hops.
package resource

import (
	"context"
	"sync"
	"time"

	"pilot/internal/logging"
)

// Conventional control resource names.
const (
	Aim  = "aim"
	Move = "move"
)

// LockState is a point-in-time snapshot of a TimedMutex.
type LockState struct {
	Name    string
	Locked  bool
	Owner   string
	Waiting int
}

// TimedMutex is an exclusive, owner-tracked lock with bounded-wait
// acquisition and a strictly FIFO waiter queue.
type TimedMutex struct {
	name string

	mu      sync.Mutex
	locked  bool
	owner   string
	waiters []*waiter
}

type waiter struct {
	owner   string
	grant   chan struct{}
	granted bool // Set under mu when ownership is transferred
}

// NewTimedMutex creates an unlocked mutex. The name appears in logs only.
func NewTimedMutex(name string) *TimedMutex {
	return &TimedMutex{name: name}
}

// Acquire attempts to take the lock for the given owner.
//
// Free lock: locks immediately, returns true. Held by the same owner:
// reentrant no-op, returns true without enqueueing. Otherwise the caller
// joins the FIFO queue; it returns true if ownership is transferred before
// the timeout elapses, false on timeout or context cancellation.
//
// A timeout of 0 is a try-lock: it never enqueues, so a high-priority
// reflex can probe for the resource without blocking behind the queue.
func (m *TimedMutex) Acquire(ctx context.Context, owner string, timeout time.Duration) bool {
	m.mu.Lock()
	if !m.locked {
		m.locked = true
		m.owner = owner
		m.mu.Unlock()
		logging.Get(logging.CategoryResource).Debug("%s: acquired by %s", m.name, owner)
		return true
	}
	if m.owner == owner {
		m.mu.Unlock()
		return true
	}
	if timeout <= 0 {
		m.mu.Unlock()
		return false
	}

	w := &waiter{owner: owner, grant: make(chan struct{})}
	m.waiters = append(m.waiters, w)
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.grant:
		logging.Get(logging.CategoryResource).Debug("%s: acquired by %s after wait", m.name, owner)
		return true
	case <-timer.C:
		return m.abandon(w, owner, "timeout")
	case <-ctx.Done():
		return m.abandon(w, owner, "cancelled")
	}
}

// abandon removes a waiter that gave up. If ownership was transferred in
// the race window before we got here, the caller owns the lock after all.
func (m *TimedMutex) abandon(w *waiter, owner, why string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w.granted {
		return true
	}
	for i, cand := range m.waiters {
		if cand == w {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			break
		}
	}
	logging.Get(logging.CategoryResource).Debug("%s: %s gave up waiting (%s)", m.name, owner, why)
	return false
}

// Release gives up the lock. Only the current owner may release; a release
// by anyone else is logged as a warning and ignored, returning false with
// the lock state unchanged. When waiters exist, ownership transfers to the
// head of the queue and that waiter is woken.
func (m *TimedMutex) Release(owner string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.locked || m.owner != owner {
		logging.Get(logging.CategoryResource).Warn("%s: illegal release by %s (held by %q)", m.name, owner, m.owner)
		return false
	}

	m.handoffLocked()
	return true
}

// ForceRelease unconditionally clears ownership and wakes the next waiter.
// Escape hatch for detected deadlock; normal flow must use Release.
func (m *TimedMutex) ForceRelease() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.locked {
		logging.Get(logging.CategoryResource).Warn("%s: force-released (was held by %q)", m.name, m.owner)
	}
	m.handoffLocked()
}

// handoffLocked transfers ownership to the queue head or unlocks.
func (m *TimedMutex) handoffLocked() {
	if len(m.waiters) > 0 {
		next := m.waiters[0]
		m.waiters = m.waiters[1:]
		m.owner = next.owner
		next.granted = true
		close(next.grant)
		return
	}
	m.locked = false
	m.owner = ""
}

// Owner returns the current holder, or "" when unlocked.
func (m *TimedMutex) Owner() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner
}

// State returns a snapshot for diagnostics.
func (m *TimedMutex) State() LockState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return LockState{
		Name:    m.name,
		Locked:  m.locked,
		Owner:   m.owner,
		Waiting: len(m.waiters),
	}
}

// Registry maps control resource names to their mutexes, creating them
// lazily. All actors must go through the same registry instance.
type Registry struct {
	mu        sync.Mutex
	resources map[string]*TimedMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{resources: make(map[string]*TimedMutex)}
}

// Get returns the mutex for a named resource, creating it on first use.
func (r *Registry) Get(name string) *TimedMutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.resources[name]; ok {
		return m
	}
	m := NewTimedMutex(name)
	r.resources[name] = m
	return m
}

// States returns snapshots of every known resource.
func (r *Registry) States() []LockState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LockState, 0, len(r.resources))
	for _, m := range r.resources {
		out = append(out, m.State())
	}
	return out
}
