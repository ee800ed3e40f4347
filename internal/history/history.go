// Package history records what the agent did and why it failed.
// The executor and scheduler write through the Recorder interface;
// embedders that bring their own persistence implement it themselves.
package history

import (
	"sync"
	"time"
)

// Entry kinds.
const (
	KindEvent = "event"
	KindError = "error"
)

// Entry is one journal line.
type Entry struct {
	ID        int64
	Kind      string
	Source    string
	Text      string
	CreatedAt time.Time
}

// Recorder is the outbound history contract consumed by the core.
type Recorder interface {
	// Add records a normal event from the named source.
	Add(source, text string) error

	// AddError records a failure of the named action with its reason.
	AddError(action, reason string) error
}

// Memory is an in-process Recorder for tests and embedders without
// persistence. Entries are retained in order, unbounded.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
	nextID  int64
}

// NewMemory creates an empty in-memory recorder.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Add(source, text string) error {
	return m.append(KindEvent, source, text)
}

func (m *Memory) AddError(action, reason string) error {
	return m.append(KindError, action, reason)
}

func (m *Memory) append(kind, source, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.entries = append(m.entries, Entry{
		ID:        m.nextID,
		Kind:      kind,
		Source:    source,
		Text:      text,
		CreatedAt: time.Now(),
	})
	return nil
}

// Entries returns a copy of everything recorded so far, oldest first.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}
