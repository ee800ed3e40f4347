// Package signalbus decouples producers and consumers of state-change
// notifications. Components announce transitions without knowing who is
// listening; a misbehaving subscriber cannot break the publisher or its
// sibling subscribers.
package signalbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pilot/internal/logging"
)

// Signal types published by the core.
const (
	SignalActionStarted    = "ACTION_STARTED"
	SignalActionCompleted  = "ACTION_COMPLETED"
	SignalActionFailed     = "ACTION_FAILED"
	SignalGoalAdded        = "GOAL_ADDED"
	SignalGoalAbandoned    = "GOAL_ABANDONED"
	SignalWatchdogRecovery = "WATCHDOG_RECOVERY"
)

// DefaultHistoryCapacity bounds the diagnostic ring buffer.
const DefaultHistoryCapacity = 100

// Signal is one published notification. Payload is owned by the publisher
// and must not be mutated by handlers.
type Signal struct {
	Type      string
	Payload   map[string]interface{}
	Timestamp time.Time
	Seq       uint64
}

// Handler receives a signal. Handlers run synchronously in subscription
// order on the publisher's goroutine; a panicking handler is isolated.
type Handler func(Signal)

// Bus is an explicitly constructed publish/subscribe dispatcher.
// There is no package-level instance; embedders create one and pass it to
// every component so tests get a fresh bus each time.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]*subscription
	nextID uint64
	closed bool

	// Bounded diagnostic history, oldest evicted first
	histMu  sync.Mutex
	history []Signal
	histCap int

	seq atomic.Uint64

	// Counters
	published     atomic.Uint64
	handled       atomic.Uint64
	handlerErrors atomic.Uint64
}

type subscription struct {
	id      uint64
	handler Handler
	once    bool
	fired   atomic.Bool
}

// New creates a bus with the default history capacity.
func New() *Bus {
	return NewWithCapacity(DefaultHistoryCapacity)
}

// NewWithCapacity creates a bus whose diagnostic ring holds at most cap
// signals. A cap of 0 disables history.
func NewWithCapacity(cap int) *Bus {
	return &Bus{
		subs:    make(map[string][]*subscription),
		history: make([]Signal, 0, cap),
		histCap: cap,
	}
}

// Publish delivers a signal to every handler subscribed to its type, in
// subscription order. A panic in one handler is recovered, logged and
// counted; remaining handlers still run and the publisher never sees it.
func (b *Bus) Publish(signalType string, payload map[string]interface{}) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	// Snapshot so handlers can subscribe/unsubscribe during dispatch.
	subs := make([]*subscription, len(b.subs[signalType]))
	copy(subs, b.subs[signalType])
	b.mu.RUnlock()

	sig := Signal{
		Type:      signalType,
		Payload:   payload,
		Timestamp: time.Now(),
		Seq:       b.seq.Add(1),
	}

	b.published.Add(1)
	b.record(sig)

	for _, sub := range subs {
		if sub.once && !sub.fired.CompareAndSwap(false, true) {
			continue
		}
		if sub.once {
			b.remove(signalType, sub.id)
		}
		b.dispatch(sig, sub)
	}
}

// dispatch invokes one handler with panic isolation.
func (b *Bus) dispatch(sig Signal, sub *subscription) {
	defer func() {
		if r := recover(); r != nil {
			b.handlerErrors.Add(1)
			logging.Get(logging.CategoryBus).Error("handler panic on %s: %v", sig.Type, r)
		}
	}()
	sub.handler(sig)
	b.handled.Add(1)
}

// Subscribe registers a handler for a signal type and returns an
// unsubscribe function. Unsubscribing twice is harmless.
func (b *Bus) Subscribe(signalType string, handler Handler) func() {
	return b.subscribe(signalType, handler, false)
}

// SubscribeOnce registers a handler invoked for at most one matching signal.
func (b *Bus) SubscribeOnce(signalType string, handler Handler) func() {
	return b.subscribe(signalType, handler, true)
}

func (b *Bus) subscribe(signalType string, handler Handler, once bool) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	b.nextID++
	sub := &subscription{id: b.nextID, handler: handler, once: once}
	b.subs[signalType] = append(b.subs[signalType], sub)

	id := sub.id
	return func() { b.remove(signalType, id) }
}

func (b *Bus) remove(signalType string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[signalType]
	for i, sub := range list {
		if sub.id == id {
			b.subs[signalType] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// WaitFor blocks until the next signal of the given type arrives or the
// timeout elapses. The context cancels the wait early.
func (b *Bus) WaitFor(ctx context.Context, signalType string, timeout time.Duration) (Signal, error) {
	ch := make(chan Signal, 1)
	unsub := b.SubscribeOnce(signalType, func(sig Signal) {
		select {
		case ch <- sig:
		default:
		}
	})
	defer unsub()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case sig := <-ch:
		return sig, nil
	case <-timer.C:
		return Signal{}, fmt.Errorf("timed out after %v waiting for %s", timeout, signalType)
	case <-ctx.Done():
		return Signal{}, ctx.Err()
	}
}

// record appends to the bounded diagnostic ring.
func (b *Bus) record(sig Signal) {
	if b.histCap <= 0 {
		return
	}
	b.histMu.Lock()
	if len(b.history) >= b.histCap {
		b.history = b.history[1:]
	}
	b.history = append(b.history, sig)
	b.histMu.Unlock()
}

// History returns a copy of the retained signals, oldest first.
func (b *Bus) History() []Signal {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	out := make([]Signal, len(b.history))
	copy(out, b.history)
	return out
}

// Stats holds bus counters.
type Stats struct {
	Published     uint64
	Handled       uint64
	HandlerErrors uint64
	Subscribers   int
}

// Stats returns current counters and subscriber count.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	count := 0
	for _, list := range b.subs {
		count += len(list)
	}
	b.mu.RUnlock()

	return Stats{
		Published:     b.published.Load(),
		Handled:       b.handled.Load(),
		HandlerErrors: b.handlerErrors.Load(),
		Subscribers:   count,
	}
}

// Close drops all subscriptions. Publishing on a closed bus is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string][]*subscription)
}
