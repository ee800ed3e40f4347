// Package watchdog detects the absence of world-state progress. It samples
// the agent's position independently of the action flow; pathfinding that
// wedges against a wall looks exactly like working from the executor's
// point of view, so liveness has to be judged from outside.
package watchdog

import (
	"context"
	"math"
	"sync"
	"time"

	"pilot/internal/config"
	"pilot/internal/logging"
	"pilot/internal/signalbus"
)

// Position is a point in world space.
type Position struct {
	X, Y, Z float64
}

// Distance returns the euclidean distance to another position.
func (p Position) Distance(o Position) float64 {
	dx, dy, dz := p.X-o.X, p.Y-o.Y, p.Z-o.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// PositionFunc supplies the current position; ok is false when the agent
// is not embodied.
type PositionFunc func() (Position, bool)

// RecoverFunc performs the scripted unstick maneuver. It runs on its own
// goroutine and must respect the context.
type RecoverFunc func(ctx context.Context)

// Stats tracks watchdog activity for diagnostics.
type Stats struct {
	Samples      int
	Recoveries   int
	LastProgress time.Time
	LastPosition Position
}

// Watchdog periodically compares positions and triggers recovery when the
// agent has not moved for longer than the stuck timeout. Idle and
// critical-action periods reset the clock instead of counting as stuck.
type Watchdog struct {
	pollInterval time.Duration
	stuckTimeout time.Duration
	epsilon      float64

	bus      *signalbus.Bus
	position PositionFunc
	idle     func() bool
	critical func() bool
	recover  RecoverFunc

	mu           sync.Mutex
	lastPos      Position
	havePos      bool
	lastProgress time.Time
	stats        Stats
	running      bool
	stopCh       chan struct{}
	doneCh       chan struct{}
}

// New builds a watchdog. idle and critical report the executor's state;
// either being true suppresses stuck detection for that sample.
func New(cfg config.WatchdogConfig, bus *signalbus.Bus, position PositionFunc,
	idle, critical func() bool, recover RecoverFunc) *Watchdog {
	return &Watchdog{
		pollInterval: config.ParseDuration(cfg.PollInterval, 3*time.Second),
		stuckTimeout: config.ParseDuration(cfg.StuckTimeout, 30*time.Second),
		epsilon:      cfg.MovementEpsilon,
		bus:          bus,
		position:     position,
		idle:         idle,
		critical:     critical,
		recover:      recover,
	}
}

// Start begins periodic sampling. Non-blocking; the loop runs on its own
// goroutine until Stop or context cancellation.
func (w *Watchdog) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.lastProgress = time.Now()
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	stopCh, doneCh := w.stopCh, w.doneCh
	w.mu.Unlock()

	logging.Get(logging.CategoryWatchdog).Info("started (poll=%v, stuck_timeout=%v)", w.pollInterval, w.stuckTimeout)

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(w.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				w.sample(ctx)
			}
		}
	}()
}

// Stop halts sampling and waits for the loop to exit.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	doneCh := w.doneCh
	w.mu.Unlock()

	<-doneCh
	logging.Get(logging.CategoryWatchdog).Info("stopped")
}

// sample takes one liveness reading.
func (w *Watchdog) sample(ctx context.Context) {
	pos, ok := w.position()
	now := time.Now()

	w.mu.Lock()
	w.stats.Samples++

	if !ok {
		// Not embodied; nothing to judge.
		w.lastProgress = now
		w.havePos = false
		w.mu.Unlock()
		return
	}

	// Legitimate standing-still work must not count as stuck.
	if (w.idle != nil && w.idle()) || (w.critical != nil && w.critical()) {
		w.lastProgress = now
		w.lastPos = pos
		w.havePos = true
		w.mu.Unlock()
		return
	}

	if !w.havePos || pos.Distance(w.lastPos) > w.epsilon {
		w.lastProgress = now
		w.lastPos = pos
		w.havePos = true
		w.stats.LastProgress = now
		w.stats.LastPosition = pos
		w.mu.Unlock()
		return
	}

	stuckFor := now.Sub(w.lastProgress)
	if stuckFor < w.stuckTimeout {
		w.mu.Unlock()
		return
	}

	// Reset before recovering so one detection triggers exactly one
	// maneuver instead of firing again on the next sample.
	w.lastProgress = now
	w.stats.Recoveries++
	recoveries := w.stats.Recoveries
	w.mu.Unlock()

	logging.Get(logging.CategoryWatchdog).Warn("no progress for %v, triggering recovery #%d", stuckFor, recoveries)
	w.bus.Publish(signalbus.SignalWatchdogRecovery, map[string]interface{}{
		"stuck_for":  stuckFor.String(),
		"recoveries": recoveries,
		"position":   pos,
		"timestamp":  now,
	})
	if w.recover != nil {
		go w.recover(ctx)
	}
}

// Stats returns a snapshot of watchdog activity.
func (w *Watchdog) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}
