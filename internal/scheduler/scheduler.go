// Package scheduler maintains the priority-ordered goal queue. Survival
// checks run before normal selection so a collapsing health or hunger bar
// preempts whatever the agent was doing; a goal that keeps failing is
// abandoned after a bounded number of attempts instead of being retried
// forever.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"pilot/internal/arbiter"
	"pilot/internal/config"
	"pilot/internal/history"
	"pilot/internal/logging"
	"pilot/internal/signalbus"
)

// Goal priorities. Higher runs first.
const (
	PriorityCritical = 100
	PriorityHigh     = 80
	PriorityMedium   = 50
	PriorityLow      = 20
)

// Goal is a prioritized unit of intent.
type Goal struct {
	ID          string
	Description string
	Priority    int
	Timestamp   time.Time

	// AttemptCount increments each time the goal is dequeued as current.
	AttemptCount int

	seq uint64 // Insertion order, tie-break for equal priority
}

// Planner is the external collaborator that decomposes a goal into actions.
type Planner interface {
	Plan(ctx context.Context, goal Goal) error
}

// Scheduler owns the goal queue and the survival check.
type Scheduler struct {
	maxAttempts  int
	tickInterval time.Duration
	critHealth   float64
	critHunger   float64

	bus     *signalbus.Bus
	history history.Recorder
	vitals  arbiter.VitalsProvider
	planner Planner

	mu      sync.Mutex
	queue   []*Goal
	current *Goal
	seq     uint64
}

// New builds a scheduler. Thresholds come from the same safety config the
// arbiter uses so the two components agree on what "critical" means.
func New(cfg config.SchedulerConfig, safety config.SafetyConfig, bus *signalbus.Bus,
	rec history.Recorder, vitals arbiter.VitalsProvider, planner Planner) *Scheduler {
	return &Scheduler{
		maxAttempts:  cfg.MaxAttempts,
		tickInterval: config.ParseDuration(cfg.TickInterval, time.Second),
		critHealth:   safety.CriticalHealth,
		critHunger:   safety.CriticalHunger,
		bus:          bus,
		history:      rec,
		vitals:       vitals,
		planner:      planner,
	}
}

// AddGoal inserts a goal and re-sorts the queue: priority descending,
// insertion order ascending on ties.
func (s *Scheduler) AddGoal(description string, priority int) *Goal {
	s.mu.Lock()
	s.seq++
	g := &Goal{
		ID:          uuid.NewString(),
		Description: description,
		Priority:    priority,
		Timestamp:   time.Now(),
		seq:         s.seq,
	}
	s.queue = append(s.queue, g)
	s.sortLocked()
	s.mu.Unlock()

	s.bus.Publish(signalbus.SignalGoalAdded, map[string]interface{}{
		"goal":      g.ID,
		"desc":      description,
		"priority":  priority,
		"timestamp": g.Timestamp,
	})
	logging.Get(logging.CategoryScheduler).Info("goal added: %s (priority=%d)", description, priority)
	return g
}

func (s *Scheduler) sortLocked() {
	sort.SliceStable(s.queue, func(i, j int) bool {
		if s.queue[i].Priority != s.queue[j].Priority {
			return s.queue[i].Priority > s.queue[j].Priority
		}
		return s.queue[i].seq < s.queue[j].seq
	})
}

// Tick runs one scheduling step: the survival check first, then normal
// goal selection when nothing is active.
func (s *Scheduler) Tick(ctx context.Context) {
	if s.survivalCheck(ctx) {
		return
	}
	s.selectNext(ctx)
}

// survivalCheck installs a CRITICAL goal when vitals cross a critical
// threshold and none is active. The preempted goal goes back to the front
// of the queue with its attempt count preserved. Returns true when it
// preempted.
func (s *Scheduler) survivalCheck(ctx context.Context) bool {
	v, ok := s.vitals.Vitals()
	if !ok {
		return false
	}
	if v.Health >= s.critHealth && v.Hunger >= s.critHunger {
		return false
	}

	s.mu.Lock()
	if s.current != nil && s.current.Priority >= PriorityCritical {
		s.mu.Unlock()
		return false
	}

	if s.current != nil {
		// Push back preserving attempt count; it resumes after survival.
		s.queue = append([]*Goal{s.current}, s.queue...)
		logging.Get(logging.CategoryScheduler).Info("goal %q preempted by survival check", s.current.Description)
	}

	s.seq++
	desc := survivalDescription(v, s.critHealth, s.critHunger)
	g := &Goal{
		ID:           uuid.NewString(),
		Description:  desc,
		Priority:     PriorityCritical,
		Timestamp:    time.Now(),
		AttemptCount: 1,
		seq:          s.seq,
	}
	s.current = g
	s.mu.Unlock()

	logging.Get(logging.CategoryScheduler).Warn("survival goal installed: %s (health=%.0f hunger=%.0f)",
		desc, v.Health, v.Hunger)
	s.plan(ctx, g)
	return true
}

func survivalDescription(v arbiter.Vitals, critHealth, critHunger float64) string {
	if v.Health < critHealth {
		return fmt.Sprintf("emergency: restore health (%.0f below %.0f)", v.Health, critHealth)
	}
	return fmt.Sprintf("emergency: find food (hunger %.0f below %.0f)", v.Hunger, critHunger)
}

// selectNext dequeues the highest-priority goal when idle, discarding any
// goal that has exhausted its attempts.
func (s *Scheduler) selectNext(ctx context.Context) {
	s.mu.Lock()
	if s.current != nil {
		s.mu.Unlock()
		return
	}

	var picked *Goal
	for len(s.queue) > 0 {
		g := s.queue[0]
		s.queue = s.queue[1:]
		g.AttemptCount++

		if g.AttemptCount > s.maxAttempts {
			s.mu.Unlock()
			s.abandon(g)
			s.mu.Lock()
			continue
		}
		picked = g
		break
	}
	if picked != nil {
		s.current = picked
	}
	s.mu.Unlock()

	if picked != nil {
		logging.Get(logging.CategoryScheduler).Info("goal selected: %s (attempt %d/%d)",
			picked.Description, picked.AttemptCount, s.maxAttempts)
		s.plan(ctx, picked)
	}
}

// abandon records a permanent failure; the goal never re-enters the queue.
func (s *Scheduler) abandon(g *Goal) {
	reason := fmt.Sprintf("abandoned after %d attempts", g.AttemptCount-1)
	logging.Get(logging.CategoryScheduler).Warn("goal %q %s", g.Description, reason)
	if s.history != nil {
		if err := s.history.AddError(g.Description, reason); err != nil {
			logging.Get(logging.CategoryHistory).Warn("failed to record abandonment: %v", err)
		}
	}
	s.bus.Publish(signalbus.SignalGoalAbandoned, map[string]interface{}{
		"goal":      g.ID,
		"desc":      g.Description,
		"attempts":  g.AttemptCount - 1,
		"timestamp": time.Now(),
	})
}

// plan hands the goal to the planning collaborator. Planner errors leave
// the goal current; RequeueCurrent or CompleteCurrent decide its fate.
func (s *Scheduler) plan(ctx context.Context, g *Goal) {
	if s.planner == nil {
		return
	}
	if err := s.planner.Plan(ctx, *g); err != nil {
		logging.Get(logging.CategoryScheduler).Warn("planner failed for %q: %v", g.Description, err)
		s.RequeueCurrent()
	}
}

// CurrentGoal returns a copy of the active goal, or nil.
func (s *Scheduler) CurrentGoal() *Goal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	g := *s.current
	return &g
}

// CompleteCurrent marks the active goal done and clears it.
func (s *Scheduler) CompleteCurrent() {
	s.mu.Lock()
	if s.current != nil {
		logging.Get(logging.CategoryScheduler).Info("goal completed: %s", s.current.Description)
		s.current = nil
	}
	s.mu.Unlock()
}

// RequeueCurrent pushes the active goal to the front of the queue,
// preserving its attempt count, and clears the active slot.
func (s *Scheduler) RequeueCurrent() {
	s.mu.Lock()
	if s.current != nil {
		s.queue = append([]*Goal{s.current}, s.queue...)
		s.current = nil
	}
	s.mu.Unlock()
}

// QueueLength returns the number of queued (not active) goals.
func (s *Scheduler) QueueLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// PeekQueue returns copies of the queued goals in dequeue order.
func (s *Scheduler) PeekQueue() []Goal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Goal, len(s.queue))
	for i, g := range s.queue {
		out[i] = *g
	}
	return out
}

// Run ticks the scheduler until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}
