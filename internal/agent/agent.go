// Package agent wires the control core together: signal bus, control
// resources, safety arbiter, action executor, goal scheduler and watchdog
// are constructed explicitly and share no globals. The embedding process
// builds one Agent, feeds it directives, and consumes results and signals.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"pilot/internal/arbiter"
	"pilot/internal/config"
	"pilot/internal/executor"
	"pilot/internal/history"
	"pilot/internal/logging"
	"pilot/internal/resource"
	"pilot/internal/scheduler"
	"pilot/internal/signalbus"
	"pilot/internal/watchdog"
)

// DirectiveType classifies inbound directives.
type DirectiveType string

const (
	DirectiveCommand DirectiveType = "command"
	DirectiveChat    DirectiveType = "chat"
	DirectivePlan    DirectiveType = "plan"
)

// TaskTypeCode marks a task carrying an executable unit.
const TaskTypeCode = "code"

// Task is the opaque executable unit attached to a command directive.
type Task struct {
	Type      string
	Label     string
	Fn        executor.Fn
	Timeout   time.Duration // 0 applies the configured default; negative disables
	Resumable bool
	Critical  bool
}

// Directive is the inbound contract from the planner or an external user.
type Directive struct {
	Type      DirectiveType
	Content   string // Command name, chat text, or goal description
	Requester string // Empty for the agent's own planner
	Task      *Task
}

// Collaborators are the external interfaces the core consumes. Vitals and
// Position may be nil before embodiment; Trust may be nil when no external
// requesters exist; History may be nil to use the configured SQLite journal.
type Collaborators struct {
	Vitals   arbiter.VitalsProvider
	Trust    arbiter.TrustProvider
	Planner  scheduler.Planner
	Position watchdog.PositionFunc
	Recover  watchdog.RecoverFunc
	History  history.Recorder
}

// Agent is the arbitration and execution core.
type Agent struct {
	cfg *config.Config

	bus       *signalbus.Bus
	resources *resource.Registry
	arbiter   *arbiter.Arbiter
	executor  *executor.Executor
	scheduler *scheduler.Scheduler
	watchdog  *watchdog.Watchdog
	history   history.Recorder

	store *history.Store // Owned journal, nil when the embedder supplied one

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

type notEmbodied struct{}

func (notEmbodied) Vitals() (arbiter.Vitals, bool) { return arbiter.Vitals{}, false }

// New constructs a fully wired agent.
func New(cfg *config.Config, collab Collaborators) (*Agent, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	vitals := collab.Vitals
	if vitals == nil {
		vitals = notEmbodied{}
	}
	position := collab.Position
	if position == nil {
		position = func() (watchdog.Position, bool) { return watchdog.Position{}, false }
	}

	rec := collab.History
	var store *history.Store
	if rec == nil {
		var err error
		store, err = history.NewStore(cfg.History.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		rec = store
	}

	bus := signalbus.New()
	exec := executor.New(cfg.Executor, bus, rec)

	a := &Agent{
		cfg:        cfg,
		bus:        bus,
		resources:  resource.NewRegistry(),
		arbiter:    arbiter.New(cfg.Safety, vitals, collab.Trust),
		executor:   exec,
		scheduler:  scheduler.New(cfg.Scheduler, cfg.Safety, bus, rec, vitals, collab.Planner),
		history:    rec,
		store:      store,
		shutdownCh: make(chan struct{}),
	}
	a.watchdog = watchdog.New(cfg.Watchdog, bus, position, exec.Idle, exec.CriticalActive, collab.Recover)

	// Fatal conditions (stop refusal, hard loop detection) tear the whole
	// agent down in order rather than leaking a zombie action.
	exec.SetFatalFunc(func(reason string) {
		go a.Shutdown(reason)
	})

	logging.Get(logging.CategoryBoot).Info("%s %s wired (fail_closed=%v)", cfg.Name, cfg.Version, cfg.Safety.FailClosed)
	return a, nil
}

// HandleDirective routes one inbound directive. Safety vetoes are a normal
// result, not an error; errors indicate a malformed directive.
func (a *Agent) HandleDirective(ctx context.Context, d Directive) (executor.Result, error) {
	switch d.Type {
	case DirectiveChat:
		if err := a.history.Add("chat", d.Content); err != nil {
			logging.Get(logging.CategoryHistory).Warn("failed to record chat: %v", err)
		}
		return executor.Result{Success: true}, nil

	case DirectivePlan:
		a.scheduler.AddGoal(d.Content, scheduler.PriorityMedium)
		return executor.Result{Success: true, Message: "goal queued"}, nil

	case DirectiveCommand:
		verdict := a.arbiter.Check(d.Content, d.Requester)
		if !verdict.Safe {
			if err := a.history.AddError(d.Content, verdict.Reason); err != nil {
				logging.Get(logging.CategoryHistory).Warn("failed to record veto: %v", err)
			}
			return executor.Result{Success: false, Message: verdict.Reason}, nil
		}
		if d.Task == nil || d.Task.Type != TaskTypeCode {
			return executor.Result{}, fmt.Errorf("command %q carries no executable task", d.Content)
		}
		label := d.Task.Label
		if label == "" {
			label = d.Content
		}
		opts := executor.Options{
			Timeout:   d.Task.Timeout,
			Resumable: d.Task.Resumable,
			Critical:  d.Task.Critical,
		}
		if opts.Timeout == 0 {
			opts.Timeout = config.ParseDuration(a.cfg.Executor.DefaultTimeout, 10*time.Minute)
		} else if opts.Timeout < 0 {
			opts.Timeout = 0
		}
		return a.executor.Run(ctx, label, d.Task.Fn, opts), nil

	default:
		return executor.Result{}, fmt.Errorf("unknown directive type %q", d.Type)
	}
}

// Run starts the scheduler and watchdog loops and blocks until the context
// is cancelled or the agent shuts down.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.watchdog.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.scheduler.Run(gctx)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return gctx.Err()
		case <-a.shutdownCh:
			return fmt.Errorf("agent shut down")
		}
	})

	err := g.Wait()
	a.Shutdown("run loop exited")
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// Shutdown tears the agent down in order: watchdog first so recovery does
// not fight the teardown, then the executor, then the bus and journal.
// Idempotent; later calls are no-ops.
func (a *Agent) Shutdown(reason string) {
	a.shutdownOnce.Do(func() {
		logging.Get(logging.CategoryAgent).Warn("shutting down: %s", reason)

		a.watchdog.Stop()
		if !a.executor.Stop() {
			logging.Get(logging.CategoryAgent).Error("action refused to stop during shutdown")
		}
		a.bus.Close()
		if a.store != nil {
			if err := a.store.Close(); err != nil {
				logging.Get(logging.CategoryAgent).Warn("failed to close journal: %v", err)
			}
		}
		close(a.shutdownCh)
		logging.Sync()
	})
}

// Bus exposes the signal bus for external observers.
func (a *Agent) Bus() *signalbus.Bus { return a.bus }

// Resources exposes the control resource registry for reflexes that need
// to contend for aim or movement.
func (a *Agent) Resources() *resource.Registry { return a.resources }

// Executor exposes the action executor for advanced embedders.
func (a *Agent) Executor() *executor.Executor { return a.executor }

// Scheduler exposes the goal scheduler.
func (a *Agent) Scheduler() *scheduler.Scheduler { return a.scheduler }

// Arbiter exposes the safety gate for pre-flight checks.
func (a *Agent) Arbiter() *arbiter.Arbiter { return a.arbiter }
