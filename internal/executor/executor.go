// Package executor runs one labelled body action at a time. A new action
// preempts the current one through cooperative interruption bounded by a
// hard ceiling; an action that refuses to yield is treated as fatal for the
// whole agent, because two actions mutating shared actuation state is worse
// than a restart. The executor also detects pathological rapid-repeat
// invocation and escalates from cancelling resumable work to forcing a
// shutdown.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"pilot/internal/config"
	"pilot/internal/history"
	"pilot/internal/logging"
	"pilot/internal/signalbus"
)

// Phase represents where the executor is in its lifecycle.
type Phase int

const (
	// PhaseIdle - no action in flight
	PhaseIdle Phase = iota
	// PhaseExecuting - an action function is running
	PhaseExecuting
	// PhaseCompleted - last action finished normally
	PhaseCompleted
	// PhaseFailed - last action returned an error or panicked
	PhaseFailed
	// PhaseInterrupted - last action was preempted before finishing
	PhaseInterrupted
	// PhaseTimedOut - last action hit its timeout
	PhaseTimedOut
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseExecuting:
		return "executing"
	case PhaseCompleted:
		return "completed"
	case PhaseFailed:
		return "failed"
	case PhaseInterrupted:
		return "interrupted"
	case PhaseTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("unknown(%d)", p)
	}
}

// Fn is an action body. It must return promptly once its context is
// cancelled or Interrupted() reports true; the executor never kills it.
type Fn func(ctx context.Context) (string, error)

// Options configure one action invocation.
type Options struct {
	// Timeout bounds the action. 0 disables the timer entirely.
	Timeout time.Duration

	// Resumable registers this action as the resume pair: it is re-invoked
	// whenever the executor goes idle with no fresh work pending.
	Resumable bool

	// Critical marks the action as protected from watchdog recovery
	// (legitimate standing-still work such as crafting).
	Critical bool
}

// Result is produced once per action attempt and is immutable after
// creation. Interrupted and TimedOut let the caller distinguish graceful
// completion from forced termination.
type Result struct {
	Success     bool
	Message     string
	Interrupted bool
	TimedOut    bool
}

type attempt struct {
	id       string
	label    string
	critical bool
	cancel   context.CancelFunc
	done     chan struct{}
	cleared  chan struct{}

	mu          sync.Mutex
	interrupted bool
	timedOut    bool
}

func (a *attempt) interrupt() {
	a.mu.Lock()
	a.interrupted = true
	a.mu.Unlock()
}

func (a *attempt) markTimedOut() {
	a.mu.Lock()
	a.timedOut = true
	a.mu.Unlock()
}

func (a *attempt) flags() (interrupted, timedOut bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.interrupted, a.timedOut
}

type resumeAction struct {
	label string
	fn    Fn
	opts  Options
}

// Executor enforces the single-action invariant.
type Executor struct {
	bus     *signalbus.Bus
	history history.Recorder

	stopCeiling       time.Duration
	rapidWindow       time.Duration
	fastLoopCount     int
	infiniteLoopCount int
	outputLimit       int

	fatal func(reason string)

	mu            sync.Mutex
	phase         Phase
	current       *attempt
	resume        *resumeAction
	resumePending bool
	lastInvoke    time.Time
	rapidCount    int
	lastOutput    string
	shuttingDown  bool
}

// New builds an executor. The fatal func defaults to logging only; the
// embedding agent installs its shutdown sequence via SetFatalFunc.
func New(cfg config.ExecutorConfig, bus *signalbus.Bus, rec history.Recorder) *Executor {
	if cfg.FastLoopCount <= 0 {
		cfg.FastLoopCount = 3
	}
	if cfg.InfiniteLoopCount <= cfg.FastLoopCount {
		cfg.InfiniteLoopCount = cfg.FastLoopCount + 2
	}
	return &Executor{
		bus:               bus,
		history:           rec,
		stopCeiling:       config.ParseDuration(cfg.StopCeiling, 10*time.Second),
		rapidWindow:       config.ParseDuration(cfg.RapidWindow, 20*time.Millisecond),
		fastLoopCount:     cfg.FastLoopCount,
		infiniteLoopCount: cfg.InfiniteLoopCount,
		outputLimit:       cfg.OutputLimit,
		fatal: func(reason string) {
			logging.Get(logging.CategoryExecutor).Error("fatal with no shutdown handler installed: %s", reason)
		},
	}
}

// SetFatalFunc installs the whole-agent shutdown sequence invoked on stop
// refusal or a hard loop detection.
func (e *Executor) SetFatalFunc(f func(reason string)) {
	e.mu.Lock()
	e.fatal = f
	e.mu.Unlock()
}

// Run executes an action exclusively and blocks until it resolves.
// If another action is executing it is stopped first; a fresh Run always
// takes precedence over any pending resume invocation.
func (e *Executor) Run(ctx context.Context, label string, fn Fn, opts Options) Result {
	e.mu.Lock()
	if e.shuttingDown {
		e.mu.Unlock()
		return Result{Success: false, Message: "executor is shut down"}
	}

	// Loop breaker bookkeeping. Actions arriving faster than the rapid
	// window count as consecutive repeats.
	now := time.Now()
	if !e.lastInvoke.IsZero() && now.Sub(e.lastInvoke) < e.rapidWindow {
		e.rapidCount++
	} else {
		e.rapidCount = 0
	}
	e.lastInvoke = now

	if e.rapidCount > e.infiniteLoopCount {
		e.shuttingDown = true
		fatal := e.fatal
		e.mu.Unlock()
		reason := fmt.Sprintf("infinite action loop detected at %q (%d rapid repeats)", label, e.rapidCount)
		logging.Get(logging.CategoryExecutor).Error("%s", reason)
		e.recordError(label, reason)
		fatal(reason)
		return Result{Success: false, Message: reason}
	}
	if e.rapidCount > e.fastLoopCount {
		if e.resume != nil || e.resumePending {
			logging.Get(logging.CategoryExecutor).Warn(
				"rapid action repeats (%d): cancelling resume to break the cycle", e.rapidCount)
		}
		e.resume = nil
		e.resumePending = false
	}

	// A fresh run supersedes any scheduled resume invocation.
	e.resumePending = false

	// Preempt whatever is running. The finishing goroutine closes
	// cleared once it has released the slot, so wait for that instead of
	// polling e.current.
	for e.current != nil {
		prev := e.current
		e.mu.Unlock()
		if !e.stopAttempt(prev) {
			reason := fmt.Sprintf("action %q refused to stop within %v", prev.label, e.stopCeiling)
			logging.Get(logging.CategoryExecutor).Error("%s", reason)
			e.recordError(prev.label, reason)
			e.mu.Lock()
			e.shuttingDown = true
			fatal := e.fatal
			e.mu.Unlock()
			fatal(reason)
			return Result{Success: false, Message: reason}
		}
		<-prev.cleared
		e.mu.Lock()
	}

	actx, cancel := context.WithCancel(ctx)
	att := &attempt{
		id:       uuid.NewString(),
		label:    label,
		critical: opts.Critical,
		cancel:   cancel,
		done:     make(chan struct{}),
		cleared:  make(chan struct{}),
	}
	e.current = att
	e.phase = PhaseExecuting
	e.lastOutput = ""
	if opts.Resumable {
		e.resume = &resumeAction{label: label, fn: fn, opts: opts}
	}
	e.mu.Unlock()

	e.bus.Publish(signalbus.SignalActionStarted, map[string]interface{}{
		"action":    label,
		"attempt":   att.id,
		"timestamp": time.Now(),
	})
	logging.Get(logging.CategoryExecutor).Info("action started: %s (attempt=%s)", label, att.id)

	var timer *time.Timer
	if opts.Timeout > 0 {
		timer = time.AfterFunc(opts.Timeout, func() {
			att.markTimedOut()
			logging.Get(logging.CategoryExecutor).Warn("action %q hit %v timeout, stopping", label, opts.Timeout)
			if !e.stopAttempt(att) {
				// A timeout is recoverable; refusing the stop is not.
				reason := fmt.Sprintf("action %q refused to stop within %v after its %v timeout",
					label, e.stopCeiling, opts.Timeout)
				logging.Get(logging.CategoryExecutor).Error("%s", reason)
				e.recordError(label, reason)
				e.mu.Lock()
				e.shuttingDown = true
				fatal := e.fatal
				e.mu.Unlock()
				fatal(reason)
			}
		})
	}

	output, err := e.invoke(att, fn, actx)

	if timer != nil {
		timer.Stop()
	}
	cancel()

	return e.finalize(att, label, opts, output, err)
}

// invoke runs the action body with panic isolation; a panicking action is
// a failure, not an agent crash.
func (e *Executor) invoke(att *attempt, fn Fn, ctx context.Context) (output string, err error) {
	defer close(att.done)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action panicked: %v", r)
		}
	}()
	return fn(ctx)
}

// finalize maps the raw outcome onto the state machine, publishes the
// terminal signal, records history, and schedules the resume action when
// eligible.
func (e *Executor) finalize(att *attempt, label string, opts Options, output string, err error) Result {
	interrupted, timedOut := att.flags()

	e.mu.Lock()
	var res Result
	var terminal Phase
	switch {
	case timedOut:
		terminal = PhaseTimedOut
		res = Result{
			Success:  false,
			Message:  fmt.Sprintf("action %q timed out after %v", label, opts.Timeout),
			TimedOut: true,
		}
	case interrupted:
		terminal = PhaseInterrupted
		res = Result{
			Success:     false,
			Message:     fmt.Sprintf("action %q was interrupted", label),
			Interrupted: true,
		}
	case err != nil:
		terminal = PhaseFailed
		res = Result{Success: false, Message: err.Error()}
		// Never immediately repeat a failing action.
		e.resume = nil
		e.resumePending = false
	default:
		terminal = PhaseCompleted
		res = Result{Success: true, Message: truncate(output, e.outputLimit)}
		e.lastOutput = output
	}

	if e.current == att {
		e.current = nil
		e.phase = PhaseIdle
	}
	close(att.cleared)

	var doResume *resumeAction
	if terminal == PhaseCompleted && !interrupted && e.resume != nil && e.current == nil && !e.shuttingDown {
		e.resumePending = true
		r := *e.resume
		doResume = &r
	}
	e.mu.Unlock()

	switch terminal {
	case PhaseCompleted:
		e.bus.Publish(signalbus.SignalActionCompleted, map[string]interface{}{
			"action":    label,
			"attempt":   att.id,
			"output":    truncate(output, e.outputLimit),
			"timestamp": time.Now(),
		})
		e.record("action", fmt.Sprintf("%s: %s", label, truncate(output, e.outputLimit)))
		logging.Get(logging.CategoryExecutor).Info("action completed: %s", label)
	case PhaseFailed:
		e.bus.Publish(signalbus.SignalActionFailed, map[string]interface{}{
			"action":    label,
			"attempt":   att.id,
			"error":     res.Message,
			"timestamp": time.Now(),
		})
		e.recordError(label, res.Message)
		logging.Get(logging.CategoryExecutor).Warn("action failed: %s: %s", label, res.Message)
	case PhaseTimedOut:
		e.bus.Publish(signalbus.SignalActionFailed, map[string]interface{}{
			"action":    label,
			"attempt":   att.id,
			"error":     res.Message,
			"timed_out": true,
			"timestamp": time.Now(),
		})
		e.recordError(label, res.Message)
	case PhaseInterrupted:
		// Preemption is normal control flow; the successor publishes its
		// own lifecycle signals.
		logging.Get(logging.CategoryExecutor).Debug("action interrupted: %s", label)
	}

	if doResume != nil {
		go e.runResume(*doResume)
	}
	return res
}

// runResume re-invokes the registered resume pair unless a fresh Run
// superseded it in the meantime.
func (e *Executor) runResume(r resumeAction) {
	e.mu.Lock()
	if !e.resumePending || e.shuttingDown {
		e.mu.Unlock()
		return
	}
	e.resumePending = false
	e.mu.Unlock()

	logging.Get(logging.CategoryExecutor).Debug("resuming action: %s", r.label)
	e.Run(context.Background(), r.label, r.fn, r.opts)
}

// Stop requests cooperative interruption of the current action, if any,
// and waits up to the hard ceiling for it to yield. Returns false on stop
// refusal; callers treat that as fatal.
func (e *Executor) Stop() bool {
	e.mu.Lock()
	att := e.current
	e.mu.Unlock()
	if att == nil {
		return true
	}
	return e.stopAttempt(att)
}

func (e *Executor) stopAttempt(att *attempt) bool {
	att.interrupt()
	att.cancel()

	select {
	case <-att.done:
		return true
	case <-time.After(e.stopCeiling):
		return false
	}
}

// SetResume registers a (label, fn) pair re-invoked whenever the executor
// goes idle with nothing pending. A fresh Run replaces it.
func (e *Executor) SetResume(label string, fn Fn, opts Options) {
	opts.Resumable = true
	e.mu.Lock()
	e.resume = &resumeAction{label: label, fn: fn, opts: opts}
	e.mu.Unlock()
}

// ClearResume drops the registered resume pair.
func (e *Executor) ClearResume() {
	e.mu.Lock()
	e.resume = nil
	e.resumePending = false
	e.mu.Unlock()
}

// Interrupted reports whether the current action has been asked to stop.
// Action bodies should poll this (or their context) at safe points.
func (e *Executor) Interrupted() bool {
	e.mu.Lock()
	att := e.current
	e.mu.Unlock()
	if att == nil {
		return false
	}
	interrupted, _ := att.flags()
	return interrupted
}

// Idle reports whether no action is in flight.
func (e *Executor) Idle() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current == nil
}

// CriticalActive reports whether the in-flight action is protected from
// watchdog recovery.
func (e *Executor) CriticalActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current != nil && e.current.critical
}

// Phase returns the executor's current lifecycle phase.
func (e *Executor) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// LastOutput returns the output buffer of the most recent completed action.
func (e *Executor) LastOutput() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastOutput
}

func (e *Executor) record(source, text string) {
	if e.history == nil {
		return
	}
	if err := e.history.Add(source, text); err != nil {
		logging.Get(logging.CategoryHistory).Warn("failed to record event: %v", err)
	}
}

func (e *Executor) recordError(action, reason string) {
	if e.history == nil {
		return
	}
	if err := e.history.AddError(action, reason); err != nil {
		logging.Get(logging.CategoryHistory).Warn("failed to record error: %v", err)
	}
}

func truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
