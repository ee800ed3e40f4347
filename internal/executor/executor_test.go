package executor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pilot/internal/config"
	"pilot/internal/history"
	"pilot/internal/signalbus"
)

func newTestExecutor(t *testing.T, mutate func(*config.ExecutorConfig)) (*Executor, *signalbus.Bus, *history.Memory) {
	t.Helper()
	cfg := config.Default().Executor
	if mutate != nil {
		mutate(&cfg)
	}
	bus := signalbus.New()
	t.Cleanup(bus.Close)
	rec := history.NewMemory()
	return New(cfg, bus, rec), bus, rec
}

func TestRunCompletes(t *testing.T) {
	e, bus, rec := newTestExecutor(t, nil)

	var signals []string
	bus.Subscribe(signalbus.SignalActionStarted, func(signalbus.Signal) { signals = append(signals, "started") })
	bus.Subscribe(signalbus.SignalActionCompleted, func(signalbus.Signal) { signals = append(signals, "completed") })

	res := e.Run(context.Background(), "dig", func(ctx context.Context) (string, error) {
		return "dug 3 blocks", nil
	}, Options{})

	require.True(t, res.Success)
	assert.Equal(t, "dug 3 blocks", res.Message)
	assert.False(t, res.Interrupted)
	assert.False(t, res.TimedOut)
	assert.Equal(t, []string{"started", "completed"}, signals)
	assert.True(t, e.Idle())
	assert.Equal(t, PhaseIdle, e.Phase())

	entries := rec.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, history.KindEvent, entries[0].Kind)
}

func TestRunFailureIsRecorded(t *testing.T) {
	e, bus, rec := newTestExecutor(t, nil)

	failed := false
	bus.Subscribe(signalbus.SignalActionFailed, func(signalbus.Signal) { failed = true })

	res := e.Run(context.Background(), "craft", func(ctx context.Context) (string, error) {
		return "", errors.New("no crafting table")
	}, Options{})

	require.False(t, res.Success)
	assert.Equal(t, "no crafting table", res.Message)
	assert.True(t, failed)
	assert.True(t, e.Idle())

	entries := rec.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, history.KindError, entries[0].Kind)
}

func TestPanicIsContained(t *testing.T) {
	e, _, _ := newTestExecutor(t, nil)

	res := e.Run(context.Background(), "explode", func(ctx context.Context) (string, error) {
		panic("boom")
	}, Options{})

	require.False(t, res.Success)
	assert.Contains(t, res.Message, "panicked")
	assert.True(t, e.Idle())
}

func TestMutualExclusionUnderPreemption(t *testing.T) {
	e, _, _ := newTestExecutor(t, nil)

	var inFlight, maxInFlight atomic.Int32
	body := func(ctx context.Context) (string, error) {
		n := inFlight.Add(1)
		for {
			if m := maxInFlight.Load(); n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		defer inFlight.Add(-1)
		<-ctx.Done()
		return "", ctx.Err()
	}

	firstDone := make(chan Result, 1)
	go func() { firstDone <- e.Run(context.Background(), "first", body, Options{}) }()

	// Wait for the first action to be mid-execution.
	require.Eventually(t, func() bool { return inFlight.Load() == 1 },
		time.Second, time.Millisecond)

	second := e.Run(context.Background(), "second", func(ctx context.Context) (string, error) {
		return "ok", nil
	}, Options{})
	require.True(t, second.Success)

	select {
	case first := <-firstDone:
		assert.True(t, first.Interrupted)
		assert.False(t, first.Success)
	case <-time.After(time.Second):
		t.Fatalf("preempted action never returned")
	}

	assert.Equal(t, int32(1), maxInFlight.Load(), "two actions were in flight at once")
}

func TestTimeoutFires(t *testing.T) {
	e, _, rec := newTestExecutor(t, nil)

	start := time.Now()
	res := e.Run(context.Background(), "mine", func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}, Options{Timeout: 50 * time.Millisecond})

	require.False(t, res.Success)
	assert.True(t, res.TimedOut)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, e.Idle())

	entries := rec.Entries()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Text, "timed out")
}

func TestFailureCancelsResume(t *testing.T) {
	e, _, _ := newTestExecutor(t, nil)

	var calls atomic.Int32
	res := e.Run(context.Background(), "flaky", func(ctx context.Context) (string, error) {
		calls.Add(1)
		return "", errors.New("nope")
	}, Options{Resumable: true})

	require.False(t, res.Success)
	// A failing action must not be immediately repeated.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestResumeReinvokesAfterCompletion(t *testing.T) {
	e, _, _ := newTestExecutor(t, func(cfg *config.ExecutorConfig) {
		cfg.RapidWindow = "1ms" // Keep deliberate resumes below the rapid threshold
	})

	var calls atomic.Int32
	e.Run(context.Background(), "patrol", func(ctx context.Context) (string, error) {
		if calls.Add(1) >= 3 {
			e.ClearResume()
		}
		time.Sleep(5 * time.Millisecond)
		return "lap done", nil
	}, Options{Resumable: true})

	require.Eventually(t, func() bool { return calls.Load() == 3 },
		time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFreshRunSupersedesResume(t *testing.T) {
	e, _, _ := newTestExecutor(t, func(cfg *config.ExecutorConfig) {
		cfg.RapidWindow = "1ms"
	})

	var resumed atomic.Int32
	e.SetResume("patrol", func(ctx context.Context) (string, error) {
		resumed.Add(1)
		return "", nil
	}, Options{})

	res := e.Run(context.Background(), "fresh", func(ctx context.Context) (string, error) {
		time.Sleep(5 * time.Millisecond)
		return "ok", nil
	}, Options{})
	require.True(t, res.Success)

	// The registered resume pair fires once the fresh action completes.
	require.Eventually(t, func() bool { return resumed.Load() >= 1 },
		time.Second, time.Millisecond)
}

func TestStopRefusalEscalatesToFatal(t *testing.T) {
	e, _, _ := newTestExecutor(t, func(cfg *config.ExecutorConfig) {
		cfg.StopCeiling = "20ms"
	})

	fatalReason := make(chan string, 1)
	e.SetFatalFunc(func(reason string) { fatalReason <- reason })

	zombieExited := make(chan struct{})
	go func() {
		e.Run(context.Background(), "zombie", func(ctx context.Context) (string, error) {
			time.Sleep(150 * time.Millisecond) // Ignores interruption
			return "", nil
		}, Options{})
		close(zombieExited)
	}()
	require.Eventually(t, func() bool { return !e.Idle() }, time.Second, time.Millisecond)

	res := e.Run(context.Background(), "next", func(ctx context.Context) (string, error) {
		return "", nil
	}, Options{})

	require.False(t, res.Success)
	assert.Contains(t, res.Message, "refused to stop")
	select {
	case reason := <-fatalReason:
		assert.Contains(t, reason, "zombie")
	case <-time.After(time.Second):
		t.Fatalf("fatal handler never invoked")
	}
	<-zombieExited
}

func TestTimeoutStopRefusalEscalatesToFatal(t *testing.T) {
	e, _, rec := newTestExecutor(t, func(cfg *config.ExecutorConfig) {
		cfg.StopCeiling = "20ms"
	})

	fatalReason := make(chan string, 1)
	e.SetFatalFunc(func(reason string) { fatalReason <- reason })

	done := make(chan Result, 1)
	go func() {
		done <- e.Run(context.Background(), "tarpit", func(ctx context.Context) (string, error) {
			time.Sleep(300 * time.Millisecond) // Ignores interruption
			return "", nil
		}, Options{Timeout: 30 * time.Millisecond})
	}()

	// The timeout fires, the stop is refused, and the fatal handler runs
	// while the action is still wedged.
	select {
	case reason := <-fatalReason:
		assert.Contains(t, reason, "refused to stop")
		assert.Contains(t, reason, "tarpit")
	case <-time.After(time.Second):
		t.Fatalf("fatal handler never invoked for timeout stop refusal")
	}

	res := <-done
	assert.False(t, res.Success)
	assert.True(t, res.TimedOut)

	// Further runs are refused once the escalation marked shutdown.
	after := e.Run(context.Background(), "after", func(ctx context.Context) (string, error) {
		return "", nil
	}, Options{})
	assert.False(t, after.Success)

	var sawRefusal bool
	for _, entry := range rec.Entries() {
		if entry.Kind == history.KindError && strings.Contains(entry.Text, "refused to stop") {
			sawRefusal = true
		}
	}
	assert.True(t, sawRefusal, "stop refusal was never journaled")
}

func TestInfiniteLoopForcesShutdown(t *testing.T) {
	e, _, _ := newTestExecutor(t, func(cfg *config.ExecutorConfig) {
		cfg.RapidWindow = "50ms"
		cfg.FastLoopCount = 3
		cfg.InfiniteLoopCount = 5
	})

	fatal := make(chan string, 1)
	e.SetFatalFunc(func(reason string) { fatal <- reason })

	noop := func(ctx context.Context) (string, error) { return "", nil }

	var last Result
	for i := 0; i < 8; i++ {
		last = e.Run(context.Background(), "spin", noop, Options{})
		if !last.Success {
			break
		}
	}

	require.False(t, last.Success)
	assert.Contains(t, last.Message, "loop")
	select {
	case <-fatal:
	case <-time.After(time.Second):
		t.Fatalf("fatal handler never invoked")
	}

	// Shut down: further runs are refused.
	res := e.Run(context.Background(), "after", noop, Options{})
	assert.False(t, res.Success)
}

func TestRapidRepeatsCancelResume(t *testing.T) {
	e, _, _ := newTestExecutor(t, func(cfg *config.ExecutorConfig) {
		cfg.RapidWindow = "1h" // Every invocation counts as rapid
		cfg.FastLoopCount = 2
		cfg.InfiniteLoopCount = 20
	})

	e.SetResume("patrol", func(ctx context.Context) (string, error) { return "", nil }, Options{})

	noop := func(ctx context.Context) (string, error) { return "", nil }
	for i := 0; i < 4; i++ {
		e.Run(context.Background(), "spin", noop, Options{})
	}

	// Past the fast-loop threshold the resume pair is dropped.
	e.mu.Lock()
	resume := e.resume
	e.mu.Unlock()
	assert.Nil(t, resume)
}

func TestCriticalActive(t *testing.T) {
	e, _, _ := newTestExecutor(t, nil)

	running := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		e.Run(context.Background(), "smelt", func(ctx context.Context) (string, error) {
			close(running)
			<-release
			return "", nil
		}, Options{Critical: true})
		close(done)
	}()

	<-running
	assert.True(t, e.CriticalActive())
	assert.False(t, e.Idle())
	close(release)
	<-done
	assert.False(t, e.CriticalActive())
}
