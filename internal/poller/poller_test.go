package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestStartRunsImmediately(t *testing.T) {
	s := New("test", nil, zerolog.Nop())
	var runs int64
	// Interval far longer than the test: only the immediate run can happen.
	if err := s.Start(time.Hour, func(context.Context) error {
		atomic.AddInt64(&runs, 1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()
	waitFor(t, time.Second, func() bool { return atomic.LoadInt64(&runs) == 1 })
}

func TestTicksRepeat(t *testing.T) {
	s := New("test", nil, zerolog.Nop())
	var runs int64
	_ = s.Start(10*time.Millisecond, func(context.Context) error {
		atomic.AddInt64(&runs, 1)
		return nil
	})
	defer s.Stop()
	waitFor(t, 2*time.Second, func() bool { return atomic.LoadInt64(&runs) >= 4 })
}

func TestErrorsDoNotStopScheduler(t *testing.T) {
	var mu sync.Mutex
	var seen []error
	s := New("test", func(err error) {
		mu.Lock()
		seen = append(seen, err)
		mu.Unlock()
	}, zerolog.Nop())

	boom := errors.New("device unreachable")
	var runs int64
	_ = s.Start(10*time.Millisecond, func(context.Context) error {
		atomic.AddInt64(&runs, 1)
		return boom
	})
	waitFor(t, 2*time.Second, func() bool { return atomic.LoadInt64(&runs) >= 3 })
	if !s.Running() {
		t.Error("scheduler should keep running after task errors")
	}
	s.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) < 3 {
		t.Fatalf("onError called %d times, want >= 3", len(seen))
	}
	for _, err := range seen {
		if !errors.Is(err, boom) {
			t.Errorf("onError got %v, want %v", err, boom)
		}
	}
}

// TestStopWaitsForInFlightTask delays the task past the Stop call and checks
// that nothing runs once Stop has returned.
func TestStopWaitsForInFlightTask(t *testing.T) {
	s := New("test", nil, zerolog.Nop())
	started := make(chan struct{}, 1)
	var finished, afterStop int64
	var stopped int32

	_ = s.Start(5*time.Millisecond, func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		if atomic.LoadInt32(&stopped) == 1 {
			atomic.AddInt64(&afterStop, 1)
		}
		time.Sleep(50 * time.Millisecond) // slow fetch that ignores ctx
		if atomic.LoadInt32(&stopped) == 1 {
			atomic.AddInt64(&afterStop, 1)
		}
		atomic.AddInt64(&finished, 1)
		return nil
	})

	<-started
	s.Stop()
	atomic.StoreInt32(&stopped, 1)
	finishedAtStop := atomic.LoadInt64(&finished)
	if finishedAtStop == 0 {
		t.Fatal("Stop returned before the in-flight task finished")
	}

	time.Sleep(60 * time.Millisecond)
	if got := atomic.LoadInt64(&finished); got != finishedAtStop {
		t.Errorf("task ran after Stop returned: finished %d -> %d", finishedAtStop, got)
	}
	if atomic.LoadInt64(&afterStop) != 0 {
		t.Error("task observed execution after Stop returned")
	}
	if s.Running() {
		t.Error("Running should be false after Stop")
	}
}

func TestStopCancelsTaskContext(t *testing.T) {
	var onErr int64
	s := New("test", func(error) { atomic.AddInt64(&onErr, 1) }, zerolog.Nop())
	started := make(chan struct{})
	_ = s.Start(time.Hour, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	<-started

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return; task context was not cancelled")
	}
	if atomic.LoadInt64(&onErr) != 0 {
		t.Error("cancellation on stop must not be reported as a task error")
	}
}

func TestRestartReplacesLoop(t *testing.T) {
	s := New("test", nil, zerolog.Nop())
	var active, maxActive int64
	var firstRuns, secondRuns int64

	track := func(counter *int64) Task {
		return func(context.Context) error {
			n := atomic.AddInt64(&active, 1)
			for {
				m := atomic.LoadInt64(&maxActive)
				if n <= m || atomic.CompareAndSwapInt64(&maxActive, m, n) {
					break
				}
			}
			atomic.AddInt64(counter, 1)
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt64(&active, -1)
			return nil
		}
	}

	_ = s.Start(5*time.Millisecond, track(&firstRuns))
	waitFor(t, time.Second, func() bool { return atomic.LoadInt64(&firstRuns) >= 2 })

	if err := s.Start(7*time.Millisecond, track(&secondRuns)); err != nil {
		t.Fatal(err)
	}
	frozen := atomic.LoadInt64(&firstRuns)
	if got := s.Interval(); got != 7*time.Millisecond {
		t.Errorf("Interval = %s, want 7ms", got)
	}
	waitFor(t, time.Second, func() bool { return atomic.LoadInt64(&secondRuns) >= 2 })
	s.Stop()

	if got := atomic.LoadInt64(&firstRuns); got != frozen {
		t.Errorf("old loop kept running after restart: %d -> %d", frozen, got)
	}
	if m := atomic.LoadInt64(&maxActive); m > 1 {
		t.Errorf("observed %d concurrent executions, want at most 1", m)
	}
}

func TestStopIdempotent(t *testing.T) {
	s := New("test", nil, zerolog.Nop())
	s.Stop()
	_ = s.Start(time.Hour, func(context.Context) error { return nil })
	s.Stop()
	s.Stop()
	if s.Running() || s.Interval() != 0 {
		t.Error("scheduler should be idle")
	}
}

func TestStartRejectsInvalidInterval(t *testing.T) {
	s := New("test", nil, zerolog.Nop())
	for _, d := range []time.Duration{0, -time.Second} {
		if err := s.Start(d, func(context.Context) error { return nil }); !errors.Is(err, ErrInvalidInterval) {
			t.Errorf("Start(%s) = %v, want ErrInvalidInterval", d, err)
		}
	}
	if s.Running() {
		t.Error("rejected Start must leave the scheduler idle")
	}
}

func TestQueriesDoNotWaitForStop(t *testing.T) {
	s := New("test", nil, zerolog.Nop())
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	_ = s.Start(time.Hour, func(context.Context) error {
		entered <- struct{}{}
		<-release // slow fetch that ignores ctx
		return nil
	})
	<-entered

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	queried := make(chan struct{})
	go func() {
		_ = s.Running()
		_ = s.Interval()
		close(queried)
	}()
	select {
	case <-queried:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Running/Interval blocked behind Stop waiting on the in-flight task")
	}

	close(release)
	<-stopped
	if s.Running() || s.Interval() != 0 {
		t.Error("scheduler should be idle after Stop")
	}
}

func TestRestartKeepsRunningVisible(t *testing.T) {
	s := New("test", nil, zerolog.Nop())
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	_ = s.Start(time.Hour, func(context.Context) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return nil
	})
	<-entered

	restarted := make(chan error, 1)
	go func() { restarted <- s.Start(2*time.Hour, func(context.Context) error { return nil }) }()

	time.Sleep(20 * time.Millisecond)
	if !s.Running() || s.Interval() != time.Hour {
		t.Errorf("during restart: running=%v interval=%s, want true 1h", s.Running(), s.Interval())
	}

	close(release)
	if err := <-restarted; err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer s.Stop()
	if !s.Running() || s.Interval() != 2*time.Hour {
		t.Errorf("after restart: running=%v interval=%s", s.Running(), s.Interval())
	}
}
