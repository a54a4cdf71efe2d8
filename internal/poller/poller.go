// Package poller runs a named task on a fixed interval with a synchronous,
// joinable stop.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/developingchet/fwconsole/internal/metrics"
	"github.com/rs/zerolog"
)

// ErrInvalidInterval is returned by Start for non-positive intervals.
var ErrInvalidInterval = errors.New("poll interval must be > 0")

// Task is one poll execution. ctx is cancelled when the scheduler stops.
type Task func(ctx context.Context) error

// Scheduler owns at most one running poll loop.
//
// Start on a running scheduler stops the current loop (waiting for it) and
// starts a new one while holding the control lock, so callers never observe
// two loops or a gap in which Running reports false. Running and Interval
// read a separate state lock and never wait on an in-flight task.
type Scheduler struct {
	name    string
	onError func(error)
	log     zerolog.Logger

	// ctl serialises Start and Stop and guards cancel and done.
	ctl    sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.RWMutex
	running  bool
	interval time.Duration
}

// New returns an idle Scheduler. onError, if non-nil, receives every task
// error; it must not call back into the Scheduler.
func New(name string, onError func(error), log zerolog.Logger) *Scheduler {
	return &Scheduler{
		name:    name,
		onError: onError,
		log:     log.With().Str("poller", name).Logger(),
	}
}

// Start runs task immediately and then every interval until Stop. If the
// scheduler is already running, the old loop is stopped first.
func (s *Scheduler) Start(interval time.Duration, task Task) error {
	if interval <= 0 {
		return ErrInvalidInterval
	}

	s.ctl.Lock()
	defer s.ctl.Unlock()

	restarted := s.join()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.setState(true, interval)

	go s.loop(ctx, interval, task, done)

	metrics.PollerRunning.WithLabelValues(s.name).Set(1)
	s.log.Info().Dur("interval", interval).Bool("restarted", restarted).Msg("poller started")
	return nil
}

// Stop cancels the loop and blocks until any in-flight task returns. It is
// a no-op on an idle scheduler.
func (s *Scheduler) Stop() {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	if s.join() {
		s.setState(false, 0)
		metrics.PollerRunning.WithLabelValues(s.name).Set(0)
		s.log.Info().Msg("poller stopped")
	}
}

// Running reports whether a loop is active. A loop being stopped counts as
// active until Stop returns.
func (s *Scheduler) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Interval returns the active interval, or 0 when idle.
func (s *Scheduler) Interval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.interval
}

func (s *Scheduler) setState(running bool, interval time.Duration) {
	s.mu.Lock()
	s.running = running
	s.interval = interval
	s.mu.Unlock()
}

// join cancels and waits for the current loop. Caller holds s.ctl.
func (s *Scheduler) join() bool {
	if s.done == nil {
		return false
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	return true
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, task Task, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run immediately on start
	s.run(ctx, task)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A tick and a cancel can be ready together; cancel wins.
			if ctx.Err() != nil {
				return
			}
			s.run(ctx, task)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, task Task) {
	start := time.Now()
	err := task(ctx)
	elapsed := time.Since(start)
	metrics.PollDuration.WithLabelValues(s.name).Observe(elapsed.Seconds())

	switch {
	case err == nil:
		metrics.PollTicks.WithLabelValues(s.name, "success").Inc()
		s.log.Debug().Dur("elapsed", elapsed).Msg("poll tick complete")
	case ctx.Err() != nil:
		// Stopped mid-flight; not a device failure.
		metrics.PollTicks.WithLabelValues(s.name, "cancelled").Inc()
	default:
		metrics.PollTicks.WithLabelValues(s.name, "error").Inc()
		s.log.Warn().Err(err).Dur("elapsed", elapsed).Msg("poll tick failed")
		if s.onError != nil {
			s.onError(err)
		}
	}
}
