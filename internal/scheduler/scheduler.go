// Package scheduler runs a callback on a fixed, drift-corrected period.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fisaks/flowcal/internal/logging"
	"github.com/fisaks/flowcal/internal/mfc"
)

type ZeroSignal struct{}

// Zero is the canonical value to send on signal channels.
var Zero ZeroSignal

var ErrRunning = errors.New("scheduler already running")

// Callback runs once per tick. n is the tick index on the start + n*interval
// grid, at the time the callback was entered.
type Callback func(ctx context.Context, n int, at time.Time) error

type Scheduler struct {
	interval    time.Duration
	granularity time.Duration
	fn          Callback
	log         *slog.Logger

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	running bool
	err     error

	ticks chan ZeroSignal
	count atomic.Int64
}

func New(interval, granularity time.Duration, fn Callback) *Scheduler {
	if granularity <= 0 || granularity > interval {
		granularity = interval
	}
	return &Scheduler{
		interval:    interval,
		granularity: granularity,
		fn:          fn,
		log:         logging.With("component", "scheduler"),
		ticks:       make(chan ZeroSignal, 1),
	}
}

// Start launches the tick loop. The first tick is one interval after Start.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.interval <= 0 {
		return errors.New("scheduler interval must be > 0")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRunning
	}
	s.running = true
	s.err = nil
	s.count.Store(0)
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(ctx, time.Now(), s.stop, s.done)
	s.log.Debug("scheduler started", "interval", s.interval, "granularity", s.granularity)
	return nil
}

// Stop ends the loop and waits for an in-flight callback to return.
// Stopping an idle scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	if s.running {
		close(stop)
		s.running = false
	}
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Ticks signals after every completed callback and once when the loop
// fails; a signal is dropped if one is already queued.
func (s *Scheduler) Ticks() <-chan ZeroSignal { return s.ticks }

// Count is the number of completed callbacks since Start.
func (s *Scheduler) Count() int { return int(s.count.Load()) }

// Err returns the first callback error, which also ends the loop.
func (s *Scheduler) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) run(ctx context.Context, start time.Time, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	n := 1
	for {
		if !s.sleepUntil(ctx, stop, start.Add(time.Duration(n)*s.interval)) {
			return
		}
		if err := s.fn(ctx, n, time.Now()); err != nil {
			s.fail(err)
			return
		}
		s.count.Add(1)
		select {
		case s.ticks <- Zero:
		default:
		}

		// resync to the next tick still in the future
		next := int(time.Since(start)/s.interval) + 1
		if next > n+1 {
			s.log.Debug("scheduler skipped ticks", "from", n+1, "to", next)
		} else {
			next = n + 1
		}
		n = next
	}
}

func (s *Scheduler) sleepUntil(ctx context.Context, stop <-chan struct{}, at time.Time) bool {
	for {
		d := time.Until(at)
		if d <= 0 {
			return true
		}
		if d > s.granularity {
			d = s.granularity
		}
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-stop:
			t.Stop()
			return false
		case <-ctx.Done():
			t.Stop()
			s.fail(mfc.FromContext(ctx.Err()))
			return false
		}
	}
}

func (s *Scheduler) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.running = false
	s.mu.Unlock()
	// wake anyone waiting on Ticks so they can observe Err
	select {
	case s.ticks <- Zero:
	default:
	}
	if !mfc.IsCanceled(err) {
		s.log.Warn("scheduler callback failed", "error", err)
	}
}
