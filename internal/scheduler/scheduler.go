// Package scheduler drives Mirror.Check on a fixed interval. It is
// deliberately the only component aware of wall-clock time: Mirror itself
// has no notion of "when" it runs, only "what happens on a tick".
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Checker is the single method the Scheduler depends on. *mirror.Mirror
// satisfies it; tests substitute a fake to assert tick cadence without
// touching a filesystem.
type Checker interface {
	Check() error
}

// Scheduler calls Checker.Check every Interval. Ticks that arrive while a
// previous tick is still in progress are coalesced by time.Ticker (at most
// one pending fire is kept, the rest are dropped), not queued, matching
// Mirror's own at-most-one Check serialization. The Scheduler itself does
// not log dropped ticks.
type Scheduler struct {
	checker  Checker
	interval time.Duration
	log      *slog.Logger

	// initialCheck, when true, runs one synchronous Check before the first
	// ticker fire.
	initialCheck bool
}

// Option configures a Scheduler at construction.
type Option func(*Scheduler)

// WithInitialCheck causes Run to perform one synchronous Check before
// starting the ticker loop.
func WithInitialCheck() Option {
	return func(s *Scheduler) { s.initialCheck = true }
}

// New constructs a Scheduler that calls checker.Check every interval.
func New(checker Checker, interval time.Duration, log *slog.Logger, opts ...Option) *Scheduler {
	if log == nil {
		log = slog.Default()
	}

	s := &Scheduler{
		checker:  checker,
		interval: interval,
		log:      log,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Run blocks, ticking Checker.Check every interval, until ctx is canceled or
// Check returns a fatal error (the security-gate abort), in which case Run
// returns that error so main can perform a single clean process exit. A
// canceled context is not itself an error; Run returns nil in that case.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.initialCheck {
		if err := s.tick(); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// time.Ticker buffers at most one pending fire: one tick that arrives
	// while the s.tick() call below is still running is delivered once it
	// returns, and any further fires in that time are dropped, giving
	// coalescing (not queuing) semantics without any extra bookkeeping
	// here. Mirror.Check
	// additionally self-guards with its own busy flag, so a slow tick can
	// never run concurrently with itself even across scheduler instances.
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			if err := s.tick(); err != nil {
				return err
			}
		}
	}
}

func (s *Scheduler) tick() error {
	if err := s.checker.Check(); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}

		return err
	}

	return nil
}
