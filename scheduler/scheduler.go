// Package scheduler runs a job function once or repeatedly from a cron
// expression.
package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorhill/cronexpr"
	"github.com/pkg/errors"

	"github.com/telemetria/backflux/services/logging"
)

// Scheduler drives one job. With an empty schedule it runs the job once;
// with a cron expression it runs immediately and then on every fire time
// until the context is cancelled.
type Scheduler struct {
	expr   *cronexpr.Expression
	logger *log.Logger
	clock  clock.Clock
}

type Option func(*Scheduler)

// WithClock replaces the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// New parses schedule and returns a Scheduler. An invalid expression is
// fatal at job start.
func New(schedule string, li logging.Interface, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		logger: li.NewLogger("[scheduler] ", log.LstdFlags),
		clock:  clock.New(),
	}
	if schedule != "" {
		expr, err := cronexpr.Parse(schedule)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid cron expression %q", schedule)
		}
		s.expr = expr
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Cron reports whether the scheduler repeats.
func (s *Scheduler) Cron() bool { return s.expr != nil }

// Run executes job per the schedule. In once mode it returns the job's
// error. In cron mode job errors are logged and the loop continues; Run
// returns nil when the context ends the loop cleanly.
//
// The job runs synchronously, so a fire time that passes while a run is
// still active is suppressed, not queued.
func (s *Scheduler) Run(ctx context.Context, job func(context.Context) error) error {
	if !s.Cron() {
		return job(ctx)
	}

	// First run happens immediately.
	next := s.clock.Now()
	for {
		s.runOnce(ctx, job)

		fired := next
		now := s.clock.Now()
		next = s.expr.Next(now)
		if next.IsZero() {
			s.logger.Print("W! schedule has no future fire times, stopping")
			return nil
		}
		for missed := s.expr.Next(fired); !missed.IsZero() && missed.Before(now); missed = s.expr.Next(missed) {
			s.logger.Printf("W! skipping run scheduled at %s, previous run still active", missed.Format(time.RFC3339))
		}
		s.logger.Printf("I! next run at %s", next.Format(time.RFC3339))

		timer := s.clock.Timer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, job func(context.Context) error) {
	if ctx.Err() != nil {
		return
	}
	if err := job(ctx); err != nil {
		s.logger.Printf("E! scheduled run failed: %v", err)
	}
}
