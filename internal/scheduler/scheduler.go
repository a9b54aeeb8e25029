package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked once per interval with the bucket it covers.
type TickFunc func(ctx context.Context, bucket time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval time.Duration
	// AlignToStart snaps ticks to multiples of Interval on the UTC clock.
	AlignToStart bool
	StartupDelay time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// Scheduler drives the refresh and warm loops. A tick that overruns the next
// bucket does not queue catch-up runs; the missed buckets are dropped.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler. Interval must be positive.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Interval returns the configured tick interval.
func (s *Scheduler) Interval() time.Duration { return s.opts.Interval }

// Run blocks until ctx is cancelled, calling tick once per interval.
// Tick errors are logged and never stop the loop.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if err := sleep(ctx, s.opts.StartupDelay); err != nil {
		return err
	}

	var failures int
	next := s.nextTick(s.now())
	for {
		if err := sleep(ctx, next.Sub(s.now())); err != nil {
			return err
		}

		bucket := s.bucketStart(next)
		started := s.now()
		err := tick(ctx, bucket)
		if err != nil {
			failures++
			s.logger.Error().Err(err).Time("bucket", bucket).Int("consecutive_failures", failures).Msg("tick failed")
		} else {
			if failures > 0 {
				s.logger.Info().Int("after_failures", failures).Msg("tick recovered")
			}
			failures = 0
			s.logger.Debug().Time("bucket", bucket).Dur("took", s.now().Sub(started)).Msg("tick done")
		}

		var skipped int
		next, skipped = s.advance(next, s.now())
		if skipped > 0 {
			s.logger.Warn().Int("skipped", skipped).Time("next_bucket", next).Msg("tick overran interval")
		}
	}
}

func (s *Scheduler) now() time.Time { return s.opts.Now().UTC() }

// advance moves prev forward by one interval, then past now if the tick
// overran, returning how many buckets were dropped.
func (s *Scheduler) advance(prev, now time.Time) (time.Time, int) {
	next := prev.Add(s.opts.Interval)
	skipped := 0
	for !next.After(now) {
		next = next.Add(s.opts.Interval)
		skipped++
	}
	return next, skipped
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	return now.Truncate(s.opts.Interval).Add(s.opts.Interval)
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
