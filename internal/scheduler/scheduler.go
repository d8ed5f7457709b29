package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// TickFunc is invoked on every scheduled run.
type TickFunc func(ctx context.Context, at time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	// Cron, when set, replaces the fixed interval. Standard five fields, optional seconds, or descriptors like @hourly.
	Cron string
	// RunOnStart fires one tick right after the startup delay.
	RunOnStart bool
	Now        func() time.Time
}

// Scheduler drives periodic scan cycles.
type Scheduler struct {
	opts     Options
	schedule cron.Schedule
	logger   zerolog.Logger

	mu   sync.Mutex
	next time.Time
}

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) (*Scheduler, error) {
	s := &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
	if s.opts.Now == nil {
		s.opts.Now = time.Now
	}

	if expr := strings.TrimSpace(opts.Cron); expr != "" {
		schedule, err := cronParser.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("parse cron %q: %w", expr, err)
		}
		s.schedule = schedule
		return s, nil
	}
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return s, nil
}

// NextRun reports the pending tick time, zero before Run has planned one.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Run blocks, invoking the tick function on schedule until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		if err := s.sleep(ctx, s.opts.StartupDelay); err != nil {
			return err
		}
	}

	if s.opts.RunOnStart {
		s.fire(ctx, tick, s.opts.Now().UTC())
	}

	next := s.nextTick(s.opts.Now().UTC())
	for {
		now := s.opts.Now().UTC()
		if next.Before(now) {
			next = s.nextTick(now)
		}
		s.setNext(next)
		s.logger.Debug().Time("next_run", next).Msg("waiting for next run")

		if err := s.sleep(ctx, next.Sub(now)); err != nil {
			s.setNext(time.Time{})
			return err
		}

		s.fire(ctx, tick, s.bucketStart(next))
		next = s.nextTick(next)
	}
}

func (s *Scheduler) fire(ctx context.Context, tick TickFunc, at time.Time) {
	s.logger.Info().Time("at", at).Msg("executing scheduled tick")
	if err := tick(ctx, at); err != nil {
		s.logger.Error().Err(err).Time("at", at).Msg("tick execution failed")
	}
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) error {
	if d < 0 {
		d = 0
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

func (s *Scheduler) setNext(t time.Time) {
	s.mu.Lock()
	s.next = t
	s.mu.Unlock()
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if s.schedule != nil {
		return s.schedule.Next(now).UTC()
	}
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if s.schedule != nil || !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
