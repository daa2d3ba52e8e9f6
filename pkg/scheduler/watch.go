package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	"github.com/droverhq/drover/pkg/store"
)

// WatchOptions configures the watch loop.
type WatchOptions struct {
	Filter store.Filter

	// Interval is the target cadence between iteration starts. The sleep
	// after a pass is shortened by however long the pass took, clamped at
	// zero, so a slow pass does not push the cadence further out.
	Interval time.Duration

	// Cron, when set, replaces Interval with an absolute schedule in
	// standard cron syntax.
	Cron string

	// Wake opts in to filesystem-triggered early wakeups: a state file
	// appearing or changing between ticks pumps immediately instead of
	// waiting out the interval. Off by default; the fixed cadence is the
	// baseline behavior.
	Wake bool
}

// NextDelay computes the sleep after an iteration that started at
// iterationStart, given the target interval. Never negative.
func NextDelay(interval time.Duration, iterationStart, now time.Time) time.Duration {
	delay := interval - now.Sub(iterationStart)
	if delay < 0 {
		return 0
	}
	return delay
}

// Watch runs pump passes until the context is cancelled. Iteration
// failures are logged, never fatal: a broken pass must not take the
// daemon down.
func (s *Scheduler) Watch(ctx context.Context, opts WatchOptions) error {
	if opts.Interval <= 0 && opts.Cron == "" {
		return fmt.Errorf("watch requires an interval or cron schedule")
	}

	var schedule cron.Schedule
	if opts.Cron != "" {
		parsed, err := cron.ParseStandard(opts.Cron)
		if err != nil {
			return fmt.Errorf("invalid cron schedule %q: %w", opts.Cron, err)
		}
		schedule = parsed
	}

	var wake <-chan fsnotify.Event
	if opts.Wake {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			s.logger.Warn().Err(err).Msg("Filesystem watcher unavailable, polling only")
		} else {
			defer watcher.Close()
			if err := watcher.Add(s.store.StateDir()); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to watch state directory, polling only")
			} else {
				wake = watcher.Events
			}
		}
	}

	s.logger.Info().Dur("interval", opts.Interval).Str("cron", opts.Cron).Bool("wake", opts.Wake).Msg("Watch started")

	for {
		iterationStart := time.Now()

		if _, err := s.Pump(ctx, opts.Filter); err != nil {
			s.logger.Error().Err(err).Msg("Watch iteration failed")
		}

		// Events raised by this pass's own state writes are already queued;
		// discard them so the loop does not wake itself.
		drainWake(wake)

		var delay time.Duration
		if schedule != nil {
			delay = time.Until(schedule.Next(time.Now()))
		} else {
			delay = NextDelay(opts.Interval, iterationStart, time.Now())
		}

		timer := time.NewTimer(delay)
	wait:
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				s.logger.Info().Msg("Watch stopped")
				return ctx.Err()
			case <-timer.C:
				break wait
			case ev := <-wake:
				if !isStateEvent(ev) {
					continue
				}
				timer.Stop()
				s.logger.Debug().Str("file", ev.Name).Msg("Woken by state change")
				// Small settle delay so a burst of writes coalesces into one
				// pass.
				select {
				case <-ctx.Done():
					s.logger.Info().Msg("Watch stopped")
					return ctx.Err()
				case <-time.After(50 * time.Millisecond):
				}
				break wait
			}
		}
	}
}

// isStateEvent reports whether a filesystem event concerns a bare state
// file. Eval locks and temp files from atomic writes churn in the same
// directory and must not wake the loop.
func isStateEvent(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
		return false
	}
	base := filepath.Base(ev.Name)
	for _, r := range base {
		if r < '0' || r > '9' {
			return false
		}
	}
	return base != ""
}

// drainWake discards queued events without blocking.
func drainWake(wake <-chan fsnotify.Event) {
	for {
		select {
		case <-wake:
		default:
			return
		}
	}
}
