package reminder

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"
)

// maxCatchUp bounds how far behind the worker replays missed boundaries,
// e.g. after the host was suspended.
const maxCatchUp = 24 * time.Hour

// Worker runs the scheduler on every interval boundary. Only one worker may
// run against a store at a time; a second one would double-send.
type Worker struct {
	scheduler *Scheduler
	interval  time.Duration
	clock     Clock
}

// NewWorker ticks s once per eligibility window.
func NewWorker(s *Scheduler) *Worker {
	return &Worker{scheduler: s, interval: s.window, clock: s.clock}
}

// Run ticks once immediately, then once for every interval boundary until
// ctx is done. The startup tick picks up reminders whose boundary tick was
// missed while the process was down. A tick that overruns its interval is
// followed at once by ticks for the boundaries it ran past, each evaluated
// as of its own boundary.
func (w *Worker) Run(ctx context.Context) {
	logrus.WithField("interval", w.interval.String()).Info("Reminder worker started")
	start := w.clock.Now()
	next := start.Add(untilNextBoundary(start, w.interval))
	w.tick(ctx, start)

	for {
		now := w.clock.Now()
		if behind := now.Sub(next); behind > maxCatchUp {
			skipped := now.Truncate(w.interval)
			logrus.WithFields(logrus.Fields{
				"from": next.UTC().Format(time.RFC3339),
				"to":   skipped.UTC().Format(time.RFC3339),
			}).Warn("Reminder worker too far behind, skipping boundaries")
			next = skipped
		}

		timer := time.NewTimer(max(next.Sub(now), 0))
		select {
		case <-ctx.Done():
			timer.Stop()
			logrus.Info("Reminder worker stopped")
			return
		case <-timer.C:
			if late := w.clock.Now().Sub(next); late >= w.interval {
				logrus.WithField("late", late.String()).Warn("Reminder worker catching up on a missed boundary")
			}
			w.tick(ctx, next)
			next = next.Add(w.interval)
		}
	}
}

func (w *Worker) tick(ctx context.Context, at time.Time) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithField("panic", r).Errorf("Reminder tick panicked\n%s", debug.Stack())
		}
	}()
	if _, err := w.scheduler.TickAt(ctx, at); err != nil {
		logrus.WithError(err).Error("Reminder tick failed")
	}
}

func untilNextBoundary(now time.Time, interval time.Duration) time.Duration {
	next := now.Truncate(interval).Add(interval)
	return next.Sub(now)
}
