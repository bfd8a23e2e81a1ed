// Package reminder decides which subscribers are due on each tick and drives
// their deliveries.
package reminder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"dhikr/internal/metrics"
	"dhikr/internal/models"
	"dhikr/internal/webpush"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Repository is the subscriber store the scheduler reads and reports to.
type Repository interface {
	ListEligibleForTick(ctx context.Context, nowUTC time.Time) ([]models.ReminderPreference, error)
	RecordOutcome(ctx context.Context, userID string, rec models.DeliveryRecord) error
}

// ContentSource supplies the notification shared by every subscriber of a tick.
type ContentSource interface {
	NextPayload(ctx context.Context) (models.NotificationPayload, error)
}

// Pusher prepares and delivers encrypted notifications.
type Pusher interface {
	Prepare(id string, sub webpush.Subscription, payload []byte, now time.Time) (webpush.BatchItem, error)
	DeliverBatch(ctx context.Context, items []webpush.BatchItem, limit int, delay time.Duration) webpush.BatchReport
}

// Clock is injected so ticks can be evaluated at fixed instants in tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock reads the wall clock.
var SystemClock Clock = systemClock{}

const (
	DefaultTickInterval     = 5 * time.Minute
	DefaultConcurrencyLimit = 20
)

type Options struct {
	TickInterval     time.Duration
	ConcurrencyLimit int
	InterBatchDelay  time.Duration
	Clock            Clock
}

type Scheduler struct {
	repo    Repository
	content ContentSource
	pusher  Pusher
	window  time.Duration
	limit   int
	delay   time.Duration
	clock   Clock
}

func NewScheduler(repo Repository, content ContentSource, pusher Pusher, opts Options) *Scheduler {
	s := &Scheduler{
		repo:    repo,
		content: content,
		pusher:  pusher,
		window:  opts.TickInterval,
		limit:   opts.ConcurrencyLimit,
		delay:   opts.InterBatchDelay,
		clock:   opts.Clock,
	}
	if s.window <= 0 {
		s.window = DefaultTickInterval
	}
	if s.limit < 1 {
		s.limit = DefaultConcurrencyLimit
	}
	if s.clock == nil {
		s.clock = SystemClock
	}
	return s
}

// TickReport summarizes one tick.
type TickReport struct {
	ID           string
	Evaluated    int
	Eligible     int
	Delivered    int
	Expired      int
	Failed       int
	NotAttempted int
}

type dueReminder struct {
	pref models.ReminderPreference
	date string
}

// Tick evaluates every candidate subscriber at the current instant.
func (s *Scheduler) Tick(ctx context.Context) (TickReport, error) {
	return s.TickAt(ctx, s.clock.Now())
}

// TickAt evaluates every candidate subscriber once as of at and delivers to
// those due. A worker that falls behind passes the boundary it missed, so
// the window that opened there is still served. Transient failures are not
// retried: a subscriber whose delivery fails misses that day's reminder.
func (s *Scheduler) TickAt(ctx context.Context, at time.Time) (TickReport, error) {
	started := time.Now()
	at = at.UTC()
	report := TickReport{ID: uuid.NewString()}
	log := logrus.WithFields(logrus.Fields{"tick_id": report.ID, "at": at.Format(time.RFC3339)})

	metrics.Ticks.Inc()
	defer func() {
		metrics.TickDuration.Observe(time.Since(started).Seconds())
	}()

	prefs, err := s.repo.ListEligibleForTick(ctx, at)
	if err != nil {
		return report, fmt.Errorf("list subscribers: %w", err)
	}
	report.Evaluated = len(prefs)

	var due []dueReminder
	for _, p := range prefs {
		ev, err := Evaluate(p, at, s.window)
		if err != nil {
			log.WithError(err).WithField("user_id", p.UserID).Warn("Skipping reminder with invalid schedule")
			continue
		}
		if ev.State == Eligible {
			due = append(due, dueReminder{pref: p, date: ev.LocalDate})
		}
	}
	report.Eligible = len(due)
	metrics.Eligible.Set(float64(len(due)))
	if len(due) == 0 {
		log.WithField("evaluated", report.Evaluated).Debug("No reminders due")
		return report, nil
	}

	payload, err := s.content.NextPayload(ctx)
	if err != nil {
		return report, fmt.Errorf("fetch payload: %w", err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return report, fmt.Errorf("marshal payload: %w", err)
	}

	now := s.clock.Now().UTC()

	// Outcomes are recorded even if shutdown cancels ctx mid-tick.
	recordCtx := context.WithoutCancel(ctx)

	items := make([]webpush.BatchItem, 0, len(due))
	byID := make(map[string]dueReminder, len(due))
	for _, d := range due {
		item, err := s.pusher.Prepare(d.pref.UserID, *d.pref.Subscription, body, now)
		switch {
		case err == nil:
			items = append(items, item)
			byID[d.pref.UserID] = d
		case errors.Is(err, webpush.ErrInvalidSubscriptionKey):
			s.record(recordCtx, log, &report, d, webpush.Outcome{Kind: webpush.Expired, Err: err}, now)
		case errors.Is(err, webpush.ErrPayloadTooLarge):
			s.record(recordCtx, log, &report, d, webpush.Outcome{Kind: webpush.PayloadTooLarge, Err: err}, now)
		default:
			report.Failed++
			log.WithError(err).WithField("user_id", d.pref.UserID).Error("Failed to prepare reminder")
		}
	}

	batch := s.pusher.DeliverBatch(ctx, items, s.limit, s.delay)
	for _, r := range batch.Results {
		d, ok := byID[r.ID]
		if !ok {
			continue
		}
		s.record(recordCtx, log, &report, d, r.Outcome, now)
	}
	report.NotAttempted = batch.NotAttempted

	log.WithFields(logrus.Fields{
		"evaluated":     report.Evaluated,
		"eligible":      report.Eligible,
		"delivered":     report.Delivered,
		"expired":       report.Expired,
		"failed":        report.Failed,
		"not_attempted": report.NotAttempted,
		"duration":      time.Since(started).String(),
	}).Info("Reminder tick complete")
	return report, nil
}

func (s *Scheduler) record(ctx context.Context, log *logrus.Entry, report *TickReport, d dueReminder, o webpush.Outcome, now time.Time) {
	entry := log.WithFields(logrus.Fields{
		"user_id": d.pref.UserID,
		"origin":  webpush.Origin(d.pref.Subscription.Endpoint),
		"outcome": o.Kind.String(),
	})
	if o.StatusCode != 0 {
		entry = entry.WithField("status", o.StatusCode)
	}
	if o.Err != nil {
		entry = entry.WithError(o.Err)
	}

	switch o.Kind {
	case webpush.Delivered:
		report.Delivered++
		entry.Debug("Reminder delivered")
	case webpush.Expired:
		report.Expired++
		entry.Info("Subscription expired, disabling reminder")
	case webpush.RateLimited:
		report.Failed++
		entry.WithField("retry_after", o.RetryAfter.String()).Warn("Push service rate limited reminder")
	default:
		report.Failed++
		entry.Warn("Reminder not delivered")
	}

	rec := models.DeliveryRecord{
		Outcome:   o.Kind,
		Endpoint:  d.pref.Subscription.Endpoint,
		LocalDate: d.date,
		At:        now,
	}
	if err := s.repo.RecordOutcome(ctx, d.pref.UserID, rec); err != nil {
		entry.WithError(err).Error("Failed to record reminder outcome")
	}
}
