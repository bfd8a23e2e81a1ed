package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"dhikr/internal/models"
	"dhikr/internal/webpush"

	"github.com/sirupsen/logrus"
)

var ErrNotFound = errors.New("reminder preference not found")

// Store persists reminder preferences and push subscriptions.
type Store struct {
	db     *sql.DB
	driver string
	sealer *Sealer
	now    func() time.Time
}

func NewStore(db *sql.DB, driver string, sealKey *[32]byte) *Store {
	return &Store{
		db:     db,
		driver: driver,
		sealer: NewSealer(sealKey),
		now:    time.Now,
	}
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const preferenceColumns = `user_id, enabled, local_time, timezone, endpoint, p256dh, auth,
	last_sent_date, last_outcome, last_attempt_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanPreference(row scanner) (models.ReminderPreference, error) {
	var (
		p                      models.ReminderPreference
		endpoint, p256dh, auth sql.NullString
		lastSent, lastOutcome  sql.NullString
		lastAttempt            sql.NullTime
	)
	err := row.Scan(&p.UserID, &p.Enabled, &p.LocalTime, &p.Timezone, &endpoint, &p256dh, &auth,
		&lastSent, &lastOutcome, &lastAttempt, &p.UpdatedAt)
	if err != nil {
		return p, err
	}
	p.LastSentDate = lastSent.String
	p.LastOutcome = lastOutcome.String
	if lastAttempt.Valid {
		at := lastAttempt.Time
		p.LastAttempt = &at
	}

	if endpoint.Valid && endpoint.String != "" {
		keys := webpush.Keys{}
		if keys.P256dh, err = s.sealer.Open(p256dh.String); err != nil {
			return p, fmt.Errorf("open p256dh for %s: %w", p.UserID, err)
		}
		if keys.Auth, err = s.sealer.Open(auth.String); err != nil {
			return p, fmt.Errorf("open auth for %s: %w", p.UserID, err)
		}
		p.Subscription = &webpush.Subscription{Endpoint: endpoint.String, Keys: keys}
	}
	return p, nil
}

// ListEligibleForTick returns every enabled, subscribed preference. Date and
// window checks need each subscriber's zone and are left to the scheduler.
// Rows whose keys cannot be unsealed are logged and skipped.
func (s *Store) ListEligibleForTick(ctx context.Context, _ time.Time) ([]models.ReminderPreference, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+preferenceColumns+`
		FROM reminder_preferences
		WHERE enabled = ? AND endpoint IS NOT NULL
		ORDER BY user_id
	`), true)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var prefs []models.ReminderPreference
	for rows.Next() {
		p, err := s.scanPreference(rows)
		if err != nil {
			if p.UserID == "" {
				return nil, err
			}
			logrus.WithError(err).WithField("user_id", p.UserID).Error("Skipping subscriber with unreadable keys")
			continue
		}
		prefs = append(prefs, p)
	}
	return prefs, rows.Err()
}

// RecordOutcome stores the result of one delivery attempt. Delivered marks
// the local date as sent. Expired clears the subscription and disables the
// reminder, but only while the stored endpoint is still the one that failed.
func (s *Store) RecordOutcome(ctx context.Context, userID string, rec models.DeliveryRecord) error {
	outcome := rec.Outcome.String()
	at := rec.At.UTC()
	now := s.now().UTC()

	var (
		res sql.Result
		err error
	)
	switch rec.Outcome {
	case webpush.Delivered:
		res, err = s.db.ExecContext(ctx, s.rebind(`
			UPDATE reminder_preferences
			SET last_sent_date = ?, last_outcome = ?, last_attempt_at = ?, updated_at = ?
			WHERE user_id = ?
		`), rec.LocalDate, outcome, at, now, userID)
	case webpush.Expired:
		res, err = s.db.ExecContext(ctx, s.rebind(`
			UPDATE reminder_preferences
			SET enabled = ?, endpoint = NULL, p256dh = NULL, auth = NULL,
				last_outcome = ?, last_attempt_at = ?, updated_at = ?
			WHERE user_id = ? AND endpoint = ?
		`), false, outcome, at, now, userID, rec.Endpoint)
	default:
		res, err = s.db.ExecContext(ctx, s.rebind(`
			UPDATE reminder_preferences
			SET last_outcome = ?, last_attempt_at = ?
			WHERE user_id = ?
		`), outcome, at, userID)
	}
	if err != nil {
		return fmt.Errorf("record %s for %s: %w", outcome, userID, err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		logrus.WithFields(logrus.Fields{
			"user_id": userID,
			"outcome": outcome,
		}).Debug("Outcome not applied, subscription changed since the tick read it")
	}
	return nil
}

// GetPreference returns the stored preference or ErrNotFound.
func (s *Store) GetPreference(ctx context.Context, userID string) (models.ReminderPreference, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+preferenceColumns+`
		FROM reminder_preferences
		WHERE user_id = ?
	`), userID)
	p, err := s.scanPreference(row)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	return p, err
}

// SavePreference creates or updates the schedule. The subscription is kept.
func (s *Store) SavePreference(ctx context.Context, userID string, enabled bool, localTime, timezone string) error {
	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO reminder_preferences (user_id, enabled, local_time, timezone, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			enabled = excluded.enabled,
			local_time = excluded.local_time,
			timezone = excluded.timezone,
			updated_at = excluded.updated_at
	`), userID, enabled, localTime, timezone, now, now)
	if err != nil {
		return fmt.Errorf("save preference for %s: %w", userID, err)
	}
	return nil
}

// SaveSubscription replaces the stored subscription wholesale. A new row
// starts disabled until the schedule is saved.
func (s *Store) SaveSubscription(ctx context.Context, userID string, sub webpush.Subscription) error {
	p256dh, err := s.sealer.Seal(sub.Keys.P256dh)
	if err != nil {
		return err
	}
	auth, err := s.sealer.Seal(sub.Keys.Auth)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO reminder_preferences (user_id, endpoint, p256dh, auth, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			endpoint = excluded.endpoint,
			p256dh = excluded.p256dh,
			auth = excluded.auth,
			updated_at = excluded.updated_at
	`), userID, sub.Endpoint, p256dh, auth, now, now)
	if err != nil {
		return fmt.Errorf("save subscription for %s: %w", userID, err)
	}
	return nil
}

// DeleteSubscription removes the subscription and keeps the schedule.
func (s *Store) DeleteSubscription(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE reminder_preferences
		SET endpoint = NULL, p256dh = NULL, auth = NULL, updated_at = ?
		WHERE user_id = ?
	`), s.now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("delete subscription for %s: %w", userID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
