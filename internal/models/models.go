package models

import (
	"time"

	"dhikr/internal/webpush"
)

// ReminderPreference is one user's daily reminder setting.
type ReminderPreference struct {
	UserID       string                `json:"user_id"`
	Enabled      bool                  `json:"enabled"`
	LocalTime    string                `json:"local_time"`
	Timezone     string                `json:"timezone"`
	Subscription *webpush.Subscription `json:"-"`
	LastSentDate string                `json:"last_sent_date,omitempty"`
	LastOutcome  string                `json:"last_outcome,omitempty"`
	LastAttempt  *time.Time            `json:"last_attempt_at,omitempty"`
	UpdatedAt    time.Time             `json:"updated_at"`
}

// Subscribed reports whether the preference currently has a delivery address.
func (p ReminderPreference) Subscribed() bool {
	return p.Subscription != nil
}

// NotificationPayload is the JSON the service worker renders. The field
// names are the service worker contract.
type NotificationPayload struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Tag   string            `json:"tag,omitempty"`
	Data  map[string]string `json:"data,omitempty"`
}

// DeliveryRecord is what the scheduler reports back to the repository after
// one delivery attempt.
type DeliveryRecord struct {
	Outcome   webpush.Kind
	Endpoint  string
	LocalDate string
	At        time.Time
}

type UpdatePreferenceRequest struct {
	Enabled   *bool   `json:"enabled,omitempty"`
	LocalTime *string `json:"local_time,omitempty"`
	Timezone  *string `json:"timezone,omitempty"`
}

type PreferenceResponse struct {
	ReminderPreference
	Subscribed bool   `json:"subscribed"`
	Origin     string `json:"push_origin,omitempty"`
}
