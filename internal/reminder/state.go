package reminder

import (
	"fmt"
	"sync"
	"time"

	"dhikr/internal/models"
)

// State is a subscriber's position in the daily reminder cycle.
type State int

const (
	Idle State = iota
	Eligible
	Sent
	Skipped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Eligible:
		return "eligible"
	case Sent:
		return "sent"
	case Skipped:
		return "skipped"
	default:
		return "unknown"
	}
}

const (
	day        = 24 * time.Hour
	dateLayout = "2006-01-02"
)

// Evaluation is the result of evaluating one preference at one instant.
type Evaluation struct {
	State     State
	LocalDate string
}

// Evaluate decides whether p is due at now. A reminder is due when it is
// enabled and subscribed, has not been sent on the subscriber's current local
// date, and the local wall clock lies in [LocalTime, LocalTime+window).
func Evaluate(p models.ReminderPreference, now time.Time, window time.Duration) (Evaluation, error) {
	loc, err := loadLocation(p.Timezone)
	if err != nil {
		return Evaluation{State: Idle}, err
	}
	local := now.In(loc)
	ev := Evaluation{State: Idle, LocalDate: local.Format(dateLayout)}

	if !p.Enabled || p.Subscription == nil {
		return ev, nil
	}
	if p.LastSentDate == ev.LocalDate {
		ev.State = Sent
		return ev, nil
	}

	at, err := ParseLocalTime(p.LocalTime)
	if err != nil {
		return ev, err
	}
	if InWindow(local, at, window) {
		ev.State = Eligible
	}
	return ev, nil
}

// InWindow reports whether the wall clock of local falls in [at, at+window)
// past midnight, wrapping across midnight. It compares wall clock, not time
// elapsed since midnight, so DST days fire at the configured hour.
func InWindow(local time.Time, at, window time.Duration) bool {
	if window >= day {
		return true
	}
	h, m, s := local.Clock()
	wall := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second
	since := ((wall-at)%day + day) % day
	return since < window
}

// ParseLocalTime parses "HH:MM" into an offset from midnight.
func ParseLocalTime(v string) (time.Duration, error) {
	if len(v) != len("15:04") {
		return 0, fmt.Errorf("local time %q: want HH:MM", v)
	}
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, fmt.Errorf("local time %q: %w", v, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// ValidTimezone reports whether name is a loadable IANA zone.
func ValidTimezone(name string) bool {
	_, err := loadLocation(name)
	return err == nil
}

var zones sync.Map

func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return nil, fmt.Errorf("timezone not set")
	}
	if loc, ok := zones.Load(name); ok {
		return loc.(*time.Location), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", name, err)
	}
	zones.Store(name, loc)
	return loc, nil
}
