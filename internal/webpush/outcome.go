package webpush

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Kind classifies the push service's answer to one delivery.
type Kind int

const (
	Delivered Kind = iota
	Expired
	PayloadTooLarge
	RateLimited
	TransientFailure
)

func (k Kind) String() string {
	switch k {
	case Delivered:
		return "delivered"
	case Expired:
		return "expired"
	case PayloadTooLarge:
		return "payload_too_large"
	case RateLimited:
		return "rate_limited"
	case TransientFailure:
		return "transient_failure"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, bool) {
	for k := Delivered; k <= TransientFailure; k++ {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

// Outcome is the result of one delivery. Outcomes are routine values, not
// errors; Err carries the network error behind a TransientFailure, if any.
type Outcome struct {
	Kind       Kind
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

// Classify maps a push service response to an Outcome.
func Classify(status int, header http.Header, now time.Time) Outcome {
	o := Outcome{StatusCode: status}
	switch status {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusNoContent:
		o.Kind = Delivered
	case http.StatusNotFound, http.StatusGone:
		o.Kind = Expired
	case http.StatusRequestEntityTooLarge:
		o.Kind = PayloadTooLarge
	case http.StatusTooManyRequests:
		o.Kind = RateLimited
		o.RetryAfter = parseRetryAfter(header.Get("Retry-After"), now)
	default:
		o.Kind = TransientFailure
		o.RetryAfter = parseRetryAfter(header.Get("Retry-After"), now)
	}
	return o
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
