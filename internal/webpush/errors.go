package webpush

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSubscriptionKey marks a p256dh or auth value that cannot be
	// used. Such subscriptions are treated like expired ones.
	ErrInvalidSubscriptionKey = errors.New("webpush: invalid subscription key")

	// ErrPayloadTooLarge is returned before any network I/O when the payload
	// does not fit a single record.
	ErrPayloadTooLarge = errors.New("webpush: payload too large")
)

// EncryptionError wraps a failure of a cryptographic primitive.
type EncryptionError struct {
	Step string
	Err  error
}

func (e *EncryptionError) Error() string {
	return fmt.Sprintf("webpush: encrypt (%s): %v", e.Step, e.Err)
}

func (e *EncryptionError) Unwrap() error { return e.Err }
