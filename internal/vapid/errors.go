package vapid

import "fmt"

// ConfigurationError reports a missing or malformed VAPID setting. It is
// fatal at startup and never produced per request.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("vapid: invalid %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// KeyImportError reports a private key that is not a valid P-256 scalar.
type KeyImportError struct {
	Err error
}

func (e *KeyImportError) Error() string {
	return fmt.Sprintf("vapid: import private key: %v", e.Err)
}

func (e *KeyImportError) Unwrap() error { return e.Err }

// SigningError wraps a failure of the ECDSA primitive.
type SigningError struct {
	Err error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("vapid: sign token: %v", e.Err)
}

func (e *SigningError) Unwrap() error { return e.Err }
