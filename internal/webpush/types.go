// Package webpush encrypts notification payloads for browser push
// subscriptions (RFC 8291) and delivers them to push services (RFC 8030).
package webpush

import (
	"fmt"
	"net/url"
	"strings"
)

// Keys are the subscriber's ECDH public key and auth secret, base64url
// encoded as the browser reports them.
type Keys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Subscription is the delivery address a push service issued to one browser.
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     Keys   `json:"keys"`
}

// EncryptedPush is an aes128gcm body and the headers describing it.
type EncryptedPush struct {
	Body    []byte
	Headers map[string]string
}

// Origin returns scheme://host of an endpoint for log lines. The path of an
// endpoint is a bearer capability and is never logged.
func Origin(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "invalid-endpoint"
	}
	return u.Scheme + "://" + u.Host
}

// ValidEndpoint reports whether endpoint is an absolute https URL, or http
// for loopback push services used in development.
func ValidEndpoint(endpoint string) bool {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return false
	}
	switch u.Scheme {
	case "https":
		return true
	case "http":
		host := u.Hostname()
		return host == "localhost" || host == "127.0.0.1" || host == "::1" || strings.HasSuffix(host, ".localhost")
	default:
		return false
	}
}

// Validate checks the endpoint and key material without encrypting.
func (s Subscription) Validate() error {
	if !ValidEndpoint(s.Endpoint) {
		return fmt.Errorf("%w: endpoint is not a push service URL", ErrInvalidSubscriptionKey)
	}
	_, _, err := decodeKeys(s.Keys)
	return err
}
