// Package vapid mints the per-request application server identity tokens
// described by RFC 8292.
package vapid

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"errors"
	"fmt"
	"strings"

	"dhikr/internal/keycodec"
)

const (
	publicKeyLen  = 65
	privateKeyLen = 32
)

// KeyPair is the application server key pair. It is built once at startup
// and shared read-only by every signer.
type KeyPair struct {
	private   *ecdsa.PrivateKey
	publicRaw []byte
	subject   string
}

// ParseKeyPair builds a KeyPair from base64url encoded keys as they appear
// in configuration.
func ParseKeyPair(publicKey, privateKey, subject string) (*KeyPair, error) {
	if strings.TrimSpace(publicKey) == "" {
		return nil, &ConfigurationError{Field: "public key", Err: errors.New("not set")}
	}
	if strings.TrimSpace(privateKey) == "" {
		return nil, &ConfigurationError{Field: "private key", Err: errors.New("not set")}
	}

	pub, err := keycodec.Decode(publicKey)
	if err != nil {
		return nil, &ConfigurationError{Field: "public key", Err: err}
	}
	priv, err := keycodec.Decode(privateKey)
	if err != nil {
		return nil, &KeyImportError{Err: err}
	}
	return NewKeyPair(pub, priv, subject)
}

// NewKeyPair builds a KeyPair from the raw 65-byte public point and the raw
// 32-byte private scalar.
func NewKeyPair(publicKey, privateKey []byte, subject string) (*KeyPair, error) {
	if len(privateKey) != privateKeyLen {
		return nil, &KeyImportError{Err: fmt.Errorf("expected %d bytes, got %d", privateKeyLen, len(privateKey))}
	}
	priv, err := ecdsa.ParseRawPrivateKey(elliptic.P256(), privateKey)
	if err != nil {
		return nil, &KeyImportError{Err: err}
	}

	if len(publicKey) != publicKeyLen || publicKey[0] != 0x04 {
		return nil, &ConfigurationError{Field: "public key", Err: fmt.Errorf("expected %d-byte uncompressed point", publicKeyLen)}
	}
	derived, err := priv.PublicKey.Bytes()
	if err != nil {
		return nil, &KeyImportError{Err: err}
	}
	if !bytes.Equal(derived, publicKey) {
		return nil, &ConfigurationError{Field: "public key", Err: errors.New("does not match private key")}
	}

	if err := validateSubject(subject); err != nil {
		return nil, err
	}

	return &KeyPair{
		private:   priv,
		publicRaw: bytes.Clone(publicKey),
		subject:   subject,
	}, nil
}

func validateSubject(subject string) error {
	switch {
	case subject == "":
		return &ConfigurationError{Field: "subject", Err: errors.New("not set")}
	case strings.HasPrefix(subject, "mailto:") && len(subject) > len("mailto:"):
		return nil
	case strings.HasPrefix(subject, "https://"):
		return nil
	default:
		return &ConfigurationError{Field: "subject", Err: fmt.Errorf("%q must be a mailto: or https: URI", subject)}
	}
}

// PublicKey returns a copy of the uncompressed public point.
func (k *KeyPair) PublicKey() []byte {
	return bytes.Clone(k.publicRaw)
}

// PublicKeyString is the base64url public key handed to browsers as the
// applicationServerKey.
func (k *KeyPair) PublicKeyString() string {
	return keycodec.Encode(k.publicRaw)
}

// Subject is the contact URI placed in the sub claim.
func (k *KeyPair) Subject() string {
	return k.subject
}

// String keeps the private scalar out of logs and fmt output.
func (k *KeyPair) String() string {
	return fmt.Sprintf("vapid.KeyPair{public: %s, subject: %s}", k.PublicKeyString(), k.subject)
}
