package vapid

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultExpiry keeps tokens well under the 24h ceiling of RFC 8292.
const DefaultExpiry = 12 * time.Hour

// MaxExpiry is the longest expiry a push service must accept.
const MaxExpiry = 24 * time.Hour

// AuthHeaders are the identity headers attached to a push request.
type AuthHeaders struct {
	Authorization string
	CryptoKey     string
}

// Signer mints tokens for one key pair.
type Signer struct {
	keys   *KeyPair
	expiry time.Duration
}

// NewSigner returns a Signer; a zero expiry selects DefaultExpiry.
func NewSigner(keys *KeyPair, expiry time.Duration) (*Signer, error) {
	if keys == nil {
		return nil, &ConfigurationError{Field: "key pair", Err: errors.New("nil")}
	}
	if expiry == 0 {
		expiry = DefaultExpiry
	}
	if expiry < 0 || expiry > MaxExpiry {
		return nil, &ConfigurationError{Field: "token ttl", Err: fmt.Errorf("%s outside (0, %s]", expiry, MaxExpiry)}
	}
	return &Signer{keys: keys, expiry: expiry}, nil
}

// Keys returns the signer's key pair.
func (s *Signer) Keys() *KeyPair {
	return s.keys
}

// Sign returns the headers authorizing a push to endpoint at time now.
func (s *Signer) Sign(endpoint string, now time.Time) (AuthHeaders, error) {
	return sign(endpoint, s.keys, now, s.expiry)
}

// Sign is the stateless form of Signer.Sign using DefaultExpiry.
func Sign(endpoint string, keys *KeyPair, now time.Time) (AuthHeaders, error) {
	return sign(endpoint, keys, now, DefaultExpiry)
}

func sign(endpoint string, keys *KeyPair, now time.Time, expiry time.Duration) (AuthHeaders, error) {
	if keys == nil {
		return AuthHeaders{}, &ConfigurationError{Field: "key pair", Err: errors.New("nil")}
	}
	aud, err := Audience(endpoint)
	if err != nil {
		return AuthHeaders{}, err
	}

	// jwt's ES256 emits the raw r||s signature that push services expect.
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"aud": aud,
		"exp": now.Add(expiry).Unix(),
		"sub": keys.subject,
	})
	signed, err := token.SignedString(keys.private)
	if err != nil {
		return AuthHeaders{}, &SigningError{Err: err}
	}

	pub := keys.PublicKeyString()
	return AuthHeaders{
		Authorization: "vapid t=" + signed + ", k=" + pub,
		CryptoKey:     "p256ecdsa=" + pub,
	}, nil
}

// Audience reduces a push endpoint to the origin used as the aud claim.
func Audience(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("vapid: parse endpoint: %w", err)
	}
	if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return "", fmt.Errorf("vapid: endpoint scheme %q host %q is not an http(s) origin", u.Scheme, u.Host)
	}
	return u.Scheme + "://" + u.Host, nil
}
