package database

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"dhikr/internal/keycodec"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceLen = 24

var errSealedValue = errors.New("sealed value is corrupt or was sealed under another key")

// Sealer encrypts subscription key material for storage.
type Sealer struct {
	key  *[32]byte
	rand io.Reader
}

func NewSealer(key *[32]byte) *Sealer {
	return &Sealer{key: key, rand: rand.Reader}
}

// Seal returns base64url(nonce || secretbox(plain)).
func (s *Sealer) Seal(plain string) (string, error) {
	var nonce [nonceLen]byte
	if _, err := io.ReadFull(s.rand, nonce[:]); err != nil {
		return "", fmt.Errorf("seal nonce: %w", err)
	}
	out := secretbox.Seal(nonce[:], []byte(plain), &nonce, s.key)
	return keycodec.Encode(out), nil
}

func (s *Sealer) Open(sealed string) (string, error) {
	raw, err := keycodec.Decode(sealed)
	if err != nil {
		return "", errSealedValue
	}
	if len(raw) < nonceLen+secretbox.Overhead {
		return "", errSealedValue
	}
	var nonce [nonceLen]byte
	copy(nonce[:], raw[:nonceLen])
	plain, ok := secretbox.Open(nil, raw[nonceLen:], &nonce, s.key)
	if !ok {
		return "", errSealedValue
	}
	return string(plain), nil
}
