package webpush

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"

	"dhikr/internal/keycodec"

	"golang.org/x/crypto/hkdf"
)

const (
	// RecordSize is the rs field of the aes128gcm header.
	RecordSize = 4096

	saltLen      = 16
	authLen      = 16
	publicKeyLen = 65
	keyLen       = 16
	nonceLen     = 12
	tagLen       = 16
	headerLen    = saltLen + 4 + 1 + publicKeyLen

	// MaxBodySize is the largest body every conforming push service accepts.
	MaxBodySize = 4096
)

var (
	webPushInfo = []byte("WebPush: info\x00")
	cekInfo     = []byte("Content-Encoding: aes128gcm\x00")
	nonceInfo   = []byte("Content-Encoding: nonce\x00")
)

// Encryptor produces aes128gcm bodies. The zero value is ready to use.
type Encryptor struct {
	// Padding is the number of zero bytes appended after the record
	// delimiter. It is clamped so the body stays within MaxBodySize.
	Padding int

	// Rand defaults to crypto/rand.Reader.
	Rand io.Reader
}

// MaxPayloadSize is the largest plaintext that fits one record with no padding.
func MaxPayloadSize() int {
	return MaxBodySize - headerLen - tagLen - 1
}

func (e *Encryptor) random() io.Reader {
	if e.Rand != nil {
		return e.Rand
	}
	return rand.Reader
}

// Encrypt seals payload for sub. Every call uses a fresh ephemeral key and salt.
func (e *Encryptor) Encrypt(payload []byte, sub Subscription) (EncryptedPush, error) {
	clientPub, auth, err := decodeKeys(sub.Keys)
	if err != nil {
		return EncryptedPush{}, err
	}
	if len(payload) > MaxPayloadSize() {
		return EncryptedPush{}, fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, len(payload), MaxPayloadSize())
	}

	curve := ecdh.P256()
	ephemeral, err := curve.GenerateKey(e.random())
	if err != nil {
		return EncryptedPush{}, &EncryptionError{Step: "ephemeral key", Err: err}
	}
	shared, err := ephemeral.ECDH(clientPub)
	if err != nil {
		return EncryptedPush{}, &EncryptionError{Step: "ecdh", Err: err}
	}
	serverPub := ephemeral.PublicKey().Bytes()

	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(e.random(), salt); err != nil {
		return EncryptedPush{}, &EncryptionError{Step: "salt", Err: err}
	}

	cek, nonce, err := deriveContentKeys(shared, auth, salt, clientPub.Bytes(), serverPub)
	if err != nil {
		return EncryptedPush{}, err
	}

	block, err := aes.NewCipher(cek)
	if err != nil {
		return EncryptedPush{}, &EncryptionError{Step: "cipher", Err: err}
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return EncryptedPush{}, &EncryptionError{Step: "gcm", Err: err}
	}

	pad := e.Padding
	if room := MaxPayloadSize() - len(payload); pad > room {
		pad = room
	}
	if pad < 0 {
		pad = 0
	}
	plaintext := make([]byte, 0, len(payload)+1+pad)
	plaintext = append(plaintext, payload...)
	plaintext = append(plaintext, 0x02)
	plaintext = append(plaintext, make([]byte, pad)...)

	body := make([]byte, headerLen, headerLen+len(plaintext)+tagLen)
	copy(body, salt)
	binary.BigEndian.PutUint32(body[saltLen:], RecordSize)
	body[saltLen+4] = publicKeyLen
	copy(body[saltLen+5:], serverPub)
	body = gcm.Seal(body, nonce, plaintext, nil)

	return EncryptedPush{
		Body: body,
		Headers: map[string]string{
			"Content-Encoding": "aes128gcm",
			"Content-Type":     "application/octet-stream",
			"Content-Length":   strconv.Itoa(len(body)),
		},
	}, nil
}

func decodeKeys(k Keys) (*ecdh.PublicKey, []byte, error) {
	rawPub, err := keycodec.Decode(k.P256dh)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: p256dh: %v", ErrInvalidSubscriptionKey, err)
	}
	if len(rawPub) != publicKeyLen || rawPub[0] != 0x04 {
		return nil, nil, fmt.Errorf("%w: p256dh must be a %d-byte uncompressed point", ErrInvalidSubscriptionKey, publicKeyLen)
	}
	pub, err := ecdh.P256().NewPublicKey(rawPub)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: p256dh: %v", ErrInvalidSubscriptionKey, err)
	}

	auth, err := keycodec.Decode(k.Auth)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: auth: %v", ErrInvalidSubscriptionKey, err)
	}
	if len(auth) != authLen {
		return nil, nil, fmt.Errorf("%w: auth must be %d bytes", ErrInvalidSubscriptionKey, authLen)
	}
	return pub, auth, nil
}

// deriveContentKeys runs the RFC 8291 key schedule. The key info binds the
// client key before the server key; swapping them breaks every browser.
func deriveContentKeys(shared, auth, salt, clientPub, serverPub []byte) (cek, nonce []byte, err error) {
	ikm := make([]byte, 32)
	info := keycodec.Concat(webPushInfo, clientPub, serverPub)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, auth, info), ikm); err != nil {
		return nil, nil, &EncryptionError{Step: "hkdf ikm", Err: err}
	}

	cek = make([]byte, keyLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, salt, cekInfo), cek); err != nil {
		return nil, nil, &EncryptionError{Step: "hkdf cek", Err: err}
	}
	nonce = make([]byte, nonceLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, salt, nonceInfo), nonce); err != nil {
		return nil, nil, &EncryptionError{Step: "hkdf nonce", Err: err}
	}
	return cek, nonce, nil
}
