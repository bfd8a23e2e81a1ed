package webpush

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"dhikr/internal/keycodec"

	"github.com/stretchr/testify/require"
)

type testSubscriber struct {
	priv *ecdh.PrivateKey
	auth []byte
}

func newTestSubscriber(t *testing.T) testSubscriber {
	t.Helper()
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	auth := make([]byte, 16)
	_, err = rand.Read(auth)
	require.NoError(t, err)
	return testSubscriber{priv: priv, auth: auth}
}

func (s testSubscriber) subscription(endpoint string) Subscription {
	return Subscription{
		Endpoint: endpoint,
		Keys: Keys{
			P256dh: keycodec.Encode(s.priv.PublicKey().Bytes()),
			Auth:   keycodec.Encode(s.auth),
		},
	}
}

// hkdfSHA256 is a single-block HKDF written against RFC 5869 directly so the
// decryptor below does not share code with the encryptor under test.
func hkdfSHA256(salt, ikm, info []byte, n int) []byte {
	m := hmac.New(sha256.New, salt)
	m.Write(ikm)
	prk := m.Sum(nil)
	m = hmac.New(sha256.New, prk)
	m.Write(info)
	m.Write([]byte{0x01})
	return m.Sum(nil)[:n]
}

// decryptBody is the user agent side of RFC 8291 for a single record.
func (s testSubscriber) decryptBody(t *testing.T, body []byte) []byte {
	t.Helper()
	require.Greater(t, len(body), 21)
	salt := body[:16]
	rs := binary.BigEndian.Uint32(body[16:20])
	idlen := int(body[20])
	require.Equal(t, 65, idlen)
	serverKey := body[21 : 21+idlen]
	ciphertext := body[21+idlen:]
	require.LessOrEqual(t, len(ciphertext), int(rs))

	asPub, err := ecdh.P256().NewPublicKey(serverKey)
	require.NoError(t, err)
	shared, err := s.priv.ECDH(asPub)
	require.NoError(t, err)

	keyInfo := append([]byte("WebPush: info\x00"), s.priv.PublicKey().Bytes()...)
	keyInfo = append(keyInfo, serverKey...)
	ikm := hkdfSHA256(s.auth, shared, keyInfo, 32)
	cek := hkdfSHA256(salt, ikm, []byte("Content-Encoding: aes128gcm\x00"), 16)
	nonce := hkdfSHA256(salt, ikm, []byte("Content-Encoding: nonce\x00"), 12)

	block, err := aes.NewCipher(cek)
	require.NoError(t, err)
	gcm, err := cipher.NewGCM(block)
	require.NoError(t, err)
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	require.NoError(t, err)

	end := len(plain) - 1
	for end >= 0 && plain[end] == 0 {
		end--
	}
	require.GreaterOrEqual(t, end, 0, "record has no delimiter")
	require.Equal(t, byte(0x02), plain[end], "last record delimiter")
	return plain[:end]
}
