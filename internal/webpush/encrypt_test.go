package webpush

import (
	"encoding/binary"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"dhikr/internal/keycodec"

	webpushgo "github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePayload = `{"title":"SubhanAllah","body":"Glory be to Allah","tag":"daily-reminder","data":{"url":"/adhkar"}}`

func TestEncryptRoundTrip(t *testing.T) {
	sub := newTestSubscriber(t)
	var enc Encryptor

	push, err := enc.Encrypt([]byte(samplePayload), sub.subscription("https://push.example.com/x"))
	require.NoError(t, err)

	assert.Equal(t, samplePayload, string(sub.decryptBody(t, push.Body)))
	assert.Equal(t, "aes128gcm", push.Headers["Content-Encoding"])
	assert.Equal(t, "application/octet-stream", push.Headers["Content-Type"])
	assert.Equal(t, strconv.Itoa(len(push.Body)), push.Headers["Content-Length"])
	assert.NotContains(t, push.Headers, "Encryption")
	assert.NotContains(t, push.Headers, "Crypto-Key")
}

func TestEncryptBodyLayout(t *testing.T) {
	sub := newTestSubscriber(t)
	var enc Encryptor
	payload := []byte(samplePayload)

	push, err := enc.Encrypt(payload, sub.subscription("https://push.example.com/x"))
	require.NoError(t, err)

	body := push.Body
	assert.Equal(t, uint32(4096), binary.BigEndian.Uint32(body[16:20]))
	assert.Equal(t, byte(65), body[20])
	assert.Equal(t, byte(0x04), body[21], "server key must be uncompressed")
	assert.Len(t, body, 16+4+1+65+len(payload)+1+16)
}

func TestEncryptUsesFreshKeyAndSalt(t *testing.T) {
	sub := newTestSubscriber(t)
	var enc Encryptor
	s := sub.subscription("https://push.example.com/x")

	a, err := enc.Encrypt([]byte(samplePayload), s)
	require.NoError(t, err)
	b, err := enc.Encrypt([]byte(samplePayload), s)
	require.NoError(t, err)

	assert.NotEqual(t, a.Body[:16], b.Body[:16], "salt reused")
	assert.NotEqual(t, a.Body[21:86], b.Body[21:86], "ephemeral key reused")
}

func TestEncryptPadding(t *testing.T) {
	sub := newTestSubscriber(t)
	enc := Encryptor{Padding: 100}
	payload := []byte(samplePayload)

	push, err := enc.Encrypt(payload, sub.subscription("https://push.example.com/x"))
	require.NoError(t, err)
	assert.Len(t, push.Body, 86+len(payload)+1+100+16)
	assert.Equal(t, samplePayload, string(sub.decryptBody(t, push.Body)))

	huge := Encryptor{Padding: 1 << 20}
	push, err = huge.Encrypt(payload, sub.subscription("https://push.example.com/x"))
	require.NoError(t, err)
	assert.LessOrEqual(t, len(push.Body), MaxBodySize)
}

func TestEncryptRejectsOversizedPayload(t *testing.T) {
	sub := newTestSubscriber(t)
	var enc Encryptor

	_, err := enc.Encrypt(make([]byte, MaxPayloadSize()+1), sub.subscription("https://push.example.com/x"))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	push, err := enc.Encrypt(make([]byte, MaxPayloadSize()), sub.subscription("https://push.example.com/x"))
	require.NoError(t, err)
	assert.Len(t, push.Body, MaxBodySize)
}

func TestEncryptInvalidSubscriptionKeys(t *testing.T) {
	sub := newTestSubscriber(t)
	good := sub.subscription("https://push.example.com/x")
	pub := sub.priv.PublicKey().Bytes()

	offCurve := make([]byte, 65)
	offCurve[0] = 0x04
	offCurve[64] = 0x01

	tests := []struct {
		name string
		keys Keys
	}{
		{name: "compressed point", keys: Keys{P256dh: keycodec.Encode(append([]byte{0x02}, pub[1:33]...)), Auth: good.Keys.Auth}},
		{name: "short key", keys: Keys{P256dh: keycodec.Encode(pub[:64]), Auth: good.Keys.Auth}},
		{name: "point not on curve", keys: Keys{P256dh: keycodec.Encode(offCurve), Auth: good.Keys.Auth}},
		{name: "bad base64", keys: Keys{P256dh: "***", Auth: good.Keys.Auth}},
		{name: "short auth", keys: Keys{P256dh: good.Keys.P256dh, Auth: keycodec.Encode(sub.auth[:15])}},
		{name: "empty auth", keys: Keys{P256dh: good.Keys.P256dh}},
	}

	var enc Encryptor
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := enc.Encrypt([]byte(samplePayload), Subscription{Endpoint: good.Endpoint, Keys: tt.keys})
			assert.ErrorIs(t, err, ErrInvalidSubscriptionKey)
		})
	}
}

// TestDecryptorMatchesReferenceImplementation checks the test decryptor
// against bodies produced by webpush-go, which anchors the round-trip tests
// above to an implementation browsers already accept.
func TestDecryptorMatchesReferenceImplementation(t *testing.T) {
	sub := newTestSubscriber(t)

	var body []byte
	var header http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		header = r.Header.Clone()
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	vapidPriv, vapidPub, err := webpushgo.GenerateVAPIDKeys()
	require.NoError(t, err)

	s := sub.subscription(srv.URL + "/push/device-1")
	resp, err := webpushgo.SendNotification([]byte(samplePayload), &webpushgo.Subscription{
		Endpoint: s.Endpoint,
		Keys:     webpushgo.Keys{P256dh: s.Keys.P256dh, Auth: s.Keys.Auth},
	}, &webpushgo.Options{
		Subscriber:      "mailto:test@example.org",
		VAPIDPublicKey:  vapidPub,
		VAPIDPrivateKey: vapidPriv,
		TTL:             30,
	})
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "aes128gcm", header.Get("Content-Encoding"))
	assert.True(t, strings.HasPrefix(header.Get("Authorization"), "vapid t="))
	assert.Equal(t, samplePayload, string(sub.decryptBody(t, body)))
}
