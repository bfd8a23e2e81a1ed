package api_test

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"dhikr/internal/api"
	"dhikr/internal/auth"
	"dhikr/internal/database"
	"dhikr/internal/keycodec"
	"dhikr/internal/models"
	"dhikr/internal/vapid"
	"dhikr/internal/webpush"

	webpushgo "github.com/SherClockHolmes/webpush-go"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-for-testing-purposes-only"

type testEnv struct {
	app       *fiber.App
	store     *database.Store
	validator *auth.Validator
	publicKey string
}

func setupTestApp(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.Initialize(database.DriverSQLite, ":memory:", 0)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	var sealKey [32]byte
	_, err = rand.Read(sealKey[:])
	require.NoError(t, err)
	store := database.NewStore(db, database.DriverSQLite, &sealKey)

	validator, err := auth.NewValidator(testSecret)
	require.NoError(t, err)

	priv, pub, err := webpushgo.GenerateVAPIDKeys()
	require.NoError(t, err)
	keys, err := vapid.ParseKeyPair(pub, priv, "mailto:ops@example.com")
	require.NoError(t, err)
	signer, err := vapid.NewSigner(keys, 0)
	require.NoError(t, err)
	client := &webpush.Client{
		Encryptor:  &webpush.Encryptor{},
		Signer:     signer,
		Dispatcher: webpush.NewDispatcher(webpush.DispatcherOptions{Timeout: 2 * time.Second}),
	}

	app := fiber.New(fiber.Config{ErrorHandler: api.ErrorHandler})
	api.SetupRoutes(app, api.Deps{
		Store:     store,
		Push:      client,
		Validator: validator,
		PublicKey: keys.PublicKeyString(),
	})
	return &testEnv{app: app, store: store, validator: validator, publicKey: keys.PublicKeyString()}
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := e.validator.GenerateToken(userID, time.Hour)
	require.NoError(t, err)
	return token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.app.Test(req, 5000)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func browserSubscription(t *testing.T, endpoint string) webpush.Subscription {
	t.Helper()
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	authSecret := make([]byte, 16)
	_, err = rand.Read(authSecret)
	require.NoError(t, err)
	return webpush.Subscription{
		Endpoint: endpoint,
		Keys: webpush.Keys{
			P256dh: keycodec.Encode(priv.PublicKey().Bytes()),
			Auth:   keycodec.Encode(authSecret),
		},
	}
}

func TestHealthAndPublicKey(t *testing.T) {
	env := setupTestApp(t)

	status, body := env.do(t, "GET", "/health", "", nil)
	assert.Equal(t, 200, status)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	status, body = env.do(t, "GET", "/api/push/vapid-public-key", "", nil)
	assert.Equal(t, 200, status)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, env.publicKey, resp["publicKey"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupTestApp(t)
	status, body := env.do(t, "GET", "/metrics", "", nil)
	assert.Equal(t, 200, status)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := setupTestApp(t)

	status, _ := env.do(t, "GET", "/api/reminder", "", nil)
	assert.Equal(t, 401, status)

	status, body := env.do(t, "GET", "/api/reminder", "garbage", nil)
	assert.Equal(t, 401, status)
	assert.JSONEq(t, `{"error":"Invalid token"}`, string(body))
}

func TestReminderDefaultsAndUpdate(t *testing.T) {
	env := setupTestApp(t)
	token := env.token(t, "user-1")

	status, body := env.do(t, "GET", "/api/reminder", token, nil)
	require.Equal(t, 200, status)
	var pref models.PreferenceResponse
	require.NoError(t, json.Unmarshal(body, &pref))
	assert.False(t, pref.Enabled)
	assert.Equal(t, "09:00", pref.LocalTime)
	assert.Equal(t, "UTC", pref.Timezone)
	assert.False(t, pref.Subscribed)

	enabled := true
	localTime := "06:45"
	tz := "America/New_York"
	status, body = env.do(t, "PUT", "/api/reminder", token, models.UpdatePreferenceRequest{
		Enabled:   &enabled,
		LocalTime: &localTime,
		Timezone:  &tz,
	})
	require.Equal(t, 200, status, string(body))
	require.NoError(t, json.Unmarshal(body, &pref))
	assert.True(t, pref.Enabled)
	assert.Equal(t, "06:45", pref.LocalTime)
	assert.Equal(t, "America/New_York", pref.Timezone)

	// Partial update keeps the other fields.
	disabled := false
	status, body = env.do(t, "PUT", "/api/reminder", token, models.UpdatePreferenceRequest{Enabled: &disabled})
	require.Equal(t, 200, status)
	require.NoError(t, json.Unmarshal(body, &pref))
	assert.False(t, pref.Enabled)
	assert.Equal(t, "06:45", pref.LocalTime)
	assert.Equal(t, "America/New_York", pref.Timezone)
}

func TestReminderUpdateValidation(t *testing.T) {
	env := setupTestApp(t)
	token := env.token(t, "user-1")

	badTime := "25:00"
	status, _ := env.do(t, "PUT", "/api/reminder", token, models.UpdatePreferenceRequest{LocalTime: &badTime})
	assert.Equal(t, 400, status)

	badZone := "Atlantis/Capital"
	status, _ = env.do(t, "PUT", "/api/reminder", token, models.UpdatePreferenceRequest{Timezone: &badZone})
	assert.Equal(t, 400, status)

	req := httptest.NewRequest("PUT", "/api/reminder", bytes.NewReader([]byte("{")))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := env.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, 400, resp.StatusCode)
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	env := setupTestApp(t)
	token := env.token(t, "user-1")
	sub := browserSubscription(t, "https://push.example.com/send/abc")

	status, body := env.do(t, "POST", "/api/push/subscribe", token, sub)
	require.Equal(t, 200, status, string(body))

	status, body = env.do(t, "GET", "/api/reminder", token, nil)
	require.Equal(t, 200, status)
	assert.NotContains(t, string(body), sub.Keys.Auth)
	assert.NotContains(t, string(body), "/send/abc")
	var pref models.PreferenceResponse
	require.NoError(t, json.Unmarshal(body, &pref))
	assert.True(t, pref.Subscribed)
	assert.Equal(t, "https://push.example.com", pref.Origin)

	stored, err := env.store.GetPreference(context.Background(), "user-1")
	require.NoError(t, err)
	require.NotNil(t, stored.Subscription)
	assert.Equal(t, sub, *stored.Subscription)

	status, _ = env.do(t, "DELETE", "/api/push/unsubscribe", token, nil)
	assert.Equal(t, 200, status)
	stored, err = env.store.GetPreference(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Nil(t, stored.Subscription)

	// Unsubscribing twice is harmless.
	status, _ = env.do(t, "DELETE", "/api/push/unsubscribe", env.token(t, "user-2"), nil)
	assert.Equal(t, 200, status)
}

func TestSubscribeValidation(t *testing.T) {
	env := setupTestApp(t)
	token := env.token(t, "user-1")

	status, _ := env.do(t, "POST", "/api/push/subscribe", token, webpush.Subscription{Endpoint: "https://push.example.com/x"})
	assert.Equal(t, 400, status)

	sub := browserSubscription(t, "http://push.example.com/x")
	status, _ = env.do(t, "POST", "/api/push/subscribe", token, sub)
	assert.Equal(t, 400, status)

	sub = browserSubscription(t, "https://push.example.com/x")
	sub.Keys.Auth = keycodec.Encode([]byte("too short"))
	status, _ = env.do(t, "POST", "/api/push/subscribe", token, sub)
	assert.Equal(t, 400, status)
}

func TestSendTestPush(t *testing.T) {
	env := setupTestApp(t)
	token := env.token(t, "user-1")

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "aes128gcm", r.Header.Get("Content-Encoding"))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	status, _ := env.do(t, "POST", "/api/push/test", token, nil)
	assert.Equal(t, 404, status, "no subscription yet")

	status, _ = env.do(t, "POST", "/api/push/subscribe", token, browserSubscription(t, srv.URL+"/push/abc"))
	require.Equal(t, 200, status)

	status, body := env.do(t, "POST", "/api/push/test", token, nil)
	require.Equal(t, 200, status, string(body))
	assert.JSONEq(t, `{"success":true,"outcome":"delivered"}`, string(body))
	assert.Equal(t, int32(1), hits.Load())

	stored, err := env.store.GetPreference(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Empty(t, stored.LastSentDate, "test push must not use up the daily reminder")
}

func TestSendTestPushPurgesExpiredSubscription(t *testing.T) {
	env := setupTestApp(t)
	token := env.token(t, "user-1")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	enabled := true
	status, _ := env.do(t, "PUT", "/api/reminder", token, models.UpdatePreferenceRequest{Enabled: &enabled})
	require.Equal(t, 200, status)
	status, _ = env.do(t, "POST", "/api/push/subscribe", token, browserSubscription(t, srv.URL+"/push/gone"))
	require.Equal(t, 200, status)

	status, _ = env.do(t, "POST", "/api/push/test", token, nil)
	assert.Equal(t, 410, status)

	stored, err := env.store.GetPreference(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Nil(t, stored.Subscription)
	assert.False(t, stored.Enabled)
}

func TestSendTestPushReportsRejection(t *testing.T) {
	env := setupTestApp(t)
	token := env.token(t, "user-1")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	status, _ := env.do(t, "POST", "/api/push/subscribe", token, browserSubscription(t, srv.URL+"/push/busy"))
	require.Equal(t, 200, status)

	status, body := env.do(t, "POST", "/api/push/test", token, nil)
	assert.Equal(t, 502, status)
	assert.Contains(t, string(body), "rate_limited")

	stored, err := env.store.GetPreference(context.Background(), "user-1")
	require.NoError(t, err)
	assert.NotNil(t, stored.Subscription)
}
