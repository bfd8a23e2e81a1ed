package api

import (
	"context"
	"time"

	"dhikr/internal/auth"
	"dhikr/internal/metrics"
	"dhikr/internal/models"
	"dhikr/internal/webpush"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
)

// PreferenceStore is the part of the database the settings API uses.
type PreferenceStore interface {
	GetPreference(ctx context.Context, userID string) (models.ReminderPreference, error)
	SavePreference(ctx context.Context, userID string, enabled bool, localTime, timezone string) error
	SaveSubscription(ctx context.Context, userID string, sub webpush.Subscription) error
	DeleteSubscription(ctx context.Context, userID string) error
	RecordOutcome(ctx context.Context, userID string, rec models.DeliveryRecord) error
}

// Sender delivers one notification immediately.
type Sender interface {
	Send(ctx context.Context, sub webpush.Subscription, payload []byte, now time.Time) (webpush.Outcome, error)
}

type Deps struct {
	Store     PreferenceStore
	Push      Sender
	Validator *auth.Validator
	PublicKey string
}

func SetupRoutes(app *fiber.App, d Deps) {
	api := app.Group("/api")

	// VAPID public key endpoint (public - must be before protected routes for proper routing)
	api.Get("/push/vapid-public-key", VapidPublicKeyHandler(d.PublicKey))

	// Protected routes
	protected := api.Group("/", AuthMiddleware(d.Validator))

	// Reminder schedule routes
	protected.Get("/reminder", GetReminderHandler(d.Store))
	protected.Put("/reminder", UpdateReminderHandler(d.Store))

	// Push subscription routes
	push := protected.Group("/push")
	push.Post("/subscribe", SubscribePushHandler(d.Store))
	push.Delete("/unsubscribe", UnsubscribePushHandler(d.Store))
	push.Post("/test", SendTestPushHandler(d.Store, d.Push))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
}
