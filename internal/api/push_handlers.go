package api

import (
	"encoding/json"
	"errors"
	"time"

	"dhikr/internal/content"
	"dhikr/internal/database"
	"dhikr/internal/models"
	"dhikr/internal/webpush"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// VapidPublicKeyHandler returns the VAPID public key for client subscription
func VapidPublicKeyHandler(publicKey string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if publicKey == "" {
			return fiber.NewError(fiber.StatusServiceUnavailable, "Push notifications not configured")
		}
		return c.JSON(fiber.Map{
			"publicKey": publicKey,
		})
	}
}

// SubscribePushHandler stores the browser's PushSubscription.toJSON() body,
// replacing any earlier subscription of the user.
func SubscribePushHandler(store PreferenceStore) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var sub webpush.Subscription
		if err := c.BodyParser(&sub); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
		}

		if sub.Endpoint == "" || sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
			return fiber.NewError(fiber.StatusBadRequest, "Missing subscription fields")
		}
		if err := sub.Validate(); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "Invalid subscription")
		}

		if err := store.SaveSubscription(c.UserContext(), userID(c), sub); err != nil {
			return err
		}

		logrus.WithFields(logrus.Fields{
			"user_id": userID(c),
			"origin":  webpush.Origin(sub.Endpoint),
		}).Info("Push subscription saved")

		return c.JSON(fiber.Map{"success": true})
	}
}

func UnsubscribePushHandler(store PreferenceStore) fiber.Handler {
	return func(c *fiber.Ctx) error {
		err := store.DeleteSubscription(c.UserContext(), userID(c))
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			return err
		}
		return c.JSON(fiber.Map{"success": true})
	}
}

// SendTestPushHandler sends a notification right away. It never marks the
// day as sent; a subscription the push service reports gone is purged.
func SendTestPushHandler(store PreferenceStore, sender Sender) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if sender == nil {
			return fiber.NewError(fiber.StatusServiceUnavailable, "Push notifications not configured")
		}

		pref, err := loadPreference(c, store)
		if err != nil {
			return err
		}
		if pref.Subscription == nil {
			return fiber.NewError(fiber.StatusNotFound, "No push subscription")
		}

		payload, err := json.Marshal(content.TestPayload())
		if err != nil {
			return err
		}

		now := time.Now()
		log := logrus.WithFields(logrus.Fields{
			"user_id": pref.UserID,
			"origin":  webpush.Origin(pref.Subscription.Endpoint),
		})

		outcome, err := sender.Send(c.UserContext(), *pref.Subscription, payload, now)
		if errors.Is(err, webpush.ErrInvalidSubscriptionKey) {
			outcome = webpush.Outcome{Kind: webpush.Expired, Err: err}
		} else if err != nil {
			return err
		}

		if outcome.Kind == webpush.Expired {
			rec := models.DeliveryRecord{Outcome: webpush.Expired, Endpoint: pref.Subscription.Endpoint, At: now}
			if err := store.RecordOutcome(c.UserContext(), pref.UserID, rec); err != nil {
				return err
			}
			log.Info("Test push found subscription expired, removed it")
			return fiber.NewError(fiber.StatusGone, "Push subscription expired, subscribe again")
		}

		if outcome.Kind != webpush.Delivered {
			log.WithField("outcome", outcome.Kind.String()).Warn("Test push not delivered")
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
				"error":   "Push service did not accept the notification",
				"outcome": outcome.Kind.String(),
			})
		}

		return c.JSON(fiber.Map{
			"success": true,
			"outcome": outcome.Kind.String(),
		})
	}
}
