package api

import (
	"errors"

	"dhikr/internal/database"
	"dhikr/internal/models"
	"dhikr/internal/reminder"
	"dhikr/internal/webpush"

	"github.com/gofiber/fiber/v2"
)

const (
	defaultLocalTime = "09:00"
	defaultTimezone  = "UTC"
)

func loadPreference(c *fiber.Ctx, store PreferenceStore) (models.ReminderPreference, error) {
	id := userID(c)
	pref, err := store.GetPreference(c.UserContext(), id)
	if errors.Is(err, database.ErrNotFound) {
		return models.ReminderPreference{
			UserID:    id,
			LocalTime: defaultLocalTime,
			Timezone:  defaultTimezone,
		}, nil
	}
	return pref, err
}

func preferenceResponse(p models.ReminderPreference) models.PreferenceResponse {
	resp := models.PreferenceResponse{ReminderPreference: p, Subscribed: p.Subscribed()}
	if p.Subscription != nil {
		resp.Origin = webpush.Origin(p.Subscription.Endpoint)
	}
	return resp
}

func GetReminderHandler(store PreferenceStore) fiber.Handler {
	return func(c *fiber.Ctx) error {
		pref, err := loadPreference(c, store)
		if err != nil {
			return err
		}
		return c.JSON(preferenceResponse(pref))
	}
}

// UpdateReminderHandler applies a partial update to the schedule. Fields
// left out of the body keep their stored values.
func UpdateReminderHandler(store PreferenceStore) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req models.UpdatePreferenceRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
		}

		pref, err := loadPreference(c, store)
		if err != nil {
			return err
		}

		if req.Enabled != nil {
			pref.Enabled = *req.Enabled
		}
		if req.LocalTime != nil {
			if _, err := reminder.ParseLocalTime(*req.LocalTime); err != nil {
				return fiber.NewError(fiber.StatusBadRequest, "local_time must be HH:MM")
			}
			pref.LocalTime = *req.LocalTime
		}
		if req.Timezone != nil {
			if !reminder.ValidTimezone(*req.Timezone) {
				return fiber.NewError(fiber.StatusBadRequest, "timezone must be an IANA zone name")
			}
			pref.Timezone = *req.Timezone
		}

		if err := store.SavePreference(c.UserContext(), pref.UserID, pref.Enabled, pref.LocalTime, pref.Timezone); err != nil {
			return err
		}

		saved, err := loadPreference(c, store)
		if err != nil {
			return err
		}
		return c.JSON(preferenceResponse(saved))
	}
}
