package controllers

import (
	"errors"

	"attendance_go/services/activity"
	"attendance_go/services/attendance"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var validate = validator.New()

// validationError reports field failures as {"error", "fields"}.
func validationError(c *fiber.Ctx, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Namespace()] = fe.Tag()
	}
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error":  "Validation failed",
		"fields": fields,
	})
}

// respondError maps service errors to HTTP status codes.
func respondError(c *fiber.Ctx, err error) error {
	var denied *attendance.GeofenceDeniedError
	if errors.As(err, &denied) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error":    err.Error(),
			"geofence": denied.Result,
		})
	}

	var writeErr *attendance.WriteError
	if errors.As(err, &writeErr) {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": writeErr.Error(),
		})
	}

	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(fiber.Map{"error": fe.Message})
	}

	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, attendance.ErrContextUnresolved),
		errors.Is(err, attendance.ErrInvalidDate),
		errors.Is(err, attendance.ErrInvalidRange),
		errors.Is(err, attendance.ErrMixedContext),
		errors.Is(err, attendance.ErrEmptyBatch),
		errors.Is(err, attendance.ErrActorMissing):
		status = fiber.StatusBadRequest
	case errors.Is(err, attendance.ErrNotAssigned):
		status = fiber.StatusForbidden
	case errors.Is(err, attendance.ErrLocationRequired):
		status = fiber.StatusUnprocessableEntity
	case errors.Is(err, gorm.ErrRecordNotFound),
		errors.Is(err, attendance.ErrNoAcademicYear),
		errors.Is(err, activity.ErrArchiveNotFound):
		status = fiber.StatusNotFound
	}

	if status == fiber.StatusInternalServerError {
		logrus.WithError(err).WithFields(logrus.Fields{
			"path":   c.Path(),
			"method": c.Method(),
		}).Error("Request failed")
		return c.Status(status).JSON(fiber.Map{"error": "Internal Server Error"})
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}
