package middleware

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"attendance_go/models"
	"attendance_go/services/activity"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// RequestIDHeader carries the request id in and out.
const RequestIDHeader = "X-Request-ID"

// ActivityRecorder persists audit entries.
type ActivityRecorder interface {
	Record(ctx context.Context, entry models.ActivityLog) error
}

var activityRecorder ActivityRecorder

// SetActivityRecorder sets the sink used by LogActivity. Without one, entries
// are only written to the application log.
func SetActivityRecorder(r ActivityRecorder) {
	activityRecorder = r
}

// RequestID assigns a request id unless the caller sent one.
func RequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Locals("request_id", id)
		c.Set(RequestIDHeader, id)
		return c.Next()
	}
}

// GetRequestID returns the id assigned by RequestID.
func GetRequestID(c *fiber.Ctx) string {
	if id, ok := c.Locals("request_id").(string); ok {
		return id
	}
	return ""
}

// LoggerMiddleware logs HTTP requests
func LoggerMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		logrus.WithFields(logrus.Fields{
			"method":     c.Method(),
			"path":       c.Path(),
			"status":     c.Response().StatusCode(),
			"duration":   time.Since(start).String(),
			"ip":         c.IP(),
			"user_agent": c.Get("User-Agent"),
			"request_id": GetRequestID(c),
		}).Info("HTTP Request")

		return err
	}
}

// LogActivity records an audit entry for the current request. It never
// blocks the response.
func LogActivity(c *fiber.Ctx, action, resource string, resourceID uint, details interface{}) {
	var userID uint
	if claims, err := GetCurrentClaims(c); err == nil {
		userID = claims.UserID
	}

	payload := map[string]interface{}{
		"details": details,
		"method":  c.Method(),
		"path":    c.Path(),
		"query":   string(c.Request().URI().QueryString()),
		"status":  c.Response().StatusCode(),
	}
	detailsJSON, err := json.Marshal(payload)
	if err != nil {
		detailsJSON = nil
	}

	entry := models.ActivityLog{
		UserID:     userID,
		Action:     action,
		Resource:   resource,
		ResourceID: resourceID,
		Details:    detailsJSON,
		IPAddress:  c.IP(),
		UserAgent:  c.Get("User-Agent"),
		RequestID:  GetRequestID(c),
	}
	entry.CreatedAt = time.Now()

	fields := logrus.Fields{
		"user_id":     entry.UserID,
		"action":      entry.Action,
		"resource":    entry.Resource,
		"resource_id": entry.ResourceID,
		"request_id":  entry.RequestID,
	}
	logrus.WithFields(fields).Info("Activity")

	recorder := activityRecorder
	if recorder == nil {
		return
	}
	go func(entry models.ActivityLog) {
		defer func() {
			if r := recover(); r != nil {
				logrus.WithField("panic", r).Error("panic recovered in LogActivity goroutine")
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := recorder.Record(ctx, entry); err != nil {
			logrus.WithError(err).WithFields(fields).Error("Failed to record activity")
		}
	}(entry)
}

// LogActivityMiddleware logs successful write requests.
func LogActivityMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodGet || c.Method() == fiber.MethodHead || c.Method() == fiber.MethodOptions {
			return c.Next()
		}

		err := c.Next()

		var action string
		switch c.Method() {
		case fiber.MethodPost:
			action = "CREATE"
		case fiber.MethodPut, fiber.MethodPatch:
			action = "UPDATE"
		case fiber.MethodDelete:
			action = "DELETE"
		default:
			return err
		}

		if err == nil && c.Response().StatusCode() < 400 {
			LogActivity(c, action, resourceFromPath(c.Path()), resourceIDFromParams(c), nil)
		}
		return err
	}
}

// resourceFromPath returns the first segment after /api, e.g. "Attendance".
func resourceFromPath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) > 0 && parts[0] == "api" {
		parts = parts[1:]
	}
	if len(parts) == 0 {
		return ""
	}
	return parts[0]
}

func resourceIDFromParams(c *fiber.Ctx) uint {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return 0
	}
	return uint(id)
}

var _ ActivityRecorder = (*activity.Recorder)(nil)
