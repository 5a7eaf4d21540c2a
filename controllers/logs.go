package controllers

import (
	"strconv"
	"time"

	"attendance_go/config"
	"attendance_go/services/activity"

	"github.com/gofiber/fiber/v2"
)

// LogController exposes activity log maintenance to administrators.
type LogController struct {
	archiver *activity.Archiver
}

func NewLogController(archiver *activity.Archiver) *LogController {
	return &LogController{archiver: archiver}
}

// GetArchives lists archived activity logs.
func (lc *LogController) GetArchives(c *fiber.Ctx) error {
	archives, err := lc.archiver.List(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(archives)
}

// DownloadArchive streams one archive zip.
func (lc *LogController) DownloadArchive(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid archive ID",
		})
	}

	body, name, err := lc.archiver.Download(c.UserContext(), uint(id))
	if err != nil {
		return respondError(c, err)
	}

	c.Attachment(name)
	c.Set(fiber.HeaderContentType, "application/zip")
	return c.SendStream(body)
}

// FlushCachedLogs moves every buffered log into the database now.
func (lc *LogController) FlushCachedLogs(c *fiber.Ctx) error {
	flushed, err := lc.archiver.FlushQueue(c.UserContext(), 0)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"flushed": flushed})
}

// ArchiveLogs archives logs older than ?days (default from config).
func (lc *LogController) ArchiveLogs(c *fiber.Ctx) error {
	days := config.AppConfig.LogArchiveDays
	if raw := c.Query("days"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < activity.MinArchiveDays {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "days must be a number of at least 7",
			})
		}
		days = v
	}

	archive, err := lc.archiver.Archive(c.UserContext(), days)
	if err != nil {
		return respondError(c, err)
	}
	if archive == nil {
		return c.JSON(fiber.Map{"message": "No logs to archive", "time": time.Now().UTC()})
	}
	return c.Status(fiber.StatusCreated).JSON(archive)
}
