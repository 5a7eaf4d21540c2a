package controllers

import (
	"attendance_go/services/health"

	"github.com/gofiber/fiber/v2"
)

// HealthController exposes the health endpoint.
type HealthController struct {
	service *health.Service
}

func NewHealthController(service *health.Service) *HealthController {
	return &HealthController{service: service}
}

// GetHealthStatus returns the aggregated health report.
func (hc *HealthController) GetHealthStatus(c *fiber.Ctx) error {
	report := hc.service.Check(c.UserContext())
	return c.Status(health.HTTPStatus(report.Status)).JSON(report)
}
