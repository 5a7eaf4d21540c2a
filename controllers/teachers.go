package controllers

import (
	"strconv"

	"attendance_go/middleware"
	"attendance_go/models"
	"attendance_go/services/attendance"

	"github.com/gofiber/fiber/v2"
)

type TeacherController struct {
	svc *attendance.Service
}

func NewTeacherController(svc *attendance.Service) *TeacherController {
	return &TeacherController{svc: svc}
}

// userParam reads :userId. Teachers may only look themselves up.
func userParam(c *fiber.Ctx) (uint, error) {
	id, err := strconv.ParseUint(c.Params("userId"), 10, 32)
	if err != nil {
		return 0, fiber.NewError(fiber.StatusBadRequest, "Invalid user ID")
	}

	claims, err := middleware.GetCurrentClaims(c)
	if err != nil {
		return 0, err
	}
	if claims.Role == models.RoleTeacher && claims.UserID != uint(id) {
		return 0, fiber.NewError(fiber.StatusForbidden, "Insufficient permissions")
	}
	return uint(id), nil
}

// GetTeacherByUser returns the teacher profile linked to a user, or null.
func (tc *TeacherController) GetTeacherByUser(c *fiber.Ctx) error {
	userID, err := userParam(c)
	if err != nil {
		return respondError(c, err)
	}

	teacher, err := tc.svc.TeacherByUser(c.UserContext(), userID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(teacher)
}

// GetAssignments returns the active assignments of the teacher linked to a user.
func (tc *TeacherController) GetAssignments(c *fiber.Ctx) error {
	userID, err := userParam(c)
	if err != nil {
		return respondError(c, err)
	}
	yearID, err := queryUint(c, "academicYearId")
	if err != nil {
		return respondError(c, err)
	}

	assignments, err := tc.svc.Assignments(c.UserContext(), userID, yearID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(assignments)
}
