package controllers

import (
	"attendance_go/services/attendance"
	"attendance_go/utils"

	"github.com/gofiber/fiber/v2"
)

type MasterDataController struct {
	svc *attendance.Service
}

func NewMasterDataController(svc *attendance.Service) *MasterDataController {
	return &MasterDataController{svc: svc}
}

// GetStatusTypes returns the attendance status enumeration.
func (mc *MasterDataController) GetStatusTypes(c *fiber.Ctx) error {
	statuses, err := mc.svc.StatusTypes(c.UserContext(), utils.ParseBool(c.Query("isActive")))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(statuses)
}

// GetCurrentAcademicYear returns the year flagged current.
func (mc *MasterDataController) GetCurrentAcademicYear(c *fiber.Ctx) error {
	year, err := mc.svc.CurrentAcademicYear(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(year)
}

// GetAcademicYears lists academic years, optionally only active ones.
func (mc *MasterDataController) GetAcademicYears(c *fiber.Ctx) error {
	years, err := mc.svc.AcademicYears(c.UserContext(), utils.ParseBool(c.Query("isActive")))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(years)
}

// GetCombinations lists every cluster/program pair with enrolled students.
func (mc *MasterDataController) GetCombinations(c *fiber.Ctx) error {
	yearID, err := queryUint(c, "academicYearId")
	if err != nil {
		return respondError(c, err)
	}
	combos, err := mc.svc.Combinations(c.UserContext(), yearID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(combos)
}
