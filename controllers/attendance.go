package controllers

import (
	"bytes"
	"errors"
	"fmt"

	"attendance_go/middleware"
	"attendance_go/services/activity"
	"attendance_go/services/attendance"
	"attendance_go/services/geofence"
	"attendance_go/utils"

	"github.com/gofiber/fiber/v2"
)

type AttendanceController struct {
	svc *attendance.Service
}

func NewAttendanceController(svc *attendance.Service) *AttendanceController {
	return &AttendanceController{svc: svc}
}

// GeofenceCheckRequest is the body of POST /Attendance/Geofence/Check.
type GeofenceCheckRequest struct {
	ClusterID uint     `json:"clusterId" validate:"required"`
	Latitude  *float64 `json:"latitude" validate:"required,gte=-90,lte=90"`
	Longitude *float64 `json:"longitude" validate:"required,gte=-180,lte=180"`
}

type reportResponse struct {
	attendance.Report
	RateDisplay float64 `json:"rateDisplay"`
}

func queryUint(c *fiber.Ctx, name string) (uint, error) {
	v, err := utils.ParseUintParam(c.Query(name))
	if err != nil {
		return 0, fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("Invalid %s", name))
	}
	return v, nil
}

func rosterQuery(c *fiber.Ctx) (attendance.RecordQuery, error) {
	var q attendance.RecordQuery
	var err error
	if q.ClusterID, err = queryUint(c, "clusterId"); err != nil {
		return q, err
	}
	if q.ProgramID, err = queryUint(c, "programId"); err != nil {
		return q, err
	}
	if q.AcademicYearID, err = queryUint(c, "academicYearId"); err != nil {
		return q, err
	}
	if q.StatusID, err = queryUint(c, "statusId"); err != nil {
		return q, err
	}
	q.FromDate = c.Query("fromDate")
	q.ToDate = c.Query("toDate")
	return q, nil
}

// GetContexts returns the rosters the caller may mark.
func (ac *AttendanceController) GetContexts(c *fiber.Ctx) error {
	actor, err := middleware.CurrentActor(c)
	if err != nil {
		return respondError(c, err)
	}
	yearID, err := queryUint(c, "academicYearId")
	if err != nil {
		return respondError(c, err)
	}

	contexts, err := ac.svc.Contexts(c.UserContext(), actor, yearID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(contexts)
}

// GetStudents returns the roster of a cluster/program/year.
func (ac *AttendanceController) GetStudents(c *fiber.Ctx) error {
	q, err := rosterQuery(c)
	if err != nil {
		return respondError(c, err)
	}
	students, err := ac.svc.Roster(c.UserContext(), q.ClusterID, q.ProgramID, q.AcademicYearID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(students)
}

// GetAttendance returns stored records matching the filters.
func (ac *AttendanceController) GetAttendance(c *fiber.Ctx) error {
	q, err := rosterQuery(c)
	if err != nil {
		return respondError(c, err)
	}
	records, err := ac.svc.Records(c.UserContext(), q)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(records)
}

// CreateBulk writes one batch of marks for a roster and date.
func (ac *AttendanceController) CreateBulk(c *fiber.Ctx) error {
	actor, err := middleware.CurrentActor(c)
	if err != nil {
		return respondError(c, err)
	}

	var req attendance.BulkRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := validate.Struct(req); err != nil {
		return validationError(c, err)
	}

	res, decision, err := ac.svc.SubmitBulk(c.UserContext(), actor, req)
	first := req.Records[0]
	if err != nil {
		var denied *attendance.GeofenceDeniedError
		if errors.As(err, &denied) {
			middleware.LogActivity(c, activity.ActionGeofenceDenied, "Cluster", first.ClusterID, denied.Result)
		}
		return respondError(c, err)
	}

	if decision.Bypassed {
		middleware.LogActivity(c, activity.ActionGeofenceBypass, "Cluster", first.ClusterID, fiber.Map{
			"role":      actor.Role,
			"programId": first.ProgramID,
			"date":      first.Date,
		})
	}
	middleware.LogActivity(c, activity.ActionAttendanceBulk, "Attendance", first.ClusterID, fiber.Map{
		"programId":      first.ProgramID,
		"academicYearId": first.AcademicYearID,
		"date":           first.Date,
		"count":          res.Count,
	})

	return c.Status(fiber.StatusCreated).JSON(res)
}

// CheckGeofence tells the caller whether their position allows marking.
func (ac *AttendanceController) CheckGeofence(c *fiber.Ctx) error {
	actor, err := middleware.CurrentActor(c)
	if err != nil {
		return respondError(c, err)
	}

	var req GeofenceCheckRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := validate.Struct(req); err != nil {
		return validationError(c, err)
	}

	decision, err := ac.svc.CheckGeofence(c.UserContext(), actor, req.ClusterID,
		&geofence.Point{Latitude: *req.Latitude, Longitude: *req.Longitude})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(decision)
}

// reportFilter reads the range and filters of a report request. Both bounds
// are required.
func (ac *AttendanceController) reportFilter(c *fiber.Ctx) (attendance.ReportFilter, error) {
	filter := attendance.ReportFilter{
		StartDate: c.Query("startDate"),
		EndDate:   c.Query("endDate"),
	}
	if filter.StartDate == "" || filter.EndDate == "" {
		return filter, fiber.NewError(fiber.StatusBadRequest, "startDate and endDate are required")
	}
	var err error
	if filter.ClusterID, err = queryUint(c, "clusterId"); err != nil {
		return filter, err
	}
	if filter.ProgramID, err = queryUint(c, "programId"); err != nil {
		return filter, err
	}
	return filter, nil
}

// GetReport returns aggregated statistics for a date range.
func (ac *AttendanceController) GetReport(c *fiber.Ctx) error {
	filter, err := ac.reportFilter(c)
	if err != nil {
		return respondError(c, err)
	}
	report, err := ac.svc.Report(c.UserContext(), filter)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(reportResponse{
		Report:      report,
		RateDisplay: attendance.RoundRate(report.OverallStats.Rate),
	})
}

// ExportReportCSV streams the flat records of a range as CSV.
func (ac *AttendanceController) ExportReportCSV(c *fiber.Ctx) error {
	filter, err := ac.reportFilter(c)
	if err != nil {
		return respondError(c, err)
	}
	records, err := ac.svc.ReportRecords(c.UserContext(), filter)
	if err != nil {
		return respondError(c, err)
	}

	var buf bytes.Buffer
	if err := attendance.ExportCSV(&buf, records); err != nil {
		return respondError(c, err)
	}

	middleware.LogActivity(c, activity.ActionAttendanceExport, "Attendance", 0, fiber.Map{
		"format":  "csv",
		"filter":  filter,
		"records": len(records),
	})

	c.Attachment(attendance.ReportFileName(filter.StartDate, filter.EndDate))
	c.Set(fiber.HeaderContentType, attendance.CSVContentType)
	return c.Send(buf.Bytes())
}

// ExportReportXLSX returns the report and its records as a workbook.
func (ac *AttendanceController) ExportReportXLSX(c *fiber.Ctx) error {
	filter, err := ac.reportFilter(c)
	if err != nil {
		return respondError(c, err)
	}
	report, records, err := ac.svc.ReportWithRecords(c.UserContext(), filter)
	if err != nil {
		return respondError(c, err)
	}

	buf, err := attendance.ExportXLSX(report, records)
	if err != nil {
		return respondError(c, err)
	}

	middleware.LogActivity(c, activity.ActionAttendanceExport, "Attendance", 0, fiber.Map{
		"format":  "xlsx",
		"filter":  filter,
		"records": len(records),
	})

	name := fmt.Sprintf("attendance_report_%s_to_%s.xlsx", filter.StartDate, filter.EndDate)
	c.Attachment(name)
	c.Set(fiber.HeaderContentType, attendance.XLSXContentType)
	return c.Send(buf.Bytes())
}

// ExportDayCSV downloads one roster's records for a single date as
// attendance_<date>.csv.
func (ac *AttendanceController) ExportDayCSV(c *fiber.Ctx) error {
	q, err := rosterQuery(c)
	if err != nil {
		return respondError(c, err)
	}
	if q.ClusterID == 0 || q.ProgramID == 0 || q.AcademicYearID == 0 {
		return respondError(c, attendance.ErrContextUnresolved)
	}
	day, err := utils.ParseDate(c.Query("date"))
	if err != nil {
		return respondError(c, attendance.ErrInvalidDate)
	}
	q.FromDate = utils.FormatDate(day)
	q.ToDate = q.FromDate

	records, err := ac.svc.Records(c.UserContext(), q)
	if err != nil {
		return respondError(c, err)
	}
	var buf bytes.Buffer
	if err := attendance.ExportCSV(&buf, records); err != nil {
		return respondError(c, err)
	}

	middleware.LogActivity(c, activity.ActionAttendanceExport, "Attendance", 0, fiber.Map{
		"format":  "csv",
		"date":    q.FromDate,
		"roster":  fiber.Map{"cluster_id": q.ClusterID, "program_id": q.ProgramID, "academic_year_id": q.AcademicYearID},
		"records": len(records),
	})

	c.Attachment(attendance.ExportFileName("attendance", day))
	c.Set(fiber.HeaderContentType, attendance.CSVContentType)
	return c.Send(buf.Bytes())
}
