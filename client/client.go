// Package client talks to the attendance API over HTTP.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"attendance_go/models"
	"attendance_go/services/attendance"
	"attendance_go/services/geofence"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

const defaultTimeout = 30 * time.Second

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// Client calls the REST API with a bearer token.
type Client struct {
	baseURL string
	token   string
	timeout time.Duration
}

func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		timeout: defaultTimeout,
	}
}

// WithTimeout sets the per-request timeout used when ctx has no deadline.
func (c *Client) WithTimeout(d time.Duration) *Client {
	if d > 0 {
		c.timeout = d
	}
	return c
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, body interface{}) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var agent *fiber.Agent
	switch method {
	case fiber.MethodPost:
		agent = fiber.Post(target)
	default:
		agent = fiber.Get(target)
	}
	if c.token != "" {
		agent.Set(fiber.HeaderAuthorization, "Bearer "+c.token)
	}
	agent.Set(fiber.HeaderAccept, fiber.MIMEApplicationJSON)
	if body != nil {
		agent.JSON(body)
	}

	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return nil, context.DeadlineExceeded
		}
	}
	agent.Timeout(timeout)

	status, data, errs := agent.Bytes()
	if len(errs) > 0 {
		return nil, fmt.Errorf("%s %s: %w", method, path, errors.Join(errs...))
	}

	logrus.WithFields(logrus.Fields{
		"method": method,
		"path":   path,
		"status": status,
	}).Debug("API call")

	if status < 200 || status >= 300 {
		var envelope struct {
			Error    string           `json:"error"`
			Geofence *geofence.Result `json:"geofence"`
		}
		msg := strings.TrimSpace(string(data))
		if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error != "" {
			msg = envelope.Error
		}
		if status == fiber.StatusForbidden && envelope.Geofence != nil {
			return nil, &attendance.GeofenceDeniedError{Result: *envelope.Geofence}
		}
		return nil, &APIError{Status: status, Message: msg}
	}
	return data, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	data, err := c.request(ctx, fiber.MethodGet, path, query, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func setUint(q url.Values, key string, v uint) {
	if v != 0 {
		q.Set(key, strconv.FormatUint(uint64(v), 10))
	}
}

// Login exchanges credentials for a token. The client keeps using the token
// it was built with; callers decide whether to switch.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	data, err := c.request(ctx, fiber.MethodPost, "/auth/login", nil, map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return "", err
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decode login: %w", err)
	}
	if out.Token == "" {
		return "", errors.New("login response carried no token")
	}
	return out.Token, nil
}

// Contexts runs the resolver for the token's actor.
func (c *Client) Contexts(ctx context.Context, academicYearID uint) ([]attendance.RosterContext, error) {
	q := url.Values{}
	setUint(q, "academicYearId", academicYearID)
	var out []attendance.RosterContext
	err := c.getJSON(ctx, "/Attendance/Contexts", q, &out)
	return out, err
}

// TeacherByUser returns nil when the user has no teacher profile.
func (c *Client) TeacherByUser(ctx context.Context, userID uint) (*models.Teacher, error) {
	var out *models.Teacher
	err := c.getJSON(ctx, fmt.Sprintf("/Teachers/User/%d", userID), nil, &out)
	return out, err
}

func (c *Client) Assignments(ctx context.Context, userID, academicYearID uint) ([]models.TeacherAssignment, error) {
	q := url.Values{}
	setUint(q, "academicYearId", academicYearID)
	var out []models.TeacherAssignment
	err := c.getJSON(ctx, fmt.Sprintf("/Teachers/User/%d/Assignments", userID), q, &out)
	return out, err
}

func (c *Client) Roster(ctx context.Context, clusterID, programID, academicYearID uint) ([]attendance.RosterStudent, error) {
	q := url.Values{}
	setUint(q, "clusterId", clusterID)
	setUint(q, "programId", programID)
	setUint(q, "academicYearId", academicYearID)
	var out []attendance.RosterStudent
	err := c.getJSON(ctx, "/Attendance/Students", q, &out)
	return out, err
}

func (c *Client) Records(ctx context.Context, rq attendance.RecordQuery) ([]models.AttendanceRecord, error) {
	q := url.Values{}
	setUint(q, "clusterId", rq.ClusterID)
	setUint(q, "programId", rq.ProgramID)
	setUint(q, "academicYearId", rq.AcademicYearID)
	setUint(q, "statusId", rq.StatusID)
	if rq.FromDate != "" {
		q.Set("fromDate", rq.FromDate)
	}
	if rq.ToDate != "" {
		q.Set("toDate", rq.ToDate)
	}
	var out []models.AttendanceRecord
	err := c.getJSON(ctx, "/Attendance", q, &out)
	return out, err
}

func (c *Client) StatusTypes(ctx context.Context, activeOnly bool) ([]models.AttendanceStatusType, error) {
	q := url.Values{}
	if activeOnly {
		q.Set("isActive", "true")
	}
	var out []models.AttendanceStatusType
	err := c.getJSON(ctx, "/MasterData/AttendanceStatusTypes", q, &out)
	return out, err
}

// SubmitBulk posts one batch. A geofence denial is returned as
// *attendance.GeofenceDeniedError; any other failure is a single WriteError
// and nothing about partial persistence is reported.
func (c *Client) SubmitBulk(ctx context.Context, req attendance.BulkRequest) (*attendance.BulkResult, error) {
	data, err := c.request(ctx, fiber.MethodPost, "/Attendance/Bulk", nil, req)
	var denied *attendance.GeofenceDeniedError
	if errors.As(err, &denied) {
		return nil, denied
	}
	if err != nil {
		return nil, &attendance.WriteError{Message: err.Error(), Err: err}
	}
	var out attendance.BulkResult
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &attendance.WriteError{Message: "unreadable response", Err: err}
	}
	return &out, nil
}

// CurrentAcademicYear asks for the current year and falls back to the first
// active one.
func (c *Client) CurrentAcademicYear(ctx context.Context) (models.AcademicYear, error) {
	var year models.AcademicYear
	err := c.getJSON(ctx, "/AcademicYears/Current", nil, &year)
	if err == nil && year.ID != 0 {
		return year, nil
	}

	var years []models.AcademicYear
	if ferr := c.getJSON(ctx, "/AcademicYears", url.Values{"isActive": {"true"}}, &years); ferr != nil {
		if err != nil {
			return year, err
		}
		return year, ferr
	}
	if len(years) == 0 {
		return year, attendance.ErrNoAcademicYear
	}
	return years[0], nil
}

func (c *Client) Combinations(ctx context.Context, academicYearID uint) ([]attendance.RosterContext, error) {
	q := url.Values{}
	setUint(q, "academicYearId", academicYearID)
	var out []attendance.RosterContext
	err := c.getJSON(ctx, "/Dashboard/LearningCentreProgramCombinations", q, &out)
	return out, err
}

func (c *Client) CheckGeofence(ctx context.Context, clusterID uint, at geofence.Point) (attendance.GateDecision, error) {
	body := map[string]interface{}{
		"clusterId": clusterID,
		"latitude":  at.Latitude,
		"longitude": at.Longitude,
	}
	var out attendance.GateDecision
	data, err := c.request(ctx, fiber.MethodPost, "/Attendance/Geofence/Check", nil, body)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decode geofence decision: %w", err)
	}
	return out, nil
}

func reportQuery(f attendance.ReportFilter) url.Values {
	q := url.Values{}
	if f.StartDate != "" {
		q.Set("startDate", f.StartDate)
	}
	if f.EndDate != "" {
		q.Set("endDate", f.EndDate)
	}
	setUint(q, "clusterId", f.ClusterID)
	setUint(q, "programId", f.ProgramID)
	return q
}

func (c *Client) Report(ctx context.Context, f attendance.ReportFilter) (attendance.Report, error) {
	var out attendance.Report
	err := c.getJSON(ctx, "/Attendance/Report", reportQuery(f), &out)
	return out, err
}

// ExportCSV downloads the CSV export of a range.
func (c *Client) ExportCSV(ctx context.Context, f attendance.ReportFilter) ([]byte, error) {
	return c.request(ctx, fiber.MethodGet, "/Attendance/Report/Export", reportQuery(f), nil)
}

// ExportXLSX downloads the workbook export of a range.
func (c *Client) ExportXLSX(ctx context.Context, f attendance.ReportFilter) ([]byte, error) {
	return c.request(ctx, fiber.MethodGet, "/Attendance/Report/Export.xlsx", reportQuery(f), nil)
}

// ExportDayCSV downloads one roster's records for a single date.
func (c *Client) ExportDayCSV(ctx context.Context, rc attendance.RosterContext, date string) ([]byte, error) {
	q := url.Values{}
	setUint(q, "clusterId", rc.ClusterID)
	setUint(q, "programId", rc.ProgramID)
	setUint(q, "academicYearId", rc.AcademicYearID)
	q.Set("date", date)
	return c.request(ctx, fiber.MethodGet, "/Attendance/Export", q, nil)
}

var _ attendance.SessionBackend = (*Client)(nil)
