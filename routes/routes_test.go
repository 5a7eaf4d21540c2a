package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"attendance_go/config"
	"attendance_go/database"
	"attendance_go/middleware"
	"attendance_go/models"
	"attendance_go/services/activity"
	"attendance_go/services/attendance"
	"attendance_go/storage"
	"attendance_go/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fixture struct {
	app      *fiber.App
	db       *gorm.DB
	cluster  models.Cluster
	program  models.Program
	year     models.AcademicYear
	present  models.AttendanceStatusType
	absent   models.AttendanceStatusType
	teacher  models.Teacher
	students []models.Student

	teacherToken string
	adminToken   string
}

func f64(v float64) *float64 { return &v }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	config.AppConfig = &config.Config{
		JWTSecret:      "test-secret",
		JWTExpiresIn:   time.Hour,
		LogArchiveDays: 30,
	}

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// one connection serialises the async audit writes with the test's reads
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, database.AutoMigrate(db))
	require.NoError(t, database.SeedStatusTypes(db))

	fx := &fixture{db: db}
	fx.cluster = models.Cluster{Name: "Central", Code: "C1", Latitude: f64(0), Longitude: f64(0), GeofenceRadiusMeters: f64(200), Active: true}
	require.NoError(t, db.Create(&fx.cluster).Error)
	fx.program = models.Program{Name: "Reading", Code: "R1", Active: true}
	require.NoError(t, db.Create(&fx.program).Error)
	fx.year = models.AcademicYear{Name: "2024", StartDate: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), IsCurrent: true, IsActive: true}
	require.NoError(t, db.Create(&fx.year).Error)

	hash, err := utils.HashPassword("tia-password")
	require.NoError(t, err)
	teacherUser := models.User{Username: "tia", Password: hash, Role: models.RoleTeacher}
	require.NoError(t, db.Create(&teacherUser).Error)
	adminUser := models.User{Username: "root", Role: models.RoleAdmin}
	require.NoError(t, db.Create(&adminUser).Error)

	fx.teacher = models.Teacher{UserID: teacherUser.ID, FirstName: "Tia", Active: true}
	require.NoError(t, db.Create(&fx.teacher).Error)
	require.NoError(t, db.Create(&models.TeacherAssignment{
		TeacherID: fx.teacher.ID, ClusterID: fx.cluster.ID, ProgramID: fx.program.ID,
		AcademicYearID: fx.year.ID, Role: models.AssignmentRoleMain, IsActive: true,
	}).Error)

	for i, name := range []string{"Ann", "Bo", "Cy"} {
		st := models.Student{Code: fmt.Sprintf("S%03d", i+1), FirstName: name, Active: true}
		require.NoError(t, db.Create(&st).Error)
		require.NoError(t, db.Create(&models.StudentEnrollment{
			StudentID: st.ID, ClusterID: fx.cluster.ID, ProgramID: fx.program.ID,
			AcademicYearID: fx.year.ID, IsActive: true,
		}).Error)
		fx.students = append(fx.students, st)
	}
	require.NoError(t, db.Where("code = ?", models.StatusCodePresent).First(&fx.present).Error)
	require.NoError(t, db.Where("code = ?", models.StatusCodeAbsent).First(&fx.absent).Error)

	fx.teacherToken, err = middleware.GenerateToken(&teacherUser, &fx.teacher.ID)
	require.NoError(t, err)
	fx.adminToken, err = middleware.GenerateToken(&adminUser, nil)
	require.NoError(t, err)

	store := attendance.NewGormStore(db)
	svc := attendance.NewService(store, store, nil, nil, 200)

	middleware.SetActivityRecorder(activity.NewRecorder(db, nil))
	t.Cleanup(func() { middleware.SetActivityRecorder(nil) })

	fx.app = fiber.New()
	fx.app.Use(middleware.RequestID())
	SetupRoutes(fx.app, Dependencies{
		Attendance: svc,
		Archiver:   activity.NewArchiver(db, nil, storage.NewMemoryStore()),
		DB:         db,
	})
	return fx
}

func (fx *fixture) do(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	if token != "" {
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	}
	resp, err := fx.app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func (fx *fixture) bulk(lat, lon *float64, statusIDs ...uint) attendance.BulkRequest {
	req := attendance.BulkRequest{}
	for i, st := range statusIDs {
		req.Records = append(req.Records, attendance.BulkRecord{
			StudentID:      fx.students[i].ID,
			ClusterID:      fx.cluster.ID,
			ProgramID:      fx.program.ID,
			AcademicYearID: fx.year.ID,
			Date:           "2024-06-03",
			StatusID:       st,
			Latitude:       lat,
			Longitude:      lon,
		})
	}
	return req
}

func TestAuthRequired(t *testing.T) {
	fx := newFixture(t)

	resp := fx.do(t, http.MethodGet, "/api/Attendance/Contexts", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = fx.do(t, http.MethodGet, "/api/Attendance/Contexts", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = fx.do(t, http.MethodGet, "/api/Logs/Archives", fx.teacherToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestContextsAndRoster(t *testing.T) {
	fx := newFixture(t)

	resp := fx.do(t, http.MethodGet, "/api/Attendance/Contexts", fx.teacherToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var contexts []attendance.RosterContext
	decode(t, resp, &contexts)
	require.Len(t, contexts, 1)
	assert.Equal(t, fx.cluster.ID, contexts[0].ClusterID)
	assert.Equal(t, int64(3), contexts[0].StudentCount)

	path := fmt.Sprintf("/api/Attendance/Students?clusterId=%d&programId=%d&academicYearId=%d", fx.cluster.ID, fx.program.ID, fx.year.ID)
	resp = fx.do(t, http.MethodGet, path, fx.teacherToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var roster []attendance.RosterStudent
	decode(t, resp, &roster)
	assert.Len(t, roster, 3)

	resp = fx.do(t, http.MethodGet, "/api/Attendance/Students?clusterId=abc", fx.teacherToken, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = fx.do(t, http.MethodGet, "/api/Attendance/Students?programId=1", fx.teacherToken, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBulkTeacherGeofence(t *testing.T) {
	fx := newFixture(t)

	resp := fx.do(t, http.MethodPost, "/api/Attendance/Bulk", fx.teacherToken, fx.bulk(f64(0), f64(0.002), fx.present.ID))
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	var denied map[string]interface{}
	decode(t, resp, &denied)
	assert.Contains(t, denied, "geofence")

	resp = fx.do(t, http.MethodPost, "/api/Attendance/Bulk", fx.teacherToken, fx.bulk(nil, nil, fx.present.ID))
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = fx.do(t, http.MethodPost, "/api/Attendance/Bulk", fx.teacherToken,
		fx.bulk(f64(0), f64(0.0015), fx.present.ID, fx.present.ID, fx.absent.ID))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var res attendance.BulkResult
	decode(t, resp, &res)
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.Count)

	var stored []models.AttendanceRecord
	require.NoError(t, fx.db.Find(&stored).Error)
	require.Len(t, stored, 3)
	assert.Equal(t, fx.teacher.ID, *stored[0].TeacherID)
}

func TestBulkValidation(t *testing.T) {
	fx := newFixture(t)

	resp := fx.do(t, http.MethodPost, "/api/Attendance/Bulk", fx.teacherToken, attendance.BulkRequest{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body map[string]interface{}
	decode(t, resp, &body)
	assert.Equal(t, "Validation failed", body["error"])

	req := fx.bulk(f64(0), f64(0), fx.present.ID)
	req.Records[0].Date = "03-06-2024"
	resp = fx.do(t, http.MethodPost, "/api/Attendance/Bulk", fx.teacherToken, req)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req = fx.bulk(f64(0), f64(0), fx.present.ID, fx.present.ID)
	req.Records[1].Date = "2024-06-04"
	resp = fx.do(t, http.MethodPost, "/api/Attendance/Bulk", fx.teacherToken, req)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBulkAdminBypassIsAudited(t *testing.T) {
	fx := newFixture(t)

	resp := fx.do(t, http.MethodPost, "/api/Attendance/Bulk", fx.adminToken, fx.bulk(nil, nil, fx.present.ID, fx.absent.ID))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	assert.Eventually(t, func() bool {
		var n int64
		fx.db.Model(&models.ActivityLog{}).Where("action = ?", activity.ActionGeofenceBypass).Count(&n)
		return n == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestAttendanceQueryAndReport(t *testing.T) {
	fx := newFixture(t)
	resp := fx.do(t, http.MethodPost, "/api/Attendance/Bulk", fx.adminToken, fx.bulk(nil, nil, fx.present.ID, fx.present.ID, fx.absent.ID))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	path := fmt.Sprintf("/api/Attendance?clusterId=%d&programId=%d&academicYearId=%d&fromDate=2024-06-03&toDate=2024-06-03",
		fx.cluster.ID, fx.program.ID, fx.year.ID)
	resp = fx.do(t, http.MethodGet, path, fx.teacherToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var records []models.AttendanceRecord
	decode(t, resp, &records)
	assert.Len(t, records, 3)

	resp = fx.do(t, http.MethodGet, "/api/Attendance/Report?startDate=2024-06-01&endDate=2024-06-30", fx.teacherToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report struct {
		attendance.Report
		RateDisplay float64 `json:"rateDisplay"`
	}
	decode(t, resp, &report)
	assert.Equal(t, 3, report.OverallStats.Total)
	assert.Equal(t, 66.7, report.RateDisplay)
	require.Len(t, report.DailyStats, 1)

	resp = fx.do(t, http.MethodGet, "/api/Attendance/Report?startDate=2024-06-30&endDate=2024-06-01", fx.teacherToken, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = fx.do(t, http.MethodGet, "/api/Attendance/Report/Export?startDate=2024-06-01&endDate=2024-06-30", fx.teacherToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, attendance.CSVContentType, resp.Header.Get(fiber.HeaderContentType))
	assert.Contains(t, resp.Header.Get(fiber.HeaderContentDisposition), "attendance_report_2024-06-01_to_2024-06-30.csv")
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, 4, bytes.Count(body, []byte("\n")))

	resp = fx.do(t, http.MethodGet, "/api/Attendance/Report/Export.xlsx?startDate=2024-06-01&endDate=2024-06-30", fx.teacherToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, attendance.XLSXContentType, resp.Header.Get(fiber.HeaderContentType))

	for _, path := range []string{
		"/api/Attendance/Report",
		"/api/Attendance/Report?startDate=2024-06-01",
		"/api/Attendance/Report/Export?endDate=2024-06-30",
		"/api/Attendance/Report/Export.xlsx",
	} {
		resp = fx.do(t, http.MethodGet, path, fx.teacherToken, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
	}

	day := fmt.Sprintf("/api/Attendance/Export?clusterId=%d&programId=%d&academicYearId=%d",
		fx.cluster.ID, fx.program.ID, fx.year.ID)
	resp = fx.do(t, http.MethodGet, day+"&date=2024-06-03", fx.teacherToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, attendance.CSVContentType, resp.Header.Get(fiber.HeaderContentType))
	assert.Contains(t, resp.Header.Get(fiber.HeaderContentDisposition), "attendance_2024-06-03.csv")
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, 4, bytes.Count(body, []byte("\n")))

	resp = fx.do(t, http.MethodGet, day+"&date=2024-06-04", fx.teacherToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, 1, bytes.Count(body, []byte("\n")), "header only")

	resp = fx.do(t, http.MethodGet, day+"&date=2024-13-01", fx.teacherToken, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = fx.do(t, http.MethodGet, "/api/Attendance/Export?date=2024-06-03", fx.teacherToken, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGeofenceCheckEndpoint(t *testing.T) {
	fx := newFixture(t)

	resp := fx.do(t, http.MethodPost, "/api/Attendance/Geofence/Check", fx.teacherToken, map[string]interface{}{
		"clusterId": fx.cluster.ID, "latitude": 0, "longitude": 0.002,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var decision attendance.GateDecision
	decode(t, resp, &decision)
	assert.False(t, decision.Result.Allowed)
	assert.InDelta(t, 222.4, decision.Result.DistanceMeters, 0.1)

	resp = fx.do(t, http.MethodPost, "/api/Attendance/Geofence/Check", fx.teacherToken, map[string]interface{}{
		"clusterId": fx.cluster.ID,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTeacherAndMasterData(t *testing.T) {
	fx := newFixture(t)

	resp := fx.do(t, http.MethodGet, fmt.Sprintf("/api/Teachers/User/%d", fx.teacher.UserID), fx.teacherToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var teacher models.Teacher
	decode(t, resp, &teacher)
	assert.Equal(t, fx.teacher.ID, teacher.ID)

	resp = fx.do(t, http.MethodGet, "/api/Teachers/User/9999", fx.teacherToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = fx.do(t, http.MethodGet, "/api/Teachers/User/9999/Assignments", fx.adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var assignments []models.TeacherAssignment
	decode(t, resp, &assignments)
	assert.NotNil(t, assignments)
	assert.Empty(t, assignments)

	resp = fx.do(t, http.MethodGet, "/api/MasterData/AttendanceStatusTypes?isActive=true", fx.teacherToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var statuses []models.AttendanceStatusType
	decode(t, resp, &statuses)
	assert.Len(t, statuses, 2)

	resp = fx.do(t, http.MethodGet, "/api/AcademicYears/Current", fx.teacherToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var year models.AcademicYear
	decode(t, resp, &year)
	assert.Equal(t, fx.year.ID, year.ID)

	resp = fx.do(t, http.MethodGet, "/api/Dashboard/LearningCentreProgramCombinations", fx.adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var combos []attendance.RosterContext
	decode(t, resp, &combos)
	assert.Len(t, combos, 1)
}

func TestLogMaintenanceEndpoints(t *testing.T) {
	fx := newFixture(t)

	resp := fx.do(t, http.MethodGet, "/api/Logs/Archives", fx.adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = fx.do(t, http.MethodPost, "/api/Logs/Archive?days=3", fx.adminToken, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = fx.do(t, http.MethodPost, "/api/Logs/Archive?days=30", fx.adminToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = fx.do(t, http.MethodGet, "/api/Logs/Archives/42/Download", fx.adminToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

type memBlacklist struct {
	mu      sync.Mutex
	revoked map[string]bool
}

func (b *memBlacklist) Revoke(_ context.Context, token string, _ time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.revoked[token] = true
	return nil
}

func (b *memBlacklist) IsRevoked(_ context.Context, token string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.revoked[token]
}

func TestLoginMeLogout(t *testing.T) {
	fx := newFixture(t)
	middleware.SetTokenBlacklist(&memBlacklist{revoked: map[string]bool{}})
	t.Cleanup(func() { middleware.SetTokenBlacklist(nil) })

	resp := fx.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"username": "tia", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = fx.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"username": "root", "password": "anything"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "users without a password cannot log in")

	resp = fx.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"username": "tia"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = fx.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"username": "  ", "password": "tia-password"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "blank usernames fail validation")

	// surrounding whitespace and NUL bytes are stripped from the username
	resp = fx.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"username": " tia\x00 ", "password": "tia-password"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var login struct {
		Token string `json:"token"`
		User  struct {
			Role      string `json:"role"`
			TeacherID *uint  `json:"teacher_id"`
		} `json:"user"`
	}
	decode(t, resp, &login)
	require.NotEmpty(t, login.Token)
	require.NotNil(t, login.User.TeacherID)
	assert.Equal(t, fx.teacher.ID, *login.User.TeacherID)

	resp = fx.do(t, http.MethodGet, "/api/auth/me", login.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// the login token can mark attendance like any issued token
	resp = fx.do(t, http.MethodGet, "/api/Attendance/Contexts", login.Token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = fx.do(t, http.MethodPost, "/api/auth/logout", login.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = fx.do(t, http.MethodGet, "/api/auth/me", login.Token, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// other sessions are unaffected
	resp = fx.do(t, http.MethodGet, "/api/auth/me", fx.adminToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
