package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"attendance_go/config"
	"attendance_go/middleware"
	"attendance_go/models"
	"attendance_go/services/attendance"
	"attendance_go/services/geofence"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func useTestConfig(t *testing.T) {
	t.Helper()
	prev := config.AppConfig
	config.AppConfig = &config.Config{
		JWTSecret:       "test-secret",
		JWTExpiresIn:    time.Hour,
		LocationTimeout: time.Second,
	}
	t.Cleanup(func() { config.AppConfig = prev })
}

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func TestParseOverrides(t *testing.T) {
	got, err := parseOverrides([]string{"17=a", " 4 = P "})
	require.NoError(t, err)
	assert.Equal(t, map[uint]string{17: "A", 4: "P"}, got)

	for _, bad := range []string{"17", "x=A", "0=A"} {
		_, err := parseOverrides([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestStatusIDs(t *testing.T) {
	p := models.AttendanceStatusType{Code: "p"}
	p.ID = 1
	a := models.AttendanceStatusType{Code: "A"}
	a.ID = 2
	assert.Equal(t, map[string]uint{"P": 1, "A": 2}, statusIDs([]models.AttendanceStatusType{p, a}))
}

func TestTokenCommand(t *testing.T) {
	useTestConfig(t)

	out, _, err := run(t, "token", "--user", "50", "--username", "tia", "--role", "teacher", "--teacher", "5")
	require.NoError(t, err)

	claims, err := middleware.ParseToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, uint(50), claims.UserID)
	require.NotNil(t, claims.TeacherID)
	assert.Equal(t, uint(5), *claims.TeacherID)

	_, _, err = run(t, "token", "--user", "50", "--role", "student")
	assert.Error(t, err)
	_, _, err = run(t, "token")
	assert.Error(t, err)
}

func TestCommandsRequireToken(t *testing.T) {
	useTestConfig(t)
	_, _, err := run(t, "--api", "http://127.0.0.1:1/api", "contexts")
	assert.ErrorIs(t, err, errNoToken)
}

// stubAPI serves the endpoints the mark command needs and reports each bulk
// request on the returned channel.
func stubAPI(t *testing.T) (string, <-chan attendance.BulkRequest) {
	t.Helper()
	submitted := make(chan attendance.BulkRequest, 1)

	app := fiber.New()
	app.Get("/api/MasterData/AttendanceStatusTypes", func(c *fiber.Ctx) error {
		p := models.AttendanceStatusType{Code: models.StatusCodePresent, Name: "Present"}
		p.ID = 1
		a := models.AttendanceStatusType{Code: models.StatusCodeAbsent, Name: "Absent"}
		a.ID = 2
		return c.JSON([]models.AttendanceStatusType{p, a})
	})
	app.Get("/api/Attendance/Students", func(c *fiber.Ctx) error {
		return c.JSON([]attendance.RosterStudent{{ID: 1, Name: "Ann"}, {ID: 2, Name: "Bo"}, {ID: 3, Name: "Cy"}})
	})
	app.Get("/api/Attendance", func(c *fiber.Ctx) error {
		return c.JSON([]models.AttendanceRecord{})
	})
	app.Post("/api/Attendance/Bulk", func(c *fiber.Ctx) error {
		var req attendance.BulkRequest
		if err := c.BodyParser(&req); err != nil {
			return err
		}
		if lat := req.Records[0].Latitude; lat != nil && !insideStubFence(*lat) {
			denied := &attendance.GeofenceDeniedError{Result: stubFence(*lat)}
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": denied.Error(), "geofence": denied.Result})
		}
		submitted <- req
		return c.Status(fiber.StatusCreated).JSON(attendance.BulkResult{Success: true, Message: "Attendance saved", Count: len(req.Records)})
	})

	app.Get("/api/Attendance/Export", func(c *fiber.Ctx) error {
		c.Attachment("attendance_" + c.Query("date") + ".csv")
		return c.SendString("\"date\"\n\"" + c.Query("date") + "\"\n")
	})
	app.Post("/api/Attendance/Geofence/Check", func(c *fiber.Ctx) error {
		var body struct {
			Latitude float64 `json:"latitude"`
		}
		if err := c.BodyParser(&body); err != nil {
			return err
		}
		return c.JSON(attendance.GateDecision{Result: stubFence(body.Latitude)})
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go app.Listener(ln)
	t.Cleanup(func() { app.Shutdown() })
	return "http://" + ln.Addr().String() + "/api", submitted
}

// The stub cluster admits latitudes up to 13.76.
func insideStubFence(lat float64) bool { return lat <= 13.76 }

func stubFence(lat float64) geofence.Result {
	distance := (lat - 13.75) * 111000
	if distance < 0 {
		distance = -distance
	}
	return geofence.Result{Allowed: insideStubFence(lat), Configured: true, DistanceMeters: distance, RadiusMeters: 200}
}

// fixScript returns a --locate-cmd that prints one of fixes per run, in order.
func fixScript(t *testing.T, fixes ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixes")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(fixes, "\n")+"\n"), 0o600))
	return fmt.Sprintf(`head -n 1 %[1]q; tail -n +2 %[1]q > %[1]q.next; mv %[1]q.next %[1]q`, path)
}

func teacherToken(t *testing.T) string {
	t.Helper()
	user := &models.User{Username: "tia", Role: models.RoleTeacher}
	user.ID = 50
	teacherID := uint(5)
	token, err := middleware.GenerateToken(user, &teacherID)
	require.NoError(t, err)
	return token
}

func TestMarkCommandSubmitsWholeRoster(t *testing.T) {
	useTestConfig(t)
	api, submitted := stubAPI(t)
	token := teacherToken(t)

	out, summary, err := run(t, "--api", api, "--token", token, "mark",
		"--cluster", "1", "--program", "2", "--year", "7", "--date", "2024-06-03",
		"--all", "p", "--set", "2=A", "--lat", "13.75", "--lon", "100.5")
	require.NoError(t, err)
	assert.Contains(t, summary, "3 of 3 marked (2 present, 1 absent)")

	var res attendance.BulkResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 3, res.Count)

	req := <-submitted
	require.Len(t, req.Records, 3)
	assert.Equal(t, uint(2), req.Records[1].StatusID)
	assert.Equal(t, "2024-06-03", req.Records[0].Date)
	require.NotNil(t, req.Records[0].Latitude)
	assert.Equal(t, 13.75, *req.Records[0].Latitude)
}

func TestMarkCommandDryRunAndErrors(t *testing.T) {
	useTestConfig(t)
	api, submitted := stubAPI(t)

	out, _, err := run(t, "--api", api, "--token", "opaque", "mark",
		"--cluster", "1", "--program", "2", "--year", "7", "--date", "2024-06-03", "--all", "A", "--dry-run")
	require.NoError(t, err)
	assert.NotEmpty(t, out)
	assert.Empty(t, submitted)

	_, _, err = run(t, "--api", api, "--token", "opaque", "mark", "--cluster", "1", "--program", "2", "--year", "7", "--date", "June 3")
	assert.ErrorIs(t, err, attendance.ErrInvalidDate)

	_, _, err = run(t, "--api", api, "--token", "opaque", "mark", "--cluster", "1", "--program", "2", "--year", "7",
		"--date", "2024-06-03", "--all", "L")
	assert.ErrorContains(t, err, "unknown status code")

	_, _, err = run(t, "--api", api, "--token", "opaque", "mark", "--cluster", "1", "--program", "2", "--year", "7",
		"--date", "2024-06-03", "--all", "P", "--lat", "13.75")
	assert.ErrorContains(t, err, "--lat and --lon")
}

func TestMarkCommandRefreshesLocationAfterDenial(t *testing.T) {
	useTestConfig(t)
	api, submitted := stubAPI(t)
	token := teacherToken(t)
	mark := func(extra ...string) (string, error) {
		args := append([]string{"--api", api, "--token", token, "mark",
			"--cluster", "1", "--program", "2", "--year", "7", "--date", "2024-06-03", "--all", "P"}, extra...)
		_, stderr, err := run(t, args...)
		return stderr, err
	}

	stderr, err := mark("--locate-cmd", fixScript(t, "13.80,100.5", "13.75,100.5"), "--retry", "1")
	require.NoError(t, err)
	assert.Contains(t, stderr, "refreshing location")
	assert.Contains(t, stderr, "submitted from 13.750000,100.500000")
	req := <-submitted
	require.NotNil(t, req.Records[0].Latitude)
	assert.Equal(t, 13.75, *req.Records[0].Latitude)

	_, err = mark("--locate-cmd", fixScript(t, "13.80,100.5", "13.75,100.5"))
	var denied *attendance.GeofenceDeniedError
	require.ErrorAs(t, err, &denied)
	assert.False(t, denied.Result.Allowed)
	assert.Empty(t, submitted)

	stderr, err = mark("--locate-cmd", fixScript(t, "no fix", "13.75,100.5"), "--retry", "1")
	require.NoError(t, err)
	assert.Contains(t, stderr, "position is currently unavailable")
	<-submitted

	_, err = mark("--locate-cmd", fixScript(t, "no fix", "13.75,100.5"))
	assert.ErrorContains(t, err, "position is currently unavailable")

	_, err = mark("--locate-cmd", "echo 13.75,100.5", "--lat", "13.75", "--lon", "100.5")
	assert.ErrorContains(t, err, "cannot be combined")
	_, err = mark("--locate-cmd", "echo 13.75,100.5", "--retry", "-1")
	assert.ErrorContains(t, err, "--retry")
}

func TestGeofenceCommandRetriesOutsideFence(t *testing.T) {
	useTestConfig(t)
	api, _ := stubAPI(t)
	token := teacherToken(t)
	check := func(extra ...string) attendance.GateDecision {
		args := append([]string{"--api", api, "--token", token, "geofence", "--cluster", "1"}, extra...)
		out, _, err := run(t, args...)
		require.NoError(t, err)
		var decision attendance.GateDecision
		require.NoError(t, json.Unmarshal([]byte(out), &decision))
		return decision
	}

	assert.False(t, check("--locate-cmd", fixScript(t, "13.80,100.5", "13.75,100.5")).Result.Allowed)
	assert.True(t, check("--locate-cmd", fixScript(t, "13.80,100.5", "13.75,100.5"), "--retry", "1").Result.Allowed)
	assert.True(t, check("--lat", "13.75", "--lon", "100.5").Result.Allowed)

	_, _, err := run(t, "--api", api, "--token", token, "geofence", "--cluster", "1")
	assert.ErrorIs(t, err, attendance.ErrLocationRequired)
}

func TestRosterCommandExportsDay(t *testing.T) {
	useTestConfig(t)
	api, _ := stubAPI(t)
	base := []string{"--api", api, "--token", "opaque", "roster", "--cluster", "1", "--program", "2", "--year", "7"}

	out, _, err := run(t, base...)
	require.NoError(t, err)
	var roster []attendance.RosterStudent
	require.NoError(t, json.Unmarshal([]byte(out), &roster))
	assert.Len(t, roster, 3)

	out, _, err = run(t, append(base, "--date", "2024-06-03", "-o", "-")...)
	require.NoError(t, err)
	assert.Equal(t, "\"date\"\n\"2024-06-03\"\n", out)

	path := filepath.Join(t.TempDir(), "day.csv")
	_, stderr, err := run(t, append(base, "--date", "2024-06-03", "-o", path)...)
	require.NoError(t, err)
	assert.Contains(t, stderr, "wrote "+path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "2024-06-03")

	_, _, err = run(t, append(base, "--date", "03/06/2024")...)
	assert.ErrorIs(t, err, attendance.ErrInvalidDate)
}
