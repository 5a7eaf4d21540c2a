package attendance

import (
	"context"
	"time"

	"attendance_go/models"
	"attendance_go/services/geofence"
)

// Actor is the authenticated person marking or viewing attendance.
type Actor struct {
	UserID    uint
	TeacherID *uint
	Role      string
}

func (a Actor) IsAdmin() bool {
	return a.Role == models.RoleAdmin || a.Role == models.RoleOwner
}

// RosterContext is one cluster/program/year combination an actor may mark.
type RosterContext struct {
	ClusterID        uint   `json:"clusterId"`
	ClusterName      string `json:"clusterName"`
	ProgramID        uint   `json:"programId"`
	ProgramName      string `json:"programName"`
	AcademicYearID   uint   `json:"academicYearId"`
	AcademicYearName string `json:"academicYearName,omitempty"`
	AssignmentRole   string `json:"assignmentRole,omitempty"`
	StudentCount     int64  `json:"studentCount"`
}

// Resolved reports whether all three keys of the context are set.
func (rc RosterContext) Resolved() bool {
	return rc.ClusterID != 0 && rc.ProgramID != 0 && rc.AcademicYearID != 0
}

// RosterStudent is a roster row.
type RosterStudent struct {
	ID   uint   `json:"id"`
	Name string `json:"name"`
	Code string `json:"code"`
}

// RecordQuery filters persisted attendance. Zero values mean "any".
type RecordQuery struct {
	ClusterID      uint
	ProgramID      uint
	AcademicYearID uint
	FromDate       string
	ToDate         string
	StatusID       uint
}

// BulkRecord is one element of the POST /Attendance/Bulk body.
type BulkRecord struct {
	StudentID      uint       `json:"studentId" validate:"required"`
	ClusterID      uint       `json:"clusterId" validate:"required"`
	ProgramID      uint       `json:"programId" validate:"required"`
	AcademicYearID uint       `json:"academicYearId" validate:"required"`
	Date           string     `json:"date" validate:"required,datetime=2006-01-02"`
	StatusID       uint       `json:"statusId" validate:"required"`
	TeacherID      *uint      `json:"teacherId,omitempty"`
	UserID         *uint      `json:"userId,omitempty"`
	Latitude       *float64   `json:"latitude,omitempty" validate:"omitempty,gte=-90,lte=90"`
	Longitude      *float64   `json:"longitude,omitempty" validate:"omitempty,gte=-180,lte=180"`
	MarkedAt       *time.Time `json:"markedAt,omitempty"`
}

// BulkRequest is the POST /Attendance/Bulk body.
type BulkRequest struct {
	Records []BulkRecord `json:"records" validate:"required,min=1,dive"`
}

// BulkResult acknowledges a batch as a whole.
type BulkResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Count   int    `json:"count"`
}

// Directory is the read side of the store used to resolve rosters.
type Directory interface {
	ActiveAssignments(ctx context.Context, teacherID, academicYearID uint) ([]models.TeacherAssignment, error)
	EnrolledCombinations(ctx context.Context, academicYearID uint) ([]RosterContext, error)
	RosterCount(ctx context.Context, clusterID, programID, academicYearID uint) (int64, error)
	Roster(ctx context.Context, clusterID, programID, academicYearID uint) ([]RosterStudent, error)
	Cluster(ctx context.Context, clusterID uint) (models.Cluster, error)
	CurrentAcademicYear(ctx context.Context) (models.AcademicYear, error)
	AcademicYears(ctx context.Context, activeOnly bool) ([]models.AcademicYear, error)
	StatusTypes(ctx context.Context, activeOnly bool) ([]models.AttendanceStatusType, error)
	TeacherByUser(ctx context.Context, userID uint) (*models.Teacher, error)
}

// RecordStore persists attendance records.
type RecordStore interface {
	// UpsertBatch writes all records in one operation keyed on
	// student/cluster/program/year/date; an existing row is overwritten.
	UpsertBatch(ctx context.Context, records []models.AttendanceRecord) error
	FindRecords(ctx context.Context, q RecordQuery) ([]models.AttendanceRecord, error)
}

// Cache stores derived attendance views.
type Cache interface {
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}) error
	InvalidatePrefix(ctx context.Context, prefixes ...string) error
}

// EventPublisher pushes change notifications to connected dashboards.
type EventPublisher interface {
	Publish(event string, payload interface{})
}

// Location converts optional coordinates into a point.
func Location(lat, lon *float64) *geofence.Point {
	if lat == nil || lon == nil {
		return nil
	}
	return &geofence.Point{Latitude: *lat, Longitude: *lon}
}
