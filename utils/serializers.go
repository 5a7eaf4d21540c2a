package utils

import (
	"strconv"
	"time"

	"attendance_go/models"
)

// AttendanceRowHeader names the columns of a flat attendance export, in order.
var AttendanceRowHeader = []string{
	"id",
	"student_id",
	"student_code",
	"student_name",
	"cluster_id",
	"cluster_name",
	"program_id",
	"program_name",
	"academic_year_id",
	"attendance_date",
	"status_id",
	"status_code",
	"status_name",
	"teacher_id",
	"user_id",
	"latitude",
	"longitude",
	"marked_at",
}

// AttendanceRow is the flat, ungrouped representation of one record.
type AttendanceRow struct {
	ID             uint      `json:"id"`
	StudentID      uint      `json:"student_id"`
	StudentCode    string    `json:"student_code"`
	StudentName    string    `json:"student_name"`
	ClusterID      uint      `json:"cluster_id"`
	ClusterName    string    `json:"cluster_name"`
	ProgramID      uint      `json:"program_id"`
	ProgramName    string    `json:"program_name"`
	AcademicYearID uint      `json:"academic_year_id"`
	AttendanceDate string    `json:"attendance_date"`
	StatusID       uint      `json:"status_id"`
	StatusCode     string    `json:"status_code"`
	StatusName     string    `json:"status_name"`
	TeacherID      *uint     `json:"teacher_id"`
	UserID         *uint     `json:"user_id"`
	Latitude       *float64  `json:"latitude"`
	Longitude      *float64  `json:"longitude"`
	MarkedAt       time.Time `json:"marked_at"`
}

// ToAttendanceRow maps a record to its flat row.
// Assumptions: caller has preloaded Student, Cluster, Program and Status when possible.
func ToAttendanceRow(r models.AttendanceRecord) AttendanceRow {
	return AttendanceRow{
		ID:             r.ID,
		StudentID:      r.StudentID,
		StudentCode:    r.Student.Code,
		StudentName:    r.Student.FullName(),
		ClusterID:      r.ClusterID,
		ClusterName:    r.Cluster.Name,
		ProgramID:      r.ProgramID,
		ProgramName:    r.Program.Name,
		AcademicYearID: r.AcademicYearID,
		AttendanceDate: r.AttendanceDate,
		StatusID:       r.StatusID,
		StatusCode:     r.Status.Code,
		StatusName:     r.Status.Name,
		TeacherID:      r.TeacherID,
		UserID:         r.UserID,
		Latitude:       r.Latitude,
		Longitude:      r.Longitude,
		MarkedAt:       r.MarkedAt,
	}
}

// Values returns the row's fields as text in AttendanceRowHeader order.
func (row AttendanceRow) Values() []string {
	markedAt := ""
	if !row.MarkedAt.IsZero() {
		markedAt = row.MarkedAt.Format(time.RFC3339)
	}
	return []string{
		formatUint(row.ID),
		formatUint(row.StudentID),
		row.StudentCode,
		row.StudentName,
		formatUint(row.ClusterID),
		row.ClusterName,
		formatUint(row.ProgramID),
		row.ProgramName,
		formatUint(row.AcademicYearID),
		row.AttendanceDate,
		formatUint(row.StatusID),
		row.StatusCode,
		row.StatusName,
		formatUintPtr(row.TeacherID),
		formatUintPtr(row.UserID),
		formatFloatPtr(row.Latitude),
		formatFloatPtr(row.Longitude),
		markedAt,
	}
}

func formatUint(v uint) string {
	return strconv.FormatUint(uint64(v), 10)
}

func formatUintPtr(v *uint) string {
	if v == nil {
		return ""
	}
	return formatUint(*v)
}

func formatFloatPtr(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
