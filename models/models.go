package models

import (
	"database/sql/driver"
	"strings"
	"time"

	"gorm.io/gorm"
)

// Roles carried in the JWT and stored on users.
const (
	RoleOwner   = "owner"
	RoleAdmin   = "admin"
	RoleTeacher = "teacher"
)

// Assignment roles
const (
	AssignmentRoleMain   = "main"
	AssignmentRoleBackup = "backup"
)

// Stable attendance status codes. Display names may change; codes may not.
const (
	StatusCodePresent = "P"
	StatusCodeAbsent  = "A"
)

// DateLayout is the calendar-date format used for attendance dates.
const DateLayout = "2006-01-02"

// Base model with common fields
type BaseModel struct {
	ID        uint           `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

// JSON field type for GORM
type JSON []byte

func (j JSON) Value() (driver.Value, error) {
	if j.IsNull() {
		return nil, nil
	}
	return string(j), nil
}

func (j *JSON) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*j = append((*j)[0:0], v...)
	case string:
		*j = append((*j)[0:0], v...)
	}
	return nil
}

func (j JSON) MarshalJSON() ([]byte, error) {
	if j == nil {
		return []byte("null"), nil
	}
	return j, nil
}

func (j *JSON) UnmarshalJSON(data []byte) error {
	if j == nil {
		return nil
	}
	*j = append((*j)[0:0], data...)
	return nil
}

func (j JSON) IsNull() bool {
	return len(j) == 0 || string(j) == "null"
}

// User model
type User struct {
	BaseModel
	Username string `json:"username" gorm:"size:100;not null;uniqueIndex"`
	Password string `json:"-" gorm:"size:255"`
	Email    string `json:"email" gorm:"size:255"`
	Role     string `json:"role" gorm:"size:50;not null;default:'teacher'"`  // owner, admin, teacher
	Status   string `json:"status" gorm:"size:50;not null;default:'active'"` // active, inactive, suspended

	// Relationships
	Teacher *Teacher `json:"teacher,omitempty" gorm:"foreignKey:UserID"`
}

// IsAdmin reports whether the user may act without a teacher assignment.
func (u User) IsAdmin() bool {
	return u.Role == RoleAdmin || u.Role == RoleOwner
}

// Teacher model
type Teacher struct {
	BaseModel
	UserID    uint   `json:"user_id" gorm:"uniqueIndex;not null"`
	FirstName string `json:"first_name" gorm:"size:100"`
	LastName  string `json:"last_name" gorm:"size:100"`
	Phone     string `json:"phone" gorm:"size:20"`
	Active    bool   `json:"active" gorm:"not null;default:false"`

	// Relationships
	User User `json:"user,omitempty" gorm:"foreignKey:UserID"`
}

// Cluster is a physical teaching centre. Coordinates and radius are optional.
type Cluster struct {
	BaseModel
	Name                 string   `json:"name" gorm:"size:255;not null"`
	Code                 string   `json:"code" gorm:"size:50;uniqueIndex"`
	Address              string   `json:"address" gorm:"size:500"`
	Latitude             *float64 `json:"latitude"`
	Longitude            *float64 `json:"longitude"`
	GeofenceRadiusMeters *float64 `json:"geofence_radius_meters"`
	Active               bool     `json:"active" gorm:"not null;default:false"`
}

// HasCoordinates reports whether a geofence can be evaluated for the cluster.
func (c Cluster) HasCoordinates() bool {
	return c.Latitude != nil && c.Longitude != nil
}

// Program model
type Program struct {
	BaseModel
	Name   string `json:"name" gorm:"size:255;not null"`
	Code   string `json:"code" gorm:"size:50;uniqueIndex"`
	Active bool   `json:"active" gorm:"not null;default:false"`
}

// AcademicYear model. Exactly one row has IsCurrent set.
type AcademicYear struct {
	BaseModel
	Name      string    `json:"name" gorm:"size:50;not null"`
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
	IsCurrent bool      `json:"is_current" gorm:"default:false;index"`
	IsActive  bool      `json:"is_active" gorm:"not null;default:false"`
}

// Student model
type Student struct {
	BaseModel
	Code      string `json:"code" gorm:"size:50;uniqueIndex"`
	FirstName string `json:"first_name" gorm:"size:100"`
	LastName  string `json:"last_name" gorm:"size:100"`
	Active    bool   `json:"active" gorm:"not null;default:false"`
}

func (s Student) FullName() string {
	return strings.TrimSpace(s.FirstName + " " + s.LastName)
}

// StudentEnrollment places a student on the roster of a cluster/program for a year.
type StudentEnrollment struct {
	BaseModel
	StudentID      uint `json:"student_id" gorm:"not null;uniqueIndex:idx_enrollment"`
	ClusterID      uint `json:"cluster_id" gorm:"not null;uniqueIndex:idx_enrollment"`
	ProgramID      uint `json:"program_id" gorm:"not null;uniqueIndex:idx_enrollment"`
	AcademicYearID uint `json:"academic_year_id" gorm:"not null;uniqueIndex:idx_enrollment"`
	IsActive       bool `json:"is_active" gorm:"not null;default:false"`

	// Relationships
	Student Student `json:"student,omitempty" gorm:"foreignKey:StudentID"`
}

// TeacherAssignment authorises a teacher to mark a cluster/program/year roster.
type TeacherAssignment struct {
	BaseModel
	TeacherID      uint   `json:"teacher_id" gorm:"not null;index"`
	ClusterID      uint   `json:"cluster_id" gorm:"not null"`
	ProgramID      uint   `json:"program_id" gorm:"not null"`
	AcademicYearID uint   `json:"academic_year_id" gorm:"not null"`
	Role           string `json:"role" gorm:"size:20;not null;default:'main'"` // main, backup
	IsActive       bool   `json:"is_active" gorm:"not null;default:false"`

	// Relationships
	Cluster      Cluster      `json:"cluster,omitempty" gorm:"foreignKey:ClusterID"`
	Program      Program      `json:"program,omitempty" gorm:"foreignKey:ProgramID"`
	AcademicYear AcademicYear `json:"academic_year,omitempty" gorm:"foreignKey:AcademicYearID"`
}

// AttendanceStatusType is the closed status enumeration (P, A).
type AttendanceStatusType struct {
	BaseModel
	Code      string `json:"code" gorm:"size:10;not null;uniqueIndex"`
	Name      string `json:"name" gorm:"size:100;not null"`
	IsActive  bool   `json:"is_active" gorm:"not null;default:false"`
	SortOrder int    `json:"sort_order" gorm:"default:1"`
}

// AttendanceRecord is one row per student/cluster/program/year/date.
type AttendanceRecord struct {
	BaseModel
	StudentID      uint      `json:"student_id" gorm:"not null;uniqueIndex:idx_attendance_key"`
	ClusterID      uint      `json:"cluster_id" gorm:"not null;uniqueIndex:idx_attendance_key;index"`
	ProgramID      uint      `json:"program_id" gorm:"not null;uniqueIndex:idx_attendance_key;index"`
	AcademicYearID uint      `json:"academic_year_id" gorm:"not null;uniqueIndex:idx_attendance_key"`
	AttendanceDate string    `json:"attendance_date" gorm:"size:10;not null;uniqueIndex:idx_attendance_key;index"` // YYYY-MM-DD
	StatusID       uint      `json:"status_id" gorm:"not null"`
	TeacherID      *uint     `json:"teacher_id"`
	UserID         *uint     `json:"user_id"`
	Latitude       *float64  `json:"latitude"`
	Longitude      *float64  `json:"longitude"`
	MarkedAt       time.Time `json:"marked_at"`

	// Relationships
	Student Student              `json:"student,omitempty" gorm:"foreignKey:StudentID"`
	Cluster Cluster              `json:"cluster,omitempty" gorm:"foreignKey:ClusterID"`
	Program Program              `json:"program,omitempty" gorm:"foreignKey:ProgramID"`
	Status  AttendanceStatusType `json:"status,omitempty" gorm:"foreignKey:StatusID"`
}

// Log model for activity tracking
type ActivityLog struct {
	BaseModel
	UserID     uint   `json:"user_id"`
	Action     string `json:"action" gorm:"size:100;not null"`
	Resource   string `json:"resource" gorm:"size:100;not null"`
	ResourceID uint   `json:"resource_id"`
	Details    JSON   `json:"details"`
	IPAddress  string `json:"ip_address" gorm:"size:45"`
	UserAgent  string `json:"user_agent" gorm:"size:500"`
	RequestID  string `json:"request_id" gorm:"size:64"`

	// Relationships
	User User `json:"user,omitempty" gorm:"foreignKey:UserID"`
}

// LogArchive model for tracking archived logs
type LogArchive struct {
	BaseModel
	FileName    string    `json:"file_name" gorm:"size:255;not null"`
	S3Key       string    `json:"s3_key" gorm:"size:500;not null"`
	StartDate   time.Time `json:"start_date" gorm:"not null"`
	EndDate     time.Time `json:"end_date" gorm:"not null"`
	RecordCount int       `json:"record_count" gorm:"not null"`
	FileSize    int64     `json:"file_size" gorm:"not null"`
	Status      string    `json:"status" gorm:"size:50;not null;default:'pending'"` // pending, completed, failed
	Error       string    `json:"error" gorm:"type:text"`
}
