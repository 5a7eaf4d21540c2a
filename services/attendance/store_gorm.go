package attendance

import (
	"context"
	"errors"
	"fmt"

	"attendance_go/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore implements Directory and RecordStore on the relational database.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) ActiveAssignments(ctx context.Context, teacherID, academicYearID uint) ([]models.TeacherAssignment, error) {
	var assignments []models.TeacherAssignment
	query := s.db.WithContext(ctx).
		Preload("Cluster").
		Preload("Program").
		Preload("AcademicYear").
		Where("teacher_id = ? AND is_active = ?", teacherID, true)
	if academicYearID != 0 {
		query = query.Where("academic_year_id = ?", academicYearID)
	}
	if err := query.Order("id ASC").Find(&assignments).Error; err != nil {
		return nil, err
	}
	return assignments, nil
}

type combinationRow struct {
	ClusterID    uint
	ClusterName  string
	ProgramID    uint
	ProgramName  string
	StudentCount int64
}

func (s *GormStore) EnrolledCombinations(ctx context.Context, academicYearID uint) ([]RosterContext, error) {
	var rows []combinationRow
	err := s.db.WithContext(ctx).
		Table("student_enrollments AS e").
		Select("e.cluster_id, c.name AS cluster_name, e.program_id, p.name AS program_name, COUNT(DISTINCT e.student_id) AS student_count").
		Joins("JOIN students s ON s.id = e.student_id AND s.deleted_at IS NULL").
		Joins("JOIN clusters c ON c.id = e.cluster_id").
		Joins("JOIN programs p ON p.id = e.program_id").
		Where("e.academic_year_id = ? AND e.is_active = ? AND e.deleted_at IS NULL", academicYearID, true).
		Group("e.cluster_id, c.name, e.program_id, p.name").
		Having("COUNT(DISTINCT e.student_id) > 0").
		Order("c.name ASC, p.name ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]RosterContext, 0, len(rows))
	for _, r := range rows {
		out = append(out, RosterContext{
			ClusterID:      r.ClusterID,
			ClusterName:    r.ClusterName,
			ProgramID:      r.ProgramID,
			ProgramName:    r.ProgramName,
			AcademicYearID: academicYearID,
			StudentCount:   r.StudentCount,
		})
	}
	return out, nil
}

func (s *GormStore) enrolled(ctx context.Context, clusterID, programID, academicYearID uint) *gorm.DB {
	return s.db.WithContext(ctx).
		Table("student_enrollments AS e").
		Joins("JOIN students s ON s.id = e.student_id AND s.deleted_at IS NULL").
		Where("e.cluster_id = ? AND e.program_id = ? AND e.academic_year_id = ?", clusterID, programID, academicYearID).
		Where("e.is_active = ? AND e.deleted_at IS NULL", true)
}

func (s *GormStore) RosterCount(ctx context.Context, clusterID, programID, academicYearID uint) (int64, error) {
	var count int64
	err := s.enrolled(ctx, clusterID, programID, academicYearID).
		Distinct("e.student_id").
		Count(&count).Error
	return count, err
}

type rosterRow struct {
	ID        uint
	Code      string
	FirstName string
	LastName  string
}

func (s *GormStore) Roster(ctx context.Context, clusterID, programID, academicYearID uint) ([]RosterStudent, error) {
	var rows []rosterRow
	err := s.enrolled(ctx, clusterID, programID, academicYearID).
		Select("s.id, s.code, s.first_name, s.last_name").
		Order("s.first_name ASC, s.last_name ASC, s.id ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]RosterStudent, 0, len(rows))
	for _, r := range rows {
		st := models.Student{FirstName: r.FirstName, LastName: r.LastName}
		out = append(out, RosterStudent{ID: r.ID, Name: st.FullName(), Code: r.Code})
	}
	return out, nil
}

func (s *GormStore) Cluster(ctx context.Context, clusterID uint) (models.Cluster, error) {
	var cluster models.Cluster
	err := s.db.WithContext(ctx).First(&cluster, clusterID).Error
	return cluster, err
}

// CurrentAcademicYear returns the year flagged current, falling back to the
// most recent active year.
func (s *GormStore) CurrentAcademicYear(ctx context.Context) (models.AcademicYear, error) {
	var year models.AcademicYear
	err := s.db.WithContext(ctx).Where("is_current = ?", true).First(&year).Error
	if err == nil {
		return year, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return year, err
	}

	err = s.db.WithContext(ctx).Where("is_active = ?", true).Order("start_date DESC").First(&year).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return year, ErrNoAcademicYear
	}
	return year, err
}

func (s *GormStore) AcademicYears(ctx context.Context, activeOnly bool) ([]models.AcademicYear, error) {
	var years []models.AcademicYear
	query := s.db.WithContext(ctx).Order("start_date DESC")
	if activeOnly {
		query = query.Where("is_active = ?", true)
	}
	err := query.Find(&years).Error
	return years, err
}

func (s *GormStore) StatusTypes(ctx context.Context, activeOnly bool) ([]models.AttendanceStatusType, error) {
	var statuses []models.AttendanceStatusType
	query := s.db.WithContext(ctx).Order("sort_order ASC, id ASC")
	if activeOnly {
		query = query.Where("is_active = ?", true)
	}
	err := query.Find(&statuses).Error
	return statuses, err
}

// TeacherByUser returns nil without error when the user has no teacher profile.
func (s *GormStore) TeacherByUser(ctx context.Context, userID uint) (*models.Teacher, error) {
	var teacher models.Teacher
	err := s.db.WithContext(ctx).Preload("User").Where("user_id = ?", userID).First(&teacher).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &teacher, nil
}

// attendanceKey is the unique index the upsert is keyed on.
var attendanceKey = []clause.Column{
	{Name: "student_id"},
	{Name: "cluster_id"},
	{Name: "program_id"},
	{Name: "academic_year_id"},
	{Name: "attendance_date"},
}

// UpsertBatch writes the batch inside one transaction; a row that already
// exists for the key is overwritten (last write wins).
func (s *GormStore) UpsertBatch(ctx context.Context, records []models.AttendanceRecord) error {
	if len(records) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Omit(clause.Associations).
			Clauses(clause.OnConflict{
				Columns: attendanceKey,
				DoUpdates: clause.AssignmentColumns([]string{
					"status_id", "teacher_id", "user_id", "latitude", "longitude",
					"marked_at", "updated_at", "deleted_at",
				}),
			}).
			CreateInBatches(&records, 200).Error
		if err != nil {
			return fmt.Errorf("upsert attendance: %w", err)
		}
		return nil
	})
}

func (s *GormStore) FindRecords(ctx context.Context, q RecordQuery) ([]models.AttendanceRecord, error) {
	query := s.db.WithContext(ctx).
		Preload("Student").
		Preload("Cluster").
		Preload("Program").
		Preload("Status")

	if q.ClusterID != 0 {
		query = query.Where("cluster_id = ?", q.ClusterID)
	}
	if q.ProgramID != 0 {
		query = query.Where("program_id = ?", q.ProgramID)
	}
	if q.AcademicYearID != 0 {
		query = query.Where("academic_year_id = ?", q.AcademicYearID)
	}
	if q.FromDate != "" {
		query = query.Where("attendance_date >= ?", q.FromDate)
	}
	if q.ToDate != "" {
		query = query.Where("attendance_date <= ?", q.ToDate)
	}
	if q.StatusID != 0 {
		query = query.Where("status_id = ?", q.StatusID)
	}

	var records []models.AttendanceRecord
	if err := query.Order("attendance_date ASC, id ASC").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}
