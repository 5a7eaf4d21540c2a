package attendance

import (
	"context"
	"fmt"
	"testing"
	"time"

	"attendance_go/database"
	"attendance_go/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
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
	return db
}

type seeded struct {
	cluster models.Cluster
	program models.Program
	year    models.AcademicYear
	present models.AttendanceStatusType
	absent  models.AttendanceStatusType
	teacher models.Teacher
}

func seedDirectory(t *testing.T, db *gorm.DB) seeded {
	t.Helper()
	var s seeded
	s.cluster = models.Cluster{Name: "Central", Code: "C1", Latitude: floatPtr(13.75), Longitude: floatPtr(100.5), Active: true}
	require.NoError(t, db.Create(&s.cluster).Error)
	s.program = models.Program{Name: "Reading", Code: "R1", Active: true}
	require.NoError(t, db.Create(&s.program).Error)
	s.year = models.AcademicYear{Name: "2024", StartDate: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), IsCurrent: true, IsActive: true}
	require.NoError(t, db.Create(&s.year).Error)

	user := models.User{Username: "tia", Role: models.RoleTeacher}
	require.NoError(t, db.Create(&user).Error)
	s.teacher = models.Teacher{UserID: user.ID, FirstName: "Tia", Active: true}
	require.NoError(t, db.Create(&s.teacher).Error)
	require.NoError(t, db.Create(&models.TeacherAssignment{
		TeacherID: s.teacher.ID, ClusterID: s.cluster.ID, ProgramID: s.program.ID,
		AcademicYearID: s.year.ID, Role: models.AssignmentRoleMain, IsActive: true,
	}).Error)

	for i, name := range []string{"Cy", "Ann", "Bo"} {
		st := models.Student{Code: fmt.Sprintf("S%03d", i+1), FirstName: name, Active: true}
		require.NoError(t, db.Create(&st).Error)
		require.NoError(t, db.Create(&models.StudentEnrollment{
			StudentID: st.ID, ClusterID: s.cluster.ID, ProgramID: s.program.ID,
			AcademicYearID: s.year.ID, IsActive: true,
		}).Error)
	}

	require.NoError(t, db.Where("code = ?", models.StatusCodePresent).First(&s.present).Error)
	require.NoError(t, db.Where("code = ?", models.StatusCodeAbsent).First(&s.absent).Error)
	return s
}

func TestGormStoreDirectory(t *testing.T) {
	db := openTestDB(t)
	s := seedDirectory(t, db)
	store := NewGormStore(db)
	ctx := context.Background()

	year, err := store.CurrentAcademicYear(ctx)
	require.NoError(t, err)
	assert.Equal(t, s.year.ID, year.ID)

	assignments, err := store.ActiveAssignments(ctx, s.teacher.ID, s.year.ID)
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	assert.Equal(t, "Central", assignments[0].Cluster.Name)
	assert.Equal(t, "Reading", assignments[0].Program.Name)

	count, err := store.RosterCount(ctx, s.cluster.ID, s.program.ID, s.year.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	roster, err := store.Roster(ctx, s.cluster.ID, s.program.ID, s.year.ID)
	require.NoError(t, err)
	require.Len(t, roster, 3)
	assert.Equal(t, "Ann", roster[0].Name)
	assert.Equal(t, "Cy", roster[2].Name)

	combos, err := store.EnrolledCombinations(ctx, s.year.ID)
	require.NoError(t, err)
	require.Len(t, combos, 1)
	assert.Equal(t, int64(3), combos[0].StudentCount)
	assert.Equal(t, "Central", combos[0].ClusterName)

	teacher, err := store.TeacherByUser(ctx, s.teacher.UserID)
	require.NoError(t, err)
	require.NotNil(t, teacher)
	assert.Equal(t, s.teacher.ID, teacher.ID)

	none, err := store.TeacherByUser(ctx, 9999)
	require.NoError(t, err)
	assert.Nil(t, none)

	statuses, err := store.StatusTypes(ctx, true)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.Equal(t, models.StatusCodePresent, statuses[0].Code)
}

func TestGormStoreUpsertKeepsOneRowPerKey(t *testing.T) {
	db := openTestDB(t)
	s := seedDirectory(t, db)
	store := NewGormStore(db)
	ctx := context.Background()

	var students []models.Student
	require.NoError(t, db.Order("id").Find(&students).Error)

	build := func(statusID uint) []models.AttendanceRecord {
		var out []models.AttendanceRecord
		for _, st := range students {
			out = append(out, models.AttendanceRecord{
				StudentID: st.ID, ClusterID: s.cluster.ID, ProgramID: s.program.ID,
				AcademicYearID: s.year.ID, AttendanceDate: "2024-06-03",
				StatusID: statusID, UserID: uintPtr(1), MarkedAt: time.Now(),
			})
		}
		return out
	}

	require.NoError(t, store.UpsertBatch(ctx, build(s.present.ID)))
	require.NoError(t, store.UpsertBatch(ctx, build(s.absent.ID)))

	var total int64
	require.NoError(t, db.Model(&models.AttendanceRecord{}).Count(&total).Error)
	assert.Equal(t, int64(3), total)

	records, err := store.FindRecords(ctx, RecordQuery{
		ClusterID: s.cluster.ID, ProgramID: s.program.ID, AcademicYearID: s.year.ID,
		FromDate: "2024-06-03", ToDate: "2024-06-03",
	})
	require.NoError(t, err)
	require.Len(t, records, 3)
	for _, r := range records {
		assert.Equal(t, s.absent.ID, r.StatusID, "last write wins")
		assert.Equal(t, models.StatusCodeAbsent, r.Status.Code)
		assert.Equal(t, "Central", r.Cluster.Name)
		assert.NotEmpty(t, r.Student.Code)
	}

	// next day is a separate row
	next := build(s.present.ID)[:1]
	next[0].AttendanceDate = "2024-06-04"
	require.NoError(t, store.UpsertBatch(ctx, next))
	records, err = store.FindRecords(ctx, RecordQuery{FromDate: "2024-06-01", ToDate: "2024-06-30"})
	require.NoError(t, err)
	assert.Len(t, records, 4)
	assert.Equal(t, "2024-06-04", records[3].AttendanceDate)

	records, err = store.FindRecords(ctx, RecordQuery{StatusID: s.present.ID})
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestGormStoreServiceEndToEnd(t *testing.T) {
	db := openTestDB(t)
	s := seedDirectory(t, db)
	store := NewGormStore(db)
	svc := NewService(store, store, nil, nil, 200)
	ctx := context.Background()

	actor := Actor{UserID: s.teacher.UserID, TeacherID: uintPtr(s.teacher.ID), Role: models.RoleTeacher}
	contexts, err := svc.Contexts(ctx, actor, 0)
	require.NoError(t, err)
	require.Len(t, contexts, 1)
	assert.Equal(t, int64(3), contexts[0].StudentCount)

	session := NewMarkingSession(ServiceBackend{Service: svc, Actor: actor}, contexts[0], "2024-06-03")
	require.NoError(t, session.Load(ctx))
	session.MarkAll(s.present.ID)
	roster := session.Roster()
	require.NoError(t, session.Mark(roster[0].ID, s.absent.ID))

	_, err = session.Submit(ctx, actor, Location(floatPtr(13.75), floatPtr(100.5005)))
	require.NoError(t, err)

	report, err := svc.Report(ctx, ReportFilter{StartDate: "2024-06-01", EndDate: "2024-06-30"})
	require.NoError(t, err)
	assert.Equal(t, 3, report.OverallStats.Total)
	assert.Equal(t, 2, report.OverallStats.Present)
	require.Len(t, report.ClusterStats, 1)
	assert.Equal(t, "Central", report.ClusterStats[0].Name)
}

func TestGormStoreIgnoresInactiveRows(t *testing.T) {
	db := openTestDB(t)
	s := seedDirectory(t, db)
	store := NewGormStore(db)
	ctx := context.Background()

	annex := models.Cluster{Name: "Annex", Code: "C2", Active: true}
	require.NoError(t, db.Create(&annex).Error)
	ended := models.TeacherAssignment{
		TeacherID: s.teacher.ID, ClusterID: annex.ID, ProgramID: s.program.ID,
		AcademicYearID: s.year.ID, Role: models.AssignmentRoleBackup, IsActive: false,
	}
	require.NoError(t, db.Create(&ended).Error)

	var stored models.TeacherAssignment
	require.NoError(t, db.First(&stored, ended.ID).Error)
	assert.False(t, stored.IsActive)

	dropped := models.Student{Code: "S999", FirstName: "Al", Active: true}
	require.NoError(t, db.Create(&dropped).Error)
	withdrawn := models.StudentEnrollment{
		StudentID: dropped.ID, ClusterID: s.cluster.ID, ProgramID: s.program.ID,
		AcademicYearID: s.year.ID, IsActive: false,
	}
	require.NoError(t, db.Create(&withdrawn).Error)

	var storedEnrollment models.StudentEnrollment
	require.NoError(t, db.First(&storedEnrollment, withdrawn.ID).Error)
	assert.False(t, storedEnrollment.IsActive)

	assignments, err := store.ActiveAssignments(ctx, s.teacher.ID, s.year.ID)
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	assert.Equal(t, s.cluster.ID, assignments[0].ClusterID)

	count, err := store.RosterCount(ctx, s.cluster.ID, s.program.ID, s.year.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	roster, err := store.Roster(ctx, s.cluster.ID, s.program.ID, s.year.ID)
	require.NoError(t, err)
	for _, st := range roster {
		assert.NotEqual(t, dropped.ID, st.ID)
	}

	actor := Actor{UserID: s.teacher.UserID, TeacherID: uintPtr(s.teacher.ID), Role: models.RoleTeacher}
	contexts, err := NewAssignmentResolver(store).Resolve(ctx, actor, 0)
	require.NoError(t, err)
	require.Len(t, contexts, 1)
	assert.Equal(t, "Central", contexts[0].ClusterName)

	ok, err := PolicyFor(models.RoleTeacher, store).CanMark(ctx, actor, RosterContext{
		ClusterID: annex.ID, ProgramID: s.program.ID, AcademicYearID: s.year.ID,
	})
	require.NoError(t, err)
	assert.False(t, ok)
}
