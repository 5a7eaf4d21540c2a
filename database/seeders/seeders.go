// Package seeders loads a small demo data set: one cluster with a geofence,
// one program, the current academic year, an admin, an owner, a teacher
// assigned to the roster and a handful of enrolled students.
package seeders

import (
	"errors"
	"fmt"
	"time"

	"attendance_go/models"
	"attendance_go/utils"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// DefaultPassword is the password of every seeded user.
const DefaultPassword = "password123"

// SeedAll runs all seeders. Each step is skipped when its table already has rows.
func SeedAll(db *gorm.DB) error {
	logrus.Info("Starting database seeding")

	steps := []struct {
		name string
		run  func(*gorm.DB) error
	}{
		{"users", SeedUsers},
		{"directory", SeedDirectory},
		{"students", SeedStudents},
	}
	for _, step := range steps {
		if err := step.run(db); err != nil {
			return fmt.Errorf("seed %s: %w", step.name, err)
		}
	}

	logrus.Info("Database seeding completed")
	return nil
}

func hasRows(db *gorm.DB, model interface{}) (bool, error) {
	var count int64
	if err := db.Model(model).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// SeedUsers seeds the admin, owner and teacher accounts.
func SeedUsers(db *gorm.DB) error {
	if ok, err := hasRows(db, &models.User{}); err != nil || ok {
		if ok {
			logrus.Info("Users already seeded, skipping")
		}
		return err
	}

	hashedPassword, err := utils.HashPassword(DefaultPassword)
	if err != nil {
		return err
	}

	users := []models.User{
		{Username: "admin", Password: hashedPassword, Email: "admin@example.com", Role: models.RoleAdmin, Status: "active"},
		{Username: "owner", Password: hashedPassword, Email: "owner@example.com", Role: models.RoleOwner, Status: "active"},
		{Username: "teacher_anan", Password: hashedPassword, Email: "anan@example.com", Role: models.RoleTeacher, Status: "active"},
	}
	if err := db.Create(&users).Error; err != nil {
		return err
	}

	teacher := models.Teacher{UserID: users[2].ID, FirstName: "Anan", LastName: "Chaiyo", Active: true}
	if err := db.Create(&teacher).Error; err != nil {
		return err
	}

	logrus.WithField("count", len(users)).Info("Users seeded")
	return nil
}

// SeedDirectory seeds the cluster, program and academic year, and assigns the
// seeded teacher to the resulting roster.
func SeedDirectory(db *gorm.DB) error {
	if ok, err := hasRows(db, &models.Cluster{}); err != nil || ok {
		if ok {
			logrus.Info("Clusters already seeded, skipping")
		}
		return err
	}

	lat, lon, radius := 14.9799, 102.0978, 200.0
	cluster := models.Cluster{
		Name:                 "Korat Learning Centre",
		Code:                 "KLC",
		Address:              "Nakhon Ratchasima",
		Latitude:             &lat,
		Longitude:            &lon,
		GeofenceRadiusMeters: &radius,
		Active:               true,
	}
	if err := db.Create(&cluster).Error; err != nil {
		return err
	}

	program := models.Program{Name: "Early Literacy", Code: "LIT", Active: true}
	if err := db.Create(&program).Error; err != nil {
		return err
	}

	start := time.Date(time.Now().Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	year := models.AcademicYear{
		Name:      fmt.Sprintf("%d", start.Year()),
		StartDate: start,
		EndDate:   start.AddDate(1, 0, -1),
		IsCurrent: true,
		IsActive:  true,
	}
	if err := db.Create(&year).Error; err != nil {
		return err
	}

	var teacher models.Teacher
	err := db.Joins("JOIN users ON users.id = teachers.user_id").
		Where("users.role = ?", models.RoleTeacher).
		Order("teachers.id").
		First(&teacher).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		logrus.Warn("No teacher to assign, skipping assignment")
		return nil
	}
	if err != nil {
		return err
	}

	return db.Create(&models.TeacherAssignment{
		TeacherID:      teacher.ID,
		ClusterID:      cluster.ID,
		ProgramID:      program.ID,
		AcademicYearID: year.ID,
		Role:           models.AssignmentRoleMain,
		IsActive:       true,
	}).Error
}

// SeedStudents seeds students and enrolls them on every cluster/program
// combination of the current year.
func SeedStudents(db *gorm.DB) error {
	if ok, err := hasRows(db, &models.Student{}); err != nil || ok {
		if ok {
			logrus.Info("Students already seeded, skipping")
		}
		return err
	}

	names := [][2]string{
		{"Ploy", "Srisuk"}, {"Ton", "Wongsa"}, {"Mint", "Kaewkla"},
		{"Boss", "Thongdee"}, {"Fah", "Rattana"}, {"Nam", "Somboon"},
	}
	students := make([]models.Student, 0, len(names))
	for i, n := range names {
		students = append(students, models.Student{
			Code:      fmt.Sprintf("STU%03d", i+1),
			FirstName: n[0],
			LastName:  n[1],
			Active:    true,
		})
	}
	if err := db.Create(&students).Error; err != nil {
		return err
	}

	var assignments []models.TeacherAssignment
	if err := db.Where("is_active = ?", true).Find(&assignments).Error; err != nil {
		return err
	}
	for _, a := range assignments {
		for _, st := range students {
			enrollment := models.StudentEnrollment{
				StudentID:      st.ID,
				ClusterID:      a.ClusterID,
				ProgramID:      a.ProgramID,
				AcademicYearID: a.AcademicYearID,
				IsActive:       true,
			}
			if err := db.Where(models.StudentEnrollment{
				StudentID: st.ID, ClusterID: a.ClusterID, ProgramID: a.ProgramID, AcademicYearID: a.AcademicYearID,
			}).FirstOrCreate(&enrollment).Error; err != nil {
				return err
			}
		}
	}

	logrus.WithField("count", len(students)).Info("Students seeded")
	return nil
}
