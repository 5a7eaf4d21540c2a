package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"attendance_go/models"
	"attendance_go/services/geofence"

	"github.com/sirupsen/logrus"
)

// Service is the attendance facade used by the HTTP layer.
type Service struct {
	dir       Directory
	store     RecordStore
	cache     Cache
	validator *geofence.Validator
	resolver  *AssignmentResolver
	writer    *BatchWriter
	reports   *ReportAggregator
}

func NewService(dir Directory, store RecordStore, cache Cache, publisher EventPublisher, defaultRadius float64) *Service {
	if cache == nil {
		cache = NopCache{}
	}
	return &Service{
		dir:       dir,
		store:     store,
		cache:     cache,
		validator: geofence.NewValidator(defaultRadius),
		resolver:  NewAssignmentResolver(dir),
		writer:    NewBatchWriter(store, cache, publisher),
		reports:   NewReportAggregator(store, dir),
	}
}

// Contexts lists the rosters the actor may mark.
func (s *Service) Contexts(ctx context.Context, actor Actor, academicYearID uint) ([]RosterContext, error) {
	return s.resolver.Resolve(ctx, actor, academicYearID)
}

// CheckGeofence evaluates the actor's position for a cluster without writing.
// A denial is reported in the decision, not as an error.
func (s *Service) CheckGeofence(ctx context.Context, actor Actor, clusterID uint, loc *geofence.Point) (GateDecision, error) {
	cluster, err := s.dir.Cluster(ctx, clusterID)
	if err != nil {
		return GateDecision{}, fmt.Errorf("load cluster %d: %w", clusterID, err)
	}
	decision, err := Authorize(PolicyFor(actor.Role, s.dir), s.validator, cluster, loc)
	var denied *GeofenceDeniedError
	if errors.As(err, &denied) {
		return decision, nil
	}
	return decision, err
}

func (s *Service) Roster(ctx context.Context, clusterID, programID, academicYearID uint) ([]RosterStudent, error) {
	if clusterID == 0 || programID == 0 {
		return nil, ErrContextUnresolved
	}
	if academicYearID == 0 {
		year, err := s.dir.CurrentAcademicYear(ctx)
		if err != nil {
			return nil, err
		}
		academicYearID = year.ID
	}
	return s.dir.Roster(ctx, clusterID, programID, academicYearID)
}

func recordsCacheKey(q RecordQuery) string {
	suffix := fmt.Sprintf(":%d:%d:%d:%s:%s:%d", q.ClusterID, q.ProgramID, q.AcademicYearID, q.FromDate, q.ToDate, q.StatusID)
	switch {
	case q.FromDate != "" && q.FromDate == q.ToDate:
		return DateCacheKey(q.FromDate) + suffix
	case q.ClusterID != 0 && q.ProgramID != 0 && q.AcademicYearID != 0:
		return RosterCacheKey(q.ClusterID, q.ProgramID, q.AcademicYearID) + suffix
	}
	return ""
}

// Records returns stored attendance. Single-date and single-roster queries
// are served from the cache when possible.
func (s *Service) Records(ctx context.Context, q RecordQuery) ([]models.AttendanceRecord, error) {
	for _, d := range []string{q.FromDate, q.ToDate} {
		if d == "" {
			continue
		}
		if _, err := time.Parse(models.DateLayout, d); err != nil {
			return nil, ErrInvalidDate
		}
	}

	key := recordsCacheKey(q)
	if key != "" {
		var cached []models.AttendanceRecord
		if hit, err := s.cache.Get(ctx, key, &cached); err == nil && hit {
			return cached, nil
		}
	}

	records, err := s.store.FindRecords(ctx, q)
	if err != nil {
		return nil, err
	}
	if key != "" {
		if err := s.cache.Set(ctx, key, records); err != nil {
			logrus.WithError(err).Warn("Failed to cache attendance records")
		}
	}
	return records, nil
}

func (s *Service) StatusTypes(ctx context.Context, activeOnly bool) ([]models.AttendanceStatusType, error) {
	return s.dir.StatusTypes(ctx, activeOnly)
}

// SubmitBulk validates a bulk request for the actor and writes it. The
// teacher and user ids are always taken from the actor, never the body.
func (s *Service) SubmitBulk(ctx context.Context, actor Actor, req BulkRequest) (*BulkResult, GateDecision, error) {
	marks, wc, err := SplitBulk(req)
	if err != nil {
		return nil, GateDecision{}, err
	}
	rc := RosterContext{ClusterID: wc.ClusterID, ProgramID: wc.ProgramID, AcademicYearID: wc.AcademicYearID}
	if !rc.Resolved() {
		return nil, GateDecision{}, ErrContextUnresolved
	}

	policy := PolicyFor(actor.Role, s.dir)
	allowed, err := policy.CanMark(ctx, actor, rc)
	if err != nil {
		return nil, GateDecision{}, err
	}
	if !allowed {
		return nil, GateDecision{}, ErrNotAssigned
	}

	cluster, err := s.dir.Cluster(ctx, wc.ClusterID)
	if err != nil {
		return nil, GateDecision{}, fmt.Errorf("load cluster %d: %w", wc.ClusterID, err)
	}
	decision, err := Authorize(policy, s.validator, cluster, wc.Location)
	if err != nil {
		return nil, decision, err
	}

	wc.TeacherID = actor.TeacherID
	wc.UserID = nil
	if actor.UserID != 0 {
		uid := actor.UserID
		wc.UserID = &uid
	}
	wc.RequiresLocation = policy.RequiresGeofence()

	res, err := s.writer.Submit(ctx, marks, wc)
	return res, decision, err
}

// Report aggregates stored attendance for a range, cached per filter.
func (s *Service) Report(ctx context.Context, filter ReportFilter) (Report, error) {
	if err := checkRange(filter); err != nil {
		return Report{}, err
	}

	var cached Report
	if hit, err := s.cache.Get(ctx, filter.cacheKey(), &cached); err == nil && hit {
		return cached, nil
	}

	report, _, err := s.reports.Generate(ctx, filter)
	if err != nil {
		return Report{}, err
	}
	if err := s.cache.Set(ctx, filter.cacheKey(), report); err != nil {
		logrus.WithError(err).Warn("Failed to cache attendance report")
	}
	return report, nil
}

// ReportRecords returns the flat records behind a report, for export.
func (s *Service) ReportRecords(ctx context.Context, filter ReportFilter) ([]models.AttendanceRecord, error) {
	if err := checkRange(filter); err != nil {
		return nil, err
	}
	return s.reports.Fetch(ctx, filter)
}

// ReportWithRecords returns both views of a range in one fetch.
func (s *Service) ReportWithRecords(ctx context.Context, filter ReportFilter) (Report, []models.AttendanceRecord, error) {
	if err := checkRange(filter); err != nil {
		return Report{}, nil, err
	}
	return s.reports.Generate(ctx, filter)
}

func checkRange(filter ReportFilter) error {
	start, err := time.Parse(models.DateLayout, filter.StartDate)
	if err != nil {
		return ErrInvalidDate
	}
	end, err := time.Parse(models.DateLayout, filter.EndDate)
	if err != nil {
		return ErrInvalidDate
	}
	if end.Before(start) {
		return ErrInvalidRange
	}
	return nil
}

// TeacherByUser returns the teacher profile of a user, or nil.
func (s *Service) TeacherByUser(ctx context.Context, userID uint) (*models.Teacher, error) {
	return s.dir.TeacherByUser(ctx, userID)
}

// Assignments lists the active assignments of the teacher linked to a user.
// A user without a teacher profile has none.
func (s *Service) Assignments(ctx context.Context, userID, academicYearID uint) ([]models.TeacherAssignment, error) {
	teacher, err := s.dir.TeacherByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if teacher == nil {
		return []models.TeacherAssignment{}, nil
	}
	assignments, err := s.dir.ActiveAssignments(ctx, teacher.ID, academicYearID)
	if err != nil {
		return nil, err
	}
	if assignments == nil {
		assignments = []models.TeacherAssignment{}
	}
	return assignments, nil
}

// Combinations lists every cluster/program pair with enrolled students.
func (s *Service) Combinations(ctx context.Context, academicYearID uint) ([]RosterContext, error) {
	if academicYearID == 0 {
		year, err := s.dir.CurrentAcademicYear(ctx)
		if err != nil {
			return nil, err
		}
		academicYearID = year.ID
	}
	combos, err := s.dir.EnrolledCombinations(ctx, academicYearID)
	if err != nil {
		return nil, err
	}
	if combos == nil {
		combos = []RosterContext{}
	}
	return combos, nil
}

func (s *Service) CurrentAcademicYear(ctx context.Context) (models.AcademicYear, error) {
	return s.dir.CurrentAcademicYear(ctx)
}

func (s *Service) AcademicYears(ctx context.Context, activeOnly bool) ([]models.AcademicYear, error) {
	return s.dir.AcademicYears(ctx, activeOnly)
}
