package attendance

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"

	"attendance_go/models"
)

func uintPtr(v uint) *uint { return &v }

func floatPtr(v float64) *float64 { return &v }

func statusTypes() []models.AttendanceStatusType {
	present := models.AttendanceStatusType{Code: models.StatusCodePresent, Name: "Present", IsActive: true}
	present.ID = 1
	absent := models.AttendanceStatusType{Code: models.StatusCodeAbsent, Name: "Absent", IsActive: true}
	absent.ID = 2
	return []models.AttendanceStatusType{present, absent}
}

type fakeDirectory struct {
	assignments  []models.TeacherAssignment
	combinations []RosterContext
	rosters      map[[3]uint][]RosterStudent
	clusters     map[uint]models.Cluster
	year         models.AcademicYear
	years        []models.AcademicYear
	statuses     []models.AttendanceStatusType
	teachers     map[uint]*models.Teacher
	err          error
}

func newFakeDirectory() *fakeDirectory {
	year := models.AcademicYear{Name: "2024", IsCurrent: true, IsActive: true}
	year.ID = 7
	return &fakeDirectory{
		rosters:  map[[3]uint][]RosterStudent{},
		clusters: map[uint]models.Cluster{},
		year:     year,
		years:    []models.AcademicYear{year},
		statuses: statusTypes(),
		teachers: map[uint]*models.Teacher{},
	}
}

func (d *fakeDirectory) ActiveAssignments(_ context.Context, teacherID, academicYearID uint) ([]models.TeacherAssignment, error) {
	if d.err != nil {
		return nil, d.err
	}
	var out []models.TeacherAssignment
	for _, a := range d.assignments {
		if a.TeacherID != teacherID || !a.IsActive {
			continue
		}
		if academicYearID != 0 && a.AcademicYearID != academicYearID {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (d *fakeDirectory) EnrolledCombinations(_ context.Context, academicYearID uint) ([]RosterContext, error) {
	if d.err != nil {
		return nil, d.err
	}
	var out []RosterContext
	for _, c := range d.combinations {
		if c.AcademicYearID == 0 || c.AcademicYearID == academicYearID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (d *fakeDirectory) RosterCount(_ context.Context, clusterID, programID, academicYearID uint) (int64, error) {
	return int64(len(d.rosters[[3]uint{clusterID, programID, academicYearID}])), nil
}

func (d *fakeDirectory) Roster(_ context.Context, clusterID, programID, academicYearID uint) ([]RosterStudent, error) {
	return d.rosters[[3]uint{clusterID, programID, academicYearID}], nil
}

func (d *fakeDirectory) Cluster(_ context.Context, clusterID uint) (models.Cluster, error) {
	c, ok := d.clusters[clusterID]
	if !ok {
		return models.Cluster{}, errors.New("cluster not found")
	}
	return c, nil
}

func (d *fakeDirectory) CurrentAcademicYear(context.Context) (models.AcademicYear, error) {
	if d.year.ID == 0 {
		return models.AcademicYear{}, ErrNoAcademicYear
	}
	return d.year, nil
}

func (d *fakeDirectory) AcademicYears(context.Context, bool) ([]models.AcademicYear, error) {
	return d.years, nil
}

func (d *fakeDirectory) StatusTypes(context.Context, bool) ([]models.AttendanceStatusType, error) {
	return d.statuses, nil
}

func (d *fakeDirectory) TeacherByUser(_ context.Context, userID uint) (*models.Teacher, error) {
	return d.teachers[userID], nil
}

// memStore keeps records keyed the same way the database does.
type memStore struct {
	mu      sync.Mutex
	records map[string]models.AttendanceRecord
	upserts int
	finds   int
	err     error
}

func newMemStore() *memStore {
	return &memStore{records: map[string]models.AttendanceRecord{}}
}

func recordKey(r models.AttendanceRecord) string {
	b, _ := json.Marshal([]interface{}{r.StudentID, r.ClusterID, r.ProgramID, r.AcademicYearID, r.AttendanceDate})
	return string(b)
}

func (s *memStore) UpsertBatch(_ context.Context, records []models.AttendanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.upserts++
	for _, r := range records {
		s.records[recordKey(r)] = r
	}
	return nil
}

func (s *memStore) FindRecords(_ context.Context, q RecordQuery) ([]models.AttendanceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finds++
	var out []models.AttendanceRecord
	for _, r := range s.records {
		if q.ClusterID != 0 && r.ClusterID != q.ClusterID ||
			q.ProgramID != 0 && r.ProgramID != q.ProgramID ||
			q.AcademicYearID != 0 && r.AcademicYearID != q.AcademicYearID ||
			q.StatusID != 0 && r.StatusID != q.StatusID ||
			q.FromDate != "" && r.AttendanceDate < q.FromDate ||
			q.ToDate != "" && r.AttendanceDate > q.ToDate {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AttendanceDate != out[j].AttendanceDate {
			return out[i].AttendanceDate < out[j].AttendanceDate
		}
		return out[i].StudentID < out[j].StudentID
	})
	return out, nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// memCache is a Cache backed by a map of JSON blobs.
type memCache struct {
	mu          sync.Mutex
	data        map[string][]byte
	invalidated []string
}

func newMemCache() *memCache {
	return &memCache{data: map[string][]byte{}}
}

func (c *memCache) Get(_ context.Context, key string, dest interface{}) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(b, dest)
}

func (c *memCache) Set(_ context.Context, key string, value interface{}) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = b
	return nil
}

func (c *memCache) InvalidatePrefix(_ context.Context, prefixes ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = append(c.invalidated, prefixes...)
	for key := range c.data {
		for _, p := range prefixes {
			if strings.HasPrefix(key, p) {
				delete(c.data, key)
				break
			}
		}
	}
	return nil
}

type published struct {
	event   string
	payload interface{}
}

type fakePublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *fakePublisher) Publish(event string, payload interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{event: event, payload: payload})
}
