package attendance

import (
	"context"
	"sort"
	"sync"

	"attendance_go/models"
	"attendance_go/services/geofence"

	"golang.org/x/sync/errgroup"
)

// SessionBackend is what a marking session needs from the API.
type SessionBackend interface {
	Roster(ctx context.Context, clusterID, programID, academicYearID uint) ([]RosterStudent, error)
	Records(ctx context.Context, q RecordQuery) ([]models.AttendanceRecord, error)
	StatusTypes(ctx context.Context, activeOnly bool) ([]models.AttendanceStatusType, error)
	SubmitBulk(ctx context.Context, req BulkRequest) (*BulkResult, error)
}

// Summary counts the current marks of a session.
type Summary struct {
	RosterSize int `json:"rosterSize"`
	Marked     int `json:"marked"`
	Present    int `json:"present"`
	Absent     int `json:"absent"`
}

// MarkingSession owns the working attendance map for one roster and date.
// The map is seeded once from the existing records and then only changes
// through local edits until submission.
type MarkingSession struct {
	backend SessionBackend
	rc      RosterContext
	date    string

	mu         sync.Mutex
	roster     []RosterStudent
	onRoster   map[uint]struct{}
	codes      map[uint]string
	marks      map[uint]uint
	seeded     bool
	edited     bool
	submitting bool
}

func NewMarkingSession(backend SessionBackend, rc RosterContext, date string) *MarkingSession {
	return &MarkingSession{
		backend:  backend,
		rc:       rc,
		date:     date,
		onRoster: map[uint]struct{}{},
		codes:    map[uint]string{},
		marks:    map[uint]uint{},
	}
}

func (s *MarkingSession) Context() RosterContext { return s.rc }

func (s *MarkingSession) Date() string { return s.date }

// Load fetches the roster, the records already stored for the date and the
// status types concurrently, then seeds the mark map.
func (s *MarkingSession) Load(ctx context.Context) error {
	if !s.rc.Resolved() {
		return ErrContextUnresolved
	}

	var (
		roster   []RosterStudent
		existing []models.AttendanceRecord
		statuses []models.AttendanceStatusType
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		roster, err = s.backend.Roster(gctx, s.rc.ClusterID, s.rc.ProgramID, s.rc.AcademicYearID)
		return err
	})
	g.Go(func() error {
		var err error
		existing, err = s.backend.Records(gctx, RecordQuery{
			ClusterID:      s.rc.ClusterID,
			ProgramID:      s.rc.ProgramID,
			AcademicYearID: s.rc.AcademicYearID,
			FromDate:       s.date,
			ToDate:         s.date,
		})
		return err
	})
	g.Go(func() error {
		var err error
		statuses, err = s.backend.StatusTypes(gctx, true)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	s.mu.Lock()
	s.roster = roster
	s.onRoster = make(map[uint]struct{}, len(roster))
	for _, st := range roster {
		s.onRoster[st.ID] = struct{}{}
	}
	for _, st := range statuses {
		s.codes[st.ID] = st.Code
	}
	s.mu.Unlock()

	s.seed(existing)
	return nil
}

// seed initialises the marks from stored records. It runs at most once and
// never after the user has started editing.
func (s *MarkingSession) seed(existing []models.AttendanceRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seeded || s.edited {
		return false
	}
	for _, r := range existing {
		if r.AttendanceDate != s.date {
			continue
		}
		if _, ok := s.onRoster[r.StudentID]; !ok {
			continue
		}
		s.marks[r.StudentID] = r.StatusID
		if r.Status.Code != "" {
			s.codes[r.StatusID] = r.Status.Code
		}
	}
	s.seeded = true
	return true
}

// Roster returns the loaded roster in display order.
func (s *MarkingSession) Roster() []RosterStudent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RosterStudent, len(s.roster))
	copy(out, s.roster)
	return out
}

// Mark sets one student's status.
func (s *MarkingSession) Mark(studentID, statusID uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.onRoster[studentID]; !ok {
		return ErrNotOnRoster
	}
	s.marks[studentID] = statusID
	s.edited = true
	return nil
}

// MarkAll sets every roster student to the same status.
func (s *MarkingSession) MarkAll(statusID uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.roster {
		s.marks[st.ID] = statusID
	}
	s.edited = true
}

// Status returns the current mark for a student.
func (s *MarkingSession) Status(studentID uint) (uint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.marks[studentID]
	return id, ok
}

// Marks returns the current selection in roster order.
func (s *MarkingSession) Marks() []Mark {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.marksLocked()
}

func (s *MarkingSession) marksLocked() []Mark {
	out := make([]Mark, 0, len(s.marks))
	for _, st := range s.roster {
		if statusID, ok := s.marks[st.ID]; ok {
			out = append(out, Mark{StudentID: st.ID, StatusID: statusID})
		}
	}
	if len(out) < len(s.marks) {
		// marks seeded before the roster was known
		seen := make(map[uint]struct{}, len(out))
		for _, m := range out {
			seen[m.StudentID] = struct{}{}
		}
		var extra []Mark
		for id, statusID := range s.marks {
			if _, ok := seen[id]; !ok {
				extra = append(extra, Mark{StudentID: id, StatusID: statusID})
			}
		}
		sort.Slice(extra, func(i, j int) bool { return extra[i].StudentID < extra[j].StudentID })
		out = append(out, extra...)
	}
	return out
}

func (s *MarkingSession) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := Summary{RosterSize: len(s.roster), Marked: len(s.marks)}
	for _, statusID := range s.marks {
		switch s.codes[statusID] {
		case models.StatusCodePresent:
			sum.Present++
		case models.StatusCodeAbsent:
			sum.Absent++
		}
	}
	return sum
}

// Submitting reports whether a submission is outstanding.
func (s *MarkingSession) Submitting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitting
}

// Submit sends the current marks as one batch. Only one submission may be
// outstanding; an unresolved context never reaches the backend.
func (s *MarkingSession) Submit(ctx context.Context, actor Actor, loc *geofence.Point) (*BulkResult, error) {
	if !s.rc.Resolved() {
		return nil, ErrContextUnresolved
	}

	s.mu.Lock()
	if s.submitting {
		s.mu.Unlock()
		return nil, ErrSubmitInProgress
	}
	marks := s.marksLocked()
	if len(marks) == 0 {
		s.mu.Unlock()
		return nil, ErrEmptyBatch
	}
	s.submitting = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.submitting = false
		s.mu.Unlock()
	}()

	wc := WriteContext{
		ClusterID:      s.rc.ClusterID,
		ProgramID:      s.rc.ProgramID,
		AcademicYearID: s.rc.AcademicYearID,
		Date:           s.date,
		TeacherID:      actor.TeacherID,
		Location:       loc,
	}
	if actor.UserID != 0 {
		uid := actor.UserID
		wc.UserID = &uid
	}
	return s.backend.SubmitBulk(ctx, ToBulkRequest(marks, wc))
}

// ServiceBackend runs a session directly against the service for one actor.
type ServiceBackend struct {
	Service *Service
	Actor   Actor
}

func (b ServiceBackend) Roster(ctx context.Context, clusterID, programID, academicYearID uint) ([]RosterStudent, error) {
	return b.Service.Roster(ctx, clusterID, programID, academicYearID)
}

func (b ServiceBackend) Records(ctx context.Context, q RecordQuery) ([]models.AttendanceRecord, error) {
	return b.Service.Records(ctx, q)
}

func (b ServiceBackend) StatusTypes(ctx context.Context, activeOnly bool) ([]models.AttendanceStatusType, error) {
	return b.Service.StatusTypes(ctx, activeOnly)
}

func (b ServiceBackend) SubmitBulk(ctx context.Context, req BulkRequest) (*BulkResult, error) {
	res, _, err := b.Service.SubmitBulk(ctx, b.Actor, req)
	return res, err
}
