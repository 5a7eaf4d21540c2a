package attendance

import (
	"context"
	"fmt"
	"time"

	"attendance_go/models"
	"attendance_go/services/geofence"

	"github.com/sirupsen/logrus"
)

// Mark is one student's selected status.
type Mark struct {
	StudentID uint `json:"studentId"`
	StatusID  uint `json:"statusId"`
}

// WriteContext is fixed for every record in a batch.
type WriteContext struct {
	ClusterID        uint
	ProgramID        uint
	AcademicYearID   uint
	Date             string
	TeacherID        *uint
	UserID           *uint
	Location         *geofence.Point
	MarkedAt         time.Time
	RequiresLocation bool
}

// Event names published after writes.
const EventAttendanceMarked = "attendance.marked"

// Cache key prefixes for derived attendance views.
const (
	cachePrefixDate   = "attendance:date:"
	cachePrefixRoster = "attendance:roster:"
	cachePrefixReport = "attendance:report:"
)

// DateCacheKey prefixes every cached view of attendance for one date.
func DateCacheKey(date string) string { return cachePrefixDate + date }

// RosterCacheKey prefixes every cached view of attendance for one roster.
func RosterCacheKey(clusterID, programID, academicYearID uint) string {
	return fmt.Sprintf("%s%d:%d:%d", cachePrefixRoster, clusterID, programID, academicYearID)
}

// BatchWriter builds and submits attendance batches.
type BatchWriter struct {
	store     RecordStore
	cache     Cache
	publisher EventPublisher
	now       func() time.Time
}

func NewBatchWriter(store RecordStore, cache Cache, publisher EventPublisher) *BatchWriter {
	if cache == nil {
		cache = NopCache{}
	}
	return &BatchWriter{store: store, cache: cache, publisher: publisher, now: time.Now}
}

// BuildRecords turns marks into records. It refuses to build anything while a
// required context field is missing. Duplicate students keep the last mark.
func (w *BatchWriter) BuildRecords(marks []Mark, wc WriteContext) ([]models.AttendanceRecord, error) {
	if wc.ClusterID == 0 || wc.ProgramID == 0 || wc.AcademicYearID == 0 {
		return nil, ErrContextUnresolved
	}
	if _, err := time.Parse(models.DateLayout, wc.Date); err != nil {
		return nil, ErrInvalidDate
	}
	if wc.RequiresLocation && wc.Location == nil {
		return nil, ErrLocationRequired
	}
	if wc.TeacherID == nil && wc.UserID == nil {
		return nil, ErrActorMissing
	}
	if len(marks) == 0 {
		return nil, ErrEmptyBatch
	}

	markedAt := wc.MarkedAt
	if markedAt.IsZero() {
		markedAt = w.now()
	}
	var lat, lon *float64
	if wc.Location != nil {
		la, lo := wc.Location.Latitude, wc.Location.Longitude
		lat, lon = &la, &lo
	}

	index := make(map[uint]int, len(marks))
	records := make([]models.AttendanceRecord, 0, len(marks))
	for _, m := range marks {
		if m.StudentID == 0 || m.StatusID == 0 {
			return nil, fmt.Errorf("invalid mark for student %d: student and status are required", m.StudentID)
		}
		rec := models.AttendanceRecord{
			StudentID:      m.StudentID,
			ClusterID:      wc.ClusterID,
			ProgramID:      wc.ProgramID,
			AcademicYearID: wc.AcademicYearID,
			AttendanceDate: wc.Date,
			StatusID:       m.StatusID,
			TeacherID:      wc.TeacherID,
			UserID:         wc.UserID,
			Latitude:       lat,
			Longitude:      lon,
			MarkedAt:       markedAt,
		}
		if i, ok := index[m.StudentID]; ok {
			records[i] = rec
			continue
		}
		index[m.StudentID] = len(records)
		records = append(records, rec)
	}
	return records, nil
}

// Submit writes the batch as one operation and invalidates stale views.
func (w *BatchWriter) Submit(ctx context.Context, marks []Mark, wc WriteContext) (*BulkResult, error) {
	records, err := w.BuildRecords(marks, wc)
	if err != nil {
		return nil, err
	}

	if err := w.store.UpsertBatch(ctx, records); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"cluster_id": wc.ClusterID,
			"program_id": wc.ProgramID,
			"date":       wc.Date,
			"records":    len(records),
		}).Error("Attendance batch rejected")
		return nil, &WriteError{Message: err.Error(), Err: err}
	}

	w.invalidate(ctx, wc)

	if w.publisher != nil {
		w.publisher.Publish(EventAttendanceMarked, map[string]interface{}{
			"clusterId":      wc.ClusterID,
			"programId":      wc.ProgramID,
			"academicYearId": wc.AcademicYearID,
			"date":           wc.Date,
			"count":          len(records),
		})
	}

	logrus.WithFields(logrus.Fields{
		"cluster_id": wc.ClusterID,
		"program_id": wc.ProgramID,
		"date":       wc.Date,
		"records":    len(records),
	}).Info("Attendance batch saved")

	return &BulkResult{
		Success: true,
		Message: fmt.Sprintf("Attendance saved for %d students", len(records)),
		Count:   len(records),
	}, nil
}

// invalidate drops cached views for the date, the roster and every report.
// The write already committed, so a cache failure is only logged.
func (w *BatchWriter) invalidate(ctx context.Context, wc WriteContext) {
	err := w.cache.InvalidatePrefix(ctx,
		DateCacheKey(wc.Date),
		RosterCacheKey(wc.ClusterID, wc.ProgramID, wc.AcademicYearID),
		cachePrefixReport,
	)
	if err != nil {
		logrus.WithError(err).Warn("Failed to invalidate attendance cache")
	}
}

// SplitBulk checks that every record shares one context and returns the marks.
func SplitBulk(req BulkRequest) ([]Mark, WriteContext, error) {
	if len(req.Records) == 0 {
		return nil, WriteContext{}, ErrEmptyBatch
	}
	first := req.Records[0]
	wc := WriteContext{
		ClusterID:      first.ClusterID,
		ProgramID:      first.ProgramID,
		AcademicYearID: first.AcademicYearID,
		Date:           first.Date,
		TeacherID:      first.TeacherID,
		UserID:         first.UserID,
		Location:       Location(first.Latitude, first.Longitude),
	}
	if first.MarkedAt != nil {
		wc.MarkedAt = *first.MarkedAt
	}

	marks := make([]Mark, 0, len(req.Records))
	for _, r := range req.Records {
		if r.ClusterID != wc.ClusterID || r.ProgramID != wc.ProgramID ||
			r.AcademicYearID != wc.AcademicYearID || r.Date != wc.Date {
			return nil, WriteContext{}, ErrMixedContext
		}
		marks = append(marks, Mark{StudentID: r.StudentID, StatusID: r.StatusID})
	}
	return marks, wc, nil
}

// ToBulkRequest is the inverse of SplitBulk, used by clients.
func ToBulkRequest(marks []Mark, wc WriteContext) BulkRequest {
	var markedAt *time.Time
	if !wc.MarkedAt.IsZero() {
		t := wc.MarkedAt
		markedAt = &t
	}
	var lat, lon *float64
	if wc.Location != nil {
		la, lo := wc.Location.Latitude, wc.Location.Longitude
		lat, lon = &la, &lo
	}
	req := BulkRequest{Records: make([]BulkRecord, 0, len(marks))}
	for _, m := range marks {
		req.Records = append(req.Records, BulkRecord{
			StudentID:      m.StudentID,
			ClusterID:      wc.ClusterID,
			ProgramID:      wc.ProgramID,
			AcademicYearID: wc.AcademicYearID,
			Date:           wc.Date,
			StatusID:       m.StatusID,
			TeacherID:      wc.TeacherID,
			UserID:         wc.UserID,
			Latitude:       lat,
			Longitude:      lon,
			MarkedAt:       markedAt,
		})
	}
	return req
}
