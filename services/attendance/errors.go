package attendance

import (
	"errors"
	"fmt"

	"attendance_go/services/geofence"
)

var (
	// ErrContextUnresolved means cluster, program or academic year is missing.
	ErrContextUnresolved = errors.New("cluster, program and academic year must be selected")
	// ErrLocationRequired means a non-admin actor has no verified location.
	ErrLocationRequired = errors.New("a verified location is required to mark attendance")
	// ErrActorMissing means neither a teacher nor a user identity accompanies the batch.
	ErrActorMissing = errors.New("marking actor identity is required")
	// ErrEmptyBatch means there is nothing to submit.
	ErrEmptyBatch = errors.New("no attendance marks to submit")
	// ErrMixedContext means the records of one bulk request target different rosters or dates.
	ErrMixedContext = errors.New("all records in a batch must share cluster, program, academic year and date")
	// ErrInvalidDate means a date is not YYYY-MM-DD.
	ErrInvalidDate = errors.New("date must be formatted as YYYY-MM-DD")
	// ErrNotAssigned means a teacher tried to mark a roster they hold no active assignment for.
	ErrNotAssigned = errors.New("no active assignment for this cluster and program")
	// ErrSubmitInProgress means a submission for the session is still outstanding.
	ErrSubmitInProgress = errors.New("a submission is already in progress")
	// ErrNotOnRoster means a mark targets a student outside the loaded roster.
	ErrNotOnRoster = errors.New("student is not on this roster")
	// ErrNoAcademicYear means no current or active academic year exists.
	ErrNoAcademicYear = errors.New("no current academic year configured")
	// ErrInvalidRange means a report range ends before it starts.
	ErrInvalidRange = errors.New("end date must not be before start date")
)

// GeofenceDeniedError is returned when the actor is outside the cluster radius.
type GeofenceDeniedError struct {
	Result geofence.Result
}

func (e *GeofenceDeniedError) Error() string {
	return fmt.Sprintf("outside the permitted area: %.0fm from the centre, allowed %.0fm",
		e.Result.DistanceMeters, e.Result.RadiusMeters)
}

// WriteError is the single failure surfaced for a rejected batch. Callers must
// not assume any record of the batch was committed.
type WriteError struct {
	Message string
	Err     error
}

func (e *WriteError) Error() string {
	if e.Message != "" {
		return "attendance submission failed: " + e.Message
	}
	return "attendance submission failed"
}

func (e *WriteError) Unwrap() error { return e.Err }
