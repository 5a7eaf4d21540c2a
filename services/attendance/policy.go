package attendance

import (
	"context"
	"fmt"
	"sort"

	"attendance_go/models"
	"attendance_go/services/geofence"
)

// AccessPolicy captures everything that differs between roles when marking.
// It is chosen once per actor; callers never branch on the role themselves.
type AccessPolicy interface {
	Name() string
	RequiresGeofence() bool
	ResolveContexts(ctx context.Context, actor Actor, academicYearID uint) ([]RosterContext, error)
	// CanMark reports whether the actor may write to the roster.
	CanMark(ctx context.Context, actor Actor, rc RosterContext) (bool, error)
}

// PolicyFor selects the policy for a role.
func PolicyFor(role string, dir Directory) AccessPolicy {
	switch role {
	case models.RoleAdmin, models.RoleOwner:
		return &adminPolicy{dir: dir}
	default:
		return &teacherPolicy{dir: dir}
	}
}

type teacherPolicy struct {
	dir Directory
}

func (p *teacherPolicy) Name() string { return models.RoleTeacher }

func (p *teacherPolicy) RequiresGeofence() bool { return true }

func (p *teacherPolicy) ResolveContexts(ctx context.Context, actor Actor, academicYearID uint) ([]RosterContext, error) {
	out := []RosterContext{}
	if actor.TeacherID == nil {
		// no teacher profile means nothing to mark
		return out, nil
	}

	assignments, err := p.dir.ActiveAssignments(ctx, *actor.TeacherID, academicYearID)
	if err != nil {
		return nil, fmt.Errorf("load assignments: %w", err)
	}

	seen := make(map[[3]uint]struct{}, len(assignments))
	for _, a := range assignments {
		if !a.IsActive {
			continue
		}
		key := [3]uint{a.ClusterID, a.ProgramID, a.AcademicYearID}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		count, err := p.dir.RosterCount(ctx, a.ClusterID, a.ProgramID, a.AcademicYearID)
		if err != nil {
			return nil, fmt.Errorf("count roster for cluster %d program %d: %w", a.ClusterID, a.ProgramID, err)
		}
		out = append(out, RosterContext{
			ClusterID:        a.ClusterID,
			ClusterName:      a.Cluster.Name,
			ProgramID:        a.ProgramID,
			ProgramName:      a.Program.Name,
			AcademicYearID:   a.AcademicYearID,
			AcademicYearName: a.AcademicYear.Name,
			AssignmentRole:   a.Role,
			StudentCount:     count,
		})
	}
	sortContexts(out)
	return out, nil
}

func (p *teacherPolicy) CanMark(ctx context.Context, actor Actor, rc RosterContext) (bool, error) {
	if actor.TeacherID == nil {
		return false, nil
	}
	assignments, err := p.dir.ActiveAssignments(ctx, *actor.TeacherID, rc.AcademicYearID)
	if err != nil {
		return false, fmt.Errorf("load assignments: %w", err)
	}
	for _, a := range assignments {
		if a.IsActive && a.ClusterID == rc.ClusterID && a.ProgramID == rc.ProgramID && a.AcademicYearID == rc.AcademicYearID {
			return true, nil
		}
	}
	return false, nil
}

type adminPolicy struct {
	dir Directory
}

func (p *adminPolicy) Name() string { return models.RoleAdmin }

// RequiresGeofence is false: admins may mark from any location. The bypass is
// audited by the caller.
func (p *adminPolicy) RequiresGeofence() bool { return false }

func (p *adminPolicy) ResolveContexts(ctx context.Context, _ Actor, academicYearID uint) ([]RosterContext, error) {
	combos, err := p.dir.EnrolledCombinations(ctx, academicYearID)
	if err != nil {
		return nil, fmt.Errorf("load enrolled combinations: %w", err)
	}
	out := make([]RosterContext, 0, len(combos))
	for _, c := range combos {
		if c.StudentCount <= 0 {
			continue
		}
		c.AcademicYearID = academicYearID
		out = append(out, c)
	}
	sortContexts(out)
	return out, nil
}

func (p *adminPolicy) CanMark(context.Context, Actor, RosterContext) (bool, error) {
	return true, nil
}

func sortContexts(list []RosterContext) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].ClusterName != list[j].ClusterName {
			return list[i].ClusterName < list[j].ClusterName
		}
		if list[i].ProgramName != list[j].ProgramName {
			return list[i].ProgramName < list[j].ProgramName
		}
		return list[i].AcademicYearID < list[j].AcademicYearID
	})
}

// GateDecision is the outcome of the location gate for one actor and cluster.
type GateDecision struct {
	Bypassed bool            `json:"bypassed"`
	Result   geofence.Result `json:"result"`
}

// Authorize runs the geofence gate selected by the policy. Policies that do
// not require a geofence bypass the validator entirely.
func Authorize(policy AccessPolicy, validator *geofence.Validator, cluster models.Cluster, loc *geofence.Point) (GateDecision, error) {
	if !policy.RequiresGeofence() {
		return GateDecision{Bypassed: true, Result: geofence.Result{Allowed: true}}, nil
	}
	if loc == nil {
		return GateDecision{}, ErrLocationRequired
	}
	res := validator.Check(cluster, *loc)
	if !res.Allowed {
		return GateDecision{Result: res}, &GeofenceDeniedError{Result: res}
	}
	return GateDecision{Result: res}, nil
}
