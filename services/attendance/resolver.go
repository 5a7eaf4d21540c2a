package attendance

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// AssignmentResolver finds the rosters an actor may mark.
type AssignmentResolver struct {
	dir Directory
}

func NewAssignmentResolver(dir Directory) *AssignmentResolver {
	return &AssignmentResolver{dir: dir}
}

// Resolve returns the selectable contexts for the actor in the academic year,
// defaulting to the current year when academicYearID is zero. An empty slice
// means there is nothing to mark; it is not an error.
func (r *AssignmentResolver) Resolve(ctx context.Context, actor Actor, academicYearID uint) ([]RosterContext, error) {
	if academicYearID == 0 {
		year, err := r.dir.CurrentAcademicYear(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve current academic year: %w", err)
		}
		academicYearID = year.ID
	}

	policy := PolicyFor(actor.Role, r.dir)
	contexts, err := policy.ResolveContexts(ctx, actor, academicYearID)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"user_id":          actor.UserID,
		"policy":           policy.Name(),
		"academic_year_id": academicYearID,
		"contexts":         len(contexts),
	}).Debug("Resolved attendance contexts")

	return contexts, nil
}
