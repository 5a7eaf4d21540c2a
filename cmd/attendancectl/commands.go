package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"attendance_go/middleware"
	"attendance_go/models"
	"attendance_go/services/attendance"
	"attendance_go/services/geofence"
	"attendance_go/utils"

	"github.com/spf13/cobra"
)

// rosterFlags are the three keys that select one roster.
type rosterFlags struct {
	clusterID uint
	programID uint
	yearID    uint
}

func (f *rosterFlags) bind(cmd *cobra.Command) {
	cmd.Flags().UintVar(&f.clusterID, "cluster", 0, "cluster id")
	cmd.Flags().UintVar(&f.programID, "program", 0, "program id")
	cmd.Flags().UintVar(&f.yearID, "year", 0, "academic year id (default: current)")
}

// resolve fills in the current academic year when none was given.
func (a *cli) resolve(ctx context.Context, f rosterFlags) (attendance.RosterContext, error) {
	rc := attendance.RosterContext{ClusterID: f.clusterID, ProgramID: f.programID, AcademicYearID: f.yearID}
	if rc.AcademicYearID == 0 {
		year, err := a.api.CurrentAcademicYear(ctx)
		if err != nil {
			return rc, fmt.Errorf("current academic year: %w", err)
		}
		rc.AcademicYearID = year.ID
		rc.AcademicYearName = year.Name
	}
	if !rc.Resolved() {
		return rc, attendance.ErrContextUnresolved
	}
	return rc, nil
}

func (a *cli) contextsCmd() *cobra.Command {
	var yearID uint
	cmd := &cobra.Command{
		Use:   "contexts",
		Short: "List the cluster/program rosters you may mark",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.requireToken(); err != nil {
				return err
			}
			contexts, err := a.api.Contexts(cmd.Context(), yearID)
			if err != nil {
				return err
			}
			if len(contexts) == 0 {
				fmt.Fprintln(cmd.ErrOrStderr(), "No active assignments.")
			}
			return printJSON(cmd.OutOrStdout(), contexts)
		},
	}
	cmd.Flags().UintVar(&yearID, "year", 0, "academic year id (default: current)")
	return cmd
}

func (a *cli) assignmentsCmd() *cobra.Command {
	var userID, yearID uint
	cmd := &cobra.Command{
		Use:   "assignments",
		Short: "Show a user's teacher profile and assignments",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.requireToken(); err != nil {
				return err
			}
			if userID == 0 {
				userID = a.actor().UserID
			}
			if userID == 0 {
				return errors.New("--user is required")
			}
			teacher, err := a.api.TeacherByUser(cmd.Context(), userID)
			if err != nil {
				return err
			}
			assignments, err := a.api.Assignments(cmd.Context(), userID, yearID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]interface{}{
				"teacher":     teacher,
				"assignments": assignments,
			})
		},
	}
	cmd.Flags().UintVar(&userID, "user", 0, "user id (default: token owner)")
	cmd.Flags().UintVar(&yearID, "year", 0, "academic year id (default: current)")
	return cmd
}

func (a *cli) rosterCmd() *cobra.Command {
	var (
		f      rosterFlags
		date   string
		output string
	)
	cmd := &cobra.Command{
		Use:   "roster",
		Short: "List the students enrolled in a roster",
		Long: `Lists the roster as JSON. With --date the stored marks of that day are
downloaded as CSV instead.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.requireToken(); err != nil {
				return err
			}
			rc, err := a.resolve(cmd.Context(), f)
			if err != nil {
				return err
			}
			if date == "" {
				students, err := a.api.Roster(cmd.Context(), rc.ClusterID, rc.ProgramID, rc.AcademicYearID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), students)
			}

			day, err := utils.ParseDate(date)
			if err != nil {
				return attendance.ErrInvalidDate
			}
			data, err := a.api.ExportDayCSV(cmd.Context(), rc, utils.FormatDate(day))
			if err != nil {
				return err
			}
			if output == "" {
				output = attendance.ExportFileName("attendance", day)
			}
			return writeExport(cmd, output, data)
		},
	}
	f.bind(cmd)
	cmd.Flags().StringVar(&date, "date", "", "download the marks of this date as CSV (YYYY-MM-DD)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "export file (- for stdout)")
	return cmd
}

// writeExport writes data to path, or to stdout when path is "-".
func writeExport(cmd *cobra.Command, path string, data []byte) error {
	if path == "-" {
		_, err := cmd.OutOrStdout().Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s (%d bytes)\n", path, len(data))
	return nil
}

// parseOverrides turns "studentId=CODE" pairs into a map.
func parseOverrides(pairs []string) (map[uint]string, error) {
	out := make(map[uint]string, len(pairs))
	for _, p := range pairs {
		id, code, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --set %q, want studentId=CODE", p)
		}
		n, err := strconv.ParseUint(strings.TrimSpace(id), 10, 32)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("invalid student id in --set %q", p)
		}
		out[uint(n)] = strings.ToUpper(strings.TrimSpace(code))
	}
	return out, nil
}

func statusIDs(statuses []models.AttendanceStatusType) map[string]uint {
	out := make(map[string]uint, len(statuses))
	for _, st := range statuses {
		out[strings.ToUpper(st.Code)] = st.ID
	}
	return out
}

// locationFlags select where the marker's position comes from.
type locationFlags struct {
	lat, lon float64
	command  string
	retries  int
}

func (f *locationFlags) bind(cmd *cobra.Command) {
	cmd.Flags().Float64Var(&f.lat, "lat", 0, "current latitude")
	cmd.Flags().Float64Var(&f.lon, "lon", 0, "current longitude")
	cmd.Flags().StringVar(&f.command, "locate-cmd", "", `shell command printing "lat,lon", run for every fix`)
	cmd.Flags().IntVar(&f.retries, "retry", 0, "refresh the location up to this many times after a failed fix or a geofence denial")
}

// locator builds the position source chosen on the command line. It returns
// nil when no position was given.
func (a *cli) locator(cmd *cobra.Command, f locationFlags) (*geofence.Locator, error) {
	latSet, lonSet := cmd.Flags().Changed("lat"), cmd.Flags().Changed("lon")
	if latSet != lonSet {
		return nil, errors.New("--lat and --lon must be given together")
	}
	if f.retries < 0 {
		return nil, errors.New("--retry cannot be negative")
	}

	var provider geofence.LocationProvider
	switch {
	case latSet && f.command != "":
		return nil, errors.New("--locate-cmd cannot be combined with --lat/--lon")
	case latSet:
		provider = geofence.StaticProvider{Point: geofence.Point{Latitude: f.lat, Longitude: f.lon}}
	case f.command != "":
		provider = geofence.CommandProvider{Command: f.command}
	default:
		return nil, nil
	}
	return geofence.NewLocator(provider, geofence.DefaultOptions(a.locationTimeout)), nil
}

// refreshLocation asks the locator for a new fix and retries failed
// acquisitions up to retries times. A denied permission is not retried.
func refreshLocation(ctx context.Context, w io.Writer, loc *geofence.Locator, retries int) (*geofence.Point, error) {
	for attempt := 0; ; attempt++ {
		fix, err := loc.Refresh(ctx)
		if err == nil {
			return &fix.Point, nil
		}
		var le *geofence.LocationError
		if !errors.As(err, &le) {
			return nil, err
		}
		if le.Kind == geofence.KindPermissionDenied || attempt >= retries {
			return nil, errors.New(le.UserMessage())
		}
		fmt.Fprintln(w, le.UserMessage())
	}
}

func (a *cli) markCmd() *cobra.Command {
	var (
		f         rosterFlags
		lf        locationFlags
		date      string
		all       string
		overrides []string
		dryRun    bool
	)
	cmd := &cobra.Command{
		Use:   "mark",
		Short: "Mark one day's attendance for a roster",
		Long: `Loads the roster and any marks already stored for the date, applies
--all and --set, then submits the whole roster as one batch.

With --locate-cmd the position is read fresh for the submission, and --retry
re-reads it after a failed fix or when the server rejects the position as
outside the cluster's geofence.

Example:
  attendancectl mark --cluster 3 --program 2 --all P --set 17=A --lat 13.75 --lon 100.5
  attendancectl mark --cluster 3 --program 2 --all P --locate-cmd "gpsfix --latlon" --retry 2`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.requireToken(); err != nil {
				return err
			}
			if _, err := utils.ParseDate(date); err != nil {
				return attendance.ErrInvalidDate
			}
			sets, err := parseOverrides(overrides)
			if err != nil {
				return err
			}
			locator, err := a.locator(cmd, lf)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			rc, err := a.resolve(ctx, f)
			if err != nil {
				return err
			}
			statuses, err := a.api.StatusTypes(ctx, true)
			if err != nil {
				return err
			}
			codes := statusIDs(statuses)

			session := attendance.NewMarkingSession(a.api, rc, date)
			if err := session.Load(ctx); err != nil {
				return err
			}

			if all != "" {
				id, ok := codes[strings.ToUpper(all)]
				if !ok {
					return fmt.Errorf("unknown status code %q", all)
				}
				session.MarkAll(id)
			}
			for studentID, code := range sets {
				id, ok := codes[code]
				if !ok {
					return fmt.Errorf("unknown status code %q", code)
				}
				if err := session.Mark(studentID, id); err != nil {
					return fmt.Errorf("student %d: %w", studentID, err)
				}
			}

			sum := session.Summary()
			fmt.Fprintf(cmd.ErrOrStderr(), "%d of %d marked (%d present, %d absent)\n",
				sum.Marked, sum.RosterSize, sum.Present, sum.Absent)
			if dryRun {
				return printJSON(cmd.OutOrStdout(), session.Marks())
			}

			var point *geofence.Point
			if locator != nil {
				if point, err = refreshLocation(ctx, cmd.ErrOrStderr(), locator, lf.retries); err != nil {
					return err
				}
			}
			res, err := session.Submit(ctx, a.actor(), point)
			for denials := 0; locator != nil && denials < lf.retries; denials++ {
				var denied *attendance.GeofenceDeniedError
				if !errors.As(err, &denied) {
					break
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "%v; refreshing location\n", denied)
				if point, err = refreshLocation(ctx, cmd.ErrOrStderr(), locator, 0); err != nil {
					return err
				}
				res, err = session.Submit(ctx, a.actor(), point)
			}
			if err != nil {
				return err
			}
			if locator != nil {
				if fix, _ := locator.Current(); fix != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "submitted from %.6f,%.6f\n", fix.Latitude, fix.Longitude)
				}
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	f.bind(cmd)
	cmd.Flags().StringVar(&date, "date", utils.FormatDate(time.Now()), "attendance date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&all, "all", "", "status code applied to every student first")
	cmd.Flags().StringSliceVar(&overrides, "set", nil, "per-student status as studentId=CODE")
	lf.bind(cmd)
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the marks without submitting")
	return cmd
}

func (a *cli) geofenceCmd() *cobra.Command {
	var (
		clusterID uint
		lf        locationFlags
	)
	cmd := &cobra.Command{
		Use:   "geofence",
		Short: "Check a position against a cluster's geofence",
		Long: `Checks the position from --lat/--lon or --locate-cmd. With --retry the
position is re-read while it is outside the geofence.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.requireToken(); err != nil {
				return err
			}
			if clusterID == 0 {
				return errors.New("--cluster is required")
			}
			locator, err := a.locator(cmd, lf)
			if err != nil {
				return err
			}
			if locator == nil {
				return attendance.ErrLocationRequired
			}

			ctx := cmd.Context()
			var decision attendance.GateDecision
			for attempt := 0; ; attempt++ {
				point, err := refreshLocation(ctx, cmd.ErrOrStderr(), locator, lf.retries)
				if err != nil {
					return err
				}
				decision, err = a.api.CheckGeofence(ctx, clusterID, *point)
				if err != nil {
					return err
				}
				if decision.Result.Allowed || decision.Bypassed || attempt >= lf.retries {
					break
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "%.0fm from the centre, allowed %.0fm; refreshing location\n",
					decision.Result.DistanceMeters, decision.Result.RadiusMeters)
			}
			return printJSON(cmd.OutOrStdout(), decision)
		},
	}
	cmd.Flags().UintVar(&clusterID, "cluster", 0, "cluster id")
	lf.bind(cmd)
	return cmd
}

func (a *cli) reportCmd() *cobra.Command {
	var (
		filter attendance.ReportFilter
		format string
		output string
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Aggregate attendance over a date range",
		Long: `Prints the report as JSON, or downloads the CSV or workbook export.
The range defaults to the last 30 days.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.requireToken(); err != nil {
				return err
			}
			if filter.StartDate == "" || filter.EndDate == "" {
				start, end := utils.DefaultReportRange(time.Now())
				if filter.StartDate == "" {
					filter.StartDate = start
				}
				if filter.EndDate == "" {
					filter.EndDate = end
				}
			}

			ctx := cmd.Context()
			var data []byte
			var err error
			switch strings.ToLower(format) {
			case "", "json":
				report, err := a.api.Report(ctx, filter)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			case "csv":
				data, err = a.api.ExportCSV(ctx, filter)
			case "xlsx":
				data, err = a.api.ExportXLSX(ctx, filter)
			default:
				return fmt.Errorf("unknown format %q (json, csv, xlsx)", format)
			}
			if err != nil {
				return err
			}

			if output == "" {
				name := attendance.ReportFileName(filter.StartDate, filter.EndDate)
				output = strings.TrimSuffix(name, ".csv") + "." + strings.ToLower(format)
			}
			return writeExport(cmd, output, data)
		},
	}
	cmd.Flags().StringVar(&filter.StartDate, "from", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&filter.EndDate, "to", "", "end date (YYYY-MM-DD)")
	cmd.Flags().UintVar(&filter.ClusterID, "cluster", 0, "only this cluster")
	cmd.Flags().UintVar(&filter.ProgramID, "program", 0, "only this program")
	cmd.Flags().StringVar(&format, "format", "json", "json, csv or xlsx")
	cmd.Flags().StringVarP(&output, "output", "o", "", "export file (- for stdout)")
	return cmd
}

func (a *cli) loginCmd() *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and print a token for --token / API_TOKEN",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if username == "" || password == "" {
				return errors.New("--username and --password are required")
			}
			token, err := a.api.Login(cmd.Context(), username, password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "username")
	cmd.Flags().StringVar(&password, "password", os.Getenv("API_PASSWORD"), "password (default from API_PASSWORD)")
	return cmd
}

func (a *cli) tokenCmd() *cobra.Command {
	var (
		user      models.User
		teacherID uint
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a token with the local JWT secret (development only)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if user.ID == 0 {
				return errors.New("--user is required")
			}
			if !utils.IsValidRole(user.Role) {
				return fmt.Errorf("invalid role %q", user.Role)
			}
			var tid *uint
			if teacherID != 0 {
				tid = &teacherID
			}
			token, err := middleware.GenerateToken(&user, tid)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().UintVar(&user.ID, "user", 0, "user id")
	cmd.Flags().StringVar(&user.Username, "username", "", "username")
	cmd.Flags().StringVar(&user.Role, "role", models.RoleTeacher, "owner, admin or teacher")
	cmd.Flags().UintVar(&teacherID, "teacher", 0, "teacher id carried in the token")
	return cmd
}
