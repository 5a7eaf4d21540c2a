package main

import (
	"encoding/json"
	"errors"
	"io"
	"time"

	"attendance_go/client"
	"attendance_go/config"
	"attendance_go/services/attendance"

	"github.com/golang-jwt/jwt/v4"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var errNoToken = errors.New("an API token is required (--token or API_TOKEN)")

// cli holds the state shared by every subcommand.
type cli struct {
	baseURL         string
	token           string
	verbose         bool
	locationTimeout time.Duration

	api *client.Client
}

func newRootCmd() *cobra.Command {
	app := &cli{}

	root := &cobra.Command{
		Use:   "attendancectl",
		Short: "Mark and review attendance against the attendance API",
		Long: `attendancectl drives the attendance API from a terminal.

It lists the rosters you may mark, submits a day's marks as one batch,
checks a position against a cluster's geofence and pulls reports.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return app.init(cmd)
		},
	}
	root.PersistentFlags().StringVar(&app.baseURL, "api", "", "API base URL (default from API_BASE_URL)")
	root.PersistentFlags().StringVar(&app.token, "token", "", "bearer token (default from API_TOKEN)")
	root.PersistentFlags().BoolVarP(&app.verbose, "verbose", "v", false, "log API calls")

	root.AddCommand(
		app.contextsCmd(),
		app.assignmentsCmd(),
		app.rosterCmd(),
		app.markCmd(),
		app.geofenceCmd(),
		app.reportCmd(),
		app.loginCmd(),
		app.tokenCmd(),
	)
	return root
}

func (a *cli) init(cmd *cobra.Command) error {
	if config.AppConfig == nil {
		config.LoadConfig()
	}
	if a.verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	if a.baseURL == "" {
		a.baseURL = config.AppConfig.APIBaseURL
	}
	if a.token == "" {
		a.token = config.AppConfig.APIToken
	}
	if a.locationTimeout == 0 {
		a.locationTimeout = config.AppConfig.LocationTimeout
	}
	if a.api == nil {
		a.api = client.New(a.baseURL, a.token)
	}
	return nil
}

func (a *cli) requireToken() error {
	if a.token == "" {
		return errNoToken
	}
	return nil
}

// actor reads the identity out of the token without verifying it. The
// server verifies the token and uses its own reading of these claims.
func (a *cli) actor() attendance.Actor {
	var claims struct {
		UserID    uint   `json:"user_id"`
		Role      string `json:"role"`
		TeacherID *uint  `json:"teacher_id"`
		jwt.RegisteredClaims
	}
	if _, _, err := jwt.NewParser().ParseUnverified(a.token, &claims); err != nil {
		logrus.WithError(err).Debug("Token claims unreadable")
		return attendance.Actor{}
	}
	return attendance.Actor{UserID: claims.UserID, TeacherID: claims.TeacherID, Role: claims.Role}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
