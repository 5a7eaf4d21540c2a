package routes

import (
	"attendance_go/controllers"
	"attendance_go/middleware"
	"attendance_go/services/activity"
	"attendance_go/services/attendance"
	"attendance_go/services/health"
	"attendance_go/services/websocket"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// Dependencies are the services the routes are served by.
type Dependencies struct {
	Attendance *attendance.Service
	Archiver   *activity.Archiver
	Health     *health.Service
	Hub        *websocket.Hub
	// DB backs login; auth routes are skipped without it.
	DB *gorm.DB
}

// SetupRoutes configures all application routes
func SetupRoutes(app *fiber.App, deps Dependencies) {
	attendanceController := controllers.NewAttendanceController(deps.Attendance)
	teacherController := controllers.NewTeacherController(deps.Attendance)
	masterDataController := controllers.NewMasterDataController(deps.Attendance)

	if deps.Health != nil {
		healthController := controllers.NewHealthController(deps.Health)
		app.Get("/health", healthController.GetHealthStatus)
	}

	api := app.Group("/api")

	// Public routes, registered ahead of the JWT group
	var authController *controllers.AuthController
	if deps.DB != nil {
		authController = controllers.NewAuthController(deps.DB, deps.Attendance)
		api.Post("/auth/login", authController.Login)
	}

	// Protected routes (require authentication)
	protected := api.Group("/", middleware.JWTMiddleware())
	staff := middleware.RequireTeacherOrAbove()
	admin := middleware.RequireOwnerOrAdmin()

	if authController != nil {
		protected.Post("/auth/logout", authController.Logout)
		protected.Get("/auth/me", authController.Me)
	}

	// Teachers
	teachers := protected.Group("/Teachers", staff)
	teachers.Get("/User/:userId", teacherController.GetTeacherByUser)
	teachers.Get("/User/:userId/Assignments", teacherController.GetAssignments)

	// Attendance
	att := protected.Group("/Attendance", staff)
	att.Get("/", attendanceController.GetAttendance)
	att.Get("/Contexts", attendanceController.GetContexts)
	att.Get("/Students", attendanceController.GetStudents)
	att.Post("/Bulk", attendanceController.CreateBulk)
	att.Post("/Geofence/Check", attendanceController.CheckGeofence)
	att.Get("/Report", attendanceController.GetReport)
	att.Get("/Report/Export", attendanceController.ExportReportCSV)
	att.Get("/Report/Export.xlsx", attendanceController.ExportReportXLSX)
	att.Get("/Export", attendanceController.ExportDayCSV)

	// Master data
	protected.Get("/MasterData/AttendanceStatusTypes", staff, masterDataController.GetStatusTypes)
	protected.Get("/AcademicYears/Current", staff, masterDataController.GetCurrentAcademicYear)
	protected.Get("/AcademicYears", staff, masterDataController.GetAcademicYears)
	protected.Get("/Dashboard/LearningCentreProgramCombinations", staff, masterDataController.GetCombinations)

	// Activity log maintenance
	if deps.Archiver != nil {
		logController := controllers.NewLogController(deps.Archiver)
		logs := protected.Group("/Logs", admin, middleware.LogActivityMiddleware())
		logs.Get("/Archives", logController.GetArchives)
		logs.Get("/Archives/:id/Download", logController.DownloadArchive)
		logs.Post("/Flush", logController.FlushCachedLogs)
		logs.Post("/Archive", logController.ArchiveLogs)
	}

	// Dashboard websocket
	if deps.Hub != nil {
		wsController := controllers.NewWebSocketController(deps.Hub)
		protected.Get("/ws/stats", admin, wsController.GetWebSocketStats)
		app.Use("/ws", wsController.Upgrade)
		app.Get("/ws", wsController.WebSocketHandler())
	}
}
