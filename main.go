package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"attendance_go/config"
	"attendance_go/controllers"
	"attendance_go/database"
	"attendance_go/database/seeders"
	"attendance_go/middleware"
	"attendance_go/routes"
	"attendance_go/services/activity"
	"attendance_go/services/attendance"
	"attendance_go/services/health"
	"attendance_go/services/websocket"
	"attendance_go/storage"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"
)

func main() {
	config.LoadConfig()
	setupLogging(config.AppConfig)

	database.Connect()
	defer database.Close()
	if err := database.SeedStatusTypes(database.DB); err != nil {
		logrus.WithError(err).Fatal("Failed to seed attendance status types")
	}
	if config.AppConfig.SeedDemo {
		if err := seeders.SeedAll(database.DB); err != nil {
			logrus.WithError(err).Fatal("Failed to seed demo data")
		}
	}

	redisClient := database.GetRedisClient()

	wsHub := websocket.NewHub()
	go wsHub.Run()

	store := attendance.NewGormStore(database.DB)
	cache := attendance.NewCache(redisClient, config.AppConfig.ReportCacheTTL)
	attendanceService := attendance.NewService(store, store, cache, wsHub, config.AppConfig.DefaultGeofenceRadius)

	middleware.SetActivityRecorder(activity.NewRecorder(database.DB, redisClient))
	if redisClient != nil {
		middleware.SetTokenBlacklist(middleware.NewRedisBlacklist(redisClient))
	}

	var archiveStore storage.ObjectStore
	if s3Store, err := storage.NewS3Store(context.Background(), config.AppConfig); err != nil {
		logrus.WithError(err).Warn("Archive storage unavailable; activity logs will not be archived")
	} else {
		archiveStore = s3Store
	}
	archiver := activity.NewArchiver(database.DB, redisClient, archiveStore)
	scheduler, err := archiver.Schedule(config.AppConfig.LogArchiveCron, config.AppConfig.LogArchiveDays)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to start log maintenance scheduler")
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		AppName:      "Attendance API",
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(helmet.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,HEAD,PUT,DELETE,PATCH,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization,X-Request-ID",
	}))
	app.Use(middleware.RequestID())
	app.Use(middleware.LoggerMiddleware())

	routes.SetupRoutes(app, routes.Dependencies{
		Attendance: attendanceService,
		Archiver:   archiver,
		Health:     health.NewService(config.AppConfig.AppEnv, database.DB, redisClient),
		Hub:        wsHub,
		DB:         database.DB,
	})

	// 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":  "Route not found",
			"path":   c.Path(),
			"method": c.Method(),
		})
	})

	dashboard := startDashboardListener(config.AppConfig.DashboardAddr, wsHub)

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		logrus.Info("Shutting down")
		<-scheduler.Stop().Done()
		if dashboard != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := dashboard.Shutdown(ctx); err != nil {
				logrus.WithError(err).Error("Dashboard listener shutdown failed")
			}
			cancel()
		}
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logrus.WithError(err).Error("Server shutdown failed")
		}
	}()

	logrus.WithFields(logrus.Fields{
		"port":        config.AppConfig.Port,
		"environment": config.AppConfig.AppEnv,
	}).Info("Server starting")

	if err := app.Listen(":" + config.AppConfig.Port); err != nil {
		logrus.WithError(err).Fatal("Failed to start server")
	}
}

// startDashboardListener serves the dashboard websocket on its own net/http
// listener. It returns nil when addr is empty.
func startDashboardListener(addr string, hub *websocket.Hub) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/ws", controllers.NewWebSocketController(hub).HTTPHandler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logrus.WithField("addr", addr).Info("Dashboard websocket listener starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Error("Dashboard websocket listener stopped")
		}
	}()
	return srv
}

// setupLogging configures the logging system
func setupLogging(cfg *config.Config) {
	logrus.SetFormatter(&logrus.JSONFormatter{})

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if cfg.AppEnv == "development" || cfg.LogFile == "" {
		logrus.SetOutput(os.Stdout)
		return
	}

	file, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		logrus.WithError(err).Warn("Could not open log file, logging to stdout")
		return
	}
	logrus.SetOutput(file)
}

// customErrorHandler handles application errors
func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	logrus.WithFields(logrus.Fields{
		"error":      err.Error(),
		"path":       c.Path(),
		"method":     c.Method(),
		"ip":         c.IP(),
		"status":     code,
		"request_id": middleware.GetRequestID(c),
	}).Error("Request error")

	return c.Status(code).JSON(fiber.Map{
		"error":  message,
		"code":   code,
		"path":   c.Path(),
		"method": c.Method(),
	})
}
