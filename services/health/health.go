package health

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusCritical = "critical"

	dependencyUp       = "up"
	dependencyDown     = "down"
	dependencyDisabled = "disabled"

	defaultServiceName = "Attendance API"
	defaultVersion     = "1.0.0"
	defaultTimeout     = 1500 * time.Millisecond
)

// Service aggregates application health for the /health endpoint.
type Service struct {
	serviceName string
	version     string
	environment string
	db          *gorm.DB
	redis       *redis.Client
	startTime   time.Time
	timeout     time.Duration
}

// Report is the JSON body of the health endpoint.
type Report struct {
	Status        string       `json:"status"`
	Service       string       `json:"service"`
	Version       string       `json:"version"`
	Environment   string       `json:"environment"`
	Time          time.Time    `json:"time"`
	UptimeSeconds float64      `json:"uptime_seconds"`
	UptimeHuman   string       `json:"uptime_human"`
	Dependencies  []Dependency `json:"dependencies"`
	Goroutines    int          `json:"goroutines"`
	GoVersion     string       `json:"go_version"`
}

// Dependency captures the health of a single external dependency.
type Dependency struct {
	Name      string                 `json:"name"`
	Status    string                 `json:"status"`
	LatencyMs int64                  `json:"latency_ms"`
	Error     string                 `json:"error,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// NewService builds a health service. redisClient may be nil: the report
// cache and activity queue are optional.
func NewService(environment string, db *gorm.DB, redisClient *redis.Client) *Service {
	if strings.TrimSpace(environment) == "" {
		environment = "unknown"
	}
	return &Service{
		serviceName: defaultServiceName,
		version:     defaultVersion,
		environment: environment,
		db:          db,
		redis:       redisClient,
		startTime:   time.Now(),
		timeout:     defaultTimeout,
	}
}

// Check collects the current health information.
func (s *Service) Check(ctx context.Context) Report {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	uptime := time.Since(s.startTime)
	report := Report{
		Status:        StatusOK,
		Service:       s.serviceName,
		Version:       s.version,
		Environment:   s.environment,
		Time:          time.Now().UTC(),
		UptimeSeconds: uptime.Seconds(),
		UptimeHuman:   humanizeDuration(uptime),
		Goroutines:    runtime.NumGoroutine(),
		GoVersion:     runtime.Version(),
	}

	dbDep, dbStatus := s.checkDatabase(ctx)
	redisDep, redisStatus := s.checkRedis(ctx)
	report.Dependencies = []Dependency{dbDep, redisDep}
	report.Status = combineStatus(combineStatus(report.Status, dbStatus), redisStatus)
	return report
}

// HTTPStatus maps an overall status to a response code.
func HTTPStatus(status string) int {
	if status == StatusCritical {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func (s *Service) checkDatabase(ctx context.Context) (Dependency, string) {
	dep := Dependency{Name: "database"}
	if s.db == nil {
		dep.Status = dependencyDown
		dep.Error = "database connection not initialised"
		return dep, StatusCritical
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		dep.Status = dependencyDown
		dep.Error = fmt.Sprintf("sql DB handle error: %v", err)
		return dep, StatusCritical
	}

	start := time.Now()
	err = sqlDB.PingContext(ctx)
	dep.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		dep.Status = dependencyDown
		dep.Error = err.Error()
		return dep, StatusCritical
	}

	stats := sqlDB.Stats()
	dep.Status = dependencyUp
	dep.Details = map[string]interface{}{
		"open_connections":     stats.OpenConnections,
		"in_use":               stats.InUse,
		"idle":                 stats.Idle,
		"max_open_connections": stats.MaxOpenConnections,
	}
	return dep, StatusOK
}

func (s *Service) checkRedis(ctx context.Context) (Dependency, string) {
	dep := Dependency{Name: "redis"}
	if s.redis == nil {
		dep.Status = dependencyDisabled
		return dep, StatusOK
	}

	start := time.Now()
	err := s.redis.Ping(ctx).Err()
	dep.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		dep.Status = dependencyDown
		dep.Error = err.Error()
		return dep, StatusDegraded
	}

	dep.Status = dependencyUp
	dep.Details = map[string]interface{}{"address": s.redis.Options().Addr}
	return dep, StatusOK
}

func combineStatus(current, candidate string) string {
	order := map[string]int{
		StatusOK:       0,
		StatusDegraded: 1,
		StatusCritical: 2,
	}
	if order[candidate] > order[current] {
		return candidate
	}
	return current
}

func humanizeDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}

	d = d.Round(time.Second)
	days := d / (24 * time.Hour)
	d %= 24 * time.Hour
	hours := d / time.Hour
	d %= time.Hour
	minutes := d / time.Minute
	d %= time.Minute
	seconds := d / time.Second

	parts := []string{}
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	if seconds > 0 || len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("%ds", seconds))
	}
	return strings.Join(parts, " ")
}
