package activity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"attendance_go/models"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// QueueKey is the sorted set of activity log keys waiting to be flushed.
const QueueKey = "logs:queue"

// Audit actions written by the attendance endpoints.
const (
	ActionAttendanceBulk   = "ATTENDANCE_BULK"
	ActionGeofenceBypass   = "GEOFENCE_BYPASS"
	ActionGeofenceDenied   = "GEOFENCE_DENIED"
	ActionAttendanceExport = "ATTENDANCE_EXPORT"
)

// Recorder buffers activity logs in Redis and falls back to the database.
type Recorder struct {
	db    *gorm.DB
	redis *redis.Client
	ttl   time.Duration
	now   func() time.Time
}

// NewRecorder returns a recorder; redisClient may be nil.
func NewRecorder(db *gorm.DB, redisClient *redis.Client) *Recorder {
	return &Recorder{db: db, redis: redisClient, ttl: 24 * time.Hour, now: time.Now}
}

// Record stores one entry. Details are stamped with an integrity hash.
func (r *Recorder) Record(ctx context.Context, entry models.ActivityLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.now()
	}
	entry.Details = withIntegrity(entry)

	if r.redis != nil {
		err := r.enqueue(ctx, entry)
		if err == nil {
			return nil
		}
		logrus.WithError(err).Warn("Failed to cache activity log, saving directly to database")
	}

	if r.db == nil {
		return fmt.Errorf("no activity log sink available")
	}
	if err := r.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("failed to save activity log: %w", err)
	}
	return nil
}

func (r *Recorder) enqueue(ctx context.Context, entry models.ActivityLog) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal log: %w", err)
	}

	key := fmt.Sprintf("log:%d:%s:%d", entry.UserID, entry.Action, entry.CreatedAt.UnixNano())
	if err := r.redis.Set(ctx, key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache log: %w", err)
	}
	if err := r.redis.ZAdd(ctx, QueueKey, &redis.Z{
		Score:  float64(entry.CreatedAt.Unix()),
		Member: key,
	}).Err(); err != nil {
		return fmt.Errorf("failed to queue log: %w", err)
	}
	return nil
}

// IntegrityHash fingerprints the identifying fields of an entry.
func IntegrityHash(entry models.ActivityLog) string {
	data := fmt.Sprintf("%d:%s:%s:%d:%s:%s:%s",
		entry.UserID,
		entry.Action,
		entry.Resource,
		entry.ResourceID,
		entry.IPAddress,
		entry.RequestID,
		entry.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

func withIntegrity(entry models.ActivityLog) models.JSON {
	details := map[string]interface{}{}
	if !entry.Details.IsNull() {
		if err := json.Unmarshal(entry.Details, &details); err != nil {
			details = map[string]interface{}{"raw": string(entry.Details)}
		}
	}
	details["integrity_hash"] = IntegrityHash(entry)

	data, err := json.Marshal(details)
	if err != nil {
		return entry.Details
	}
	return data
}
