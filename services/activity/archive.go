package activity

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"attendance_go/models"
	"attendance_go/storage"

	"github.com/go-redis/redis/v8"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// MinArchiveDays is the youngest age a log may be archived at.
const MinArchiveDays = 7

// ErrArchiveNotFound means no archive metadata row exists for an id.
var ErrArchiveNotFound = errors.New("archive not found")

// Archiver flushes buffered logs to the database and moves old logs to the
// object store.
type Archiver struct {
	db    *gorm.DB
	redis *redis.Client
	store storage.ObjectStore
	now   func() time.Time
}

// ArchivedLog is the exported representation stored inside archives
type ArchivedLog struct {
	ID         uint                   `json:"id"`
	UserID     uint                   `json:"user_id"`
	Action     string                 `json:"action"`
	Resource   string                 `json:"resource"`
	ResourceID uint                   `json:"resource_id"`
	Details    map[string]interface{} `json:"details"`
	IPAddress  string                 `json:"ip_address"`
	UserAgent  string                 `json:"user_agent"`
	RequestID  string                 `json:"request_id"`
	CreatedAt  time.Time              `json:"created_at"`
	Username   string                 `json:"username,omitempty"`
	UserRole   string                 `json:"user_role,omitempty"`
}

// NewArchiver wires the archiver. redisClient and store may be nil; the
// matching steps are then skipped.
func NewArchiver(db *gorm.DB, redisClient *redis.Client, store storage.ObjectStore) *Archiver {
	return &Archiver{db: db, redis: redisClient, store: store, now: time.Now}
}

// FlushQueue moves buffered logs older than minAge from Redis into the database.
func (a *Archiver) FlushQueue(ctx context.Context, minAge time.Duration) (int, error) {
	if a.redis == nil {
		return 0, nil
	}

	cutoff := a.now().Add(-minAge)
	keys, err := a.redis.ZRangeByScore(ctx, QueueKey, &redis.ZRangeBy{
		Min: "0",
		Max: strconv.FormatInt(cutoff.Unix(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read log queue: %w", err)
	}

	processed, failed := 0, 0
	for _, key := range keys {
		raw, err := a.redis.Get(ctx, key).Bytes()
		if err == redis.Nil {
			a.redis.ZRem(ctx, QueueKey, key)
			continue
		}
		if err != nil {
			logrus.WithError(err).WithField("key", key).Error("Failed to read cached log")
			failed++
			continue
		}

		var entry models.ActivityLog
		if err := json.Unmarshal(raw, &entry); err != nil {
			logrus.WithError(err).WithField("key", key).Error("Failed to decode cached log")
			failed++
			continue
		}
		entry.ID = 0
		if err := a.db.WithContext(ctx).Create(&entry).Error; err != nil {
			logrus.WithError(err).WithField("key", key).Error("Failed to save cached log")
			failed++
			continue
		}

		pipe := a.redis.Pipeline()
		pipe.Del(ctx, key)
		pipe.ZRem(ctx, QueueKey, key)
		if _, err := pipe.Exec(ctx); err != nil {
			logrus.WithError(err).WithField("key", key).Warn("Failed to remove flushed log from cache")
		}
		processed++
	}

	logrus.WithFields(logrus.Fields{"flushed": processed, "errors": failed}).Info("Flushed cached activity logs")
	return processed, nil
}

// Archive uploads logs older than daysOld as a zip and deletes them from the
// database. It returns the metadata row, or nil when there was nothing to do.
func (a *Archiver) Archive(ctx context.Context, daysOld int) (*models.LogArchive, error) {
	if daysOld < MinArchiveDays {
		return nil, fmt.Errorf("minimum archive age is %d days", MinArchiveDays)
	}
	if a.store == nil {
		return nil, fmt.Errorf("archive storage not configured")
	}

	cutoff := a.now().AddDate(0, 0, -daysOld)

	var logs []models.ActivityLog
	err := a.db.WithContext(ctx).
		Preload("User").
		Where("created_at < ?", cutoff).
		Order("created_at ASC, id ASC").
		Find(&logs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch logs for archiving: %w", err)
	}
	if len(logs) == 0 {
		logrus.Info("No activity logs to archive")
		return nil, nil
	}

	archived := make([]ArchivedLog, 0, len(logs))
	ids := make([]uint, 0, len(logs))
	for _, l := range logs {
		archived = append(archived, toArchived(l))
		ids = append(ids, l.ID)
	}

	fileName := fmt.Sprintf("activity_logs_%s.zip", cutoff.Format(models.DateLayout))
	buf, err := BuildZip(archived, fileName)
	if err != nil {
		return nil, err
	}

	key := storage.ArchiveKey("logs/archived", cutoff, fileName)
	if err := a.store.Put(ctx, key, buf.Bytes(), "application/zip"); err != nil {
		return nil, err
	}

	meta := models.LogArchive{
		FileName:    fileName,
		S3Key:       key,
		StartDate:   archived[0].CreatedAt,
		EndDate:     cutoff,
		RecordCount: len(archived),
		FileSize:    int64(buf.Len()),
		Status:      "completed",
	}

	err = a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Unscoped().Where("id IN ?", ids).Delete(&models.ActivityLog{}).Error; err != nil {
			return fmt.Errorf("failed to delete archived logs: %w", err)
		}
		return tx.Create(&meta).Error
	})
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"records": meta.RecordCount,
		"key":     key,
	}).Info("Archived activity logs")
	return &meta, nil
}

func toArchived(l models.ActivityLog) ArchivedLog {
	out := ArchivedLog{
		ID:         l.ID,
		UserID:     l.UserID,
		Action:     l.Action,
		Resource:   l.Resource,
		ResourceID: l.ResourceID,
		IPAddress:  l.IPAddress,
		UserAgent:  l.UserAgent,
		RequestID:  l.RequestID,
		CreatedAt:  l.CreatedAt,
	}
	if !l.Details.IsNull() {
		var details map[string]interface{}
		if err := json.Unmarshal(l.Details, &details); err == nil {
			out.Details = details
		}
	}
	if l.User.ID > 0 {
		out.Username = l.User.Username
		out.UserRole = l.User.Role
	}
	return out
}

// BuildZip packs logs as activity_logs.json, activity_logs.csv and metadata.json.
func BuildZip(logs []ArchivedLog, fileName string) (*bytes.Buffer, error) {
	buf := new(bytes.Buffer)
	zw := zip.NewWriter(buf)

	logsFile, err := zw.Create("activity_logs.json")
	if err != nil {
		return nil, fmt.Errorf("failed to create logs file in zip: %w", err)
	}
	enc := json.NewEncoder(logsFile)
	enc.SetIndent("", "  ")
	if err := enc.Encode(map[string]interface{}{
		"export_date":    time.Now().UTC(),
		"record_count":   len(logs),
		"format_version": "1.0",
		"logs":           logs,
	}); err != nil {
		return nil, fmt.Errorf("failed to encode logs: %w", err)
	}

	metaFile, err := zw.Create("metadata.json")
	if err != nil {
		return nil, fmt.Errorf("failed to create metadata file in zip: %w", err)
	}
	meta := map[string]interface{}{
		"file_name":      fileName,
		"created_at":     time.Now().UTC(),
		"record_count":   len(logs),
		"schema_version": "1.0",
	}
	if len(logs) > 0 {
		meta["date_range"] = map[string]interface{}{
			"start": logs[0].CreatedAt,
			"end":   logs[len(logs)-1].CreatedAt,
		}
	}
	if err := json.NewEncoder(metaFile).Encode(meta); err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}

	csvFile, err := zw.Create("activity_logs.csv")
	if err != nil {
		return nil, fmt.Errorf("failed to create csv file in zip: %w", err)
	}
	var sb strings.Builder
	sb.WriteString("ID,User ID,Username,Role,Action,Resource,Resource ID,Request ID,IP Address,Created At,Details\n")
	for _, l := range logs {
		details := ""
		if l.Details != nil {
			if b, err := json.Marshal(l.Details); err == nil {
				details = strings.ReplaceAll(string(b), `"`, `""`)
			}
		}
		fmt.Fprintf(&sb, "%d,%d,%s,%s,%s,%s,%d,%s,%s,%s,\"%s\"\n",
			l.ID, l.UserID, l.Username, l.UserRole, l.Action, l.Resource, l.ResourceID,
			l.RequestID, l.IPAddress, l.CreatedAt.Format("2006-01-02 15:04:05"), details)
	}
	if _, err := io.WriteString(csvFile, sb.String()); err != nil {
		return nil, fmt.Errorf("failed to write csv: %w", err)
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close zip: %w", err)
	}
	return buf, nil
}

// List returns archive metadata, newest first.
func (a *Archiver) List(ctx context.Context) ([]models.LogArchive, error) {
	var archives []models.LogArchive
	if err := a.db.WithContext(ctx).Order("created_at DESC").Find(&archives).Error; err != nil {
		return nil, fmt.Errorf("failed to list archives: %w", err)
	}
	return archives, nil
}

// Download opens a stored archive.
func (a *Archiver) Download(ctx context.Context, id uint) (io.ReadCloser, string, error) {
	var archive models.LogArchive
	err := a.db.WithContext(ctx).First(&archive, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, "", ErrArchiveNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to load archive: %w", err)
	}
	if a.store == nil {
		return nil, "", fmt.Errorf("archive storage not configured")
	}
	body, err := a.store.Get(ctx, archive.S3Key)
	if err != nil {
		return nil, "", err
	}
	return body, archive.FileName, nil
}

// RunMaintenance flushes the queue and archives logs older than daysOld.
func (a *Archiver) RunMaintenance(ctx context.Context, daysOld int) {
	if _, err := a.FlushQueue(ctx, 0); err != nil {
		logrus.WithError(err).Warn("Flushing cached activity logs failed")
	}
	if a.store == nil {
		return
	}
	if _, err := a.Archive(ctx, daysOld); err != nil {
		logrus.WithError(err).Warn("Archiving activity logs failed")
	}
}

// Schedule registers RunMaintenance on a cron spec and starts the scheduler.
// The caller stops it on shutdown.
func (a *Archiver) Schedule(spec string, daysOld int) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		a.RunMaintenance(ctx, daysOld)
	})
	if err != nil {
		return nil, fmt.Errorf("invalid log archive schedule %q: %w", spec, err)
	}
	c.Start()
	return c, nil
}
