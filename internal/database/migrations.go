package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/crmnotify/internal/notifications"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeQueueStatus = "2026-03-01_normalize_queue_status"
	migrationBackfillSentAt       = "2026-03-08_backfill_queue_sent_at"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "notifier_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeQueueStatus, apply: normalizeQueueStatus},
		{name: migrationBackfillSentAt, apply: backfillSentAt},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Rows written by older producers used mixed-case or empty statuses. Empty rows were never
// delivered and become pending; statuses outside the known set are left for an operator.
func normalizeQueueStatus(db *gorm.DB) error {
	known := []notifications.Status{
		notifications.StatusPending,
		notifications.StatusSent,
		notifications.StatusAcknowledged,
	}
	for _, status := range known {
		if err := db.Model(&notifications.QueueEntry{}).
			Where("LOWER(TRIM(status)) = ? AND status <> ?", string(status), status).
			Update("status", status).Error; err != nil {
			return err
		}
	}
	return db.Model(&notifications.QueueEntry{}).
		Where("TRIM(status) = ?", "").
		Update("status", notifications.StatusPending).Error
}

func backfillSentAt(db *gorm.DB) error {
	return db.Model(&notifications.QueueEntry{}).
		Where("sent_at IS NULL AND status IN ?", []notifications.Status{notifications.StatusSent, notifications.StatusAcknowledged}).
		Update("sent_at", gorm.Expr("created_at")).Error
}
