package auth

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	DefaultRateLimitMax    = 100
	DefaultRateLimitWindow = 60 * time.Second
	rateLimitRetention     = time.Hour
	cleanupOneIn           = 100
)

var errMissingLimiterDB = errors.New("rate limiter: database handle is required")

// Decision reports whether a request may proceed and, if not, when to retry.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// RateLimiter enforces a sliding window per key, typically a client IP.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// RateLimitRecord is one accepted request inside the window.
type RateLimitRecord struct {
	ID        uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	IPAddress string    `gorm:"column:ip_address;size:64;not null;index:idx_rate_limit_ip_created,priority:1"`
	CreatedAt time.Time `gorm:"column:created_at;not null;index:idx_rate_limit_ip_created,priority:2;index:idx_rate_limit_created"`
}

// TableName provides the explicit table binding for GORM.
func (RateLimitRecord) TableName() string {
	return "notification_rate_limits"
}

// GormRateLimiterConfig configures the table-backed limiter.
type GormRateLimiterConfig struct {
	Database *gorm.DB
	Max      int
	Window   time.Duration
	Clock    func() time.Time
	// ShouldCleanup decides per call whether to purge expired records. Defaults to a 1-in-100 draw.
	ShouldCleanup func() bool
	Logger        *zap.Logger
}

// GormRateLimiter keeps one row per accepted request in notification_rate_limits.
type GormRateLimiter struct {
	db            *gorm.DB
	max           int
	window        time.Duration
	clock         func() time.Time
	shouldCleanup func() bool
	logger        *zap.Logger
}

// NewGormRateLimiter constructs a table-backed RateLimiter.
func NewGormRateLimiter(cfg GormRateLimiterConfig) (*GormRateLimiter, error) {
	if cfg.Database == nil {
		return nil, errMissingLimiterDB
	}
	limiter := &GormRateLimiter{
		db:            cfg.Database,
		max:           cfg.Max,
		window:        cfg.Window,
		clock:         cfg.Clock,
		shouldCleanup: cfg.ShouldCleanup,
		logger:        cfg.Logger,
	}
	if limiter.max <= 0 {
		limiter.max = DefaultRateLimitMax
	}
	if limiter.window <= 0 {
		limiter.window = DefaultRateLimitWindow
	}
	if limiter.clock == nil {
		limiter.clock = time.Now
	}
	if limiter.shouldCleanup == nil {
		limiter.shouldCleanup = func() bool { return rand.IntN(cleanupOneIn) == 0 }
	}
	if limiter.logger == nil {
		limiter.logger = zap.NewNop()
	}
	return limiter, nil
}

// Allow rejects once max requests were accepted for key in the trailing window, otherwise records this one.
func (l *GormRateLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := l.clock().UTC()
	if l.shouldCleanup() {
		l.cleanup(ctx, now)
	}

	windowStart := now.Add(-l.window)
	var decision Decision
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&RateLimitRecord{}).
			Where("ip_address = ? AND created_at > ?", key, windowStart).
			Count(&count).Error; err != nil {
			return err
		}
		if int(count) >= l.max {
			var oldest RateLimitRecord
			if err := tx.Where("ip_address = ? AND created_at > ?", key, windowStart).
				Order("created_at ASC").
				Take(&oldest).Error; err != nil {
				return err
			}
			decision = Decision{Allowed: false, RetryAfter: retryAfter(oldest.CreatedAt.Add(l.window), now)}
			return nil
		}
		if err := tx.Create(&RateLimitRecord{IPAddress: key, CreatedAt: now}).Error; err != nil {
			return err
		}
		decision = Decision{Allowed: true, Remaining: l.max - int(count) - 1}
		return nil
	})
	if err != nil {
		return Decision{}, err
	}
	return decision, nil
}

func (l *GormRateLimiter) cleanup(ctx context.Context, now time.Time) {
	result := l.db.WithContext(ctx).
		Where("created_at < ?", now.Add(-rateLimitRetention)).
		Delete(&RateLimitRecord{})
	if result.Error != nil {
		l.logger.Warn("rate limit cleanup failed", zap.Error(result.Error))
		return
	}
	if result.RowsAffected > 0 {
		l.logger.Debug("rate limit records purged", zap.Int64("deleted", result.RowsAffected))
	}
}

func retryAfter(freeAt, now time.Time) time.Duration {
	wait := freeAt.Sub(now)
	if wait < time.Second {
		return time.Second
	}
	return wait.Round(time.Second)
}
