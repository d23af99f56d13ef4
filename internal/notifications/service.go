package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	// DefaultPendingLimit bounds the auth-time flush for a single user.
	DefaultPendingLimit = 50
	// DefaultPollLimit bounds one poll cycle across all connected users.
	DefaultPollLimit = 100
	// DefaultRetentionDays is the queue retention window.
	DefaultRetentionDays = 7

	errorNoTargets      = "No valid target users specified"
	errorAllUsersFailed = "Failed to create notification for any target user"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingUserID   = errors.New("user identifier is required")
	errMissingQueueID  = errors.New("queue identifier is required")
	noOpLogger         = zap.NewNop()

	// ErrEntryNotFound is returned by Entry when no row matches.
	ErrEntryNotFound = errors.New("notifications: queue entry not found")
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew          = "notifications.service.new"
	opCreateNotification  = "notifications.create"
	opPendingForUser      = "notifications.pending_for_user"
	opPendingForUsers     = "notifications.pending_for_users"
	opMarkSent            = "notifications.mark_sent"
	opMarkAcknowledged    = "notifications.mark_acknowledged"
	opAcknowledgeForUser  = "notifications.acknowledge_for_user"
	opCleanup             = "notifications.cleanup"
	opEntry               = "notifications.entry"
	reasonMissingDatabase = "missing_database"
	reasonQueryFailed     = "query_failed"
	reasonUpdateFailed    = "update_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database   *gorm.DB
	Alerts     AlertStore
	Directory  Directory
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service turns notification requests into alerts and queue rows and drives queue status transitions.
type Service struct {
	db         *gorm.DB
	alerts     AlertStore
	directory  Directory
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	alerts := cfg.Alerts
	if alerts == nil {
		alerts = NewGormAlertStore(cfg.Database)
	}
	directory := cfg.Directory
	if directory == nil {
		directory = NewGormDirectory(cfg.Database)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		alerts:     alerts,
		directory:  directory,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// CreateNotification resolves targets and writes one alert and one pending queue row per user.
// Per-user failures are collected in Result.Errors; only target resolution failures return an error.
func (s *Service) CreateNotification(ctx context.Context, request Request) (Result, error) {
	targets, err := s.resolveTargets(ctx, request.TargetUsers, request.TargetRoles)
	if err != nil {
		s.logError(opCreateNotification, "resolve_targets_failed", err)
		return Result{}, newServiceError(opCreateNotification, "resolve_targets_failed", err)
	}
	if len(targets) == 0 {
		return Result{Success: false, Error: errorNoTargets}, nil
	}

	payload := buildPayload(request)
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return Result{}, newServiceError(opCreateNotification, "payload_encode_failed", err)
	}

	result := Result{
		AlertIDs:  make([]string, 0, len(targets)),
		QueueIDs:  make([]string, 0, len(targets)),
		UserCount: len(targets),
	}
	for _, userID := range targets {
		alertID, queueID, err := s.notifyUser(ctx, userID, payload, payloadJSON)
		if err != nil {
			s.logError(opCreateNotification, "user_notify_failed", err, zap.String("user_id", userID))
			result.Errors = append(result.Errors, fmt.Sprintf("user %s: %v", userID, err))
			continue
		}
		result.AlertIDs = append(result.AlertIDs, alertID)
		result.QueueIDs = append(result.QueueIDs, queueID)
	}

	result.Success = len(result.QueueIDs) > 0
	if !result.Success {
		result.Error = errorAllUsersFailed
	}
	s.logger.Info("notification created",
		zap.Int("user_count", result.UserCount),
		zap.Int("queued", len(result.QueueIDs)),
		zap.Int("failed", len(result.Errors)))
	return result, nil
}

func (s *Service) notifyUser(ctx context.Context, userID string, payload Payload, payloadJSON []byte) (string, string, error) {
	alertID, err := s.idProvider.NewID()
	if err != nil {
		return "", "", fmt.Errorf("alert id: %w", err)
	}
	now := s.clock().UTC()
	alertID, err = s.alerts.CreateAlert(ctx, Alert{
		ID:             alertID,
		Name:           payload.Title,
		Description:    payload.Message,
		AssignedUserID: userID,
		TargetModule:   payload.TargetModule,
		Type:           string(payload.Type),
		URLRedirect:    payload.URLRedirect,
		DateEntered:    now,
		DateModified:   now,
	})
	if err != nil {
		return "", "", fmt.Errorf("create alert: %w", err)
	}

	queueID, err := s.idProvider.NewID()
	if err != nil {
		return "", "", fmt.Errorf("queue id: %w", err)
	}
	entry := QueueEntry{
		ID:        queueID,
		AlertID:   alertID,
		UserID:    userID,
		Payload:   datatypes.JSON(payloadJSON),
		Status:    StatusPending,
		CreatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return "", "", fmt.Errorf("queue insert: %w", err)
	}
	return alertID, queueID, nil
}

func (s *Service) resolveTargets(ctx context.Context, userIDs, roleNames []string) ([]string, error) {
	direct, err := s.directory.ActiveUserIDs(ctx, compact(userIDs))
	if err != nil {
		return nil, err
	}
	members, err := s.directory.RoleMemberIDs(ctx, compact(roleNames))
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(direct)+len(members))
	targets := make([]string, 0, len(direct)+len(members))
	for _, group := range [][]string{direct, members} {
		for _, id := range group {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			targets = append(targets, id)
		}
	}
	return targets, nil
}

func buildPayload(request Request) Payload {
	return Payload{
		Title:        SanitizeText(request.Title),
		Message:      SanitizeText(request.Message),
		Type:         ParseType(request.Type),
		Priority:     ParsePriority(request.Priority),
		URLRedirect:  SanitizeRedirect(request.URLRedirect),
		TargetModule: SanitizeText(request.TargetModule),
		TargetRecord: SanitizeText(request.TargetRecord),
		Metadata:     request.Metadata,
	}
}

func compact(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// PendingForUser returns the oldest pending entries for one user.
func (s *Service) PendingForUser(ctx context.Context, userID string, limit int) ([]QueueEntry, error) {
	if userID == "" {
		return nil, newServiceError(opPendingForUser, "missing_user_id", errMissingUserID)
	}
	return s.pending(ctx, opPendingForUser, []string{userID}, limit, DefaultPendingLimit)
}

// PendingForUsers returns the oldest pending entries across the given users.
func (s *Service) PendingForUsers(ctx context.Context, userIDs []string, limit int) ([]QueueEntry, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	return s.pending(ctx, opPendingForUsers, userIDs, limit, DefaultPollLimit)
}

func (s *Service) pending(ctx context.Context, operation string, userIDs []string, limit, fallback int) ([]QueueEntry, error) {
	if limit <= 0 {
		limit = fallback
	}
	var entries []QueueEntry
	if err := s.db.WithContext(ctx).
		Where("status = ? AND user_id IN ?", StatusPending, userIDs).
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&entries).Error; err != nil {
		s.logError(operation, reasonQueryFailed, err)
		return nil, newServiceError(operation, reasonQueryFailed, err)
	}
	return entries, nil
}

// Entry loads a single queue row.
func (s *Service) Entry(ctx context.Context, queueID string) (QueueEntry, error) {
	var entry QueueEntry
	err := s.db.WithContext(ctx).Where("id = ?", queueID).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return QueueEntry{}, ErrEntryNotFound
	}
	if err != nil {
		return QueueEntry{}, newServiceError(opEntry, reasonQueryFailed, err)
	}
	return entry, nil
}

// MarkSent moves a pending entry to sent. Entries in any other status are left untouched.
func (s *Service) MarkSent(ctx context.Context, queueID string) error {
	if queueID == "" {
		return newServiceError(opMarkSent, "missing_queue_id", errMissingQueueID)
	}
	err := s.db.WithContext(ctx).
		Model(&QueueEntry{}).
		Where("id = ? AND status = ?", queueID, StatusPending).
		Updates(map[string]any{
			"status":  StatusSent,
			"sent_at": s.clock().UTC(),
		}).Error
	if err != nil {
		s.logError(opMarkSent, reasonUpdateFailed, err, zap.String("queue_id", queueID))
		return newServiceError(opMarkSent, reasonUpdateFailed, err)
	}
	return nil
}

// MarkAcknowledged moves an entry to acknowledged regardless of owner.
func (s *Service) MarkAcknowledged(ctx context.Context, queueID string) error {
	_, err := s.acknowledge(ctx, opMarkAcknowledged, queueID, "")
	return err
}

// AcknowledgeForUser acknowledges the entry only when it belongs to userID.
// It reports whether a row changed; mismatched owners and repeated acks report false.
func (s *Service) AcknowledgeForUser(ctx context.Context, queueID, userID string) (bool, error) {
	if userID == "" {
		return false, newServiceError(opAcknowledgeForUser, "missing_user_id", errMissingUserID)
	}
	return s.acknowledge(ctx, opAcknowledgeForUser, queueID, userID)
}

func (s *Service) acknowledge(ctx context.Context, operation, queueID, userID string) (bool, error) {
	if queueID == "" {
		return false, newServiceError(operation, "missing_queue_id", errMissingQueueID)
	}
	query := s.db.WithContext(ctx).
		Model(&QueueEntry{}).
		Where("id = ? AND status IN ?", queueID, []Status{StatusPending, StatusSent})
	if userID != "" {
		query = query.Where("user_id = ?", userID)
	}
	result := query.Updates(map[string]any{
		"status":          StatusAcknowledged,
		"acknowledged_at": s.clock().UTC(),
	})
	if result.Error != nil {
		s.logError(operation, reasonUpdateFailed, result.Error, zap.String("queue_id", queueID))
		return false, newServiceError(operation, reasonUpdateFailed, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// CleanupOlderThan deletes entries created more than daysOld days ago, whatever their status.
func (s *Service) CleanupOlderThan(ctx context.Context, daysOld int) (int64, error) {
	if daysOld <= 0 {
		daysOld = DefaultRetentionDays
	}
	cutoff := s.clock().UTC().Add(-time.Duration(daysOld) * 24 * time.Hour)
	result := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&QueueEntry{})
	if result.Error != nil {
		s.logError(opCleanup, "delete_failed", result.Error)
		return 0, newServiceError(opCleanup, "delete_failed", result.Error)
	}
	if result.RowsAffected > 0 {
		s.logger.Info("old notifications purged", zap.Int64("deleted", result.RowsAffected), zap.Int("days_old", daysOld))
	}
	return result.RowsAffected, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("notifications service error", attrs...)
}
