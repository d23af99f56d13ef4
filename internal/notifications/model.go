package notifications

import (
	"encoding/json"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Status enumerates the forward-only lifecycle of a queue entry.
type Status string

const (
	// StatusPending marks an entry that has not been pushed to any socket.
	StatusPending Status = "pending"
	// StatusSent marks an entry accepted by at least one open socket.
	StatusSent Status = "sent"
	// StatusAcknowledged marks an entry the recipient confirmed.
	StatusAcknowledged Status = "acknowledged"
)

// Type is the visual category of a notification.
type Type string

const (
	TypeInfo    Type = "info"
	TypeSuccess Type = "success"
	TypeWarning Type = "warning"
	TypeError   Type = "error"
)

// ParseType returns the matching Type, falling back to TypeInfo for unknown input.
func ParseType(value string) Type {
	switch Type(strings.ToLower(strings.TrimSpace(value))) {
	case TypeSuccess:
		return TypeSuccess
	case TypeWarning:
		return TypeWarning
	case TypeError:
		return TypeError
	default:
		return TypeInfo
	}
}

// Priority orders notifications for display.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ParsePriority returns the matching Priority, falling back to PriorityNormal for unknown input.
func ParsePriority(value string) Priority {
	switch Priority(strings.ToLower(strings.TrimSpace(value))) {
	case PriorityLow:
		return PriorityLow
	case PriorityHigh:
		return PriorityHigh
	case PriorityUrgent:
		return PriorityUrgent
	default:
		return PriorityNormal
	}
}

// Payload is the structured notification content stored with each queue entry.
type Payload struct {
	Title        string         `json:"title"`
	Message      string         `json:"message"`
	Type         Type           `json:"type"`
	Priority     Priority       `json:"priority"`
	URLRedirect  string         `json:"url_redirect,omitempty"`
	TargetModule string         `json:"target_module,omitempty"`
	TargetRecord string         `json:"target_record,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// QueueEntry is one mailbox row for one recipient.
type QueueEntry struct {
	ID             string         `gorm:"column:id;primaryKey;size:36;not null"`
	AlertID        string         `gorm:"column:alert_id;size:36;not null"`
	UserID         string         `gorm:"column:user_id;size:36;not null;index:idx_notification_queue_user_status,priority:1"`
	Payload        datatypes.JSON `gorm:"column:payload;not null"`
	Status         Status         `gorm:"column:status;size:16;not null;default:'pending';index:idx_notification_queue_user_status,priority:2"`
	CreatedAt      time.Time      `gorm:"column:created_at;not null;index:idx_notification_queue_user_status,priority:3;index:idx_notification_queue_created"`
	SentAt         *time.Time     `gorm:"column:sent_at"`
	AcknowledgedAt *time.Time     `gorm:"column:acknowledged_at"`
}

// TableName provides the explicit table binding for GORM.
func (QueueEntry) TableName() string {
	return "notification_queue"
}

// DecodePayload unmarshals the stored payload column.
func (e QueueEntry) DecodePayload() (Payload, error) {
	var payload Payload
	if len(e.Payload) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return Payload{}, err
	}
	return payload, nil
}

// Request describes a notification to fan out to users and role members.
type Request struct {
	Title        string
	Message      string
	Type         string
	Priority     string
	TargetUsers  []string
	TargetRoles  []string
	URLRedirect  string
	TargetModule string
	TargetRecord string
	Metadata     map[string]any
}

// Result reports what CreateNotification persisted.
// UserCount is the number of resolved target users, including those whose rows failed.
type Result struct {
	Success   bool
	AlertIDs  []string
	QueueIDs  []string
	UserCount int
	Errors    []string
	Error     string
}

// AllFailed reports targets that resolved but whose rows could not be written.
func (r Result) AllFailed() bool {
	return !r.Success && len(r.Errors) > 0
}
