package notifications

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

const userStatusActive = "Active"

// Alert mirrors the CRM alert record shown in the notification bell.
type Alert struct {
	ID             string    `gorm:"column:id;primaryKey;size:36;not null"`
	Name           string    `gorm:"column:name;size:255"`
	Description    string    `gorm:"column:description;type:text"`
	AssignedUserID string    `gorm:"column:assigned_user_id;size:36;index"`
	IsRead         bool      `gorm:"column:is_read;not null;default:false"`
	TargetModule   string    `gorm:"column:target_module;size:255"`
	Type           string    `gorm:"column:type;size:255"`
	URLRedirect    string    `gorm:"column:url_redirect;size:255"`
	DateEntered    time.Time `gorm:"column:date_entered"`
	DateModified   time.Time `gorm:"column:date_modified"`
	Deleted        bool      `gorm:"column:deleted;not null;default:false"`
}

// TableName binds to the CRM alerts table.
func (Alert) TableName() string {
	return "alerts"
}

// User is the subset of the CRM users table needed for target resolution.
type User struct {
	ID       string `gorm:"column:id;primaryKey;size:36;not null"`
	UserName string `gorm:"column:user_name;size:60"`
	Status   string `gorm:"column:status;size:100"`
	Deleted  bool   `gorm:"column:deleted;not null;default:false"`
}

func (User) TableName() string {
	return "users"
}

// Role is a CRM ACL role.
type Role struct {
	ID      string `gorm:"column:id;primaryKey;size:36;not null"`
	Name    string `gorm:"column:name;size:150;index"`
	Deleted bool   `gorm:"column:deleted;not null;default:false"`
}

func (Role) TableName() string {
	return "acl_roles"
}

// RoleMembership links users to ACL roles.
type RoleMembership struct {
	ID      string `gorm:"column:id;primaryKey;size:36;not null"`
	RoleID  string `gorm:"column:role_id;size:36;index"`
	UserID  string `gorm:"column:user_id;size:36;index"`
	Deleted bool   `gorm:"column:deleted;not null;default:false"`
}

func (RoleMembership) TableName() string {
	return "acl_roles_users"
}

// AlertStore persists the durable CRM alert that accompanies every queue row.
type AlertStore interface {
	CreateAlert(ctx context.Context, alert Alert) (string, error)
}

// Directory resolves notification targets against the CRM user tables.
type Directory interface {
	ActiveUserIDs(ctx context.Context, userIDs []string) ([]string, error)
	RoleMemberIDs(ctx context.Context, roleNames []string) ([]string, error)
}

var errMissingAlertID = errors.New("alert id is required")

type gormAlertStore struct {
	db *gorm.DB
}

// NewGormAlertStore writes alerts straight into the CRM alerts table.
func NewGormAlertStore(db *gorm.DB) AlertStore {
	return &gormAlertStore{db: db}
}

func (s *gormAlertStore) CreateAlert(ctx context.Context, alert Alert) (string, error) {
	if alert.ID == "" {
		return "", errMissingAlertID
	}
	if err := s.db.WithContext(ctx).Create(&alert).Error; err != nil {
		return "", err
	}
	return alert.ID, nil
}

type gormDirectory struct {
	db *gorm.DB
}

// NewGormDirectory resolves users and roles from the CRM schema.
func NewGormDirectory(db *gorm.DB) Directory {
	return &gormDirectory{db: db}
}

func (d *gormDirectory) ActiveUserIDs(ctx context.Context, userIDs []string) ([]string, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	var found []string
	err := d.db.WithContext(ctx).
		Model(&User{}).
		Where("id IN ? AND status = ? AND deleted = ?", userIDs, userStatusActive, false).
		Pluck("id", &found).Error
	if err != nil {
		return nil, err
	}
	active := make(map[string]struct{}, len(found))
	for _, id := range found {
		active[id] = struct{}{}
	}
	ordered := make([]string, 0, len(found))
	for _, id := range userIDs {
		if _, ok := active[id]; ok {
			ordered = append(ordered, id)
			delete(active, id)
		}
	}
	return ordered, nil
}

func (d *gormDirectory) RoleMemberIDs(ctx context.Context, roleNames []string) ([]string, error) {
	if len(roleNames) == 0 {
		return nil, nil
	}
	var members []string
	err := d.db.WithContext(ctx).
		Model(&User{}).
		Joins("JOIN acl_roles_users ON acl_roles_users.user_id = users.id AND acl_roles_users.deleted = ?", false).
		Joins("JOIN acl_roles ON acl_roles.id = acl_roles_users.role_id AND acl_roles.deleted = ?", false).
		Where("acl_roles.name IN ? AND users.status = ? AND users.deleted = ?", roleNames, userStatusActive, false).
		Order("users.id").
		Distinct().
		Pluck("users.id", &members).Error
	if err != nil {
		return nil, err
	}
	return members, nil
}
