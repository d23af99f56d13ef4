package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const apiKeyBytes = 32

var (
	ErrInvalidAPIKey = errors.New("api key: not recognised")
	errMissingKeyDB  = errors.New("api key store: database handle is required")
	errMissingName   = errors.New("api key store: name is required")
)

// APIKey is a webhook credential issued to an external producer.
type APIKey struct {
	ID         string     `gorm:"column:id;primaryKey;size:36;not null"`
	Name       string     `gorm:"column:name;size:255;not null"`
	Key        string     `gorm:"column:api_key;size:128;not null;uniqueIndex"`
	IsActive   bool       `gorm:"column:is_active;not null;default:true"`
	Deleted    bool       `gorm:"column:deleted;not null;default:false"`
	LastUsedAt *time.Time `gorm:"column:last_used_at"`
	CreatedAt  time.Time  `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (APIKey) TableName() string {
	return "notification_api_keys"
}

// KeyStore resolves presented API keys.
type KeyStore interface {
	Lookup(ctx context.Context, presented string) (APIKey, error)
}

// GormKeyStore keeps API keys in the notification_api_keys table.
type GormKeyStore struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewGormKeyStore constructs a KeyStore backed by db.
func NewGormKeyStore(db *gorm.DB, clock func() time.Time) (*GormKeyStore, error) {
	if db == nil {
		return nil, errMissingKeyDB
	}
	if clock == nil {
		clock = time.Now
	}
	return &GormKeyStore{db: db, clock: clock}, nil
}

// Lookup compares presented against every active key in constant time and records last use on a match.
func (s *GormKeyStore) Lookup(ctx context.Context, presented string) (APIKey, error) {
	presented = strings.TrimSpace(presented)
	if presented == "" {
		return APIKey{}, ErrInvalidAPIKey
	}

	var keys []APIKey
	if err := s.db.WithContext(ctx).
		Where("is_active = ? AND deleted = ?", true, false).
		Find(&keys).Error; err != nil {
		return APIKey{}, err
	}

	matched := -1
	for index := range keys {
		if subtle.ConstantTimeCompare([]byte(keys[index].Key), []byte(presented)) == 1 {
			matched = index
		}
	}
	if matched < 0 {
		return APIKey{}, ErrInvalidAPIKey
	}

	key := keys[matched]
	now := s.clock().UTC()
	if err := s.db.WithContext(ctx).
		Model(&APIKey{}).
		Where("id = ?", key.ID).
		Update("last_used_at", now).Error; err != nil {
		return APIKey{}, err
	}
	key.LastUsedAt = &now
	return key, nil
}

// Create stores a freshly generated key for name and returns it.
func (s *GormKeyStore) Create(ctx context.Context, name string) (APIKey, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return APIKey{}, errMissingName
	}
	secret, err := generateAPIKey()
	if err != nil {
		return APIKey{}, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return APIKey{}, err
	}
	key := APIKey{
		ID:        id.String(),
		Name:      name,
		Key:       secret,
		IsActive:  true,
		CreatedAt: s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&key).Error; err != nil {
		return APIKey{}, err
	}
	return key, nil
}

// Revoke deactivates the key with the given id.
func (s *GormKeyStore) Revoke(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).
		Model(&APIKey{}).
		Where("id = ?", id).
		Update("is_active", false).Error
}

func generateAPIKey() (string, error) {
	buffer := make([]byte, apiKeyBytes)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	return hex.EncodeToString(buffer), nil
}
