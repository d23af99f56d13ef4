package notifications

import "github.com/google/uuid"

// IDProvider issues identifiers for alerts and queue entries.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider issues time-ordered UUIDv7 identifiers so ids sort with created_at.
func NewUUIDProvider() IDProvider {
	return uuidProvider{}
}

func (uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
