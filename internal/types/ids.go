package types

import (
	"time"

	"github.com/google/uuid"
)

// NewEntityID generates a UUIDv7 entity identifier.
// Time-ordered IDs keep creation order visible in the id tie-break.
// Panics on clock regression (uuid.Must); acceptable for ID generation.
func NewEntityID() EntityID {
	return EntityID(uuid.Must(uuid.NewV7()).String())
}

// NewListenerID generates a UUIDv7 listener identifier.
func NewListenerID() ListenerID {
	return ListenerID(uuid.Must(uuid.NewV7()).String())
}

// ParseEntityID validates and converts a string to EntityID.
func ParseEntityID(s string) (EntityID, error) {
	if _, err := uuid.Parse(s); err != nil {
		return "", err
	}
	return EntityID(s), nil
}

// EntityIDTime extracts the timestamp embedded in a UUIDv7 ID.
// Returns zero time for invalid or non-v7 UUIDs; caller should check IsZero().
func EntityIDTime(id EntityID) time.Time {
	u, err := uuid.Parse(string(id))
	if err != nil || u.Version() != 7 {
		return time.Time{}
	}
	sec, nsec := u.Time().UnixTime()
	return time.Unix(sec, nsec)
}
