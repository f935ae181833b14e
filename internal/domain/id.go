package domain

import (
	"github.com/google/uuid"
)

// NewID generates a UUIDv7 string used to correlate one processing run.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
