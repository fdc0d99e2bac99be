package toolflow

import (
	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
// Sessions, batches and calls without a model-assigned ID use it.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
