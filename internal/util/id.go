package util

import (
	"github.com/google/uuid"
)

// NewID returns a time-ordered UUIDv7, optionally prefixed ("cmt_...").
// IDs are generated client-side so they can be shown before any round trip.
func NewID(prefix string) string {
	id := uuid.Must(uuid.NewV7()).String()
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
