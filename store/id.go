package store

import "github.com/google/uuid"

// NewID generates a globally unique, lexicographically time-sortable
// identifier: run and event ids must sort lexicographically in creation order.
//
// UUIDv7 (RFC 9562) embeds a 48-bit millisecond Unix timestamp in its most
// significant bits, so string-sorting ids sorts them by creation time to
// millisecond resolution.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
