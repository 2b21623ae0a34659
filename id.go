package agos

import "github.com/google/uuid"

// NewID generates a UUIDv7 (RFC 9562) for messages, missions, and
// conversation threads. V7 ids sort lexicographically in creation
// order, so bus traces and mission listings stay chronological.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
