package jobtracker

import (
	"strings"

	"github.com/google/uuid"
)

// NewEphemeralID returns a client-side placeholder id used before the
// backend has issued a server job id.
func NewEphemeralID() string {
	return uuid.NewString()
}

// IsEphemeralID reports whether id is a client placeholder rather than a
// server job id. Server ids carry no separators; placeholders are
// hyphenated UUIDs.
func IsEphemeralID(id string) bool {
	if len(id) <= 30 || !strings.Contains(id, "-") {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}
