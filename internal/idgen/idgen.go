package idgen

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// New returns a UUIDv7 identifier string, used for message and turn ids.
// If UUIDv7 generation fails, it falls back to a random UUIDv4.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// EventID returns a lexicographically sortable ULID, used for proactive
// event rows so that insertion order survives in the primary key.
func EventID() string {
	return ulid.Make().String()
}

// ClaimID identifies one scheduler instance's claim attempt. Same shape as
// EventID; a separate name keeps call sites honest about what they hold.
func ClaimID() string {
	return ulid.Make().String()
}
