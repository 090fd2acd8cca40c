package uuidv7

import (
	"encoding/binary"
	"math"

	"github.com/google/uuid"
)

// New returns a UUIDv7 value (time-ordered) or panics if generation fails.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString returns a string representation of a UUIDv7.
func NewString() string {
	return New().String()
}

// NewInt63 returns a positive int64 taken from the random tail of a UUIDv7,
// used where identifiers must be numeric (table snapshot IDs).
func NewInt63() int64 {
	id := New()
	v := int64(binary.BigEndian.Uint64(id[8:]) & math.MaxInt64)
	if v == 0 {
		return 1
	}
	return v
}
