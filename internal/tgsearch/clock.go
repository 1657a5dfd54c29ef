package tgsearch

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time retrieval so business logic is deterministic in tests.
type Clock interface {
	Now() time.Time
}

// RealClock returns the actual current time in UTC.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now().UTC() }

// IDGenerator abstracts unique ID generation so tests are deterministic.
type IDGenerator interface {
	New() string
}

// UUIDGenerator produces random UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) New() string { return uuid.New().String() }

// ShortTokenGenerator produces 12 hex characters taken from a random UUID.
// Tokens are compact enough to fit in size-constrained button payloads.
type ShortTokenGenerator struct{}

func (ShortTokenGenerator) New() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}
