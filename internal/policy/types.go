package policy

import (
	"time"

	"github.com/google/uuid"
)

// ResetFrequency classifies how often a user's consumption counter resets.
type ResetFrequency string

const (
	ResetDaily     ResetFrequency = "daily"
	ResetWeekly    ResetFrequency = "weekly"
	ResetMonthly   ResetFrequency = "monthly"
	ResetYearly    ResetFrequency = "yearly"
	ResetUnbounded ResetFrequency = "unbounded"
)

// Window returns the counter lifetime for the frequency class.
// Fixed-length windows: day=24h, week=7d, month=30d, year=365d.
// Unbounded counters never expire.
func (f ResetFrequency) Window() time.Duration {
	switch f {
	case ResetDaily:
		return 24 * time.Hour
	case ResetWeekly:
		return 7 * 24 * time.Hour
	case ResetMonthly:
		return 30 * 24 * time.Hour
	case ResetYearly:
		return 365 * 24 * time.Hour
	default:
		return 0
	}
}

// Valid reports whether the frequency is a known class.
func (f ResetFrequency) Valid() bool {
	switch f {
	case ResetDaily, ResetWeekly, ResetMonthly, ResetYearly, ResetUnbounded:
		return true
	}
	return false
}

// Policy is a versioned quota rule set for a model. Immutable once created;
// a new version supersedes the previous one.
type Policy struct {
	ID          uuid.UUID
	ModelID     uuid.UUID
	Name        string
	Description string
	Version     int
	CreatedAt   time.Time
	CreatedBy   uuid.UUID
}

// Action binds one (endpoint, verb) pair to an allowed call count and a
// reset window. Endpoints are stored lower-case, verbs upper-case.
type Action struct {
	ID             uuid.UUID
	PolicyID       uuid.UUID
	Endpoint       string
	Verb           string
	Count          int64
	ResetFrequency ResetFrequency
}
