package machine

import (
	"time"

	"github.com/standardbeagle/mediastate/internal/model"
)

// GroupMutation describes a change to the group the stepped FileEntry
// belongs to. The planner applies it to the GroupEntry as part of the same
// Store.Apply transaction that persists the Decision.
type GroupMutation struct {
	GroupID       string
	Role          model.Role
	State         model.GroupState
	CompanionPath string
	MarkProcessed bool
}

// Decision is the pure output of Step: the new FileEntry status tuple,
// its next wake time, and any group-level side effect. The planner is the
// only thing permitted to turn a Decision into a write.
type Decision struct {
	Integrity IntegrityOut
	Processed ProcessedOut

	NextCheckAt time.Time

	// BackoffSec, if non-nil, replaces the entry's stored backoff_sec.
	BackoffSec *int

	// IntegrityAttemptsDelta is added to the entry's integrity_attempts
	// counter (0 or 1 in practice).
	IntegrityAttemptsDelta int

	// ConversionAttemptsDelta is added to the entry's conversion_attempts
	// counter (0 or 1 in practice).
	ConversionAttemptsDelta int

	// StableSince, if StableSinceSet is true, replaces the entry's
	// stable_since (nil clears it).
	StableSinceSet bool
	StableSince    *time.Time

	LastError *string

	Group *GroupMutation

	Terminal bool
}

// IntegrityOut carries the new integrity status, or "unchanged" when Set
// is false.
type IntegrityOut struct {
	Set   bool
	Value model.IntegrityStatus
}

// ProcessedOut carries the new processed status, or "unchanged" when Set
// is false.
type ProcessedOut struct {
	Set   bool
	Value model.ProcessedStatus
}

func integrityTo(v model.IntegrityStatus) IntegrityOut { return IntegrityOut{Set: true, Value: v} }
func processedTo(v model.ProcessedStatus) ProcessedOut { return ProcessedOut{Set: true, Value: v} }
