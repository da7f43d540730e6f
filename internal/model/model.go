// Package model defines the two persisted entities of the mediastate core
// — FileEntry and GroupEntry — and the enums over their status axes.
package model

import "time"

// SentinelNever is the far-future timestamp used for a terminal record's
// next_check_at. Due queries exclude it by predicate (next_check_at <= now
// can never be true for a timestamp this far out).
var SentinelNever = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

// IntegrityStatus is one axis of a FileEntry's status.
type IntegrityStatus string

const (
	IntegrityUnknown    IntegrityStatus = "UNKNOWN"
	IntegrityPending    IntegrityStatus = "PENDING"
	IntegrityComplete   IntegrityStatus = "COMPLETE"
	IntegrityIncomplete IntegrityStatus = "INCOMPLETE"
	IntegrityError      IntegrityStatus = "ERROR"
)

// ProcessedStatus is the other axis of a FileEntry's status.
type ProcessedStatus string

const (
	ProcessedNew              ProcessedStatus = "NEW"
	ProcessedSkippedHasEN2    ProcessedStatus = "SKIPPED_HAS_EN2"
	ProcessedConverted        ProcessedStatus = "CONVERTED"
	ProcessedConvertFailed    ProcessedStatus = "CONVERT_FAILED"
	ProcessedGroupPendingPair ProcessedStatus = "GROUP_PENDING_PAIR"
	ProcessedGroupProcessed   ProcessedStatus = "GROUP_PROCESSED"
	ProcessedIgnored          ProcessedStatus = "IGNORED"
	ProcessedDuplicate        ProcessedStatus = "DUPLICATE"
)

// IsTerminal reports whether a ProcessedStatus admits no further
// transitions (next_check_at is the sentinel for these).
func (p ProcessedStatus) IsTerminal() bool {
	switch p {
	case ProcessedSkippedHasEN2, ProcessedGroupProcessed, ProcessedIgnored, ProcessedDuplicate:
		return true
	case ProcessedConvertFailed:
		// Only terminal after retry exhaustion; callers that know the
		// attempt has been exhausted should treat this as terminal via the
		// decision's Terminal flag rather than this status check alone.
		return false
	default:
		return false
	}
}

// Role is a FileEntry's role within its group.
type Role string

const (
	RoleNone            Role = ""
	RoleOriginal        Role = "ORIGINAL"
	RoleStereoCompanion Role = "STEREO_COMPANION"
)

// GroupState is a GroupEntry's lifecycle status.
type GroupState string

const (
	GroupForming         GroupState = "FORMING"
	GroupPendingPair     GroupState = "PENDING_PAIR"
	GroupReadyToFinalize GroupState = "READY_TO_FINALIZE"
	GroupProcessed       GroupState = "PROCESSED"
	GroupFailed          GroupState = "FAILED"
)

// FileEntry is the persisted record for one tracked file.
type FileEntry struct {
	Path               string
	Size               int64
	SizeObservedAt     time.Time
	StableSince        *time.Time
	Integrity          IntegrityStatus
	IntegrityAttempts  int
	ConversionAttempts int
	Processed          ProcessedStatus
	GroupID            string // empty means ungrouped
	Role               Role
	NextCheckAt        time.Time
	BackoffSec         int
	DiscoveredAt       time.Time
	FinishedAt         *time.Time // set once Processed reaches a terminal state; drives GC, not discovered_at
	LastError          *string

	// QuickMode is passed through to the integrity adapter unexamined; the
	// core never branches on it (spec §9 Open Question).
	QuickMode bool

	// Lease fields implied by the PickDue/Apply contract (spec §4.1).
	LeaseOwner    *string
	LeaseDeadline *time.Time
}

// IsLeased reports whether the entry currently holds an unexpired lease.
func (f *FileEntry) IsLeased(now time.Time) bool {
	return f.LeaseOwner != nil && f.LeaseDeadline != nil && f.LeaseDeadline.After(now)
}

// Due reports whether the entry should be considered by PickDue at now.
func (f *FileEntry) Due(now time.Time) bool {
	return !f.NextCheckAt.After(now)
}

// GroupEntry is the persisted record for one original/companion pair.
type GroupEntry struct {
	GroupID        string
	OriginalPath   string
	CompanionPath  string
	State          GroupState
	DeleteOriginal bool
	CreatedAt      time.Time
	FinishedAt     *time.Time
	PolicyNote     string
}

// CompletionRule reports whether g satisfies the group completion rule for
// its DeleteOriginal policy, given the integrity status of its two
// (possibly absent) members. See spec §4.5.
func (g *GroupEntry) CompletionRule(originalIntegrity, companionIntegrity IntegrityStatus, companionPresent bool) bool {
	if g.DeleteOriginal {
		return companionPresent && companionIntegrity == IntegrityComplete
	}
	return companionPresent && originalIntegrity == IntegrityComplete && companionIntegrity == IntegrityComplete
}
