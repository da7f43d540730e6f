package machine

import "time"

// EventKind identifies which of the seven events described in the core
// specification's state machine table a Step call carries.
type EventKind string

const (
	Discovered             EventKind = "discovered"
	SizeSampled            EventKind = "size_sampled"
	StableTimeoutElapsed   EventKind = "stable_timeout_elapsed"
	IntegrityVerdictEvent  EventKind = "integrity_verdict"
	AudioProbeVerdictEvent EventKind = "audio_probe_verdict"
	ConversionVerdictEvent EventKind = "conversion_verdict"
	GroupMemberUpdated     EventKind = "group_member_updated"
)

// IntegrityVerdict is the outcome reported by the integrity adapter.
type IntegrityVerdict string

const (
	VerdictComplete   IntegrityVerdict = "COMPLETE"
	VerdictIncomplete IntegrityVerdict = "INCOMPLETE"
	VerdictError      IntegrityVerdict = "ERROR"
)

// ConversionOutcome is the outcome reported by the converter adapter.
type ConversionOutcome string

const (
	ConversionConverted ConversionOutcome = "CONVERTED"
	ConversionFailed    ConversionOutcome = "FAILED"
)

// Track describes one audio track as reported by the audio probe adapter.
type Track struct {
	Language  string
	Channels  int
	IsDefault bool
}

// HasEnglishStereo reports whether tracks contains an English 2.0 track,
// the condition under which conversion is unnecessary (spec glossary:
// "EN 2.0").
func HasEnglishStereo(tracks []Track) bool {
	for _, t := range tracks {
		if isEnglish(t.Language) && t.Channels == 2 {
			return true
		}
	}
	return false
}

func isEnglish(lang string) bool {
	switch lang {
	case "en", "eng", "en-US", "en-GB":
		return true
	default:
		return false
	}
}

// NeedsConversion reports whether the probed tracks call for producing a
// stereo companion: no English 2.0 track present, but at least one audio
// track exists to convert from.
func NeedsConversion(tracks []Track) bool {
	return len(tracks) > 0 && !HasEnglishStereo(tracks)
}

// GroupCompletion describes whether the event carries a group-level
// completion verdict (used only by GroupMemberUpdated).
type GroupCompletion struct {
	Satisfied bool
}

// Event is the single input to Step. Only the fields relevant to Kind are
// read; the rest are ignored. Group ID assignment happens before Step is
// called (machine.Step is pure and must not invent identifiers), so
// callers that need a fresh group id generate one (see internal/planner)
// and pass it in GroupID.
type Event struct {
	Kind EventKind

	// SizeSampled
	NewSize    int64
	ObservedAt time.Time

	// IntegrityVerdict
	Integrity  IntegrityVerdict
	RetryAfter time.Duration
	Detail     string

	// AudioProbeVerdict
	Tracks  []Track
	GroupID string

	// ConversionVerdict
	Conversion    ConversionOutcome
	CompanionPath string

	// GroupMemberUpdated
	Group GroupCompletion
}
