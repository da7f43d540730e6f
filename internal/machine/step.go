// Package machine implements the core's state machine: a pure function
// from (current FileEntry status, Event) to a Decision, with no I/O. See
// the transition table in the core specification §4.2.
package machine

import (
	"fmt"
	"time"

	"github.com/standardbeagle/mediastate/internal/config"
	mserrors "github.com/standardbeagle/mediastate/internal/errors"
	"github.com/standardbeagle/mediastate/internal/model"
)

// Step computes the decision for applying event to entry at now, under
// cfg's scheduling and backoff policy. A returned error is always an
// *errors.InvariantError: the planner must not persist the offending
// decision (spec §4.2, "Illegal transitions").
func Step(entry model.FileEntry, event Event, now time.Time, cfg *config.Config) (Decision, error) {
	switch event.Kind {
	case Discovered:
		return stepDiscovered(entry, now)
	case SizeSampled:
		return stepSizeSampled(entry, event, now, cfg)
	case StableTimeoutElapsed:
		return stepStableTimeoutElapsed(entry, now, cfg)
	case IntegrityVerdictEvent:
		return stepIntegrityVerdict(entry, event, now, cfg)
	case AudioProbeVerdictEvent:
		return stepAudioProbeVerdict(entry, event, now)
	case ConversionVerdictEvent:
		return stepConversionVerdict(entry, event, now, cfg)
	case GroupMemberUpdated:
		return stepGroupMemberUpdated(entry, event, now, cfg)
	default:
		return Decision{}, mserrors.NewInvariant(entry.Path, "unknown event kind", fmt.Errorf("%q", event.Kind))
	}
}

func reject(entry model.FileEntry, context string) (Decision, error) {
	return Decision{}, mserrors.NewInvariant(entry.Path, context, nil)
}

func stepDiscovered(entry model.FileEntry, now time.Time) (Decision, error) {
	if entry.Processed != "" && entry.Processed != model.ProcessedNew {
		return reject(entry, "Discovered on an already-processed record")
	}
	return Decision{
		Integrity:   integrityTo(model.IntegrityUnknown),
		Processed:   processedTo(model.ProcessedNew),
		NextCheckAt: now,
	}, nil
}

func stepSizeSampled(entry model.FileEntry, event Event, now time.Time, cfg *config.Config) (Decision, error) {
	if entry.Processed.IsTerminal() {
		return reject(entry, "SizeSampled on a terminal record")
	}
	if entry.Integrity != model.IntegrityUnknown && entry.Integrity != model.IntegrityIncomplete {
		return reject(entry, "SizeSampled while integrity check is in flight or already resolved")
	}

	if event.NewSize != entry.Size {
		step := cfg.Backoff.StepSec
		return Decision{
			Integrity:      integrityTo(model.IntegrityUnknown),
			NextCheckAt:    now.Add(time.Duration(cfg.Schedule.SizePollSec) * time.Second),
			StableSinceSet: true,
			StableSince:    nil,
			BackoffSec:     &step,
		}, nil
	}

	// Size unchanged.
	if entry.StableSince == nil {
		stableSince := now
		return Decision{
			StableSinceSet: true,
			StableSince:    &stableSince,
			NextCheckAt:    now.Add(cfg.StableWait()),
		}, nil
	}
	// Already tracking stability; keep the existing deadline.
	return Decision{
		NextCheckAt: entry.StableSince.Add(cfg.StableWait()),
	}, nil
}

func stepStableTimeoutElapsed(entry model.FileEntry, now time.Time, cfg *config.Config) (Decision, error) {
	if entry.Integrity != model.IntegrityUnknown {
		return reject(entry, "StableTimeoutElapsed outside UNKNOWN")
	}
	if entry.StableSince == nil || now.Sub(*entry.StableSince) < cfg.StableWait() {
		return reject(entry, "stability gate: stable_since unset or wait not yet elapsed")
	}
	return Decision{
		Integrity:              integrityTo(model.IntegrityPending),
		NextCheckAt:            now,
		IntegrityAttemptsDelta: 1,
	}, nil
}

func stepIntegrityVerdict(entry model.FileEntry, event Event, now time.Time, cfg *config.Config) (Decision, error) {
	if entry.Integrity != model.IntegrityPending {
		return reject(entry, "IntegrityVerdict without a pending check")
	}

	switch event.Integrity {
	case VerdictComplete:
		step := cfg.Backoff.StepSec
		return Decision{
			Integrity:   integrityTo(model.IntegrityComplete),
			Processed:   processedTo(model.ProcessedNew),
			NextCheckAt: now,
			BackoffSec:  &step,
		}, nil

	case VerdictIncomplete, VerdictError:
		nextStatus := model.IntegrityIncomplete
		if event.Integrity == VerdictError {
			nextStatus = model.IntegrityError
		}

		if entry.IntegrityAttempts >= cfg.Backoff.MaxIntegrityAttempts {
			detail := event.Detail
			return Decision{
				Integrity:   integrityTo(nextStatus),
				Processed:   processedTo(model.ProcessedIgnored),
				NextCheckAt: model.SentinelNever,
				LastError:   &detail,
				Terminal:    true,
			}, nil
		}

		effective, stored := computeBackoff(entry.BackoffSec, cfg)
		wait := time.Duration(effective) * time.Second
		if event.RetryAfter > 0 {
			wait = event.RetryAfter
		}
		detail := event.Detail
		return Decision{
			Integrity:   integrityTo(nextStatus),
			NextCheckAt: now.Add(wait),
			BackoffSec:  &stored,
			LastError:   &detail,
		}, nil

	default:
		return reject(entry, fmt.Sprintf("unknown integrity verdict %q", event.Integrity))
	}
}

func stepAudioProbeVerdict(entry model.FileEntry, event Event, now time.Time) (Decision, error) {
	if entry.Integrity != model.IntegrityComplete || entry.Processed != model.ProcessedNew {
		return reject(entry, "AudioProbeVerdict outside COMPLETE/NEW")
	}

	if HasEnglishStereo(event.Tracks) {
		return Decision{
			Processed:   processedTo(model.ProcessedSkippedHasEN2),
			NextCheckAt: model.SentinelNever,
			Terminal:    true,
		}, nil
	}

	if !NeedsConversion(event.Tracks) {
		// No audio tracks at all: nothing to convert, nothing to skip.
		return Decision{
			Processed:   processedTo(model.ProcessedIgnored),
			NextCheckAt: model.SentinelNever,
			Terminal:    true,
		}, nil
	}

	return Decision{
		Processed:   processedTo(model.ProcessedGroupPendingPair),
		NextCheckAt: now,
		Group: &GroupMutation{
			GroupID: event.GroupID,
			Role:    model.RoleOriginal,
			State:   model.GroupPendingPair,
		},
	}, nil
}

func stepConversionVerdict(entry model.FileEntry, event Event, now time.Time, cfg *config.Config) (Decision, error) {
	if entry.Processed != model.ProcessedGroupPendingPair {
		return reject(entry, "ConversionVerdict outside GROUP_PENDING_PAIR")
	}

	switch event.Conversion {
	case ConversionConverted:
		step := cfg.Backoff.StepSec
		return Decision{
			Processed:   processedTo(model.ProcessedConverted),
			NextCheckAt: model.SentinelNever,
			BackoffSec:  &step,
			Group: &GroupMutation{
				GroupID:       entry.GroupID,
				Role:          model.RoleOriginal,
				State:         model.GroupReadyToFinalize,
				CompanionPath: event.CompanionPath,
			},
		}, nil

	case ConversionFailed:
		if entry.ConversionAttempts >= cfg.Backoff.MaxConversionAttempts {
			detail := event.Detail
			return Decision{
				Processed:   processedTo(model.ProcessedConvertFailed),
				NextCheckAt: model.SentinelNever,
				LastError:   &detail,
				Terminal:    true,
			}, nil
		}
		effective, stored := computeBackoff(entry.BackoffSec, cfg)
		detail := event.Detail
		return Decision{
			Processed:              processedTo(model.ProcessedGroupPendingPair),
			NextCheckAt:            now.Add(time.Duration(effective) * time.Second),
			BackoffSec:             &stored,
			LastError:              &detail,
			ConversionAttemptsDelta: 1,
		}, nil

	default:
		return reject(entry, fmt.Sprintf("unknown conversion outcome %q", event.Conversion))
	}
}

func stepGroupMemberUpdated(entry model.FileEntry, event Event, now time.Time, cfg *config.Config) (Decision, error) {
	if entry.Processed.IsTerminal() {
		return reject(entry, "GroupMemberUpdated on a terminal record")
	}
	if !event.Group.Satisfied {
		// Not yet satisfied: re-check on the next poll tick rather than
		// re-scheduling for now, which is always <= now here (dispatch only
		// reaches this handler for due records) and would busy-loop.
		return Decision{NextCheckAt: now.Add(time.Duration(cfg.Schedule.SizePollSec) * time.Second)}, nil
	}
	return Decision{
		Processed:   processedTo(model.ProcessedGroupProcessed),
		NextCheckAt: model.SentinelNever,
		Terminal:    true,
		Group: &GroupMutation{
			GroupID:       entry.GroupID,
			State:         model.GroupProcessed,
			MarkProcessed: true,
		},
	}, nil
}

// computeBackoff returns the duration to wait before the next retry
// (effective) and the value to persist in backoff_sec for the retry after
// that (stored), per spec §4.4: schedule at the current backoff, then
// double and clamp for next time.
func computeBackoff(current int, cfg *config.Config) (effective, stored int) {
	if current <= 0 {
		current = cfg.Backoff.StepSec
	}
	effective = current
	stored = current * 2
	if stored > cfg.Backoff.MaxSec {
		stored = cfg.Backoff.MaxSec
	}
	return effective, stored
}
