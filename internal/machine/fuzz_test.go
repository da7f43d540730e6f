package machine_test

import (
	"testing"
	"time"

	"github.com/standardbeagle/mediastate/internal/config"
	"github.com/standardbeagle/mediastate/internal/machine"
	"github.com/standardbeagle/mediastate/internal/model"
)

// FuzzStep_NeverPanicsAndBackoffMonotonic drives arbitrary (integrity,
// event-kind, verdict) combinations through Step and checks the two
// properties that hold regardless of whether the transition is legal:
// Step never panics, and whenever it returns a backoff-bearing decision
// the new next_check_at is never earlier than now (invariant 6).
func FuzzStep_NeverPanicsAndBackoffMonotonic(f *testing.F) {
	f.Add(0, 0, 0, int64(1000), int64(1000), 0)
	f.Add(2, 3, 1, int64(500), int64(700), 5)
	f.Add(4, 5, 2, int64(1000), int64(1000), 100)

	integrityStates := []model.IntegrityStatus{
		model.IntegrityUnknown, model.IntegrityPending, model.IntegrityComplete,
		model.IntegrityIncomplete, model.IntegrityError,
	}
	eventKinds := []machine.EventKind{
		machine.Discovered, machine.SizeSampled, machine.StableTimeoutElapsed,
		machine.IntegrityVerdictEvent, machine.AudioProbeVerdictEvent,
		machine.ConversionVerdictEvent, machine.GroupMemberUpdated,
	}
	verdicts := []machine.IntegrityVerdict{machine.VerdictComplete, machine.VerdictIncomplete, machine.VerdictError}

	f.Fuzz(func(t *testing.T, iIdx, eIdx, vIdx int, oldSize, newSize int64, attempts int) {
		if iIdx < 0 {
			iIdx = -iIdx
		}
		if eIdx < 0 {
			eIdx = -eIdx
		}
		if vIdx < 0 {
			vIdx = -vIdx
		}
		if attempts < 0 {
			attempts = -attempts
		}

		cfg := config.Default()
		entry := model.FileEntry{
			Path:              "/fuzz/path.mkv",
			Size:              oldSize,
			Integrity:         integrityStates[iIdx%len(integrityStates)],
			IntegrityAttempts: attempts % (cfg.Backoff.MaxIntegrityAttempts + 2),
		}
		event := machine.Event{
			Kind:      eventKinds[eIdx%len(eventKinds)],
			NewSize:   newSize,
			Integrity: verdicts[vIdx%len(verdicts)],
		}
		now := time.Unix(1_700_000_000, 0).UTC()

		defer func() {
			if r := recover(); r != nil {
				t.Fatalf("Step panicked: %v", r)
			}
		}()

		dec, err := machine.Step(entry, event, now, cfg)
		if err != nil {
			return // illegal transition: nothing further to check
		}
		if dec.NextCheckAt.Before(now) {
			t.Fatalf("decision scheduled next_check_at %v before now %v", dec.NextCheckAt, now)
		}
	})
}
