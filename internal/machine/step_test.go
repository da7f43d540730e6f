package machine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/mediastate/internal/config"
	mserrors "github.com/standardbeagle/mediastate/internal/errors"
	"github.com/standardbeagle/mediastate/internal/machine"
	"github.com/standardbeagle/mediastate/internal/model"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Schedule.StableWaitSec = 10
	cfg.Schedule.SizePollSec = 5
	cfg.Backoff.StepSec = 30
	cfg.Backoff.MaxSec = 600
	cfg.Backoff.MaxIntegrityAttempts = 8
	cfg.Backoff.MaxConversionAttempts = 8
	return cfg
}

func epoch(sec int) time.Time {
	return time.Unix(int64(sec), 0).UTC()
}

func TestStep_Discovered(t *testing.T) {
	cfg := testConfig()
	entry := model.FileEntry{Path: "a.mkv"}

	dec, err := machine.Step(entry, machine.Event{Kind: machine.Discovered}, epoch(0), cfg)
	require.NoError(t, err)
	assert.True(t, dec.Integrity.Set)
	assert.Equal(t, model.IntegrityUnknown, dec.Integrity.Value)
	assert.Equal(t, model.ProcessedNew, dec.Processed.Value)
	assert.Equal(t, epoch(0), dec.NextCheckAt)
}

func TestStep_Discovered_RejectsAlreadyProcessed(t *testing.T) {
	cfg := testConfig()
	entry := model.FileEntry{Path: "a.mkv", Processed: model.ProcessedConverted}

	_, err := machine.Step(entry, machine.Event{Kind: machine.Discovered}, epoch(0), cfg)
	require.Error(t, err)
	var invErr *mserrors.InvariantError
	require.ErrorAs(t, err, &invErr)
}

// S1: stable file, integrity Complete, audio probe finds EN 2.0 — terminal
// SKIPPED_HAS_EN2.
func TestScenario_S1_StableFileSkipped(t *testing.T) {
	cfg := testConfig()
	entry := model.FileEntry{
		Path:      "a.mkv",
		Size:      1000,
		Integrity: model.IntegrityUnknown,
		Processed: model.ProcessedNew,
	}

	dec, err := machine.Step(entry, machine.Event{Kind: machine.SizeSampled, NewSize: 1000}, epoch(0), cfg)
	require.NoError(t, err)
	require.NotNil(t, dec.StableSince)
	assert.Equal(t, epoch(0), *dec.StableSince)
	entry.StableSince = dec.StableSince
	entry.Size = 1000

	dec, err = machine.Step(entry, machine.Event{Kind: machine.StableTimeoutElapsed}, epoch(10), cfg)
	require.NoError(t, err)
	assert.Equal(t, model.IntegrityPending, dec.Integrity.Value)
	entry.Integrity = model.IntegrityPending

	dec, err = machine.Step(entry, machine.Event{Kind: machine.IntegrityVerdictEvent, Integrity: machine.VerdictComplete}, epoch(10), cfg)
	require.NoError(t, err)
	assert.Equal(t, model.IntegrityComplete, dec.Integrity.Value)
	assert.Equal(t, model.ProcessedNew, dec.Processed.Value)
	entry.Integrity = model.IntegrityComplete
	entry.Processed = model.ProcessedNew

	dec, err = machine.Step(entry, machine.Event{
		Kind:   machine.AudioProbeVerdictEvent,
		Tracks: []machine.Track{{Language: "eng", Channels: 2}},
	}, epoch(10), cfg)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessedSkippedHasEN2, dec.Processed.Value)
	assert.True(t, dec.Terminal)
	assert.Equal(t, model.SentinelNever, dec.NextCheckAt)
}

// S2: growing then stable — integrity must not be invoked before the
// stability window elapses from the LAST size change.
func TestScenario_S2_GrowingThenStable(t *testing.T) {
	cfg := testConfig()
	cfg.Schedule.StableWaitSec = 10
	entry := model.FileEntry{Path: "b.mkv", Size: 1000, Integrity: model.IntegrityUnknown}

	dec, err := machine.Step(entry, machine.Event{Kind: machine.SizeSampled, NewSize: 1000}, epoch(0), cfg)
	require.NoError(t, err)
	require.NotNil(t, dec.StableSince)
	entry.Size = 1000
	entry.StableSince = dec.StableSince

	dec, err = machine.Step(entry, machine.Event{Kind: machine.SizeSampled, NewSize: 1500}, epoch(5), cfg)
	require.NoError(t, err)
	assert.Nil(t, dec.StableSince)
	assert.True(t, dec.StableSinceSet)
	entry.Size = 1500
	entry.StableSince = nil

	dec, err = machine.Step(entry, machine.Event{Kind: machine.SizeSampled, NewSize: 1500}, epoch(10), cfg)
	require.NoError(t, err)
	require.NotNil(t, dec.StableSince)
	assert.Equal(t, epoch(10), *dec.StableSince)
	entry.StableSince = dec.StableSince

	dec, err = machine.Step(entry, machine.Event{Kind: machine.SizeSampled, NewSize: 1500}, epoch(15), cfg)
	require.NoError(t, err)
	assert.Equal(t, epoch(20), dec.NextCheckAt)

	_, err = machine.Step(entry, machine.Event{Kind: machine.StableTimeoutElapsed}, epoch(15), cfg)
	require.Error(t, err, "integrity must not fire before t=20")

	dec, err = machine.Step(entry, machine.Event{Kind: machine.StableTimeoutElapsed}, epoch(20), cfg)
	require.NoError(t, err)
	assert.Equal(t, model.IntegrityPending, dec.Integrity.Value)
}

// S3: three Incomplete verdicts produce next_check_at gaps of 30, 60, 120s,
// and a size change resets backoff_sec to step_sec.
func TestScenario_S3_IncompleteBackoff(t *testing.T) {
	cfg := testConfig()
	entry := model.FileEntry{
		Path:      "c.mkv",
		Integrity: model.IntegrityPending,
		BackoffSec: 0,
	}

	dec, err := machine.Step(entry, machine.Event{Kind: machine.IntegrityVerdictEvent, Integrity: machine.VerdictIncomplete}, epoch(0), cfg)
	require.NoError(t, err)
	assert.Equal(t, epoch(30), dec.NextCheckAt)
	require.NotNil(t, dec.BackoffSec)
	assert.Equal(t, 60, *dec.BackoffSec)
	entry.BackoffSec = *dec.BackoffSec
	entry.IntegrityAttempts = 1
	entry.Integrity = model.IntegrityIncomplete

	entry.Integrity = model.IntegrityPending
	dec, err = machine.Step(entry, machine.Event{Kind: machine.IntegrityVerdictEvent, Integrity: machine.VerdictIncomplete}, epoch(30), cfg)
	require.NoError(t, err)
	assert.Equal(t, epoch(90), dec.NextCheckAt, "second gap is 60s")
	assert.Equal(t, 120, *dec.BackoffSec)
	entry.BackoffSec = *dec.BackoffSec
	entry.IntegrityAttempts = 2

	entry.Integrity = model.IntegrityPending
	dec, err = machine.Step(entry, machine.Event{Kind: machine.IntegrityVerdictEvent, Integrity: machine.VerdictIncomplete}, epoch(90), cfg)
	require.NoError(t, err)
	assert.Equal(t, epoch(210), dec.NextCheckAt, "third gap is 120s")
	assert.Equal(t, 240, *dec.BackoffSec)

	// A subsequent size change resets the stored backoff to step_sec.
	entry.Integrity = model.IntegrityIncomplete
	sizeDec, err := machine.Step(entry, machine.Event{Kind: machine.SizeSampled, NewSize: entry.Size + 1}, epoch(210), cfg)
	require.NoError(t, err)
	require.NotNil(t, sizeDec.BackoffSec)
	assert.Equal(t, cfg.Backoff.StepSec, *sizeDec.BackoffSec)
}

func TestScenario_S3_ExhaustionTerminatesAsIgnored(t *testing.T) {
	cfg := testConfig()
	entry := model.FileEntry{
		Path:              "c.mkv",
		Integrity:         model.IntegrityPending,
		IntegrityAttempts: cfg.Backoff.MaxIntegrityAttempts,
	}
	dec, err := machine.Step(entry, machine.Event{Kind: machine.IntegrityVerdictEvent, Integrity: machine.VerdictIncomplete}, epoch(0), cfg)
	require.NoError(t, err)
	assert.True(t, dec.Terminal)
	assert.Equal(t, model.ProcessedIgnored, dec.Processed.Value)
	assert.Equal(t, model.SentinelNever, dec.NextCheckAt)
}

// S4: the planner marks the FileEntry for a path that no longer exists
// IGNORED directly via Store.MarkTerminal; here we assert the piece Step
// owns: an ERROR verdict on the last allowed integrity attempt leaves the
// entry ERROR/IGNORED and terminal through the exhaustion path, not
// silently dropped.
func TestScenario_S4_RenameLeavesOldEntryIgnorable(t *testing.T) {
	cfg := testConfig()
	entry := model.FileEntry{
		Path:              "d.mkv.part",
		Integrity:         model.IntegrityPending,
		IntegrityAttempts: cfg.Backoff.MaxIntegrityAttempts,
	}
	dec, err := machine.Step(entry, machine.Event{
		Kind:      machine.IntegrityVerdictEvent,
		Integrity: machine.VerdictError,
		Detail:    "stat: no such file or directory",
	}, epoch(7), cfg)
	require.NoError(t, err)
	assert.Equal(t, model.IntegrityError, dec.Integrity.Value)
	assert.Equal(t, model.ProcessedIgnored, dec.Processed.Value)
	assert.True(t, dec.Terminal)
}

// S5: a crash mid-check leaves the entry in PENDING with a due
// next_check_at; Step itself does not see leases (that is a store/planner
// concern), but re-invoking the same event after "restart" must behave
// identically — Step is stateless and replay-safe.
func TestScenario_S5_ReplaySafeAfterCrash(t *testing.T) {
	cfg := testConfig()
	entry := model.FileEntry{Path: "e.mkv", Integrity: model.IntegrityPending}

	dec1, err := machine.Step(entry, machine.Event{Kind: machine.IntegrityVerdictEvent, Integrity: machine.VerdictComplete}, epoch(100), cfg)
	require.NoError(t, err)
	dec2, err := machine.Step(entry, machine.Event{Kind: machine.IntegrityVerdictEvent, Integrity: machine.VerdictComplete}, epoch(100), cfg)
	require.NoError(t, err)
	assert.Equal(t, dec1, dec2)
}

// S6: a group's two members reach PROCESSED only once both sides are
// COMPLETE; Step's role is reporting conversion success into
// GROUP_PENDING_PAIR and marking the group READY_TO_FINALIZE, with final
// completion driven by GroupMemberUpdated once the companion's own
// integrity check clears.
func TestScenario_S6_GroupConvertedThenFinalized(t *testing.T) {
	cfg := testConfig()
	original := model.FileEntry{
		Path:      "f.mkv",
		Integrity: model.IntegrityComplete,
		Processed: model.ProcessedGroupPendingPair,
		GroupID:   "grp-1",
	}

	dec, err := machine.Step(original, machine.Event{
		Kind:          machine.ConversionVerdictEvent,
		Conversion:    machine.ConversionConverted,
		CompanionPath: "f.stereo.mkv",
	}, epoch(0), cfg)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessedConverted, dec.Processed.Value)
	require.NotNil(t, dec.Group)
	assert.Equal(t, model.GroupReadyToFinalize, dec.Group.State)
	assert.Equal(t, "f.stereo.mkv", dec.Group.CompanionPath)

	dec, err = machine.Step(original, machine.Event{
		Kind:  machine.GroupMemberUpdated,
		Group: machine.GroupCompletion{Satisfied: true},
	}, epoch(1), cfg)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessedGroupProcessed, dec.Processed.Value)
	assert.True(t, dec.Terminal)
	require.NotNil(t, dec.Group)
	assert.True(t, dec.Group.MarkProcessed)
}

func TestStep_IntegrityVerdict_RejectsWithoutPending(t *testing.T) {
	cfg := testConfig()
	entry := model.FileEntry{Path: "x.mkv", Integrity: model.IntegrityUnknown}
	_, err := machine.Step(entry, machine.Event{Kind: machine.IntegrityVerdictEvent, Integrity: machine.VerdictComplete}, epoch(0), cfg)
	require.Error(t, err)
}

func TestStep_AudioProbe_NoTracksIgnored(t *testing.T) {
	cfg := testConfig()
	entry := model.FileEntry{Path: "x.mkv", Integrity: model.IntegrityComplete, Processed: model.ProcessedNew}
	dec, err := machine.Step(entry, machine.Event{Kind: machine.AudioProbeVerdictEvent, Tracks: nil}, epoch(0), cfg)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessedIgnored, dec.Processed.Value)
	assert.True(t, dec.Terminal)
}

func TestStep_ConversionFailed_RetriesThenTerminates(t *testing.T) {
	cfg := testConfig()
	entry := model.FileEntry{
		Path:               "g.mkv",
		Processed:          model.ProcessedGroupPendingPair,
		ConversionAttempts: cfg.Backoff.MaxConversionAttempts - 1,
	}
	dec, err := machine.Step(entry, machine.Event{Kind: machine.ConversionVerdictEvent, Conversion: machine.ConversionFailed, Detail: "ffmpeg exit 1"}, epoch(0), cfg)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessedGroupPendingPair, dec.Processed.Value)
	assert.False(t, dec.Terminal)

	entry.ConversionAttempts = cfg.Backoff.MaxConversionAttempts
	dec, err = machine.Step(entry, machine.Event{Kind: machine.ConversionVerdictEvent, Conversion: machine.ConversionFailed, Detail: "ffmpeg exit 1"}, epoch(0), cfg)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessedConvertFailed, dec.Processed.Value)
	assert.True(t, dec.Terminal)
}
