package engine

// Cross-component property tests over the replication pipeline as a whole —
// structural guarantees the engine as a system must uphold, as opposed to
// any one component's own unit tests. Lives in this package (rather than
// its own) so it can drive the same unexported fields engine_test.go does.

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forkerdotnet/forkergo/internal/models"
	"github.com/forkerdotnet/forkergo/internal/services/copier"
)

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func TestVerifiedJob_BothTargetFilesMatchSourceHash(t *testing.T) {
	e, fs, _ := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	content := []byte("a whole-slide image payload, pretend bytes for both targets")
	fs.Seed("/src/scan.svs", content)

	job, err := e.jm.Admit(ctx, "/src/scan.svs", int64(len(content)))
	require.NoError(t, err)

	for _, pool := range e.copiers {
		pool.Run(ctx)
	}
	e.verifierPl.Run(ctx)

	for _, target := range models.RequiredTargets() {
		e.dispatchCopy(target, copier.Request{
			JobID: job.ID, TargetID: target, SourcePath: "/src/scan.svs", ExpectedSize: int64(len(content)),
		})
	}

	verified := waitForJobState(t, e, job.ID, models.JobVerified)
	want := sha256Hex(content)
	require.Equal(t, want, verified.SourceHash)

	targets, err := e.jm.ListTargets(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, targets, 2)
	for _, tgt := range targets {
		require.Equal(t, models.TargetVerified, tgt.CopyState)
		require.Equal(t, want, tgt.VerifiedHash)

		info, err := fs.Stat(tgt.FinalPath)
		require.NoError(t, err)
		require.Equal(t, int64(len(content)), info.Size)

		rf, err := fs.OpenRead(tgt.FinalPath)
		require.NoError(t, err)
		buf := make([]byte, len(content))
		n, _ := rf.Read(buf)
		require.Equal(t, content, buf[:n])
	}
}

func TestQuarantinedJob_SourcePreservedThroughAndAfterSweep(t *testing.T) {
	e, fs, _ := newTestEngine(t)
	ctx := context.Background()

	content := []byte("0123456789")
	fs.Seed("/src/scan.svs", content)

	job, err := e.jm.Admit(ctx, "/src/scan.svs", int64(len(content)))
	require.NoError(t, err)

	// Target A: copied, then its final-path file is corrupted in place so
	// the Verifier's re-read hash mismatches the source hash.
	_, err = e.jm.StartCopy(ctx, job.ID, models.TargetA, "/targetA/scan.svs.part")
	require.NoError(t, err)
	fs.Seed("/targetA/scan.svs", []byte("CORRUPTED!"))
	require.NoError(t, e.jm.MarkCopied(ctx, job.ID, models.TargetA, "/targetA/scan.svs", int64(len(content))))
	require.NoError(t, e.jm.MarkVerifying(ctx, job.ID, models.TargetA))
	require.NoError(t, e.jm.MarkTargetFailed(ctx, job.ID, models.TargetA, models.CauseHashMismatch, "hash mismatch on verify", true))

	_, err = e.jm.StartCopy(ctx, job.ID, models.TargetB, "/targetB/scan.svs.part")
	require.NoError(t, err)
	fs.Seed("/targetB/scan.svs", content)
	require.NoError(t, e.jm.MarkCopied(ctx, job.ID, models.TargetB, "/targetB/scan.svs", int64(len(content))))
	require.NoError(t, e.jm.MarkVerifying(ctx, job.ID, models.TargetB))
	require.NoError(t, e.jm.MarkVerified(ctx, job.ID, models.TargetB, sha256Hex(content)))

	quarantined, err := e.jm.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobQuarantined, quarantined.State)
	require.Nil(t, quarantined.SourceDeletedUTC)

	exists, err := fs.Exists("/src/scan.svs")
	require.NoError(t, err)
	require.True(t, exists)

	e.adjudicator.Sweep(ctx)

	afterSweep, err := e.jm.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Nil(t, afterSweep.SourceDeletedUTC, "a Quarantined job must never have its source deleted")

	exists, err = fs.Exists("/src/scan.svs")
	require.NoError(t, err)
	require.True(t, exists, "source must never be deleted for a Quarantined job")

	corruptStillAtFinal, err := fs.Exists("/targetA/scan.svs")
	require.NoError(t, err)
	require.False(t, corruptStillAtFinal, "the corrupt file must be moved into the quarantine directory")
}

func TestVersionTokens_StrictlyIncreaseAcrossEveryTransitionForAJob(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	job, err := e.jm.Admit(ctx, "/src/scan.svs", 10)
	require.NoError(t, err)

	var tokens []int64
	observe := func() {
		cur, err := e.jm.GetJob(ctx, job.ID)
		require.NoError(t, err)
		tokens = append(tokens, cur.VersionToken)
	}
	observe()

	_, err = e.jm.StartCopy(ctx, job.ID, models.TargetA, "/targetA/scan.svs.part")
	require.NoError(t, err)
	observe()

	require.NoError(t, e.jm.MarkCopied(ctx, job.ID, models.TargetA, "/targetA/scan.svs", 10))
	observe()

	require.NoError(t, e.jm.MarkVerifying(ctx, job.ID, models.TargetA))
	observe()

	require.NoError(t, e.jm.MarkVerified(ctx, job.ID, models.TargetA, "deadbeef"))
	observe()

	for i := 1; i < len(tokens); i++ {
		require.Greater(t, tokens[i], tokens[i-1], "VersionToken must strictly increase across transitions")
	}
}

func TestJob_ReloadedFromStoreYieldsEqualFieldValues(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	job, err := e.jm.Admit(ctx, "/src/scan.svs", 12345)
	require.NoError(t, err)
	require.NoError(t, e.jm.SetSourceHash(ctx, job.ID, "AbCdEf0123456789"))

	reloaded, err := e.jm.GetJob(ctx, job.ID)
	require.NoError(t, err)

	require.Equal(t, job.ID, reloaded.ID)
	require.Equal(t, job.SourcePath, reloaded.SourcePath)
	require.Equal(t, job.InitialSize, reloaded.InitialSize)
	require.Equal(t, job.RequiredTargets, reloaded.RequiredTargets)
	require.Equal(t, job.CreatedUTC, reloaded.CreatedUTC)
	require.Equal(t, "AbCdEf0123456789", reloaded.SourceHash, "the store persists the hash verbatim; hex-case-insensitive comparison is the caller's responsibility")
}

func TestAdjudicatorSweep_ApplyingTwiceToTheSameTerminalJobHasNoAdditionalEffect(t *testing.T) {
	e, fs, _ := newTestEngine(t)
	ctx := context.Background()

	content := []byte("0123456789")
	fs.Seed("/src/scan.svs", content)
	fs.Seed("/targetA/scan.svs", content)
	fs.Seed("/targetB/scan.svs", content)

	job, err := e.jm.Admit(ctx, "/src/scan.svs", int64(len(content)))
	require.NoError(t, err)
	require.NoError(t, e.jm.SetSourceHash(ctx, job.ID, sha256Hex(content)))

	for _, target := range models.RequiredTargets() {
		finalPath := "/targetA/scan.svs"
		if target == models.TargetB {
			finalPath = "/targetB/scan.svs"
		}
		_, err = e.jm.StartCopy(ctx, job.ID, target, finalPath+".part")
		require.NoError(t, err)
		require.NoError(t, e.jm.MarkCopied(ctx, job.ID, target, finalPath, int64(len(content))))
		require.NoError(t, e.jm.MarkVerifying(ctx, job.ID, target))
		require.NoError(t, e.jm.MarkVerified(ctx, job.ID, target, sha256Hex(content)))
	}

	e.adjudicator.Sweep(ctx)
	first, err := e.jm.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, first.SourceDeletedUTC)
	firstDeletedAt := *first.SourceDeletedUTC
	firstToken := first.VersionToken

	e.adjudicator.Sweep(ctx)
	second, err := e.jm.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, firstDeletedAt, *second.SourceDeletedUTC)
	require.Equal(t, firstToken, second.VersionToken, "a repeated sweep over an already-handled terminal Job must not re-transition it")
}
