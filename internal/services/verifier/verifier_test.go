package verifier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forkerdotnet/forkergo/internal/common"
	"github.com/forkerdotnet/forkergo/internal/models"
	"github.com/forkerdotnet/forkergo/internal/services/jobmanager"
	"github.com/forkerdotnet/forkergo/internal/storage/jobstore"
	"github.com/forkerdotnet/forkergo/internal/testfakes"
)

func newTestPool(t *testing.T, cfg Config) (*Pool, *jobmanager.JobManager, *testfakes.Filesystem) {
	t.Helper()
	clock := testfakes.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	fs := testfakes.NewFilesystem(clock)
	logger := common.NewLogger("debug")
	store, err := jobstore.Open(t.TempDir(), clock, logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	jm := jobmanager.NewJobManager(store, clock, logger)
	return New(fs, testfakes.Hasher{}, jm, logger, cfg), jm, fs
}

func targetOf(t *testing.T, jm *jobmanager.JobManager, jobID models.JobID, id models.TargetID) *models.TargetOutcome {
	t.Helper()
	targets, err := jm.ListTargets(context.Background(), jobID)
	require.NoError(t, err)
	for _, to := range targets {
		if to.TargetID == id {
			return to
		}
	}
	t.Fatalf("target %s not found", id)
	return nil
}

// setupCopiedTarget advances a freshly admitted job's target straight to
// Copied, the state the Verifier expects to receive work in.
func setupCopiedTarget(t *testing.T, jm *jobmanager.JobManager, sourcePath, finalPath string, size int64) models.JobID {
	t.Helper()
	ctx := context.Background()
	job, err := jm.Admit(ctx, sourcePath, size)
	require.NoError(t, err)
	_, err = jm.StartCopy(ctx, job.ID, models.TargetA, finalPath+".part")
	require.NoError(t, err)
	require.NoError(t, jm.MarkCopied(ctx, job.ID, models.TargetA, finalPath, size))
	return job.ID
}

func TestVerifyOne_MatchingHashMarksVerifiedAndCachesSourceHash(t *testing.T) {
	p, jm, fs := newTestPool(t, Config{})
	content := []byte("matching payload bytes")
	fs.Seed("/src/scan.svs", content)
	fs.Seed("/targetA/scan.svs", content)

	jobID := setupCopiedTarget(t, jm, "/src/scan.svs", "/targetA/scan.svs", int64(len(content)))

	p.verifyOne(context.Background(), Request{JobID: jobID, TargetID: models.TargetA, SourcePath: "/src/scan.svs", FinalPath: "/targetA/scan.svs"})

	a := targetOf(t, jm, jobID, models.TargetA)
	require.Equal(t, models.TargetVerified, a.CopyState)
	require.NotEmpty(t, a.VerifiedHash)

	job, err := jm.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, a.VerifiedHash, job.SourceHash, "the cached source hash must equal the re-read final hash on a match")
}

func TestVerifyOne_HashMismatchMarksPermanentFailure(t *testing.T) {
	p, jm, fs := newTestPool(t, Config{})
	fs.Seed("/src/scan.svs", []byte("original bytes"))
	fs.Seed("/targetA/scan.svs", []byte("corrupted!!!!!"))

	jobID := setupCopiedTarget(t, jm, "/src/scan.svs", "/targetA/scan.svs", 15)

	p.verifyOne(context.Background(), Request{JobID: jobID, TargetID: models.TargetA, SourcePath: "/src/scan.svs", FinalPath: "/targetA/scan.svs"})

	a := targetOf(t, jm, jobID, models.TargetA)
	require.Equal(t, models.TargetFailedPermanent, a.CopyState)
	require.Equal(t, models.CauseHashMismatch, a.LastErrorCause)
	require.True(t, a.LastErrorCause.IsQuarantineCause())
}

func TestVerifyOne_ReusesAlreadyCachedSourceHashWithoutRereadingSource(t *testing.T) {
	p, jm, fs := newTestPool(t, Config{})
	content := []byte("shared across both targets")
	fs.Seed("/src/scan.svs", content)
	fs.Seed("/targetA/scan.svs", content)
	fs.Seed("/targetB/scan.svs", content)

	jobID := setupCopiedTarget(t, jm, "/src/scan.svs", "/targetA/scan.svs", int64(len(content)))
	ctx := context.Background()
	_, err := jm.StartCopy(ctx, jobID, models.TargetB, "/targetB/scan.svs.part")
	require.NoError(t, err)
	require.NoError(t, jm.MarkCopied(ctx, jobID, models.TargetB, "/targetB/scan.svs", int64(len(content))))

	p.verifyOne(ctx, Request{JobID: jobID, TargetID: models.TargetA, SourcePath: "/src/scan.svs", FinalPath: "/targetA/scan.svs"})
	job, err := jm.GetJob(ctx, jobID)
	require.NoError(t, err)
	cachedHash := job.SourceHash
	require.NotEmpty(t, cachedHash)

	// Remove the source entirely: if the second verify re-read it, this
	// would fail; it must instead reuse the already-cached hash.
	require.NoError(t, fs.Remove("/src/scan.svs"))

	p.verifyOne(ctx, Request{JobID: jobID, TargetID: models.TargetB, SourcePath: "/src/scan.svs", FinalPath: "/targetB/scan.svs"})
	b := targetOf(t, jm, jobID, models.TargetB)
	require.Equal(t, models.TargetVerified, b.CopyState)
	require.Equal(t, cachedHash, b.VerifiedHash)
}
