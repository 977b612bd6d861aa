package adjudicator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forkerdotnet/forkergo/internal/common"
	"github.com/forkerdotnet/forkergo/internal/models"
	"github.com/forkerdotnet/forkergo/internal/services/copier"
	"github.com/forkerdotnet/forkergo/internal/services/jobmanager"
	"github.com/forkerdotnet/forkergo/internal/storage/jobstore"
	"github.com/forkerdotnet/forkergo/internal/testfakes"
)

func newTestAdjudicator(t *testing.T, cfg Config, dispatch Dispatcher) (*Adjudicator, *jobmanager.JobManager, *testfakes.Filesystem, *testfakes.Clock) {
	t.Helper()
	clock := testfakes.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	fs := testfakes.NewFilesystem(clock)
	logger := common.NewLogger("debug")
	store, err := jobstore.Open(t.TempDir(), clock, logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	jm := jobmanager.NewJobManager(store, clock, logger)
	if cfg.QuarantineDir == "" {
		cfg.QuarantineDir = "/quarantine"
	}
	return New(jm, fs, clock, logger, cfg, dispatch), jm, fs, clock
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

// failRetryableOnce drives one target through StartCopy (bumping Attempts)
// then a retryable MarkTargetFailed, simulating one exhausted copy attempt.
func failRetryableOnce(t *testing.T, jm *jobmanager.JobManager, jobID models.JobID, targetID models.TargetID) {
	t.Helper()
	ctx := context.Background()
	_, err := jm.StartCopy(ctx, jobID, targetID, "/tmp/whatever.part")
	require.NoError(t, err)
	require.NoError(t, jm.MarkTargetFailed(ctx, jobID, targetID, models.CauseIOError, "destination io error", false))
}

func TestHandleRetryable_ExhaustedBudgetPromotesToPermanentFailureAndJobFailed(t *testing.T) {
	a, jm, _, _ := newTestAdjudicator(t, Config{MaxRetryAttempts: 2, RetryDelay: time.Second, RetryBackoffCap: time.Minute}, nil)
	ctx := context.Background()

	job, err := jm.Admit(ctx, "/src/scan.svs", 10)
	require.NoError(t, err)

	failRetryableOnce(t, jm, job.ID, models.TargetA)
	// A FailedRetryable target goes back to Pending before its next StartCopy.
	require.NoError(t, jm.ResetForRetry(ctx, job.ID, models.TargetA))
	failRetryableOnce(t, jm, job.ID, models.TargetA)

	// Leave TargetB in a terminal (non-pending) state too, so the Job-level
	// promote() triggered by TargetA's promotion below can actually decide
	// an outcome instead of waiting on a still-Pending sibling.
	require.NoError(t, jm.MarkTargetFailed(ctx, job.ID, models.TargetB, models.CauseRetriesExhausted, "unrelated exhaustion", true))

	target := targetOf(t, jm, job.ID, models.TargetA)
	require.Equal(t, models.TargetFailedRetryable, target.CopyState)
	require.Equal(t, 2, target.Attempts)

	a.handleRetryable(ctx, job, target)

	target = targetOf(t, jm, job.ID, models.TargetA)
	require.Equal(t, models.TargetFailedPermanent, target.CopyState)
	require.Equal(t, models.CauseRetriesExhausted, target.LastErrorCause)

	updatedJob, err := jm.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobFailed, updatedJob.State, "a retries-exhausted cause is not a quarantine cause")
}

func TestHandleRetryable_RedispatchesAfterBackoffElapses(t *testing.T) {
	var dispatched []copier.Request
	dispatch := func(targetID models.TargetID, req copier.Request) { dispatched = append(dispatched, req) }

	a, jm, _, clock := newTestAdjudicator(t, Config{MaxRetryAttempts: 5, RetryDelay: time.Second, RetryBackoffCap: time.Minute}, dispatch)
	ctx := context.Background()

	job, err := jm.Admit(ctx, "/src/scan.svs", 10)
	require.NoError(t, err)
	failRetryableOnce(t, jm, job.ID, models.TargetA)

	target := targetOf(t, jm, job.ID, models.TargetA)
	require.Equal(t, models.TargetFailedRetryable, target.CopyState)

	// Backoff window has not elapsed yet: no reset, no dispatch.
	a.handleRetryable(ctx, job, target)
	require.Empty(t, dispatched)
	require.Equal(t, models.TargetFailedRetryable, targetOf(t, jm, job.ID, models.TargetA).CopyState)

	// Advance the clock past the first retry's backoff delay (InitialInterval == RetryDelay).
	clock.Advance(2 * time.Second)

	a.handleRetryable(ctx, job, targetOf(t, jm, job.ID, models.TargetA))
	require.Len(t, dispatched, 1)
	require.Equal(t, job.ID, dispatched[0].JobID)
	require.Equal(t, models.TargetA, dispatched[0].TargetID)
	require.Equal(t, models.TargetPending, targetOf(t, jm, job.ID, models.TargetA).CopyState)
}

func TestSweep_QuarantinesPermanentlyFailedTargetAndLeavesSiblingFileInPlace(t *testing.T) {
	a, jm, fs, _ := newTestAdjudicator(t, Config{MaxRetryAttempts: 5}, nil)
	ctx := context.Background()

	job, err := jm.Admit(ctx, "/src/scan.svs", 10)
	require.NoError(t, err)

	fs.Seed("/targetA/scan.svs", []byte("corrupted!"))
	fs.Seed("/targetB/scan.svs", []byte("good bytes"))

	_, err = jm.StartCopy(ctx, job.ID, models.TargetA, "/targetA/scan.svs.part")
	require.NoError(t, err)
	require.NoError(t, jm.MarkCopied(ctx, job.ID, models.TargetA, "/targetA/scan.svs", 10))
	require.NoError(t, jm.MarkTargetFailed(ctx, job.ID, models.TargetA, models.CauseHashMismatch, "hash mismatch on verify", true))

	_, err = jm.StartCopy(ctx, job.ID, models.TargetB, "/targetB/scan.svs.part")
	require.NoError(t, err)
	require.NoError(t, jm.MarkCopied(ctx, job.ID, models.TargetB, "/targetB/scan.svs", 10))
	require.NoError(t, jm.MarkVerifying(ctx, job.ID, models.TargetB))
	require.NoError(t, jm.MarkVerified(ctx, job.ID, models.TargetB, "deadbeef"))

	updatedJob, err := jm.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobQuarantined, updatedJob.State)

	a.Sweep(ctx)

	exists, err := fs.Exists("/targetA/scan.svs")
	require.NoError(t, err)
	require.False(t, exists, "the quarantined target's file must be moved out of final_path")

	exists, err = fs.Exists("/targetB/scan.svs")
	require.NoError(t, err)
	require.True(t, exists, "the sibling target's file must be left untouched")

	// Idempotent: a second sweep must not error or re-move an already-moved file.
	a.Sweep(ctx)
}

func TestSweep_DeletesSourceOnceBothTargetsVerified(t *testing.T) {
	a, jm, fs, _ := newTestAdjudicator(t, Config{MaxRetryAttempts: 5}, nil)
	ctx := context.Background()

	job, err := jm.Admit(ctx, "/src/scan.svs", 10)
	require.NoError(t, err)
	require.NoError(t, jm.SetSourceHash(ctx, job.ID, "cafef00d"))

	fs.Seed("/src/scan.svs", []byte("0123456789"))
	fs.Seed("/targetA/scan.svs", []byte("0123456789"))
	fs.Seed("/targetB/scan.svs", []byte("0123456789"))

	for _, target := range []models.TargetID{models.TargetA, models.TargetB} {
		finalPath := "/targetA/scan.svs"
		if target == models.TargetB {
			finalPath = "/targetB/scan.svs"
		}
		_, err = jm.StartCopy(ctx, job.ID, target, finalPath+".part")
		require.NoError(t, err)
		require.NoError(t, jm.MarkCopied(ctx, job.ID, target, finalPath, 10))
		require.NoError(t, jm.MarkVerifying(ctx, job.ID, target))
		require.NoError(t, jm.MarkVerified(ctx, job.ID, target, "cafef00d"))
	}

	updatedJob, err := jm.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobVerified, updatedJob.State)

	a.Sweep(ctx)

	exists, err := fs.Exists("/src/scan.svs")
	require.NoError(t, err)
	require.False(t, exists, "the source file must be removed once every target is verified")

	updatedJob, err = jm.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, updatedJob.SourceDeletedUTC)

	// Idempotent: a second sweep over the same (now-gone) source must not error.
	a.Sweep(ctx)
}
