package query

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

func newTestAPI(t *testing.T) (*API, *jobmanager.JobManager) {
	t.Helper()
	clock := testfakes.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	logger := common.NewLogger("debug")
	store, err := jobstore.Open(t.TempDir(), clock, logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	jm := jobmanager.NewJobManager(store, clock, logger)
	return New(store, jm), jm
}

func TestAPI_CountsReflectsJobStates(t *testing.T) {
	api, jm := newTestAPI(t)
	ctx := context.Background()

	_, err := jm.Admit(ctx, "/src/a.svs", 10)
	require.NoError(t, err)
	_, err = jm.Admit(ctx, "/src/b.svs", 10)
	require.NoError(t, err)

	counts, err := api.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, counts[models.JobQueued])
}

func TestAPI_ListAndListByState(t *testing.T) {
	api, jm := newTestAPI(t)
	ctx := context.Background()

	jobA, err := jm.Admit(ctx, "/src/a.svs", 10)
	require.NoError(t, err)
	_, err = jm.Admit(ctx, "/src/b.svs", 10)
	require.NoError(t, err)

	all, err := api.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)

	queued, err := api.ListByState(ctx, models.JobQueued, 0)
	require.NoError(t, err)
	require.Len(t, queued, 2)

	ids := make([]models.JobID, 0, len(queued))
	for _, s := range queued {
		ids = append(ids, s.ID)
	}
	require.Contains(t, ids, jobA.ID)
}

func TestAPI_DetailIncludesTargetsAndLog(t *testing.T) {
	api, jm := newTestAPI(t)
	ctx := context.Background()

	job, err := jm.Admit(ctx, "/src/a.svs", 10)
	require.NoError(t, err)

	detail, err := api.Detail(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, job.ID, detail.Job.ID)
	require.Len(t, detail.Targets, len(models.RequiredTargets()))
	require.NotEmpty(t, detail.Log, "Admit must append at least one StateChangeLog row per target")
}

func TestAPI_RequeueResetsFailedJobToQueued(t *testing.T) {
	api, jm := newTestAPI(t)
	ctx := context.Background()

	job, err := jm.Admit(ctx, "/src/a.svs", 10)
	require.NoError(t, err)

	for _, target := range models.RequiredTargets() {
		require.NoError(t, jm.MarkTargetFailed(ctx, job.ID, target, models.CauseIOError, "disk full", true))
	}
	failed, err := jm.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobFailed, failed.State)

	require.NoError(t, api.Requeue(ctx, job.ID, "operator retry after disk repair"))

	requeued, err := api.Detail(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobQueued, requeued.Job.State)
	for _, tgt := range requeued.Targets {
		require.Equal(t, models.TargetPending, tgt.CopyState)
	}
}
