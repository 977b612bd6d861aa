// Package query implements the read-only operational query API spec §6
// names as the external contract callers use to observe the core, plus the
// one mutating action it carries: requeueing a terminal, non-Verified Job.
package query

import (
	"context"
	"fmt"

	"github.com/forkerdotnet/forkergo/internal/interfaces"
	"github.com/forkerdotnet/forkergo/internal/models"
	"github.com/forkerdotnet/forkergo/internal/services/jobmanager"
)

// JobDetail is the full read-only picture of one Job: its current record,
// every target's outcome, and its append-only StateChangeLog audit trail.
type JobDetail struct {
	Job     *models.Job
	Targets []*models.TargetOutcome
	Log     []models.StateChangeLog
}

// Store is the subset of interfaces.Store the query API reads from.
type Store interface {
	GetJob(ctx context.Context, id models.JobID) (*models.Job, error)
	ListTargets(ctx context.Context, id models.JobID) ([]*models.TargetOutcome, error)
	ListJobs(ctx context.Context, limit int) ([]interfaces.JobSummary, error)
	ListJobsByState(ctx context.Context, state models.JobState, limit int) ([]interfaces.JobSummary, error)
	CountByState(ctx context.Context) (map[models.JobState]int, error)
	ListLog(ctx context.Context, jobID models.JobID) ([]models.StateChangeLog, error)
}

// Requeuer is the subset of jobmanager.JobManager the one mutating action needs.
type Requeuer interface {
	RequeueJob(ctx context.Context, jobID models.JobID, reason string) error
}

// API is the query surface handed to the core's callers (a CLI subcommand or
// any other transport wired in front of it); cmd/forkerd does not build one.
type API struct {
	store Store
	jm    Requeuer
}

// New constructs an API over store for reads and jm for the Requeue action.
func New(store Store, jm *jobmanager.JobManager) *API {
	return &API{store: store, jm: jm}
}

// Counts returns the number of Jobs currently in each JobState.
func (a *API) Counts(ctx context.Context) (map[models.JobState]int, error) {
	return a.store.CountByState(ctx)
}

// List returns up to limit Jobs, most-recently-created first (limit == 0
// means unlimited, per interfaces.Store's ListJobs contract).
func (a *API) List(ctx context.Context, limit int) ([]interfaces.JobSummary, error) {
	return a.store.ListJobs(ctx, limit)
}

// ListByState returns up to limit Jobs currently in state.
func (a *API) ListByState(ctx context.Context, state models.JobState, limit int) ([]interfaces.JobSummary, error) {
	return a.store.ListJobsByState(ctx, state, limit)
}

// Detail returns the full Job record, its targets, and its StateChangeLog.
func (a *API) Detail(ctx context.Context, id models.JobID) (*JobDetail, error) {
	job, err := a.store.GetJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	targets, err := a.store.ListTargets(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list targets for job %s: %w", id, err)
	}
	log, err := a.store.ListLog(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list log for job %s: %w", id, err)
	}
	return &JobDetail{Job: job, Targets: targets, Log: log}, nil
}

// Requeue resets a terminal, non-Verified Job (Failed or Quarantined) back
// to Queued with its non-Verified targets reset to Pending, per spec §6's one
// mutating action.
// jobmanager.JobManager.RequeueJob enforces the state precondition and logs
// reason into the StateChangeLog entry it appends.
func (a *API) Requeue(ctx context.Context, id models.JobID, reason string) error {
	return a.jm.RequeueJob(ctx, id, reason)
}
