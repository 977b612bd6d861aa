// Package adjudicator implements the Adjudicator (spec §4.7): the reactor
// that turns terminal TargetOutcome transitions into Job-level side effects
// — scheduling retries with exponential backoff, moving quarantined files
// aside, and deleting the source once a Job is fully Verified.
package adjudicator

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/forkerdotnet/forkergo/internal/common"
	"github.com/forkerdotnet/forkergo/internal/interfaces"
	"github.com/forkerdotnet/forkergo/internal/models"
	"github.com/forkerdotnet/forkergo/internal/services/copier"
)

// JobManager is the subset of jobmanager.JobManager the Adjudicator needs;
// satisfied by *jobmanager.JobManager in production.
type JobManager interface {
	GetJob(ctx context.Context, jobID models.JobID) (*models.Job, error)
	ListNonTerminalJobs(ctx context.Context) ([]*models.Job, error)
	ListJobsByState(ctx context.Context, state models.JobState, limit int) ([]interfaces.JobSummary, error)
	ListTargets(ctx context.Context, jobID models.JobID) ([]*models.TargetOutcome, error)
	ResetForRetry(ctx context.Context, jobID models.JobID, targetID models.TargetID) error
	MarkTargetFailed(ctx context.Context, jobID models.JobID, targetID models.TargetID, cause models.FailureCause, errMsg string, permanent bool) error
	MarkSourceDeleted(ctx context.Context, jobID models.JobID) error
}

// Dispatcher re-submits a copy attempt to the right target's Copy Worker
// pool after a retryable target has been reset back to Pending.
type Dispatcher func(targetID models.TargetID, req copier.Request)

// Config configures the Adjudicator's retry budget and backoff schedule
// (spec §4.7, drawn from EngineConfig).
type Config struct {
	PollInterval      time.Duration
	MaxRetryAttempts  int
	RetryDelay        time.Duration
	RetryBackoffCap   time.Duration
	QuarantineDir     string
}

// Adjudicator is the single logical reconciliation worker over every
// non-terminal Job (spec §5: sharded by JobID in spirit, serialized here by
// running the whole sweep on one goroutine so the same Job is never
// reconsidered concurrently with itself).
type Adjudicator struct {
	jm     JobManager
	fs     interfaces.Filesystem
	clock  interfaces.Clock
	logger *common.Logger
	cfg    Config
	dispatch Dispatcher
}

// New constructs an Adjudicator.
func New(jm JobManager, fs interfaces.Filesystem, clock interfaces.Clock, logger *common.Logger, cfg Config, dispatch Dispatcher) *Adjudicator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Adjudicator{jm: jm, fs: fs, clock: clock, logger: logger, cfg: cfg, dispatch: dispatch}
}

// Run sweeps every non-terminal Job once per PollInterval until ctx is
// cancelled. It is meant to be launched via jobmanager.SafeGo.
func (a *Adjudicator) Run(ctx context.Context) error {
	ticker := a.clock.After(a.cfg.PollInterval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker:
			a.Sweep(ctx)
			ticker = a.clock.After(a.cfg.PollInterval)
		}
	}
}

// Sweep performs one reconciliation pass: retry scheduling over every
// non-terminal Job, plus the one-time terminal side effects (quarantine file
// move, source deletion) for Jobs that just reached Quarantined or Verified.
// ListNonTerminalJobs excludes both of those states by design, so they are
// fetched separately via ListJobsByState. It is exported so tests (and the
// engine's startup recovery routine) can drive it directly without waiting
// on the clock-driven loop.
func (a *Adjudicator) Sweep(ctx context.Context) {
	jobs, err := a.jm.ListNonTerminalJobs(ctx)
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to list non-terminal jobs")
		return
	}
	for _, job := range jobs {
		select {
		case <-ctx.Done():
			return
		default:
		}
		a.reconcileRetries(ctx, job)
	}

	a.sweepByState(ctx, models.JobQuarantined, a.quarantine)
	a.sweepByState(ctx, models.JobVerified, a.deleteSource)
}

func (a *Adjudicator) sweepByState(ctx context.Context, state models.JobState, handle func(context.Context, *models.Job, []*models.TargetOutcome)) {
	summaries, err := a.jm.ListJobsByState(ctx, state, 0)
	if err != nil {
		a.logger.Error().Str("state", string(state)).Err(err).Msg("failed to list jobs by state")
		return
	}
	for _, summary := range summaries {
		select {
		case <-ctx.Done():
			return
		default:
		}
		job, err := a.jm.GetJob(ctx, summary.ID)
		if err != nil {
			a.logger.Error().Str("job", string(summary.ID)).Err(err).Msg("failed to load job for terminal sweep")
			continue
		}
		targets, err := a.jm.ListTargets(ctx, job.ID)
		if err != nil {
			a.logger.Error().Str("job", string(job.ID)).Err(err).Msg("failed to list targets for terminal sweep")
			continue
		}
		handle(ctx, job, targets)
	}
}

func (a *Adjudicator) reconcileRetries(ctx context.Context, job *models.Job) {
	targets, err := a.jm.ListTargets(ctx, job.ID)
	if err != nil {
		a.logger.Error().Str("job", string(job.ID)).Err(err).Msg("failed to list targets")
		return
	}
	for _, t := range targets {
		if t.CopyState == models.TargetFailedRetryable {
			a.handleRetryable(ctx, job, t)
		}
	}
}

// handleRetryable either promotes a retryable target to permanent failure
// once its budget is exhausted, or resets it back to Pending and redispatches
// a fresh copy attempt once its backoff delay has elapsed (spec §4.7).
func (a *Adjudicator) handleRetryable(ctx context.Context, job *models.Job, t *models.TargetOutcome) {
	if t.Attempts >= a.cfg.MaxRetryAttempts {
		if err := a.jm.MarkTargetFailed(ctx, job.ID, t.TargetID, models.CauseRetriesExhausted,
			fmt.Sprintf("retry budget exhausted after %d attempts", t.Attempts), true); err != nil {
			a.logger.Error().Str("job", string(job.ID)).Str("target", string(t.TargetID)).Err(err).Msg("failed to promote exhausted retry to permanent failure")
		}
		return
	}

	delay := backoffDelay(a.cfg.RetryDelay, a.cfg.RetryBackoffCap, t.Attempts)
	if a.clock.Now().Before(t.LastTransitionUTC.Add(delay)) {
		return // backoff window not yet elapsed
	}

	if err := a.jm.ResetForRetry(ctx, job.ID, t.TargetID); err != nil {
		a.logger.Error().Str("job", string(job.ID)).Str("target", string(t.TargetID)).Err(err).Msg("failed to reset target for retry")
		return
	}
	a.logger.Info().Str("job", string(job.ID)).Str("target", string(t.TargetID)).Int("attempt", t.Attempts+1).Msg("redispatching retry after backoff")
	if a.dispatch != nil {
		a.dispatch(t.TargetID, copier.Request{
			JobID: job.ID, TargetID: t.TargetID,
			SourcePath: job.SourcePath, ExpectedSize: job.InitialSize,
		})
	}
}

// backoffDelay computes the Nth retry's backoff window using
// cenkalti/backoff's deterministic exponential schedule (multiplier 2,
// capped at backoffCap, spec §4.7).
func backoffDelay(base, cap time.Duration, attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.MaxInterval = cap
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		d = b.NextBackOff()
	}
	if d > cap {
		d = cap
	}
	return d
}

// deleteSource removes the source file once every target is Verified (I4:
// source_deleted_utc set only when both final_path files exist and are
// non-empty). Idempotent: a Job whose SourceDeletedUTC is already set is
// skipped, so a repeated sweep neither removes the source again nor commits
// a new version.
func (a *Adjudicator) deleteSource(ctx context.Context, job *models.Job, targets []*models.TargetOutcome) {
	if job.SourceDeletedUTC != nil {
		return
	}
	for _, t := range targets {
		if t.CopyState != models.TargetVerified || t.FinalPath == "" {
			return
		}
		info, err := a.fs.Stat(t.FinalPath)
		if err != nil || info.Size == 0 {
			a.logger.Warn().Str("job", string(job.ID)).Str("target", string(t.TargetID)).Msg("verified target missing its final file, deferring source deletion")
			return
		}
	}

	if err := a.fs.Remove(job.SourcePath); err != nil {
		a.logger.Error().Str("job", string(job.ID)).Err(err).Msg("failed to delete source after verification")
		return
	}
	if err := a.jm.MarkSourceDeleted(ctx, job.ID); err != nil {
		a.logger.Error().Str("job", string(job.ID)).Err(err).Msg("failed to record source deletion")
	}
}

// quarantine moves every FailedPermanent target's final_path (if one was
// ever produced) aside into the quarantine directory, preserving the other
// target's file in place for forensics (spec §4.7). Idempotent: once a
// final_path has been moved, Exists on its original location is false on the
// next sweep, so the move is not repeated.
func (a *Adjudicator) quarantine(ctx context.Context, job *models.Job, targets []*models.TargetOutcome) {
	for _, t := range targets {
		if t.CopyState != models.TargetFailedPermanent || t.FinalPath == "" {
			continue
		}
		exists, err := a.fs.Exists(t.FinalPath)
		if err != nil || !exists {
			continue // already moved, or never produced a file to move
		}
		dest := filepath.Join(a.cfg.QuarantineDir,
			fmt.Sprintf("%s.%s.quarantined", filepath.Base(t.FinalPath), a.clock.Now().UTC().Format("20060102T150405Z")))
		if err := a.fs.MkdirAll(a.cfg.QuarantineDir); err != nil {
			a.logger.Error().Str("job", string(job.ID)).Err(err).Msg("failed to create quarantine directory")
			continue
		}
		if err := a.fs.Rename(t.FinalPath, dest); err != nil {
			a.logger.Error().Str("job", string(job.ID)).Str("target", string(t.TargetID)).Err(err).Msg("failed to move file into quarantine")
			continue
		}
		a.logger.Warn().Str("job", string(job.ID)).Str("target", string(t.TargetID)).Str("quarantined_path", dest).Msg("quarantined corrupted target file")
	}
}
