// Package jobmanager owns the Job/TargetOutcome lifecycle: every other
// component (Stability Gate, Copy Workers, Verifier, Adjudicator) mutates
// persisted state exclusively through this facade rather than calling
// interfaces.Store directly, so the optimistic-concurrency retry loop and
// the Job-level state promotion rules live in exactly one place.
package jobmanager

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/forkerdotnet/forkergo/internal/common"
	"github.com/forkerdotnet/forkergo/internal/interfaces"
	"github.com/forkerdotnet/forkergo/internal/models"
)

// JobManager wraps interfaces.Store with retry-on-conflict transition
// helpers and the Job-level state promotion rules of spec §4.2.
type JobManager struct {
	store  interfaces.Store
	clock  interfaces.Clock
	logger *common.Logger
}

// NewJobManager constructs a JobManager over the given Store.
func NewJobManager(store interfaces.Store, clock interfaces.Clock, logger *common.Logger) *JobManager {
	return &JobManager{store: store, clock: clock, logger: logger}
}

// safeGo launches a goroutine with panic recovery and logging, matching the
// teacher's pattern for every background loop in this engine.
func safeGo(logger *common.Logger, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("recovered from panic in background goroutine")
			}
		}()
		fn()
	}()
}

// Admit persists a freshly stable, admitted source file as a new Job with
// two Pending TargetOutcomes (spec §4.2 Discovered -> Queued).
func (jm *JobManager) Admit(ctx context.Context, sourcePath string, size int64) (*models.Job, error) {
	job := &models.Job{
		ID:              models.NewJobID(),
		SourcePath:      sourcePath,
		InitialSize:     size,
		RequiredTargets: models.RequiredTargets(),
	}
	targets := make([]*models.TargetOutcome, 0, len(job.RequiredTargets))
	for _, t := range job.RequiredTargets {
		targets = append(targets, &models.TargetOutcome{TargetID: t})
	}
	if err := jm.store.CreateJob(ctx, job, targets); err != nil {
		return nil, err
	}
	return job, nil
}

// applyWithRetry builds and applies a Transition, reloading the current
// version_token and retrying whenever the Store reports Conflict (spec
// §4.1: "the caller reloads current state and retries").
func (jm *JobManager) applyWithRetry(ctx context.Context, jobID models.JobID, build func(token int64) interfaces.TransitionInput) (interfaces.TransitionResult, error) {
	job, err := jm.store.GetJob(ctx, jobID)
	if err != nil {
		return interfaces.TransitionResult{}, err
	}
	token := job.VersionToken
	for {
		res, err := jm.store.Transition(ctx, build(token))
		if err != nil {
			return interfaces.TransitionResult{}, err
		}
		if res.Outcome == interfaces.Conflict {
			token = res.CurrentToken
			continue
		}
		if res.Outcome == interfaces.InvariantViolation {
			return res, fmt.Errorf("transition refused for job %s: %w", jobID, res.Err)
		}
		return res, nil
	}
}

func targetLog(jobID models.JobID, targetID models.TargetID, old, new models.TargetState) models.StateChangeLog {
	return models.StateChangeLog{
		JobID: jobID, EntityKind: models.EntityTarget, EntityID: string(targetID),
		OldState: string(old), NewState: string(new),
	}
}

func jobLog(jobID models.JobID, old, new models.JobState) models.StateChangeLog {
	return models.StateChangeLog{
		JobID: jobID, EntityKind: models.EntityJob,
		OldState: string(old), NewState: string(new),
	}
}

// StartCopy transitions one target Pending -> Copying, recording tempPath
// and incrementing attempts inside the same commit (I7: attempts is bumped
// nowhere else). If this is the Job's first target to start copying, the
// Job is promoted Queued -> InProgress in the same transaction.
func (jm *JobManager) StartCopy(ctx context.Context, jobID models.JobID, targetID models.TargetID, tempPath string) (interfaces.TransitionResult, error) {
	return jm.applyWithRetry(ctx, jobID, func(token int64) interfaces.TransitionInput {
		var jobMut *interfaces.JobMutation
		if job, err := jm.store.GetJob(ctx, jobID); err == nil && job.State == models.JobQueued {
			jobMut = &interfaces.JobMutation{NewState: models.JobInProgress}
		}
		in := interfaces.TransitionInput{
			JobID: jobID, ExpectedVersionToken: token,
			Target: &interfaces.TargetMutation{
				TargetID: targetID, NewState: models.TargetCopying,
				IncrementAttempts: true, TempPath: &tempPath,
			},
			LogEntry: targetLog(jobID, targetID, models.TargetPending, models.TargetCopying),
		}
		if jobMut != nil {
			in.Job = jobMut
		}
		return in
	})
}

// RecordProgress persists a new bytes_copied value without changing target
// state (spec §9 Open Question #2, resolved in SPEC_FULL.md §C — callers
// throttle the frequency of this call; the Store itself applies it as a
// normal versioned commit).
func (jm *JobManager) RecordProgress(ctx context.Context, jobID models.JobID, targetID models.TargetID, bytesCopied int64) error {
	_, err := jm.applyWithRetry(ctx, jobID, func(token int64) interfaces.TransitionInput {
		return interfaces.TransitionInput{
			JobID: jobID, ExpectedVersionToken: token,
			Target: &interfaces.TargetMutation{
				TargetID: targetID, NewState: models.TargetCopying, BytesCopied: &bytesCopied,
			},
			LogEntry: targetLog(jobID, targetID, models.TargetCopying, models.TargetCopying),
		}
	})
	return err
}

// MarkCopied transitions one target Copying -> Copied.
func (jm *JobManager) MarkCopied(ctx context.Context, jobID models.JobID, targetID models.TargetID, finalPath string, bytesCopied int64) error {
	_, err := jm.applyWithRetry(ctx, jobID, func(token int64) interfaces.TransitionInput {
		return interfaces.TransitionInput{
			JobID: jobID, ExpectedVersionToken: token,
			Target: &interfaces.TargetMutation{
				TargetID: targetID, NewState: models.TargetCopied,
				FinalPath: &finalPath, BytesCopied: &bytesCopied,
			},
			LogEntry: targetLog(jobID, targetID, models.TargetCopying, models.TargetCopied),
		}
	})
	if err != nil {
		return err
	}
	return jm.promote(ctx, jobID)
}

// MarkVerifying transitions one target Copied -> Verifying.
func (jm *JobManager) MarkVerifying(ctx context.Context, jobID models.JobID, targetID models.TargetID) error {
	_, err := jm.applyWithRetry(ctx, jobID, func(token int64) interfaces.TransitionInput {
		return interfaces.TransitionInput{
			JobID: jobID, ExpectedVersionToken: token,
			Target: &interfaces.TargetMutation{TargetID: targetID, NewState: models.TargetVerifying},
			LogEntry: targetLog(jobID, targetID, models.TargetCopied, models.TargetVerifying),
		}
	})
	return err
}

// MarkVerified transitions one target Verifying -> Verified, recording the
// re-read hash (always authoritative, spec §9 Open Question #1), then
// re-evaluates whether the Job as a whole can be promoted.
func (jm *JobManager) MarkVerified(ctx context.Context, jobID models.JobID, targetID models.TargetID, verifiedHash string) error {
	_, err := jm.applyWithRetry(ctx, jobID, func(token int64) interfaces.TransitionInput {
		return interfaces.TransitionInput{
			JobID: jobID, ExpectedVersionToken: token,
			Target: &interfaces.TargetMutation{TargetID: targetID, NewState: models.TargetVerified, VerifiedHash: &verifiedHash},
			LogEntry: targetLog(jobID, targetID, models.TargetVerifying, models.TargetVerified),
		}
	})
	if err != nil {
		return err
	}
	return jm.promote(ctx, jobID)
}

// MarkTargetFailed transitions a non-terminal target to FailedRetryable (the
// Adjudicator will later reset it to Pending after backoff) or, once the
// retry budget is exhausted or the cause is permanent by nature, to
// FailedPermanent — and re-evaluates Job promotion (I3: FailedPermanent with
// a quarantine cause routes the whole Job to Quarantined).
func (jm *JobManager) MarkTargetFailed(ctx context.Context, jobID models.JobID, targetID models.TargetID, cause models.FailureCause, errMsg string, permanent bool) error {
	newState := models.TargetFailedRetryable
	if permanent {
		newState = models.TargetFailedPermanent
	}
	_, err := jm.applyWithRetry(ctx, jobID, func(token int64) interfaces.TransitionInput {
		targets, _ := jm.store.ListTargets(ctx, jobID)
		old := models.TargetCopying
		for _, t := range targets {
			if t.TargetID == targetID {
				old = t.CopyState
			}
		}
		return interfaces.TransitionInput{
			JobID: jobID, ExpectedVersionToken: token,
			Target: &interfaces.TargetMutation{
				TargetID: targetID, NewState: newState,
				LastError: &errMsg, LastErrorCause: &cause,
			},
			LogEntry: targetLog(jobID, targetID, old, newState),
		}
	})
	if err != nil {
		return err
	}
	return jm.promote(ctx, jobID)
}

// ResetForRetry transitions a target FailedRetryable -> Pending once the
// Adjudicator's backoff wait has elapsed (spec §4.3, §4.7).
func (jm *JobManager) ResetForRetry(ctx context.Context, jobID models.JobID, targetID models.TargetID) error {
	_, err := jm.applyWithRetry(ctx, jobID, func(token int64) interfaces.TransitionInput {
		return interfaces.TransitionInput{
			JobID: jobID, ExpectedVersionToken: token,
			Target: &interfaces.TargetMutation{TargetID: targetID, NewState: models.TargetPending},
			LogEntry: targetLog(jobID, targetID, models.TargetFailedRetryable, models.TargetPending),
		}
	})
	return err
}

// SetSourceHash records the Job's lazily-computed source hash (spec §4.6).
func (jm *JobManager) SetSourceHash(ctx context.Context, jobID models.JobID, hash string) error {
	_, err := jm.applyWithRetry(ctx, jobID, func(token int64) interfaces.TransitionInput {
		job, _ := jm.store.GetJob(ctx, jobID)
		state := models.JobInProgress
		if job != nil {
			state = job.State
		}
		return interfaces.TransitionInput{
			JobID: jobID, ExpectedVersionToken: token,
			Job:      &interfaces.JobMutation{NewState: state, SourceHash: &hash},
			LogEntry: jobLog(jobID, state, state),
		}
	})
	return err
}

// MarkSourceDeleted records that the Adjudicator removed the source file
// after full verification (I4: only ever set on a Verified Job).
func (jm *JobManager) MarkSourceDeleted(ctx context.Context, jobID models.JobID) error {
	now := jm.clock.Now()
	_, err := jm.applyWithRetry(ctx, jobID, func(token int64) interfaces.TransitionInput {
		return interfaces.TransitionInput{
			JobID: jobID, ExpectedVersionToken: token,
			Job:      &interfaces.JobMutation{NewState: models.JobVerified, SourceDeletedUTC: &now},
			LogEntry: jobLog(jobID, models.JobVerified, models.JobVerified),
		}
	})
	return err
}

// RequeueJob is the one operator-driven mutating action of the query API
// (spec §6, SPEC_FULL.md §C): moves a terminal Failed/Quarantined Job back
// to Queued and every non-Verified target back to Pending, clearing prior
// errors; Verified targets are left as they are.
func (jm *JobManager) RequeueJob(ctx context.Context, jobID models.JobID, reason string) error {
	job, err := jm.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.State.Terminal() || job.State == models.JobVerified {
		return fmt.Errorf("job %s is not in a requeueable state (%s)", jobID, job.State)
	}
	targets, err := jm.store.ListTargets(ctx, jobID)
	if err != nil {
		return err
	}
	for _, t := range targets {
		if t.CopyState == models.TargetVerified {
			continue
		}
		if _, err := jm.applyWithRetry(ctx, jobID, func(token int64) interfaces.TransitionInput {
			empty := ""
			noCause := models.CauseNone
			return interfaces.TransitionInput{
				JobID: jobID, ExpectedVersionToken: token,
				Target: &interfaces.TargetMutation{
					TargetID: t.TargetID, NewState: models.TargetPending,
					LastError: &empty, LastErrorCause: &noCause,
				},
				LogEntry: targetLog(jobID, t.TargetID, t.CopyState, models.TargetPending),
			}
		}); err != nil {
			return err
		}
	}
	_, err = jm.applyWithRetry(ctx, jobID, func(token int64) interfaces.TransitionInput {
		entry := jobLog(jobID, job.State, models.JobQueued)
		entry.ContextJSON = fmt.Sprintf(`{"reason":%q}`, reason)
		return interfaces.TransitionInput{
			JobID: jobID, ExpectedVersionToken: token,
			Job:      &interfaces.JobMutation{NewState: models.JobQueued},
			LogEntry: entry,
		}
	})
	return err
}

// promote re-evaluates whether the Job as a whole should move to its next
// state given the current TargetOutcome states (spec §4.2). It is called
// after every Target-level commit that could unblock a Job transition.
func (jm *JobManager) promote(ctx context.Context, jobID models.JobID) error {
	job, err := jm.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State.Terminal() {
		return nil
	}
	targets, err := jm.store.ListTargets(ctx, jobID)
	if err != nil {
		return err
	}

	allLeftPendingPhase := true
	allVerified := true
	var permanentFailure *models.TargetOutcome
	for _, t := range targets {
		if t.CopyState == models.TargetPending || t.CopyState == models.TargetCopying || t.CopyState == models.TargetFailedRetryable {
			allLeftPendingPhase = false
		}
		if t.CopyState != models.TargetVerified {
			allVerified = false
		}
		if t.CopyState == models.TargetFailedPermanent && permanentFailure == nil {
			permanentFailure = t
		}
	}

	switch job.State {
	case models.JobQueued:
		// A target can reach a terminal CopyState (e.g. FailedPermanent on a
		// source-vanished-before-start fault) without ever going through
		// StartCopy, which is the only other place that would otherwise move
		// the Job out of Queued. Promote straight through InProgress so this
		// case reaches Partial the same way every other target failure does.
		if allLeftPendingPhase {
			if err := jm.transitionJobOnly(ctx, jobID, job.State, models.JobInProgress, ""); err != nil {
				return err
			}
			return jm.promote(ctx, jobID)
		}
	case models.JobInProgress:
		if allLeftPendingPhase {
			// The Partial outcome (Verified/Quarantined/Failed) may already be
			// decidable from the same target set, so re-evaluate immediately
			// rather than leaving the Job sitting in Partial until some later
			// unrelated commit calls promote again.
			if err := jm.transitionJobOnly(ctx, jobID, job.State, models.JobPartial, ""); err != nil {
				return err
			}
			return jm.promote(ctx, jobID)
		}
	case models.JobPartial:
		switch {
		case permanentFailure != nil && permanentFailure.LastErrorCause.IsQuarantineCause():
			return jm.transitionJobOnly(ctx, jobID, job.State, models.JobQuarantined, string(permanentFailure.LastErrorCause))
		case permanentFailure != nil:
			return jm.transitionJobOnly(ctx, jobID, job.State, models.JobFailed, string(permanentFailure.LastErrorCause))
		case allVerified:
			now := jm.clock.Now()
			_, err := jm.applyWithRetry(ctx, jobID, func(token int64) interfaces.TransitionInput {
				return interfaces.TransitionInput{
					JobID: jobID, ExpectedVersionToken: token,
					Job:      &interfaces.JobMutation{NewState: models.JobVerified, VerificationCompletedUTC: &now},
					LogEntry: jobLog(jobID, job.State, models.JobVerified),
				}
			})
			return err
		}
	}
	return nil
}

func (jm *JobManager) transitionJobOnly(ctx context.Context, jobID models.JobID, old, new models.JobState, context string) error {
	_, err := jm.applyWithRetry(ctx, jobID, func(token int64) interfaces.TransitionInput {
		entry := jobLog(jobID, old, new)
		if context != "" {
			entry.ContextJSON = fmt.Sprintf(`{"cause":%q}`, context)
		}
		return interfaces.TransitionInput{
			JobID: jobID, ExpectedVersionToken: token,
			Job:      &interfaces.JobMutation{NewState: new},
			LogEntry: entry,
		}
	})
	return err
}

// GetJob passes through to the Store.
func (jm *JobManager) GetJob(ctx context.Context, jobID models.JobID) (*models.Job, error) {
	return jm.store.GetJob(ctx, jobID)
}

// ListTargets passes through to the Store.
func (jm *JobManager) ListTargets(ctx context.Context, jobID models.JobID) ([]*models.TargetOutcome, error) {
	return jm.store.ListTargets(ctx, jobID)
}

// ListNonTerminalJobs passes through to the Store (spec §4.1 Recovery; also
// used by the Adjudicator's reconciliation sweep).
func (jm *JobManager) ListNonTerminalJobs(ctx context.Context) ([]*models.Job, error) {
	return jm.store.ListNonTerminalJobs(ctx)
}

// ListJobsByState passes through to the Store (used by the Adjudicator's
// reconciliation sweep to find Quarantined/Verified jobs still awaiting a
// one-time side effect).
func (jm *JobManager) ListJobsByState(ctx context.Context, state models.JobState, limit int) ([]interfaces.JobSummary, error) {
	return jm.store.ListJobsByState(ctx, state, limit)
}

// SafeGo exposes the panic-recovering goroutine launcher for use by the
// engine's lifecycle wiring.
func SafeGo(logger *common.Logger, name string, fn func()) { safeGo(logger, name, fn) }
