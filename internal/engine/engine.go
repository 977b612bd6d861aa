// Package engine wires the core replication pipeline together: the
// Stability Gate, the two per-target Copy Worker pools, the Verifier pool,
// and the Adjudicator, all operating over one shared jobmanager.JobManager
// and its underlying Store (spec §2's dependency order: Clock, Hasher,
// Filesystem, Store -> Stability Gate -> Job Manager -> Copy Workers ->
// Verifier -> Adjudicator).
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/forkerdotnet/forkergo/internal/common"
	"github.com/forkerdotnet/forkergo/internal/interfaces"
	"github.com/forkerdotnet/forkergo/internal/models"
	"github.com/forkerdotnet/forkergo/internal/services/adjudicator"
	"github.com/forkerdotnet/forkergo/internal/services/copier"
	"github.com/forkerdotnet/forkergo/internal/services/jobmanager"
	"github.com/forkerdotnet/forkergo/internal/services/stability"
	"github.com/forkerdotnet/forkergo/internal/services/verifier"
	"github.com/forkerdotnet/forkergo/internal/storage/jobstore"
)

// Dependencies bundles the capability implementations an Engine is built
// from (cmd/forkerd supplies internal/platform; tests supply
// internal/testfakes plus a jobstore.Store opened in a temporary directory).
type Dependencies struct {
	Clock  interfaces.Clock
	Fs     interfaces.Filesystem
	Hasher interfaces.Hasher
	Events interfaces.EventSource
	Store  *jobstore.Store
}

// Engine owns the lifetime of every pipeline component.
type Engine struct {
	cfg    common.EngineConfig
	logger *common.Logger
	clock  interfaces.Clock
	fs     interfaces.Filesystem

	store *jobstore.Store
	jm    *jobmanager.JobManager

	gate        *stability.Gate
	copiers     map[models.TargetID]*copier.Pool
	verifierPl  *verifier.Pool
	adjudicator *adjudicator.Adjudicator

	cancel context.CancelFunc
}

// New constructs an Engine from configuration and capability dependencies.
// It starts nothing; call Start for that.
func New(cfg common.EngineConfig, logger *common.Logger, deps Dependencies) *Engine {
	jm := jobmanager.NewJobManager(deps.Store, deps.Clock, logger)

	e := &Engine{
		cfg: cfg, logger: logger, clock: deps.Clock, fs: deps.Fs,
		store: deps.Store, jm: jm,
		copiers: make(map[models.TargetID]*copier.Pool, len(models.RequiredTargets())),
	}

	targetDirs := map[models.TargetID]string{models.TargetA: cfg.TargetADir, models.TargetB: cfg.TargetBDir}
	copierCfg := copier.Config{
		Concurrency:             cfg.MaxConcurrentCopiesPerTarget,
		BufferSizeBytes:         cfg.CopyBufferSizeBytes,
		ProgressPersistInterval: cfg.ProgressPersistInterval(),
	}
	for _, t := range models.RequiredTargets() {
		pool := copier.New(t, targetDirs[t], deps.Fs, deps.Clock, deps.Hasher, jm, logger, copierCfg)
		pool.OnCopied = e.dispatchVerify
		e.copiers[t] = pool
	}

	e.verifierPl = verifier.New(deps.Fs, deps.Hasher, jm, logger, verifier.Config{
		Concurrency:     cfg.MaxConcurrentCopiesPerTarget,
		BufferSizeBytes: cfg.CopyBufferSizeBytes,
	})

	e.adjudicator = adjudicator.New(jm, deps.Fs, deps.Clock, logger, adjudicator.Config{
		PollInterval:     cfg.StabilityCheckInterval(),
		MaxRetryAttempts: cfg.MaxRetryAttempts,
		RetryDelay:       cfg.RetryDelay(),
		RetryBackoffCap:  cfg.RetryBackoffCap(),
		QuarantineDir:    cfg.QuarantineDir,
	}, e.dispatchCopy)

	e.gate = stability.New(deps.Fs, deps.Clock, deps.Events,
		&dispatchingAdmitter{jm: jm, dispatch: e.dispatchCopy}, logger, stability.Config{
			StabilityCheckInterval: cfg.StabilityCheckInterval(),
			MinimumFileAge:         cfg.MinimumFileAge(),
			MaxStabilityChecks:     cfg.MaxStabilityChecks,
			IncludePatterns:        cfg.IncludePatterns,
			ExcludeExtensions:      cfg.ExcludeExtensions,
		})

	return e
}

// dispatchCopy submits a copy Request to the correct target's pool. It
// doubles as the Adjudicator's retry Dispatcher and the dispatchingAdmitter's
// initial-dispatch hook.
func (e *Engine) dispatchCopy(targetID models.TargetID, req copier.Request) {
	pool, ok := e.copiers[targetID]
	if !ok {
		e.logger.Error().Str("target", string(targetID)).Msg("dispatch requested for unknown target")
		return
	}
	pool.Submit(req)
}

// dispatchVerify hands a freshly Copied target off to the Verifier pool.
func (e *Engine) dispatchVerify(jobID models.JobID, targetID models.TargetID, sourcePath, finalPath string) {
	e.verifierPl.Submit(verifier.Request{JobID: jobID, TargetID: targetID, SourcePath: sourcePath, FinalPath: finalPath})
}

// dispatchingAdmitter wraps the JobManager's Admit with the initial fan-out
// to both target pools, so a freshly admitted Job starts copying immediately
// instead of waiting on a reconciliation sweep to notice its Pending targets.
type dispatchingAdmitter struct {
	jm       *jobmanager.JobManager
	dispatch func(models.TargetID, copier.Request)
}

func (a *dispatchingAdmitter) Admit(ctx context.Context, sourcePath string, size int64) (*models.Job, error) {
	job, err := a.jm.Admit(ctx, sourcePath, size)
	if err != nil {
		return nil, err
	}
	for _, t := range job.RequiredTargets {
		a.dispatch(t, copier.Request{JobID: job.ID, TargetID: t, SourcePath: sourcePath, ExpectedSize: size})
	}
	return job, nil
}

// Start runs the crash-recovery pass and then launches every background
// component via jobmanager.SafeGo (spec §2, §5).
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	if err := e.recover(runCtx); err != nil {
		cancel()
		return fmt.Errorf("startup recovery: %w", err)
	}

	for _, pool := range e.copiers {
		pool.Run(runCtx)
	}
	e.verifierPl.Run(runCtx)

	jobmanager.SafeGo(e.logger, "stability-gate", func() {
		if err := e.gate.Run(runCtx); err != nil {
			e.logger.Error().Err(err).Msg("stability gate exited")
		}
	})
	jobmanager.SafeGo(e.logger, "adjudicator", func() {
		if err := e.adjudicator.Run(runCtx); err != nil {
			e.logger.Error().Err(err).Msg("adjudicator exited")
		}
	})
	jobmanager.SafeGo(e.logger, "log-pruner", func() {
		e.pruneLoop(runCtx)
	})

	e.logger.Info().Msg("engine started")
	return nil
}

// Stop cancels every background goroutine's context and closes the Copy
// Worker / Verifier request queues. In-flight copies abort at their next
// cooperative cancellation check rather than being waited on here.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	for _, pool := range e.copiers {
		pool.Stop()
	}
	e.verifierPl.Stop()
	e.logger.Info().Msg("engine stopped")
}

// recover performs the crash-recovery pass of spec §4.1/§9 before any
// background component starts: a target caught mid-Copying has its temp
// file discarded and is demoted to FailedRetryable so the Adjudicator's
// normal backoff redispatches it; a Pending target that never got an
// initial dispatch is resubmitted directly; a Copied or Verifying target is
// re-enqueued to the Verifier (MarkVerifying's same-state case is a legal
// field-only update, so re-verifying an already-Verifying target is safe).
// A single Adjudicator sweep then applies any one-time Quarantined/Verified
// side effect that was still pending when the process stopped.
func (e *Engine) recover(ctx context.Context) error {
	jobs, err := e.jm.ListNonTerminalJobs(ctx)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		targets, err := e.jm.ListTargets(ctx, job.ID)
		if err != nil {
			return err
		}
		for _, t := range targets {
			switch t.CopyState {
			case models.TargetPending:
				e.dispatchCopy(t.TargetID, copier.Request{
					JobID: job.ID, TargetID: t.TargetID,
					SourcePath: job.SourcePath, ExpectedSize: job.InitialSize,
				})
			case models.TargetCopying:
				if t.TempPath != "" {
					_ = e.fs.Remove(t.TempPath)
				}
				if err := e.jm.MarkTargetFailed(ctx, job.ID, t.TargetID, models.CauseCancelled,
					"copy interrupted by restart", false); err != nil {
					e.logger.Error().Str("job", string(job.ID)).Str("target", string(t.TargetID)).
						Err(err).Msg("failed to demote interrupted copy on recovery")
				}
			case models.TargetCopied, models.TargetVerifying:
				e.dispatchVerify(job.ID, t.TargetID, job.SourcePath, t.FinalPath)
			}
		}
	}
	e.adjudicator.Sweep(ctx)
	return nil
}

// pruneLoop opportunistically trims the StateChangeLog on the engine's
// stability-check cadence (spec §3, §6, SPEC_FULL.md §C).
func (e *Engine) pruneLoop(ctx context.Context) {
	interval := e.cfg.StabilityCheckInterval()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := e.clock.After(interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker:
			n, err := e.store.Prune(ctx, e.cfg.StateLogMaxRecords, e.cfg.StateLogRetention())
			if err != nil {
				e.logger.Error().Err(err).Msg("state change log prune failed")
			} else if n > 0 {
				e.logger.Info().Int("pruned", n).Msg("pruned state change log")
			}
			ticker = e.clock.After(interval)
		}
	}
}
