// Package copier implements the Copy Worker pools (spec §4.5): one bounded
// pool per target, each pool streaming a source file to a temp file on that
// target, hashing as it writes, then atomically renaming into place.
package copier

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/forkerdotnet/forkergo/internal/common"
	"github.com/forkerdotnet/forkergo/internal/corefault"
	"github.com/forkerdotnet/forkergo/internal/interfaces"
	"github.com/forkerdotnet/forkergo/internal/models"
	"github.com/forkerdotnet/forkergo/internal/services/jobmanager"
)

// JobManager is the subset of jobmanager.JobManager the copier needs;
// satisfied by *jobmanager.JobManager in production.
type JobManager interface {
	StartCopy(ctx context.Context, jobID models.JobID, targetID models.TargetID, tempPath string) (interfaces.TransitionResult, error)
	RecordProgress(ctx context.Context, jobID models.JobID, targetID models.TargetID, bytesCopied int64) error
	MarkCopied(ctx context.Context, jobID models.JobID, targetID models.TargetID, finalPath string, bytesCopied int64) error
	MarkTargetFailed(ctx context.Context, jobID models.JobID, targetID models.TargetID, cause models.FailureCause, errMsg string, permanent bool) error
}

// Request is one copy assignment dispatched to a target's pool.
type Request struct {
	JobID        models.JobID
	TargetID     models.TargetID
	SourcePath   string
	ExpectedSize int64
}

// Config configures buffer size and progress-persistence throttling for a pool.
type Config struct {
	Concurrency             int
	BufferSizeBytes         int
	ProgressPersistInterval time.Duration // minimum wall-clock gap between bytes_copied persists
}

// Pool is one target's bounded Copy Worker pool (spec §5: one pool per target).
type Pool struct {
	target    models.TargetID
	targetDir string

	fs     interfaces.Filesystem
	clock  interfaces.Clock
	hasher interfaces.Hasher
	jm     JobManager
	logger *common.Logger

	cfg Config

	requests chan Request

	// OnCopied, if set, is invoked after a target successfully reaches Copied
	// (on both the normal and idempotent-resume paths) so the engine can hand
	// the target off to the Verifier without this package depending on it.
	OnCopied func(jobID models.JobID, targetID models.TargetID, sourcePath, finalPath string)
}

// New constructs a Pool for one target, writing into targetDir.
func New(target models.TargetID, targetDir string, fs interfaces.Filesystem, clock interfaces.Clock, hasher interfaces.Hasher, jm JobManager, logger *common.Logger, cfg Config) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.BufferSizeBytes <= 0 {
		cfg.BufferSizeBytes = 4 * 1024 * 1024
	}
	if cfg.ProgressPersistInterval <= 0 {
		cfg.ProgressPersistInterval = 500 * time.Millisecond
	}
	return &Pool{
		target: target, targetDir: targetDir,
		fs: fs, clock: clock, hasher: hasher, jm: jm, logger: logger,
		cfg:      cfg,
		requests: make(chan Request, 256),
	}
}

// Submit enqueues a copy request. It blocks if the pool's queue is full.
func (p *Pool) Submit(req Request) {
	p.requests <- req
}

// Run launches cfg.Concurrency worker goroutines that drain the request
// queue until ctx is cancelled and the queue is closed by Stop.
func (p *Pool) Run(ctx context.Context) {
	for i := 0; i < p.cfg.Concurrency; i++ {
		jobmanager.SafeGo(p.logger, fmt.Sprintf("copier-%s-%d", p.target, i), func() {
			for {
				select {
				case <-ctx.Done():
					return
				case req, ok := <-p.requests:
					if !ok {
						return
					}
					p.copyOne(ctx, req)
				}
			}
		})
	}
}

// Stop closes the request queue; in-flight copies finish their current
// buffer and then cooperatively abort via ctx cancellation (spec §5).
func (p *Pool) Stop() {
	close(p.requests)
}

func (p *Pool) copyOne(ctx context.Context, req Request) {
	finalPath := filepath.Join(p.targetDir, filepath.Base(req.SourcePath))

	if err := p.fs.MkdirAll(p.targetDir); err != nil {
		p.fail(ctx, req, corefault.Wrap(corefault.DestinationIOError, "create target directory", err), false)
		return
	}

	tempPath, err := p.tempPath(req.SourcePath)
	if err != nil {
		p.fail(ctx, req, corefault.Wrap(corefault.DestinationIOError, "generate temp path", err), false)
		return
	}

	if exists, err := p.fs.Exists(req.SourcePath); err != nil || !exists {
		p.fail(ctx, req, corefault.New(corefault.SourceMissing, "source vanished before copy start"), true)
		return
	}

	if _, err := p.jm.StartCopy(ctx, req.JobID, req.TargetID, tempPath); err != nil {
		p.logger.Error().Str("job", string(req.JobID)).Str("target", string(req.TargetID)).Err(err).Msg("StartCopy transition failed")
		return
	}

	if p.resumeIfAlreadyFinal(ctx, req, finalPath) {
		return
	}

	src, err := p.fs.OpenRead(req.SourcePath)
	if err != nil {
		// The Exists check above just passed, so a concurrent removal or a
		// sharing-mode denial is the likely cause here, not a permanent
		// absence; treat as a transient source instability and retry.
		p.fail(ctx, req, corefault.Wrap(corefault.SourceUnstable, "open source", err), false)
		return
	}
	defer src.Close()

	dst, err := p.fs.CreateExclusive(tempPath)
	if err != nil {
		p.fail(ctx, req, corefault.Wrap(corefault.DestinationIOError, "create temp file", err), false)
		return
	}

	bytesCopied, streamHash, copyErr := p.stream(ctx, req, src, dst)
	if copyErr != nil {
		dst.Close()
		_ = p.fs.Remove(tempPath)
		if errors.Is(copyErr, context.Canceled) {
			p.fail(ctx, req, corefault.Wrap(corefault.Cancelled, "copy cancelled", copyErr), false)
			return
		}
		kind := classifyStreamErr(copyErr)
		p.fail(ctx, req, corefault.Wrap(kind, "stream copy", copyErr), kind.Permanent() && kind != corefault.DestinationPermissionDenied)
		return
	}

	if err := dst.Sync(); err != nil {
		dst.Close()
		_ = p.fs.Remove(tempPath)
		p.fail(ctx, req, corefault.Wrap(corefault.DestinationIOError, "fsync temp file", err), false)
		return
	}
	if err := dst.Close(); err != nil {
		_ = p.fs.Remove(tempPath)
		p.fail(ctx, req, corefault.Wrap(corefault.DestinationIOError, "close temp file", err), false)
		return
	}

	if bytesCopied != req.ExpectedSize {
		_ = p.fs.Remove(tempPath)
		p.fail(ctx, req, corefault.New(corefault.Truncation,
			fmt.Sprintf("copied %d bytes, expected %d", bytesCopied, req.ExpectedSize)), true)
		return
	}

	if err := p.fs.Rename(tempPath, finalPath); err != nil {
		_ = p.fs.Remove(tempPath)
		p.fail(ctx, req, corefault.Wrap(corefault.DestinationIOError, "rename temp file into place", err), false)
		return
	}

	_ = streamHash // advisory only; the Verifier's independent re-read hash is authoritative.

	if err := p.jm.MarkCopied(ctx, req.JobID, req.TargetID, finalPath, bytesCopied); err != nil {
		p.logger.Error().Str("job", string(req.JobID)).Str("target", string(req.TargetID)).Err(err).Msg("MarkCopied transition failed")
		return
	}
	if p.OnCopied != nil {
		p.OnCopied(req.JobID, req.TargetID, req.SourcePath, finalPath)
	}
}

// resumeIfAlreadyFinal implements the idempotent-resume shortcut of spec
// §4.5 step 6: if final_path already holds a file of the expected size, the
// worker was already run to completion for this (Job, Target) in a prior
// process lifetime and there is nothing left to copy. copyOne calls it right
// after StartCopy, so the attempt is counted and the target moves Copying ->
// Copied without streaming.
func (p *Pool) resumeIfAlreadyFinal(ctx context.Context, req Request, finalPath string) bool {
	exists, err := p.fs.Exists(finalPath)
	if err != nil || !exists {
		return false
	}
	info, err := p.fs.Stat(finalPath)
	if err != nil || info.Size != req.ExpectedSize {
		return false
	}
	if err := p.jm.MarkCopied(ctx, req.JobID, req.TargetID, finalPath, info.Size); err != nil {
		p.logger.Error().Str("job", string(req.JobID)).Str("target", string(req.TargetID)).Err(err).Msg("MarkCopied (resume) transition failed")
		return false
	}
	if p.OnCopied != nil {
		p.OnCopied(req.JobID, req.TargetID, req.SourcePath, finalPath)
	}
	return true
}

// stream copies src to dst in cfg.BufferSizeBytes chunks, hashing as it
// writes and persisting bytes_copied at most once per ProgressPersistInterval
// of wall-clock time (spec §4.5 step 4, §9 Open Question #2). It returns as
// soon as ctx is cancelled.
func (p *Pool) stream(ctx context.Context, req Request, src interfaces.ReadFile, dst interfaces.WriteFile) (int64, string, error) {
	buf := make([]byte, p.cfg.BufferSizeBytes)
	h := p.hasher.New()
	var total int64
	lastPersist := p.clock.Now()

	for {
		select {
		case <-ctx.Done():
			return total, h.SumHex(), ctx.Err()
		default:
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return total, h.SumHex(), err
			}
			if _, err := h.Write(buf[:n]); err != nil {
				return total, h.SumHex(), err
			}
			total += int64(n)
			if now := p.clock.Now(); now.Sub(lastPersist) >= p.cfg.ProgressPersistInterval {
				lastPersist = now
				if err := p.jm.RecordProgress(ctx, req.JobID, req.TargetID, total); err != nil {
					p.logger.Warn().Str("job", string(req.JobID)).Err(err).Msg("progress persist failed, continuing copy")
				}
			}
		}
		if readErr == io.EOF {
			return total, h.SumHex(), nil
		}
		if readErr != nil {
			return total, h.SumHex(), readErr
		}
	}
}

func (p *Pool) tempPath(sourcePath string) (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	suffix := hex.EncodeToString(buf[:])
	name := filepath.Base(sourcePath) + "." + suffix + ".part"
	return filepath.Join(p.targetDir, name), nil
}

func (p *Pool) fail(ctx context.Context, req Request, fault *corefault.Error, permanent bool) {
	cause := models.FailureCauseFromKind(fault.Kind)
	p.logger.Warn().Str("job", string(req.JobID)).Str("target", string(req.TargetID)).
		Bool("permanent", permanent).Err(fault).Msg("copy attempt failed")
	if err := p.jm.MarkTargetFailed(ctx, req.JobID, req.TargetID, cause, fault.Error(), permanent); err != nil {
		p.logger.Error().Str("job", string(req.JobID)).Str("target", string(req.TargetID)).Err(err).Msg("MarkTargetFailed transition failed")
	}
}

// classifyStreamErr maps a mid-stream read/write failure to a corefault.Kind.
// Permission errors are reported as retryable here regardless of
// corefault.Kind.Permanent(): spec §7 marks DestinationPermissionDenied
// "permanent after N attempts", and that budget is the Adjudicator's
// retry-exhaustion logic, not an immediate verdict from the worker.
func classifyStreamErr(err error) corefault.Kind {
	if os.IsPermission(err) {
		return corefault.DestinationPermissionDenied
	}
	if os.IsNotExist(err) {
		return corefault.SourceMissing
	}
	return corefault.DestinationIOError
}
