// Package verifier implements the Verifier (spec §4.6): an independent
// re-read of each Copied target's final_path, always treating its own
// freshly computed hash as authoritative over whatever streaming hash the
// Copy Worker produced in passing.
package verifier

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/forkerdotnet/forkergo/internal/common"
	"github.com/forkerdotnet/forkergo/internal/corefault"
	"github.com/forkerdotnet/forkergo/internal/interfaces"
	"github.com/forkerdotnet/forkergo/internal/models"
	"github.com/forkerdotnet/forkergo/internal/services/jobmanager"
)

// JobManager is the subset of jobmanager.JobManager the verifier needs;
// satisfied by *jobmanager.JobManager in production.
type JobManager interface {
	GetJob(ctx context.Context, jobID models.JobID) (*models.Job, error)
	MarkVerifying(ctx context.Context, jobID models.JobID, targetID models.TargetID) error
	MarkVerified(ctx context.Context, jobID models.JobID, targetID models.TargetID, verifiedHash string) error
	MarkTargetFailed(ctx context.Context, jobID models.JobID, targetID models.TargetID, cause models.FailureCause, errMsg string, permanent bool) error
	SetSourceHash(ctx context.Context, jobID models.JobID, hash string) error
}

// Request is one verification assignment: re-read finalPath and compare
// against the Job's source hash.
type Request struct {
	JobID      models.JobID
	TargetID   models.TargetID
	SourcePath string
	FinalPath  string
}

// Config configures one Pool's concurrency and read buffer size.
type Config struct {
	Concurrency     int
	BufferSizeBytes int
}

// Pool is the Verifier's bounded worker pool (spec §5: own bounded pool,
// default equal to the Copy Workers per target).
type Pool struct {
	fs     interfaces.Filesystem
	hasher interfaces.Hasher
	jm     JobManager
	logger *common.Logger
	cfg    Config

	requests chan Request

	// hashMu serializes lazy source-hash computation pool-wide (not just
	// per Job): it prevents any two targets verifying concurrently, across
	// any Jobs, from both paying for and both trying to persist the same
	// source hash at once. Coarser than strictly necessary, but source-hash
	// computation only happens once per Job (cached after the first target
	// verifies), so the extra serialization is cheap in practice.
	hashMu sync.Mutex
}

// New constructs a verification Pool.
func New(fs interfaces.Filesystem, hasher interfaces.Hasher, jm JobManager, logger *common.Logger, cfg Config) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.BufferSizeBytes <= 0 {
		cfg.BufferSizeBytes = 4 * 1024 * 1024
	}
	return &Pool{fs: fs, hasher: hasher, jm: jm, logger: logger, cfg: cfg, requests: make(chan Request, 256)}
}

// Submit enqueues a verification request.
func (p *Pool) Submit(req Request) {
	p.requests <- req
}

// Run launches cfg.Concurrency worker goroutines.
func (p *Pool) Run(ctx context.Context) {
	for i := 0; i < p.cfg.Concurrency; i++ {
		jobmanager.SafeGo(p.logger, fmt.Sprintf("verifier-%d", i), func() {
			for {
				select {
				case <-ctx.Done():
					return
				case req, ok := <-p.requests:
					if !ok {
						return
					}
					p.verifyOne(ctx, req)
				}
			}
		})
	}
}

// Stop closes the request queue.
func (p *Pool) Stop() {
	close(p.requests)
}

func (p *Pool) verifyOne(ctx context.Context, req Request) {
	if err := p.jm.MarkVerifying(ctx, req.JobID, req.TargetID); err != nil {
		p.logger.Error().Str("job", string(req.JobID)).Str("target", string(req.TargetID)).Err(err).Msg("MarkVerifying transition failed")
		return
	}

	sourceHash, err := p.sourceHash(ctx, req.JobID, req.SourcePath)
	if err != nil {
		p.fail(ctx, req, corefault.Wrap(corefault.SourceMissing, "source unavailable during verification", err), true)
		return
	}

	finalHash, err := p.hashFile(req.FinalPath)
	if err != nil {
		p.fail(ctx, req, corefault.Wrap(corefault.DestinationIOError, "re-read final_path", err), false)
		return
	}

	if finalHash != sourceHash {
		p.fail(ctx, req, corefault.New(corefault.HashMismatch,
			fmt.Sprintf("source=%s final=%s", sourceHash, finalHash)), true)
		return
	}

	if err := p.jm.MarkVerified(ctx, req.JobID, req.TargetID, finalHash); err != nil {
		p.logger.Error().Str("job", string(req.JobID)).Str("target", string(req.TargetID)).Err(err).Msg("MarkVerified transition failed")
	}
}

// sourceHash returns the Job's source hash, computing and persisting it on
// first demand (spec §4.6: "computed once, lazily, on first demand, cached
// on Job"). hashMu serializes this pool-wide, across every Job's targets
// racing to be first, not only the two targets of one Job; the persisted
// value itself is idempotent either way.
func (p *Pool) sourceHash(ctx context.Context, jobID models.JobID, sourcePath string) (string, error) {
	p.hashMu.Lock()
	defer p.hashMu.Unlock()

	job, err := p.jm.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.SourceHash != "" {
		return job.SourceHash, nil
	}

	hash, err := p.hashFile(sourcePath)
	if err != nil {
		return "", err
	}
	if err := p.jm.SetSourceHash(ctx, jobID, hash); err != nil {
		return "", err
	}
	return hash, nil
}

func (p *Pool) hashFile(path string) (string, error) {
	f, err := p.fs.OpenRead(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := p.hasher.New()
	buf := make([]byte, p.cfg.BufferSizeBytes)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if _, werr := h.Write(buf[:n]); werr != nil {
				return "", werr
			}
		}
		if err == io.EOF {
			return h.SumHex(), nil
		}
		if err != nil {
			return "", err
		}
	}
}

func (p *Pool) fail(ctx context.Context, req Request, fault *corefault.Error, permanent bool) {
	cause := models.FailureCauseFromKind(fault.Kind)
	p.logger.Warn().Str("job", string(req.JobID)).Str("target", string(req.TargetID)).
		Bool("permanent", permanent).Err(fault).Msg("verification failed")
	if err := p.jm.MarkTargetFailed(ctx, req.JobID, req.TargetID, cause, fault.Error(), permanent); err != nil {
		p.logger.Error().Str("job", string(req.JobID)).Str("target", string(req.TargetID)).Err(err).Msg("MarkTargetFailed transition failed")
	}
}
