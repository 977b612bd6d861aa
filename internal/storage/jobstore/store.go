// Package jobstore implements interfaces.Store on top of an embedded,
// single-writer, WAL-backed key-value engine (badger/badgerhold). Every
// mutation that spans Job + TargetOutcome + StateChangeLog commits inside
// one Badger transaction, so a crash mid-write leaves the prior committed
// state intact (spec §3, I6).
package jobstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/timshannon/badgerhold/v4"

	"github.com/forkerdotnet/forkergo/internal/common"
	"github.com/forkerdotnet/forkergo/internal/corefault"
	"github.com/forkerdotnet/forkergo/internal/interfaces"
	"github.com/forkerdotnet/forkergo/internal/models"
)

const seqRecordID = "state_change_log_seq"

// seqCounter is a single hidden badgerhold record that hands out monotonic
// StateChangeLog sequence numbers from inside the same transaction as the
// log row they number.
type seqCounter struct {
	ID   string `badgerholdKey:"ID"`
	Next uint64
}

// Store is the BadgerHold-backed interfaces.Store implementation.
type Store struct {
	db     *badgerhold.Store
	clock  interfaces.Clock
	logger *common.Logger
}

// Open opens (creating if absent) the embedded store rooted at dir.
func Open(dir string, clock interfaces.Clock, logger *common.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir %s: %w", dir, err)
	}
	opts := badgerhold.DefaultOptions
	opts.Dir = dir
	opts.ValueDir = dir
	opts.Logger = nil

	db, err := badgerhold.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open job store at %s: %w", dir, err)
	}
	logger.Info().Str("dir", dir).Msg("job store opened")
	return &Store{db: db, clock: clock, logger: logger}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// appendLog allocates the next sequence number and inserts entry, inside an
// already-open transaction. Callers set entry.JobID/EntityKind/EntityID/
// OldState/NewState before calling; UTC defaults to the store's clock.
func (s *Store) appendLog(txn *badger.Txn, entry models.StateChangeLog) error {
	var counter seqCounter
	err := s.db.TxGet(txn, seqRecordID, &counter)
	if err != nil {
		if !errors.Is(err, badgerhold.ErrNotFound) {
			return corefault.Wrap(corefault.StoreFault, "read log sequence counter", err)
		}
		counter = seqCounter{ID: seqRecordID}
	}
	counter.Next++
	entry.Seq = counter.Next
	if entry.UTC.IsZero() {
		entry.UTC = s.clock.Now()
	}
	if err := s.db.TxUpsert(txn, seqRecordID, &counter); err != nil {
		return corefault.Wrap(corefault.StoreFault, "advance log sequence counter", err)
	}
	if err := s.db.TxInsert(txn, entry.Seq, &entry); err != nil {
		return corefault.Wrap(corefault.StoreFault, "append state change log row", err)
	}
	return nil
}

// CreateJob persists a newly admitted Job (Discovered -> Queued, spec §4.2)
// and its TargetOutcomes (all Pending), plus the four corresponding
// StateChangeLog rows, in a single commit.
func (s *Store) CreateJob(_ context.Context, job *models.Job, targets []*models.TargetOutcome) error {
	now := s.clock.Now()
	job.State = models.JobDiscovered
	job.VersionToken = 1
	job.CreatedUTC = now
	job.UpdatedUTC = now
	for _, t := range targets {
		t.ID = models.TargetKey(job.ID, t.TargetID)
		t.JobID = job.ID
		t.CopyState = models.TargetPending
		t.LastTransitionUTC = now
	}

	txErr := s.db.Badger().Update(func(txn *badger.Txn) error {
		if err := s.db.TxInsert(txn, job.ID, job); err != nil {
			return corefault.Wrap(corefault.StoreFault, "insert job", err)
		}
		if err := s.appendLog(txn, models.StateChangeLog{
			JobID: job.ID, EntityKind: models.EntityJob,
			OldState: "", NewState: string(models.JobDiscovered), UTC: now,
		}); err != nil {
			return err
		}

		job.State = models.JobQueued
		job.VersionToken = 2
		if err := s.db.TxUpdate(txn, job.ID, job); err != nil {
			return corefault.Wrap(corefault.StoreFault, "transition job to queued", err)
		}
		if err := s.appendLog(txn, models.StateChangeLog{
			JobID: job.ID, EntityKind: models.EntityJob,
			OldState: string(models.JobDiscovered), NewState: string(models.JobQueued), UTC: now,
		}); err != nil {
			return err
		}

		for _, t := range targets {
			if err := s.db.TxInsert(txn, t.ID, t); err != nil {
				return corefault.Wrap(corefault.StoreFault, "insert target outcome", err)
			}
			if err := s.appendLog(txn, models.StateChangeLog{
				JobID: job.ID, EntityKind: models.EntityTarget, EntityID: string(t.TargetID),
				OldState: "", NewState: string(models.TargetPending), UTC: now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if txErr != nil {
		return txErr
	}
	s.logger.Info().Str("job_id", string(job.ID)).Str("source_path", job.SourcePath).
		Int64("size", job.InitialSize).Msg("job admitted")
	return nil
}

// conflictSignal and invariantSignal are returned from the Badger update
// closure to force a rollback while still carrying structured data back out
// to Transition; they are never returned to callers of Transition itself.
type conflictSignal struct{ current int64 }

func (c conflictSignal) Error() string { return fmt.Sprintf("version token conflict, current=%d", c.current) }

type invariantSignal struct{ err error }

func (i invariantSignal) Error() string { return i.err.Error() }

// Transition applies one state change under the contract of spec §4.1.
func (s *Store) Transition(_ context.Context, in interfaces.TransitionInput) (interfaces.TransitionResult, error) {
	var result interfaces.TransitionResult

	txErr := s.db.Badger().Update(func(txn *badger.Txn) error {
		var job models.Job
		if err := s.db.TxGet(txn, in.JobID, &job); err != nil {
			return corefault.Wrap(corefault.StoreFault, "load job for transition", err)
		}
		if job.VersionToken != in.ExpectedVersionToken {
			return conflictSignal{current: job.VersionToken}
		}

		allTargets, err := s.loadTargetsTx(txn, in.JobID)
		if err != nil {
			return corefault.Wrap(corefault.StoreFault, "load targets for transition", err)
		}

		var mutatedTarget *models.TargetOutcome
		if in.Target != nil {
			cur, ok := allTargets[in.Target.TargetID]
			if !ok {
				return corefault.Wrap(corefault.StoreFault, "target outcome missing", fmt.Errorf("target %s", in.Target.TargetID))
			}
			// NewState == current state is a field-only update (e.g. a
			// throttled bytes_copied progress write) and is always legal;
			// an actual state change must appear in the transition tables.
			if in.Target.NewState != cur.CopyState && !allowedTargetTransition(cur.CopyState, in.Target.NewState) {
				return invariantSignal{err: fmt.Errorf("target %s: illegal transition %s -> %s", in.Target.TargetID, cur.CopyState, in.Target.NewState)}
			}
			t := cur.Clone()
			if in.Target.IncrementAttempts {
				t.Attempts++
			}
			t.CopyState = in.Target.NewState
			if in.Target.TempPath != nil {
				t.TempPath = *in.Target.TempPath
			}
			if in.Target.FinalPath != nil {
				t.FinalPath = *in.Target.FinalPath
			}
			if in.Target.VerifiedHash != nil {
				t.VerifiedHash = *in.Target.VerifiedHash
			}
			if in.Target.LastError != nil {
				t.LastError = *in.Target.LastError
			}
			if in.Target.LastErrorCause != nil {
				t.LastErrorCause = *in.Target.LastErrorCause
			}
			if in.Target.BytesCopied != nil {
				t.BytesCopied = *in.Target.BytesCopied
			}
			t.LastTransitionUTC = s.clock.Now()
			allTargets[t.TargetID] = t
			mutatedTarget = t
		}

		oldJobState := job.State
		if in.Job != nil && in.Job.NewState != oldJobState {
			if !allowedJobTransition(oldJobState, in.Job.NewState) {
				return invariantSignal{err: fmt.Errorf("job: illegal transition %s -> %s", oldJobState, in.Job.NewState)}
			}
			job.State = in.Job.NewState
		}
		if in.Job != nil {
			if in.Job.SourceHash != nil {
				job.SourceHash = *in.Job.SourceHash
			}
			if in.Job.VerificationCompletedUTC != nil {
				job.VerificationCompletedUTC = in.Job.VerificationCompletedUTC
			}
			if in.Job.SourceDeletedUTC != nil {
				job.SourceDeletedUTC = in.Job.SourceDeletedUTC
			}
		}

		if err := checkInvariants(&job, allTargets); err != nil {
			return invariantSignal{err: err}
		}

		job.VersionToken++
		job.UpdatedUTC = s.clock.Now()

		if mutatedTarget != nil {
			if err := s.db.TxUpdate(txn, mutatedTarget.ID, mutatedTarget); err != nil {
				return corefault.Wrap(corefault.StoreFault, "update target outcome", err)
			}
		}
		if err := s.db.TxUpdate(txn, job.ID, &job); err != nil {
			return corefault.Wrap(corefault.StoreFault, "update job", err)
		}

		entry := in.LogEntry
		entry.JobID = in.JobID
		if err := s.appendLog(txn, entry); err != nil {
			return err
		}

		result.Outcome = interfaces.Applied
		result.NewToken = job.VersionToken
		return nil
	})

	if txErr == nil {
		return result, nil
	}

	var cs conflictSignal
	if errors.As(txErr, &cs) {
		return interfaces.TransitionResult{Outcome: interfaces.Conflict, CurrentToken: cs.current}, nil
	}
	var is invariantSignal
	if errors.As(txErr, &is) {
		s.logger.Error().Str("job_id", string(in.JobID)).Err(is.err).Msg("invariant violation refused transition")
		return interfaces.TransitionResult{Outcome: interfaces.InvariantViolation, Err: is.err}, nil
	}
	return interfaces.TransitionResult{}, txErr
}

func (s *Store) loadTargetsTx(txn *badger.Txn, jobID models.JobID) (map[models.TargetID]*models.TargetOutcome, error) {
	var list []models.TargetOutcome
	if err := s.db.TxFind(txn, &list, badgerhold.Where("JobID").Eq(jobID)); err != nil {
		return nil, err
	}
	out := make(map[models.TargetID]*models.TargetOutcome, len(list))
	for i := range list {
		t := list[i]
		out[t.TargetID] = &t
	}
	return out, nil
}

// GetJob returns one Job by ID.
func (s *Store) GetJob(_ context.Context, id models.JobID) (*models.Job, error) {
	var job models.Job
	if err := s.db.Get(id, &job); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, corefault.Wrap(corefault.StoreFault, "job not found", err)
		}
		return nil, corefault.Wrap(corefault.StoreFault, "get job", err)
	}
	return &job, nil
}

// GetTarget returns one TargetOutcome.
func (s *Store) GetTarget(_ context.Context, id models.JobID, target models.TargetID) (*models.TargetOutcome, error) {
	var t models.TargetOutcome
	if err := s.db.Get(models.TargetKey(id, target), &t); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, corefault.Wrap(corefault.StoreFault, "target not found", err)
		}
		return nil, corefault.Wrap(corefault.StoreFault, "get target", err)
	}
	return &t, nil
}

// ListTargets returns both TargetOutcomes for a Job.
func (s *Store) ListTargets(_ context.Context, id models.JobID) ([]*models.TargetOutcome, error) {
	var list []models.TargetOutcome
	if err := s.db.Find(&list, badgerhold.Where("JobID").Eq(id)); err != nil {
		return nil, corefault.Wrap(corefault.StoreFault, "list targets", err)
	}
	out := make([]*models.TargetOutcome, len(list))
	for i := range list {
		t := list[i]
		out[i] = &t
	}
	return out, nil
}

// ListNonTerminalJobs supports startup recovery (spec §4.1).
func (s *Store) ListNonTerminalJobs(_ context.Context) ([]*models.Job, error) {
	var list []models.Job
	terminal := []interface{}{models.JobVerified, models.JobQuarantined, models.JobFailed}
	if err := s.db.Find(&list, badgerhold.Where("State").Not().In(terminal...)); err != nil {
		return nil, corefault.Wrap(corefault.StoreFault, "list non-terminal jobs", err)
	}
	out := make([]*models.Job, len(list))
	for i := range list {
		j := list[i]
		out[i] = &j
	}
	return out, nil
}

// ListJobs returns up to limit jobs, most recently created first.
func (s *Store) ListJobs(_ context.Context, limit int) ([]interfaces.JobSummary, error) {
	var list []models.Job
	q := badgerhold.Where("CreatedUTC").Ge(time.Time{}).SortBy("CreatedUTC").Reverse()
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := s.db.Find(&list, q); err != nil {
		return nil, corefault.Wrap(corefault.StoreFault, "list jobs", err)
	}
	return toSummaries(list), nil
}

// ListJobsByState returns up to limit jobs in the given state.
func (s *Store) ListJobsByState(_ context.Context, state models.JobState, limit int) ([]interfaces.JobSummary, error) {
	var list []models.Job
	q := badgerhold.Where("State").Eq(state).SortBy("CreatedUTC").Reverse()
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := s.db.Find(&list, q); err != nil {
		return nil, corefault.Wrap(corefault.StoreFault, "list jobs by state", err)
	}
	return toSummaries(list), nil
}

func toSummaries(list []models.Job) []interfaces.JobSummary {
	out := make([]interfaces.JobSummary, len(list))
	for i, j := range list {
		out[i] = interfaces.JobSummary{
			ID: j.ID, SourcePath: j.SourcePath, State: j.State,
			InitialSize: j.InitialSize, CreatedUTC: j.CreatedUTC, VersionToken: j.VersionToken,
		}
	}
	return out
}

// CountByState tallies jobs per JobState for the operational dashboard.
func (s *Store) CountByState(_ context.Context) (map[models.JobState]int, error) {
	counts := make(map[models.JobState]int)
	for _, state := range []models.JobState{
		models.JobDiscovered, models.JobQueued, models.JobInProgress,
		models.JobPartial, models.JobVerified, models.JobQuarantined, models.JobFailed,
	} {
		n, err := s.db.Count(&models.Job{}, badgerhold.Where("State").Eq(state))
		if err != nil {
			return nil, corefault.Wrap(corefault.StoreFault, "count jobs by state", err)
		}
		counts[state] = n
	}
	return counts, nil
}

// ListLog returns the full StateChangeLog for one Job in sequence order.
func (s *Store) ListLog(_ context.Context, jobID models.JobID) ([]models.StateChangeLog, error) {
	var list []models.StateChangeLog
	if err := s.db.Find(&list, badgerhold.Where("JobID").Eq(jobID).SortBy("Seq")); err != nil {
		return nil, corefault.Wrap(corefault.StoreFault, "list state change log", err)
	}
	return list, nil
}

// Prune removes StateChangeLog rows beyond maxRecords (oldest-first) or older
// than retention, whichever is configured (spec §3, §6, SPEC_FULL.md §C).
func (s *Store) Prune(_ context.Context, maxRecords int, retention time.Duration) (int, error) {
	var all []models.StateChangeLog
	if err := s.db.Find(&all, badgerhold.Where("UTC").Ge(time.Time{}).SortBy("Seq")); err != nil {
		return 0, corefault.Wrap(corefault.StoreFault, "scan state change log for prune", err)
	}

	cutoffTime := s.clock.Now().Add(-retention)
	var toDelete []uint64
	excess := 0
	if maxRecords > 0 && len(all) > maxRecords {
		excess = len(all) - maxRecords
	}
	for i, row := range all {
		byAge := retention > 0 && row.UTC.Before(cutoffTime)
		byCount := i < excess
		if byAge || byCount {
			toDelete = append(toDelete, row.Seq)
		}
	}
	if len(toDelete) == 0 {
		return 0, nil
	}
	txErr := s.db.Badger().Update(func(txn *badger.Txn) error {
		for _, seq := range toDelete {
			if err := s.db.TxDelete(txn, seq, models.StateChangeLog{}); err != nil {
				return corefault.Wrap(corefault.StoreFault, "delete pruned log row", err)
			}
		}
		return nil
	})
	if txErr != nil {
		return 0, txErr
	}
	return len(toDelete), nil
}
