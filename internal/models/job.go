// Package models defines the core data types of the replication engine:
// Job, TargetOutcome, and the append-only StateChangeLog.
package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/forkerdotnet/forkergo/internal/corefault"
)

// JobID is a 128-bit opaque job identity, rendered as a UUID string.
type JobID string

// NewJobID generates a fresh opaque job identity.
func NewJobID() JobID {
	return JobID(uuid.New().String())
}

// TargetID identifies one of the two fixed replication targets.
type TargetID string

const (
	TargetA TargetID = "A"
	TargetB TargetID = "B"
)

// RequiredTargets is the fixed, exactly-two-member target set every Job carries.
func RequiredTargets() []TargetID {
	return []TargetID{TargetA, TargetB}
}

// JobState is the Job-level lifecycle state (spec §4.2).
type JobState string

const (
	JobDiscovered  JobState = "discovered"
	JobQueued      JobState = "queued"
	JobInProgress  JobState = "in_progress"
	JobPartial     JobState = "partial"
	JobVerified    JobState = "verified"
	JobQuarantined JobState = "quarantined"
	JobFailed      JobState = "failed"
)

// Terminal reports whether no further automatic transition leaves this state
// (Failed and Quarantined may still be externally requeued, but that is an
// operator action, not an automatic one).
func (s JobState) Terminal() bool {
	switch s {
	case JobVerified, JobQuarantined, JobFailed:
		return true
	default:
		return false
	}
}

// TargetState is the per-target copy lifecycle state (spec §4.3).
type TargetState string

const (
	TargetPending         TargetState = "pending"
	TargetCopying         TargetState = "copying"
	TargetCopied          TargetState = "copied"
	TargetVerifying       TargetState = "verifying"
	TargetVerified        TargetState = "verified"
	TargetFailedRetryable TargetState = "failed_retryable"
	TargetFailedPermanent TargetState = "failed_permanent"
)

// Terminal reports whether this is a terminal target state.
func (s TargetState) Terminal() bool {
	return s == TargetVerified || s == TargetFailedPermanent
}

// FailureCause classifies why a target left the happy path. Empty means no failure.
type FailureCause string

const (
	CauseNone             FailureCause = ""
	CauseHashMismatch     FailureCause = "hash_mismatch"
	CauseTruncation       FailureCause = "truncation"
	CauseSourceMissing    FailureCause = "source_missing"
	CauseRetriesExhausted FailureCause = "retries_exhausted"
	CauseIOError          FailureCause = "io_error"
	CausePermissionDenied FailureCause = "permission_denied"
	CauseCancelled        FailureCause = "cancelled"
	CauseTimeout          FailureCause = "timeout"
)

// IsQuarantineCause reports whether c is a FailedPermanent cause that drives a Job to Quarantined
// rather than Failed (spec I3, §4.2 Partial -> Quarantined).
func (c FailureCause) IsQuarantineCause() bool {
	switch c {
	case CauseHashMismatch, CauseTruncation, CauseSourceMissing:
		return true
	default:
		return false
	}
}

// FailureCauseFromKind maps a corefault.Kind to the FailureCause recorded on
// a TargetOutcome, so every service that surfaces a corefault.Error records
// it under the same vocabulary (spec §7 kinds -> spec §4.3 causes).
func FailureCauseFromKind(k corefault.Kind) FailureCause {
	switch k {
	case corefault.HashMismatch:
		return CauseHashMismatch
	case corefault.Truncation:
		return CauseTruncation
	case corefault.SourceMissing:
		return CauseSourceMissing
	case corefault.RetriesExhausted:
		return CauseRetriesExhausted
	case corefault.DestinationIOError:
		return CauseIOError
	case corefault.DestinationPermissionDenied:
		return CausePermissionDenied
	case corefault.Cancelled:
		return CauseCancelled
	case corefault.SourceUnstable:
		return CauseTimeout
	default:
		return CauseIOError
	}
}

// Job is the aggregate root: one admitted source file's replication lifecycle.
type Job struct {
	ID                       JobID      `badgerholdKey:"ID"`
	SourcePath               string     `badgerholdIndex:"SourcePath"`
	InitialSize              int64
	SourceHash               string // hex SHA-256, empty until first computed
	State                    JobState `badgerholdIndex:"State"`
	VersionToken             int64
	RequiredTargets          []TargetID
	CreatedUTC               time.Time
	UpdatedUTC               time.Time
	VerificationCompletedUTC *time.Time
	SourceDeletedUTC         *time.Time
}

// Clone returns a deep-enough copy safe for mutate-then-compare-and-swap callers.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	cp.RequiredTargets = append([]TargetID(nil), j.RequiredTargets...)
	if j.VerificationCompletedUTC != nil {
		t := *j.VerificationCompletedUTC
		cp.VerificationCompletedUTC = &t
	}
	if j.SourceDeletedUTC != nil {
		t := *j.SourceDeletedUTC
		cp.SourceDeletedUTC = &t
	}
	return &cp
}

// TargetOutcome is a child of Job, one per required target.
type TargetOutcome struct {
	ID                 string `badgerholdKey:"ID"` // "<JobID>/<TargetID>"
	JobID              JobID  `badgerholdIndex:"JobID"`
	TargetID           TargetID
	CopyState          TargetState
	Attempts           int
	VerifiedHash       string
	TempPath           string
	FinalPath          string
	LastError          string
	LastErrorCause     FailureCause
	BytesCopied        int64
	LastTransitionUTC  time.Time
}

// TargetKey builds the composite badgerhold key for a (JobID, TargetID) pair.
func TargetKey(id JobID, t TargetID) string {
	return string(id) + "/" + string(t)
}

// Clone returns a copy safe for mutate-then-submit callers.
func (t *TargetOutcome) Clone() *TargetOutcome {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

// EntityKind distinguishes Job-level from Target-level StateChangeLog rows.
type EntityKind string

const (
	EntityJob    EntityKind = "job"
	EntityTarget EntityKind = "target"
)

// StateChangeLog is the append-only audit trail (spec §3).
type StateChangeLog struct {
	Seq         uint64 `badgerholdKey:"Seq"`
	JobID       JobID  `badgerholdIndex:"JobID"`
	EntityKind  EntityKind
	EntityID    string // TargetID string when EntityKind == EntityTarget, else ""
	OldState    string
	NewState    string
	UTC         time.Time
	DurationMS  int64
	ContextJSON string
}
