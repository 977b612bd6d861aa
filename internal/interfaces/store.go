package interfaces

import (
	"context"
	"time"

	"github.com/forkerdotnet/forkergo/internal/models"
)

// JobMutation describes the Job-level field changes of one transition.
// NewState is always set; the rest are applied only when non-nil/non-zero.
type JobMutation struct {
	NewState                 models.JobState
	SourceHash                *string
	VerificationCompletedUTC  *time.Time
	SourceDeletedUTC          *time.Time
}

// TargetMutation describes the TargetOutcome-level field changes of one
// transition, scoped to a single target.
type TargetMutation struct {
	TargetID           models.TargetID
	NewState           models.TargetState
	IncrementAttempts  bool
	TempPath           *string // nil = leave unchanged; pointer-to-"" clears it
	FinalPath          *string
	VerifiedHash       *string
	LastError          *string
	LastErrorCause     *models.FailureCause
	BytesCopied        *int64
}

// TransitionInput is the generic transition-function contract of spec §4.1.
type TransitionInput struct {
	JobID                models.JobID
	ExpectedVersionToken int64
	Job                  *JobMutation    // nil = no Job-level field mutation beyond what invariants imply
	Target               *TargetMutation // nil = no TargetOutcome mutation
	LogEntry             models.StateChangeLog
}

// TransitionOutcome is the three-way result of Store.Transition.
type TransitionOutcome int

const (
	Applied TransitionOutcome = iota
	Conflict
	InvariantViolation
)

// TransitionResult carries the outcome and the resulting/observed token.
type TransitionResult struct {
	Outcome      TransitionOutcome
	NewToken     int64 // valid when Outcome == Applied
	CurrentToken int64 // valid when Outcome == Conflict
	Err          error // valid when Outcome == InvariantViolation
}

// JobSummary is the read-only listing shape for the operational query surface (spec §6).
type JobSummary struct {
	ID           models.JobID
	SourcePath   string
	State        models.JobState
	InitialSize  int64
	CreatedUTC   time.Time
	VersionToken int64
}

// Store is the single-writer, ACID, embedded persistence abstraction (spec §4.1).
type Store interface {
	// CreateJob persists a freshly admitted Job and its TargetOutcomes
	// (Discovered -> Queued) plus the corresponding StateChangeLog rows,
	// atomically, assigning the first version_token.
	CreateJob(ctx context.Context, job *models.Job, targets []*models.TargetOutcome) error

	// Transition applies one state change under the contract of spec §4.1.
	Transition(ctx context.Context, in TransitionInput) (TransitionResult, error)

	GetJob(ctx context.Context, id models.JobID) (*models.Job, error)
	GetTarget(ctx context.Context, id models.JobID, target models.TargetID) (*models.TargetOutcome, error)
	ListTargets(ctx context.Context, id models.JobID) ([]*models.TargetOutcome, error)

	// ListNonTerminalJobs supports startup recovery (spec §4.1).
	ListNonTerminalJobs(ctx context.Context) ([]*models.Job, error)

	ListJobs(ctx context.Context, limit int) ([]JobSummary, error)
	ListJobsByState(ctx context.Context, state models.JobState, limit int) ([]JobSummary, error)
	CountByState(ctx context.Context) (map[models.JobState]int, error)
	ListLog(ctx context.Context, jobID models.JobID) ([]models.StateChangeLog, error)

	// Prune removes StateChangeLog rows beyond maxRecords or older than
	// retention, whichever policy is configured to apply (spec §3, §6).
	Prune(ctx context.Context, maxRecords int, retention time.Duration) (int, error)

	Close() error
}
