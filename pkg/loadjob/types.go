package loadjob

import (
	"time"

	"github.com/grafana/blockworker/pkg/workerclient"
)

// State is a load job's lifecycle state.
type State string

const (
	StateRunning   State = "RUNNING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
	StateStopped   State = "STOPPED"
)

// FailureReason is the first-observed failure recorded for a file; per
// spec.md §7, subsequent failures for the same file never overwrite it.
type FailureReason struct {
	Message       string
	Code          int
	FirstObserved time.Time
}

// Task is a bounded batch of files dispatched to a single worker.
type Task struct {
	ID     string
	Worker string
	Files  []workerclient.FileRef
}

// ExecutorOutcome classifies how a dispatched task ended, per spec.md
// §4.6 item 5's failure classification.
type ExecutorOutcome int

const (
	// OutcomeCompleted means the task ran to completion; its
	// LoadFileResponse (success or partial) drives reconciliation.
	OutcomeCompleted ExecutorOutcome = iota
	// OutcomeCancelled means the underlying future was cancelled: every
	// file in the task is retried, unconditionally.
	OutcomeCancelled
	// OutcomeInterrupted means the executing goroutine was interrupted:
	// every file is retried and the interruption is propagated, but this
	// does not count as a failure.
	OutcomeInterrupted
	// OutcomeExecutionError means the task's own execution raised an
	// error (distinct from any individual file's result): retry if the
	// job is still healthy, otherwise record every file as failed.
	OutcomeExecutionError
)
