package diagnosis

import (
	"context"
	"encoding/json"
)

// Repository is the durable store behind executions, cell results, dead
// letters and report stubs. The postgres implementation lives in
// internal/store; tests substitute an in-memory one.
type Repository interface {
	CreateExecution(ctx context.Context, exec Execution) error
	GetExecution(ctx context.Context, executionID string) (Execution, error)

	// UpdateExecutionState writes the state and, when terminal is true, sets
	// should_stop_polling in the same statement. The flag is monotonic: once
	// set it is never cleared.
	UpdateExecutionState(ctx context.Context, executionID string, state State, terminal bool) error

	// SetExecutionProgress raises progress_percent; writes below the current
	// value are ignored so observed progress never decreases.
	SetExecutionProgress(ctx context.Context, executionID string, percent int) error

	SeedCellResults(ctx context.Context, executionID string, cells []Cell) error
	ListCellResults(ctx context.Context, executionID string) ([]CellResult, error)
	BumpCellAttempt(ctx context.Context, executionID, cellKey string) error
	MarkCellSucceeded(ctx context.Context, executionID, cellKey string, payload json.RawMessage) error
	MarkCellFailed(ctx context.Context, executionID, cellKey, errorDetail string) error

	InsertDeadLetter(ctx context.Context, entry DeadLetterEntry) (string, error)
	GetDeadLetter(ctx context.Context, entryID string) (DeadLetterEntry, error)
	ListDeadLetters(ctx context.Context, filter DeadLetterFilter) ([]DeadLetterEntry, error)
	BumpDeadLetterRetry(ctx context.Context, entryID string) error
	ResolveDeadLetter(ctx context.Context, entryID string) error

	// InsertReportStub is create-once: a second insert for the same
	// execution is a no-op.
	InsertReportStub(ctx context.Context, stub ReportStub) error
	GetReportStub(ctx context.Context, executionID string) (ReportStub, bool, error)
}
