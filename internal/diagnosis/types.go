package diagnosis

import (
	"encoding/json"
	"fmt"
	"time"
)

// MatrixSpec defines the cell set of one execution: every (brand, question,
// model) triple is one cell. The spec is immutable once the execution starts.
type MatrixSpec struct {
	Brands    []string `json:"brands"`
	Questions []string `json:"questions"`
	Models    []string `json:"models"`
}

// TotalCells returns |brands| x |questions| x |models|.
func (s MatrixSpec) TotalCells() int {
	return len(s.Brands) * len(s.Questions) * len(s.Models)
}

// Cells expands the spec into its full cell set in logical order.
func (s MatrixSpec) Cells() []Cell {
	cells := make([]Cell, 0, s.TotalCells())
	for _, b := range s.Brands {
		for _, q := range s.Questions {
			for _, m := range s.Models {
				cells = append(cells, Cell{Brand: b, Question: q, Model: m})
			}
		}
	}
	return cells
}

// Cell identifies one (brand, question, model) triple within an execution.
type Cell struct {
	Brand    string `json:"brand"`
	Question string `json:"question"`
	Model    string `json:"model"`
}

// Key returns the stable identifier used for cell rows and dead letters.
func (c Cell) Key() string {
	return fmt.Sprintf("%s|%s|%s", c.Brand, c.Question, c.Model)
}

// Execution is one diagnosis run over a matrix.
type Execution struct {
	ID                string     `json:"execution_id"`
	State             State      `json:"state"`
	Spec              MatrixSpec `json:"matrix_spec"`
	ScoringVersion    string     `json:"scoring_version"`
	ProgressPercent   int        `json:"progress_percent"`
	ShouldStopPolling bool       `json:"should_stop_polling"`
	CreatedAt         time.Time  `json:"created_at"`
	DeadlineAt        time.Time  `json:"deadline_at"`
}

// CellOutcome is the lifecycle of a single cell row.
type CellOutcome string

const (
	OutcomePending CellOutcome = "pending"
	OutcomeSuccess CellOutcome = "success"
	OutcomeFailed  CellOutcome = "failed"
)

// CellResult is the persisted outcome of one cell. Exactly one row exists per
// (execution_id, brand, question, model) and only the task owning the cell
// writes to it.
type CellResult struct {
	ExecutionID  string          `json:"execution_id"`
	Cell         Cell            `json:"cell"`
	AttemptCount int             `json:"attempt_count"`
	Outcome      CellOutcome     `json:"outcome"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	ErrorDetail  string          `json:"error_detail,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// DeadLetterEntry records a terminally failed execution or cell. Entries are
// append-only; resolution is a flag, never a delete.
type DeadLetterEntry struct {
	ID            string    `json:"id"`
	ExecutionID   string    `json:"execution_id"`
	CellKey       string    `json:"cell_key,omitempty"` // empty for execution-level entries
	Reason        string    `json:"reason"`
	FirstFailedAt time.Time `json:"first_failed_at"`
	RetryCount    int       `json:"retry_count"`
	Resolved      bool      `json:"resolved"`
}

// ReportStub is the degraded report surrogate built when an execution ends in
// FAILED, TIMEOUT or PARTIAL_SUCCESS. Immutable after creation.
type ReportStub struct {
	ExecutionID       string          `json:"execution_id"`
	CompletenessRatio float64         `json:"completeness_ratio"`
	PartialPayload    json.RawMessage `json:"partial_payload,omitempty"`
	AdvisoryMessage   string          `json:"advisory_message"`
	CreatedAt         time.Time       `json:"created_at"`
}

// DeadLetterFilter narrows List results.
type DeadLetterFilter struct {
	ExecutionID    string
	UnresolvedOnly bool
	Limit          int
	Offset         int
}
