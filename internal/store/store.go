package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/lib/pq"

	"github.com/brandlens/brandlens/internal/diagnosis"
)

// Store is the postgres-backed execution repository: the single source of
// truth for execution state, cell results, dead letters and report stubs.
type Store struct {
	DB *sql.DB
}

func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

// Execution operations

func (s *Store) CreateExecution(ctx context.Context, exec diagnosis.Execution) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO executions (execution_id, state, brands, questions, models, scoring_version, progress_percent, should_stop_polling, created_at, deadline_at)
VALUES ($1,$2,$3,$4,$5,$6,0,FALSE,$7,$8)
`, exec.ID, string(exec.State), pq.Array(exec.Spec.Brands), pq.Array(exec.Spec.Questions), pq.Array(exec.Spec.Models), exec.ScoringVersion, exec.CreatedAt, exec.DeadlineAt)
	return err
}

func (s *Store) GetExecution(ctx context.Context, executionID string) (diagnosis.Execution, error) {
	var exec diagnosis.Execution
	var state string
	var brands, questions, models pq.StringArray
	err := s.DB.QueryRowContext(ctx, `
SELECT execution_id, state, brands, questions, models, scoring_version, progress_percent, should_stop_polling, created_at, deadline_at
FROM executions
WHERE execution_id=$1
`, executionID).Scan(&exec.ID, &state, &brands, &questions, &models, &exec.ScoringVersion, &exec.ProgressPercent, &exec.ShouldStopPolling, &exec.CreatedAt, &exec.DeadlineAt)
	if errors.Is(err, sql.ErrNoRows) {
		return diagnosis.Execution{}, diagnosis.ErrExecutionNotFound
	}
	if err != nil {
		return diagnosis.Execution{}, err
	}
	exec.State = diagnosis.State(state)
	exec.Spec = diagnosis.MatrixSpec{Brands: brands, Questions: questions, Models: models}
	return exec, nil
}

// UpdateExecutionState writes the state and the stop-polling flag as one
// atomic unit. The flag only ever moves false -> true.
func (s *Store) UpdateExecutionState(ctx context.Context, executionID string, state diagnosis.State, terminal bool) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE executions
SET state=$2, should_stop_polling = should_stop_polling OR $3, updated_at=NOW()
WHERE execution_id=$1
`, executionID, string(state), terminal)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return diagnosis.ErrExecutionNotFound
	}
	return nil
}

// SetExecutionProgress raises progress_percent; GREATEST keeps it monotonic
// even under delayed writes.
func (s *Store) SetExecutionProgress(ctx context.Context, executionID string, percent int) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE executions
SET progress_percent = GREATEST(progress_percent, $2), updated_at=NOW()
WHERE execution_id=$1
`, executionID, percent)
	return err
}

// Cell result operations

func (s *Store) SeedCellResults(ctx context.Context, executionID string, cells []diagnosis.Cell) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, cell := range cells {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO cell_results (execution_id, cell_key, brand, question, model, attempt_count, outcome, updated_at)
VALUES ($1,$2,$3,$4,$5,0,'pending',NOW())
`, executionID, cell.Key(), cell.Brand, cell.Question, cell.Model); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) ListCellResults(ctx context.Context, executionID string) ([]diagnosis.CellResult, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT execution_id, brand, question, model, attempt_count, outcome, payload, error_detail, updated_at
FROM cell_results
WHERE execution_id=$1
ORDER BY brand, question, model
`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []diagnosis.CellResult
	for rows.Next() {
		var r diagnosis.CellResult
		var outcome string
		var payload []byte
		var errDetail sql.NullString
		if err := rows.Scan(&r.ExecutionID, &r.Cell.Brand, &r.Cell.Question, &r.Cell.Model, &r.AttemptCount, &outcome, &payload, &errDetail, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Outcome = diagnosis.CellOutcome(outcome)
		if len(payload) > 0 {
			r.Payload = json.RawMessage(payload)
		}
		r.ErrorDetail = errDetail.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) BumpCellAttempt(ctx context.Context, executionID, cellKey string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE cell_results
SET attempt_count = attempt_count + 1, updated_at=NOW()
WHERE execution_id=$1 AND cell_key=$2
`, executionID, cellKey)
	return err
}

func (s *Store) MarkCellSucceeded(ctx context.Context, executionID, cellKey string, payload json.RawMessage) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE cell_results
SET outcome='success', payload=$3, error_detail=NULL, updated_at=NOW()
WHERE execution_id=$1 AND cell_key=$2
`, executionID, cellKey, []byte(payload))
	return err
}

func (s *Store) MarkCellFailed(ctx context.Context, executionID, cellKey, errorDetail string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE cell_results
SET outcome='failed', error_detail=$3, updated_at=NOW()
WHERE execution_id=$1 AND cell_key=$2
`, executionID, cellKey, errorDetail)
	return err
}

// Dead letter operations

func (s *Store) InsertDeadLetter(ctx context.Context, entry diagnosis.DeadLetterEntry) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO dead_letters (id, execution_id, cell_key, reason, first_failed_at, retry_count, resolved)
VALUES ($1,$2,$3,$4,$5,0,FALSE)
RETURNING id
`, entry.ID, entry.ExecutionID, nullable(entry.CellKey), entry.Reason, entry.FirstFailedAt).Scan(&id)
	return id, err
}

func (s *Store) GetDeadLetter(ctx context.Context, entryID string) (diagnosis.DeadLetterEntry, error) {
	var e diagnosis.DeadLetterEntry
	var cellKey sql.NullString
	err := s.DB.QueryRowContext(ctx, `
SELECT id, execution_id, cell_key, reason, first_failed_at, retry_count, resolved
FROM dead_letters
WHERE id=$1
`, entryID).Scan(&e.ID, &e.ExecutionID, &cellKey, &e.Reason, &e.FirstFailedAt, &e.RetryCount, &e.Resolved)
	if errors.Is(err, sql.ErrNoRows) {
		return diagnosis.DeadLetterEntry{}, diagnosis.ErrDeadLetterNotFound
	}
	if err != nil {
		return diagnosis.DeadLetterEntry{}, err
	}
	e.CellKey = cellKey.String
	return e, nil
}

func (s *Store) ListDeadLetters(ctx context.Context, filter diagnosis.DeadLetterFilter) ([]diagnosis.DeadLetterEntry, error) {
	query := `
SELECT id, execution_id, cell_key, reason, first_failed_at, retry_count, resolved
FROM dead_letters
WHERE 1=1`
	args := []interface{}{}
	if filter.ExecutionID != "" {
		args = append(args, filter.ExecutionID)
		query += fmt.Sprintf(" AND execution_id=$%d", len(args))
	}
	if filter.UnresolvedOnly {
		query += " AND resolved=FALSE"
	}
	query += " ORDER BY first_failed_at DESC"
	args = append(args, filter.Limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	args = append(args, filter.Offset)
	query += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []diagnosis.DeadLetterEntry
	for rows.Next() {
		var e diagnosis.DeadLetterEntry
		var cellKey sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &cellKey, &e.Reason, &e.FirstFailedAt, &e.RetryCount, &e.Resolved); err != nil {
			return nil, err
		}
		e.CellKey = cellKey.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) BumpDeadLetterRetry(ctx context.Context, entryID string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE dead_letters SET retry_count = retry_count + 1 WHERE id=$1
`, entryID)
	return err
}

func (s *Store) ResolveDeadLetter(ctx context.Context, entryID string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE dead_letters SET resolved=TRUE WHERE id=$1
`, entryID)
	return err
}

// Report stub operations

// InsertReportStub is create-once: conflicts are ignored so the first stub
// written for an execution is the one that stands.
func (s *Store) InsertReportStub(ctx context.Context, stub diagnosis.ReportStub) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO report_stubs (execution_id, completeness_ratio, partial_payload, advisory_message, created_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (execution_id) DO NOTHING
`, stub.ExecutionID, stub.CompletenessRatio, []byte(stub.PartialPayload), stub.AdvisoryMessage, stub.CreatedAt)
	return err
}

func (s *Store) GetReportStub(ctx context.Context, executionID string) (diagnosis.ReportStub, bool, error) {
	var stub diagnosis.ReportStub
	var payload []byte
	err := s.DB.QueryRowContext(ctx, `
SELECT execution_id, completeness_ratio, partial_payload, advisory_message, created_at
FROM report_stubs
WHERE execution_id=$1
`, executionID).Scan(&stub.ExecutionID, &stub.CompletenessRatio, &payload, &stub.AdvisoryMessage, &stub.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return diagnosis.ReportStub{}, false, nil
	}
	if err != nil {
		return diagnosis.ReportStub{}, false, err
	}
	if len(payload) > 0 {
		stub.PartialPayload = json.RawMessage(payload)
	}
	return stub, true, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

var _ diagnosis.Repository = (*Store)(nil)
