package diagnosis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/brandlens/brandlens/config"
	"github.com/brandlens/brandlens/internal/provider"
)

// memRepo is an in-memory Repository mirroring the postgres semantics the
// engine relies on: monotonic progress, a one-way stop-polling flag and
// create-once report stubs.
type memRepo struct {
	mu          sync.Mutex
	executions  map[string]Execution
	cells       map[string]map[string]CellResult
	deadLetters map[string]DeadLetterEntry
	stubs       map[string]ReportStub
}

func newMemRepo() *memRepo {
	return &memRepo{
		executions:  make(map[string]Execution),
		cells:       make(map[string]map[string]CellResult),
		deadLetters: make(map[string]DeadLetterEntry),
		stubs:       make(map[string]ReportStub),
	}
}

func (r *memRepo) CreateExecution(ctx context.Context, exec Execution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executions[exec.ID] = exec
	return nil
}

func (r *memRepo) GetExecution(ctx context.Context, executionID string) (Execution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, ok := r.executions[executionID]
	if !ok {
		return Execution{}, ErrExecutionNotFound
	}
	return exec, nil
}

func (r *memRepo) UpdateExecutionState(ctx context.Context, executionID string, state State, terminal bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, ok := r.executions[executionID]
	if !ok {
		return ErrExecutionNotFound
	}
	exec.State = state
	exec.ShouldStopPolling = exec.ShouldStopPolling || terminal
	r.executions[executionID] = exec
	return nil
}

func (r *memRepo) SetExecutionProgress(ctx context.Context, executionID string, percent int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, ok := r.executions[executionID]
	if !ok {
		return ErrExecutionNotFound
	}
	if percent > exec.ProgressPercent {
		exec.ProgressPercent = percent
	}
	r.executions[executionID] = exec
	return nil
}

func (r *memRepo) SeedCellResults(ctx context.Context, executionID string, cells []Cell) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows := make(map[string]CellResult, len(cells))
	for _, cell := range cells {
		rows[cell.Key()] = CellResult{
			ExecutionID: executionID,
			Cell:        cell,
			Outcome:     OutcomePending,
			UpdatedAt:   time.Now().UTC(),
		}
	}
	r.cells[executionID] = rows
	return nil
}

func (r *memRepo) ListCellResults(ctx context.Context, executionID string) ([]CellResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []CellResult
	for _, row := range r.cells[executionID] {
		out = append(out, row)
	}
	return out, nil
}

func (r *memRepo) BumpCellAttempt(ctx context.Context, executionID, cellKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.cells[executionID][cellKey]
	if !ok {
		return fmt.Errorf("no cell %s", cellKey)
	}
	row.AttemptCount++
	r.cells[executionID][cellKey] = row
	return nil
}

func (r *memRepo) MarkCellSucceeded(ctx context.Context, executionID, cellKey string, payload json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.cells[executionID][cellKey]
	if !ok {
		return fmt.Errorf("no cell %s", cellKey)
	}
	row.Outcome = OutcomeSuccess
	row.Payload = payload
	row.ErrorDetail = ""
	r.cells[executionID][cellKey] = row
	return nil
}

func (r *memRepo) MarkCellFailed(ctx context.Context, executionID, cellKey, errorDetail string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.cells[executionID][cellKey]
	if !ok {
		return fmt.Errorf("no cell %s", cellKey)
	}
	row.Outcome = OutcomeFailed
	row.ErrorDetail = errorDetail
	r.cells[executionID][cellKey] = row
	return nil
}

func (r *memRepo) InsertDeadLetter(ctx context.Context, entry DeadLetterEntry) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deadLetters[entry.ID] = entry
	return entry.ID, nil
}

func (r *memRepo) GetDeadLetter(ctx context.Context, entryID string) (DeadLetterEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.deadLetters[entryID]
	if !ok {
		return DeadLetterEntry{}, ErrDeadLetterNotFound
	}
	return e, nil
}

func (r *memRepo) ListDeadLetters(ctx context.Context, filter DeadLetterFilter) ([]DeadLetterEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []DeadLetterEntry
	for _, e := range r.deadLetters {
		if filter.ExecutionID != "" && e.ExecutionID != filter.ExecutionID {
			continue
		}
		if filter.UnresolvedOnly && e.Resolved {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *memRepo) BumpDeadLetterRetry(ctx context.Context, entryID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.deadLetters[entryID]
	if !ok {
		return ErrDeadLetterNotFound
	}
	e.RetryCount++
	r.deadLetters[entryID] = e
	return nil
}

func (r *memRepo) ResolveDeadLetter(ctx context.Context, entryID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.deadLetters[entryID]
	if !ok {
		return ErrDeadLetterNotFound
	}
	e.Resolved = true
	r.deadLetters[entryID] = e
	return nil
}

func (r *memRepo) InsertReportStub(ctx context.Context, stub ReportStub) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stubs[stub.ExecutionID]; ok {
		return nil
	}
	r.stubs[stub.ExecutionID] = stub
	return nil
}

func (r *memRepo) GetReportStub(ctx context.Context, executionID string) (ReportStub, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stub, ok := r.stubs[executionID]
	return stub, ok, nil
}

func (r *memRepo) deadLetterCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.deadLetters)
}

func (r *memRepo) anyDeadLetter() (DeadLetterEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.deadLetters {
		return e, true
	}
	return DeadLetterEntry{}, false
}

var _ Repository = (*memRepo)(nil)

// fakeAdapter serves scripted outcomes keyed by brand|question. Unscripted
// cells succeed with a canned answer.
type fakeAdapter struct {
	name string

	mu      sync.Mutex
	scripts map[string][]provider.Outcome
	calls   map[string]int
	delay   time.Duration
}

func newFakeAdapter(name string) *fakeAdapter {
	return &fakeAdapter{
		name:    name,
		scripts: make(map[string][]provider.Outcome),
		calls:   make(map[string]int),
	}
}

func (f *fakeAdapter) script(brand, question string, outcomes ...provider.Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[brand+"|"+question] = outcomes
}

func (f *fakeAdapter) callCount(brand, question string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[brand+"|"+question]
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Invoke(ctx context.Context, brand, question string) provider.Outcome {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return provider.FailureOutcome(ctx.Err())
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := brand + "|" + question
	n := f.calls[key]
	f.calls[key] = n + 1
	script := f.scripts[key]
	if n < len(script) {
		return script[n]
	}
	return provider.Outcome{Success: true, Answer: "I recommend " + brand + " as a reliable choice."}
}

func transientFailure(msg string) provider.Outcome {
	return provider.Outcome{Success: false, Err: &provider.Error{Kind: provider.ErrorTransient, Message: msg}}
}

func fatalFailure(msg string) provider.Outcome {
	return provider.Outcome{Success: false, Err: &provider.Error{Kind: provider.ErrorFatal, Message: msg}}
}

// staticScorer wraps the answer untouched; dispatcher tests only care that a
// payload lands on the cell row.
type staticScorer struct{ version string }

func (s staticScorer) Score(ctx context.Context, brand, answer string) (json.RawMessage, error) {
	return json.Marshal(map[string]string{"brand": brand, "answer": answer, "version": s.version})
}

type staticSelector struct{}

func (staticSelector) ForVersion(version string) Scorer { return staticScorer{version: version} }

type harness struct {
	repo       *memRepo
	adapter    *fakeAdapter
	registry   *provider.Registry
	dispatcher *Dispatcher
}

func newHarness(t *testing.T, cfg config.DiagnosisConfig, rollout config.RolloutConfig) *harness {
	t.Helper()
	if cfg.WorkerPoolSize == 0 {
		cfg.WorkerPoolSize = 4
	}
	if cfg.MaxCells == 0 {
		cfg.MaxCells = 64
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = 5 * time.Millisecond
	}
	if cfg.ProviderCallTimeout == 0 {
		cfg.ProviderCallTimeout = time.Second
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}

	repo := newMemRepo()
	adapter := newFakeAdapter("fake")
	registry := provider.NewRegistry()
	registry.Register("model-a", adapter)
	registry.Register("model-b", adapter)
	registry.Register("model-c", adapter)

	dlq := NewDeadLetterService(repo, nil)
	stubs := NewStubService(repo, nil)
	dispatcher := NewDispatcher(cfg, rollout, repo, registry, staticSelector{}, dlq, stubs, NewTimeoutManager(), nil)
	return &harness{repo: repo, adapter: adapter, registry: registry, dispatcher: dispatcher}
}

// waitTerminal polls until the execution's stop flag is set.
func (h *harness) waitTerminal(t *testing.T, executionID string) Execution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		exec, err := h.repo.GetExecution(context.Background(), executionID)
		if err != nil {
			t.Fatalf("get execution: %v", err)
		}
		if exec.ShouldStopPolling {
			return exec
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("execution %s never reached a terminal state", executionID)
	return Execution{}
}

func smallSpec() MatrixSpec {
	return MatrixSpec{
		Brands:    []string{"Acme"},
		Questions: []string{"best crm?"},
		Models:    []string{"model-a"},
	}
}
