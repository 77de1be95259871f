package diagnosis

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/brandlens/brandlens/config"
	"github.com/brandlens/brandlens/internal/provider"
	"github.com/brandlens/brandlens/internal/telemetry"
)

var dispatcherTracer trace.Tracer = otel.Tracer("brandlens/internal/diagnosis/dispatcher")

const (
	scoringV1 = "v1"
	scoringV2 = "v2"
)

// Dispatcher decomposes an execution into cell tasks, drives each through a
// provider adapter on a bounded worker pool, aggregates outcomes and owns
// the execution's terminal verdict. Multiple executions run concurrently,
// each with its own pool, timer and state machine.
type Dispatcher struct {
	cfg      config.DiagnosisConfig
	rollout  config.RolloutConfig
	repo     Repository
	registry *provider.Registry
	scorers  ScorerSelector
	dlq      *DeadLetterService
	stubs    *StubService
	timeouts *TimeoutManager
	metrics  *telemetry.Metrics
	logger   *log.Logger

	mu      sync.Mutex
	running map[string]*runHandle
}

type runHandle struct {
	cancel  context.CancelFunc
	machine *Machine
}

func NewDispatcher(
	cfg config.DiagnosisConfig,
	rollout config.RolloutConfig,
	repo Repository,
	registry *provider.Registry,
	scorers ScorerSelector,
	dlq *DeadLetterService,
	stubs *StubService,
	timeouts *TimeoutManager,
	metrics *telemetry.Metrics,
) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		rollout:  rollout,
		repo:     repo,
		registry: registry,
		scorers:  scorers,
		dlq:      dlq,
		stubs:    stubs,
		timeouts: timeouts,
		metrics:  metrics,
		logger:   log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags),
		running:  make(map[string]*runHandle),
	}
}

// Start validates and accepts one diagnosis execution. On acceptance the
// execution record and its pending cell rows are persisted, the deadline
// timer is armed and the matrix fan-out begins in the background.
func (d *Dispatcher) Start(ctx context.Context, spec MatrixSpec, timeout time.Duration) (string, error) {
	if err := validateSpec(spec, d.cfg.MaxCells); err != nil {
		return "", err
	}
	if timeout <= 0 {
		timeout = d.cfg.DefaultTimeout
	}

	executionID := uuid.NewString()
	now := time.Now().UTC()
	exec := Execution{
		ID:             executionID,
		State:          StateInitializing,
		Spec:           spec,
		ScoringVersion: d.resolveScoringVersion(executionID, spec.Brands[0]),
		CreatedAt:      now,
		DeadlineAt:     now.Add(timeout),
	}
	if err := d.repo.CreateExecution(ctx, exec); err != nil {
		return "", fmt.Errorf("create execution: %w", err)
	}
	if err := d.repo.SeedCellResults(ctx, executionID, spec.Cells()); err != nil {
		return "", fmt.Errorf("seed cell results: %w", err)
	}

	machine := NewMachine(executionID, d.repo)
	if err := machine.Transition(ctx, StateAIFetching); err != nil {
		return "", fmt.Errorf("enter AI_FETCHING: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.running[executionID] = &runHandle{cancel: cancel, machine: machine}
	d.mu.Unlock()

	d.timeouts.StartTimer(executionID, timeout, func() {
		d.onTimeout(executionID, machine)
	})
	d.metrics.RecordStarted()
	d.logger.Printf("execution %s started: %d cells, scoring %s, deadline in %s",
		executionID, spec.TotalCells(), exec.ScoringVersion, timeout)

	go d.run(runCtx, exec, machine)
	return executionID, nil
}

// Cancel stops an in-flight execution: no new cell attempts are scheduled,
// in-flight provider calls hit their own per-call timeout, the deadline
// timer is released and the execution lands in FAILED with a stub.
func (d *Dispatcher) Cancel(ctx context.Context, executionID string) error {
	d.mu.Lock()
	handle, ok := d.running[executionID]
	d.mu.Unlock()
	if !ok {
		return ErrExecutionNotFound
	}

	handle.cancel()
	d.timeouts.CancelTimer(executionID)

	if err := handle.machine.Transition(ctx, StateFailed); err != nil {
		var ite *InvalidTransitionError
		if errors.As(err, &ite) {
			// already terminal; nothing left to cancel
			return nil
		}
		return fmt.Errorf("cancel execution %s: %w", executionID, err)
	}
	d.metrics.RecordFinished(string(StateFailed))
	if _, err := d.dlq.Record(ctx, executionID, "", "canceled by user"); err != nil {
		d.logger.Printf("execution %s: dead-lettering cancellation failed: %v", executionID, err)
	}
	if _, err := d.stubs.Build(ctx, executionID); err != nil {
		d.logger.Printf("execution %s: stub build after cancel failed: %v", executionID, err)
	}
	d.logger.Printf("execution %s canceled", executionID)
	return nil
}

// run drives the full matrix through the worker pool and computes the final
// verdict once every cell reached a terminal outcome.
func (d *Dispatcher) run(ctx context.Context, exec Execution, machine *Machine) {
	ctx, span := dispatcherTracer.Start(ctx, "diagnosis.execute",
		trace.WithAttributes(
			attribute.String("execution.id", exec.ID),
			attribute.Int("execution.cells", exec.Spec.TotalCells()),
		))
	defer span.End()

	scorer := d.scorers.ForVersion(exec.ScoringVersion)
	cells := exec.Spec.Cells()
	prog := &progressTracker{total: len(cells)}

	workers := d.cfg.WorkerPoolSize
	if workers > len(cells) {
		workers = len(cells)
	}

	queue := make(chan Cell)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for cell := range queue {
				d.processCell(ctx, exec, cell, machine, scorer, prog)
			}
		}()
	}

feed:
	for _, cell := range cells {
		select {
		case queue <- cell:
		case <-ctx.Done():
			break feed
		}
	}
	close(queue)
	wg.Wait()

	d.mu.Lock()
	delete(d.running, exec.ID)
	d.mu.Unlock()

	if ctx.Err() != nil {
		// timeout or cancellation already drove the terminal transition
		span.SetStatus(codes.Error, ctx.Err().Error())
		return
	}

	d.timeouts.CancelTimer(exec.ID)
	verdict := prog.verdict()
	if err := machine.Transition(context.Background(), verdict); err != nil {
		var ite *InvalidTransitionError
		if errors.As(err, &ite) {
			// the deadline timer won the race; its transition stands
			d.logger.Printf("execution %s: verdict %s rejected, already %s", exec.ID, verdict, ite.From)
			return
		}
		d.logger.Printf("execution %s: terminal transition failed: %v", exec.ID, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}

	d.metrics.RecordFinished(string(verdict))
	if verdict != StateCompleted {
		if _, err := d.stubs.Build(context.Background(), exec.ID); err != nil {
			d.logger.Printf("execution %s: stub build failed: %v", exec.ID, err)
		}
	}
	succeeded, failed := prog.counts()
	span.SetAttributes(
		attribute.String("execution.verdict", string(verdict)),
		attribute.Int("execution.cells_succeeded", succeeded),
		attribute.Int("execution.cells_failed", failed),
	)
	span.SetStatus(codes.Ok, "finished")
	d.logger.Printf("execution %s finished %s: %d succeeded, %d failed", exec.ID, verdict, succeeded, failed)
}

// processCell owns exactly one cell: invoke, retry with backoff on transient
// failure, score, persist the outcome and nudge progress. A poisoned cell
// never blocks the rest of the matrix.
func (d *Dispatcher) processCell(ctx context.Context, exec Execution, cell Cell, machine *Machine, scorer Scorer, prog *progressTracker) {
	ctx, span := dispatcherTracer.Start(ctx, "diagnosis.cell",
		trace.WithAttributes(
			attribute.String("execution.id", exec.ID),
			attribute.String("cell.brand", cell.Brand),
			attribute.String("cell.model", cell.Model),
		))
	defer span.End()

	key := cell.Key()
	adapter, ok := d.registry.Adapter(cell.Model)
	if !ok {
		d.failCell(ctx, exec, cell, "none", fmt.Sprintf("no adapter registered for model %q", cell.Model), machine, prog)
		span.SetStatus(codes.Error, "no adapter")
		return
	}

	backoff := d.cfg.RetryBackoff
	if backoff <= 0 {
		backoff = time.Second
	}

	var lastErr *provider.Error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := d.repo.BumpCellAttempt(ctx, exec.ID, key); err != nil {
				d.logger.Printf("execution %s cell %s: bump attempt failed: %v", exec.ID, key, err)
			}
		}

		started := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, d.cfg.ProviderCallTimeout)
		out := adapter.Invoke(callCtx, cell.Brand, cell.Question)
		cancel()
		d.metrics.ObserveProviderCall(adapter.Name(), started)

		if out.Success {
			payload, err := scorer.Score(ctx, cell.Brand, out.Answer)
			if err != nil {
				d.failCell(ctx, exec, cell, adapter.Name(), fmt.Sprintf("scoring failed: %v", err), machine, prog)
				span.SetStatus(codes.Error, "scoring failed")
				return
			}
			if err := d.repo.MarkCellSucceeded(ctx, exec.ID, key, payload); err != nil {
				d.logger.Printf("execution %s cell %s: persist success failed: %v", exec.ID, key, err)
			}
			d.metrics.RecordCell(adapter.Name(), string(OutcomeSuccess))
			d.completeCell(ctx, exec.ID, machine, prog, true)
			span.SetStatus(codes.Ok, "succeeded")
			return
		}

		lastErr = out.Err
		if lastErr != nil && !lastErr.Transient() {
			break
		}
		if ctx.Err() != nil {
			break
		}
		if attempt < d.cfg.MaxAttempts {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
			}
			backoff *= 2
		}
	}

	if ctx.Err() != nil && (lastErr == nil || lastErr.Transient()) {
		// the execution timed out or was canceled mid-cell; the terminal
		// path owns the remaining bookkeeping and the cell stays pending
		span.SetStatus(codes.Error, ctx.Err().Error())
		return
	}

	reason := "provider invocation failed"
	if lastErr != nil {
		reason = lastErr.Message
	}
	d.failCell(ctx, exec, cell, adapter.Name(), reason, machine, prog)
	span.SetStatus(codes.Error, reason)
}

// failCell writes the failed outcome, dead-letters the cell and advances
// progress. Other cells keep flowing.
func (d *Dispatcher) failCell(ctx context.Context, exec Execution, cell Cell, providerName, reason string, machine *Machine, prog *progressTracker) {
	key := cell.Key()
	if err := d.repo.MarkCellFailed(ctx, exec.ID, key, reason); err != nil {
		d.logger.Printf("execution %s cell %s: persist failure failed: %v", exec.ID, key, err)
	}
	if _, err := d.dlq.Record(ctx, exec.ID, key, reason); err != nil {
		d.logger.Printf("execution %s cell %s: dead-letter failed: %v", exec.ID, key, err)
	}
	d.metrics.RecordCell(providerName, string(OutcomeFailed))
	d.completeCell(ctx, exec.ID, machine, prog, false)
}

// completeCell advances the execution's progress after a cell reached a
// terminal outcome. Progress is defined purely by completed-cell count, so
// it stays monotonic regardless of provider behaviour. The first completed
// cell nudges the machine from AI_FETCHING into ANALYZING.
func (d *Dispatcher) completeCell(ctx context.Context, executionID string, machine *Machine, prog *progressTracker, success bool) {
	done := prog.complete(success)
	pct := done * 100 / prog.total
	if err := d.repo.SetExecutionProgress(ctx, executionID, pct); err != nil {
		d.logger.Printf("execution %s: progress update failed: %v", executionID, err)
	}
	if machine.Current() == StateAIFetching {
		if err := machine.Transition(ctx, StateAnalyzing); err != nil {
			var ite *InvalidTransitionError
			if !errors.As(err, &ite) {
				d.logger.Printf("execution %s: enter ANALYZING failed: %v", executionID, err)
			}
		}
	}
}

// onTimeout fires when the execution deadline expires. It may race with a
// just-finishing run; the transition whitelist decides the winner and the
// loser becomes a logged no-op.
func (d *Dispatcher) onTimeout(executionID string, machine *Machine) {
	ctx := context.Background()

	d.mu.Lock()
	if handle, ok := d.running[executionID]; ok {
		handle.cancel()
	}
	d.mu.Unlock()

	if err := machine.Transition(ctx, StateTimeout); err != nil {
		var ite *InvalidTransitionError
		if errors.As(err, &ite) {
			return
		}
		d.logger.Printf("execution %s: timeout transition failed: %v", executionID, err)
		return
	}
	d.metrics.RecordFinished(string(StateTimeout))
	if _, err := d.dlq.Record(ctx, executionID, "", "execution deadline exceeded"); err != nil {
		d.logger.Printf("execution %s: dead-lettering timeout failed: %v", executionID, err)
	}
	if _, err := d.stubs.Build(ctx, executionID); err != nil {
		d.logger.Printf("execution %s: stub build after timeout failed: %v", executionID, err)
	}
	d.logger.Printf("execution %s timed out", executionID)
}

// RetryDeadLetter re-runs the cell (or all failed cells) behind a dead
// letter entry and marks the entry resolved only if the retry succeeds.
func (d *Dispatcher) RetryDeadLetter(ctx context.Context, entryID string) error {
	entry, err := d.repo.GetDeadLetter(ctx, entryID)
	if err != nil {
		return err
	}
	if entry.Resolved {
		return fmt.Errorf("dead letter %s already resolved", entryID)
	}
	if err := d.repo.BumpDeadLetterRetry(ctx, entryID); err != nil {
		return fmt.Errorf("bump retry count: %w", err)
	}

	exec, err := d.repo.GetExecution(ctx, entry.ExecutionID)
	if err != nil {
		return err
	}

	var cells []Cell
	if entry.CellKey != "" {
		cell, err := parseCellKey(entry.CellKey)
		if err != nil {
			return err
		}
		cells = []Cell{cell}
	} else {
		results, err := d.repo.ListCellResults(ctx, exec.ID)
		if err != nil {
			return err
		}
		for _, r := range results {
			if r.Outcome != OutcomeSuccess {
				cells = append(cells, r.Cell)
			}
		}
	}

	for _, cell := range cells {
		if err := d.retryCell(ctx, exec, cell); err != nil {
			return fmt.Errorf("retry cell %s: %w", cell.Key(), err)
		}
	}
	if err := d.repo.ResolveDeadLetter(ctx, entryID); err != nil {
		return fmt.Errorf("resolve dead letter: %w", err)
	}
	d.logger.Printf("dead letter %s resolved after retry (%d cells)", entryID, len(cells))
	return nil
}

// retryCell performs a single out-of-band attempt for a previously failed
// cell. The execution's terminal state is not revisited; only the cell row
// improves.
func (d *Dispatcher) retryCell(ctx context.Context, exec Execution, cell Cell) error {
	adapter, ok := d.registry.Adapter(cell.Model)
	if !ok {
		return fmt.Errorf("no adapter registered for model %q", cell.Model)
	}
	key := cell.Key()
	if err := d.repo.BumpCellAttempt(ctx, exec.ID, key); err != nil {
		return err
	}

	started := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.ProviderCallTimeout)
	out := adapter.Invoke(callCtx, cell.Brand, cell.Question)
	cancel()
	d.metrics.ObserveProviderCall(adapter.Name(), started)

	if !out.Success {
		reason := "provider invocation failed"
		if out.Err != nil {
			reason = out.Err.Message
		}
		return errors.New(reason)
	}

	scorer := d.scorers.ForVersion(exec.ScoringVersion)
	payload, err := scorer.Score(ctx, cell.Brand, out.Answer)
	if err != nil {
		return fmt.Errorf("scoring failed: %w", err)
	}
	if err := d.repo.MarkCellSucceeded(ctx, exec.ID, key, payload); err != nil {
		return err
	}
	d.metrics.RecordCell(adapter.Name(), string(OutcomeSuccess))
	return nil
}

// resolveScoringVersion applies the gray-rollout config exactly once, at
// execution start. The resolved version rides on the execution record.
func (d *Dispatcher) resolveScoringVersion(executionID, primaryBrand string) string {
	for _, b := range d.rollout.ScoringV2Brands {
		if strings.EqualFold(b, primaryBrand) {
			return scoringV2
		}
	}
	if d.rollout.ScoringV2Percent > 0 {
		h := fnv.New32a()
		h.Write([]byte(executionID))
		if int(h.Sum32()%100) < d.rollout.ScoringV2Percent {
			return scoringV2
		}
	}
	return scoringV1
}

func validateSpec(spec MatrixSpec, maxCells int) error {
	if len(spec.Brands) < 1 {
		return &InvalidMatrixError{Reason: "at least one brand required"}
	}
	if len(spec.Questions) < 1 {
		return &InvalidMatrixError{Reason: "at least one question required"}
	}
	if len(spec.Models) < 1 {
		return &InvalidMatrixError{Reason: "at least one model required"}
	}
	if total := spec.TotalCells(); total > maxCells {
		return &InvalidMatrixError{Reason: fmt.Sprintf("matrix of %d cells exceeds ceiling of %d", total, maxCells)}
	}
	return nil
}

func parseCellKey(key string) (Cell, error) {
	parts := strings.SplitN(key, "|", 3)
	if len(parts) != 3 {
		return Cell{}, fmt.Errorf("malformed cell key %q", key)
	}
	return Cell{Brand: parts[0], Question: parts[1], Model: parts[2]}, nil
}

// progressTracker aggregates per-cell completion for one execution.
type progressTracker struct {
	total int

	mu        sync.Mutex
	done      int
	succeeded int
	failed    int
}

func (p *progressTracker) complete(success bool) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done++
	if success {
		p.succeeded++
	} else {
		p.failed++
	}
	return p.done
}

func (p *progressTracker) counts() (succeeded, failed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.succeeded, p.failed
}

// verdict maps cell outcomes to the execution's terminal state: all success
// is COMPLETED, all failure is FAILED, anything in between degrades to
// PARTIAL_SUCCESS.
func (p *progressTracker) verdict() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.failed == 0:
		return StateCompleted
	case p.succeeded == 0:
		return StateFailed
	default:
		return StatePartialSuccess
	}
}
