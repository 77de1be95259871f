package diagnosis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/brandlens/brandlens/internal/telemetry"
)

// StubService synthesizes a minimally-useful report when an execution ends
// in FAILED, TIMEOUT or PARTIAL_SUCCESS. The client always gets a report
// body, never silence.
type StubService struct {
	repo    Repository
	metrics *telemetry.Metrics
	logger  *log.Logger
}

func NewStubService(repo Repository, metrics *telemetry.Metrics) *StubService {
	return &StubService{
		repo:    repo,
		metrics: metrics,
		logger:  log.New(log.Writer(), "[STUB] ", log.LstdFlags),
	}
}

// Build assembles and persists the stub for an execution from whatever cell
// results exist. Building twice returns the stored stub unchanged.
func (s *StubService) Build(ctx context.Context, executionID string) (ReportStub, error) {
	if existing, ok, err := s.repo.GetReportStub(ctx, executionID); err != nil {
		return ReportStub{}, fmt.Errorf("load report stub: %w", err)
	} else if ok {
		return existing, nil
	}

	cells, err := s.repo.ListCellResults(ctx, executionID)
	if err != nil {
		return ReportStub{}, fmt.Errorf("list cell results: %w", err)
	}

	succeeded := make([]CellResult, 0, len(cells))
	for _, c := range cells {
		if c.Outcome == OutcomeSuccess {
			succeeded = append(succeeded, c)
		}
	}

	ratio := 0.0
	if len(cells) > 0 {
		ratio = float64(len(succeeded)) / float64(len(cells))
	}

	partial, err := json.Marshal(succeeded)
	if err != nil {
		return ReportStub{}, fmt.Errorf("marshal partial payload: %w", err)
	}

	stub := ReportStub{
		ExecutionID:       executionID,
		CompletenessRatio: ratio,
		PartialPayload:    partial,
		AdvisoryMessage:   fmt.Sprintf("partial results: %d of %d comparisons completed", len(succeeded), len(cells)),
		CreatedAt:         time.Now().UTC(),
	}
	if err := s.repo.InsertReportStub(ctx, stub); err != nil {
		return ReportStub{}, fmt.Errorf("persist report stub: %w", err)
	}
	s.metrics.RecordStub()
	s.logger.Printf("execution %s: stub built, completeness %.2f", executionID, ratio)
	return stub, nil
}
