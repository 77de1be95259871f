package diagnosis

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func seedExecution(t *testing.T, repo *memRepo, id string, outcomes map[string]CellOutcome) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, repo.CreateExecution(ctx, Execution{ID: id, State: StateAnalyzing}))

	var cells []Cell
	for key := range outcomes {
		cell, err := parseCellKey(key)
		require.NoError(t, err)
		cells = append(cells, cell)
	}
	require.NoError(t, repo.SeedCellResults(ctx, id, cells))
	for key, outcome := range outcomes {
		switch outcome {
		case OutcomeSuccess:
			require.NoError(t, repo.MarkCellSucceeded(ctx, id, key, json.RawMessage(`{"ok":true}`)))
		case OutcomeFailed:
			require.NoError(t, repo.MarkCellFailed(ctx, id, key, "boom"))
		}
	}
}

func TestStubReflectsCompleteness(t *testing.T) {
	repo := newMemRepo()
	seedExecution(t, repo, "x1", map[string]CellOutcome{
		"Acme|q1|model-a":   OutcomeSuccess,
		"Acme|q2|model-a":   OutcomeSuccess,
		"Globex|q1|model-a": OutcomeFailed,
		"Globex|q2|model-a": OutcomePending,
	})

	stub, err := NewStubService(repo, nil).Build(context.Background(), "x1")
	require.NoError(t, err)
	require.Equal(t, "x1", stub.ExecutionID)
	require.InDelta(t, 0.5, stub.CompletenessRatio, 1e-9)
	require.Contains(t, stub.AdvisoryMessage, "2 of 4 comparisons completed")

	var partial []CellResult
	require.NoError(t, json.Unmarshal(stub.PartialPayload, &partial))
	require.Len(t, partial, 2, "only succeeded cells appear in the partial payload")
}

func TestStubWithNoResults(t *testing.T) {
	repo := newMemRepo()
	seedExecution(t, repo, "x1", map[string]CellOutcome{
		"Acme|q1|model-a": OutcomePending,
	})

	stub, err := NewStubService(repo, nil).Build(context.Background(), "x1")
	require.NoError(t, err)
	require.Zero(t, stub.CompletenessRatio)
	require.Contains(t, stub.AdvisoryMessage, "0 of 1")
}

func TestStubIsBuiltOnce(t *testing.T) {
	repo := newMemRepo()
	seedExecution(t, repo, "x1", map[string]CellOutcome{
		"Acme|q1|model-a": OutcomeFailed,
	})

	svc := NewStubService(repo, nil)
	ctx := context.Background()
	first, err := svc.Build(ctx, "x1")
	require.NoError(t, err)

	// more cells land between the two builds; the stored stub must not move
	require.NoError(t, repo.MarkCellSucceeded(ctx, "x1", "Acme|q1|model-a", json.RawMessage(`{}`)))
	second, err := svc.Build(ctx, "x1")
	require.NoError(t, err)
	require.Equal(t, first.CompletenessRatio, second.CompletenessRatio)
	require.Equal(t, first.AdvisoryMessage, second.AdvisoryMessage)
}
