package diagnosis

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordCellAndExecutionEntries(t *testing.T) {
	repo := newMemRepo()
	svc := NewDeadLetterService(repo, nil)
	ctx := context.Background()

	cellEntry, err := svc.Record(ctx, "x1", "Acme|q1|model-a", "provider rejected request")
	require.NoError(t, err)
	require.NotEmpty(t, cellEntry.ID)
	require.Equal(t, "Acme|q1|model-a", cellEntry.CellKey)
	require.False(t, cellEntry.Resolved)

	execEntry, err := svc.Record(ctx, "x1", "", "execution deadline exceeded")
	require.NoError(t, err)
	require.Empty(t, execEntry.CellKey)

	entries, err := svc.List(ctx, DeadLetterFilter{ExecutionID: "x1"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestListFiltersResolvedEntries(t *testing.T) {
	repo := newMemRepo()
	svc := NewDeadLetterService(repo, nil)
	ctx := context.Background()

	a, err := svc.Record(ctx, "x1", "k1", "boom")
	require.NoError(t, err)
	_, err = svc.Record(ctx, "x1", "k2", "boom")
	require.NoError(t, err)
	require.NoError(t, repo.ResolveDeadLetter(ctx, a.ID))

	entries, err := svc.List(ctx, DeadLetterFilter{UnresolvedOnly: true})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "k2", entries[0].CellKey)
}

func TestGetMissingEntry(t *testing.T) {
	svc := NewDeadLetterService(newMemRepo(), nil)
	_, err := svc.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrDeadLetterNotFound)
}
