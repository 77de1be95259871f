package server

import (
	"context"
	"testing"
	"time"

	"github.com/brandlens/brandlens/internal/diagnosis"
)

func TestSweeperRetriesFailedCells(t *testing.T) {
	repo := newRepoStub()
	dh := newTestHandler(repo)
	ctx := context.Background()

	cell := diagnosis.Cell{Brand: "Acme", Question: "best crm?", Model: "gpt-4o"}
	if err := repo.CreateExecution(ctx, diagnosis.Execution{
		ID: "exec-1", State: diagnosis.StateFailed, ScoringVersion: "v1", ShouldStopPolling: true,
	}); err != nil {
		t.Fatal(err)
	}
	if err := repo.SeedCellResults(ctx, "exec-1", []diagnosis.Cell{cell}); err != nil {
		t.Fatal(err)
	}
	if err := repo.MarkCellFailed(ctx, "exec-1", cell.Key(), "boom"); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.InsertDeadLetter(ctx, diagnosis.DeadLetterEntry{
		ID: "dl-cell", ExecutionID: "exec-1", CellKey: cell.Key(), Reason: "boom",
	}); err != nil {
		t.Fatal(err)
	}
	// execution-level entries need a human; the sweeper must skip them
	if _, err := repo.InsertDeadLetter(ctx, diagnosis.DeadLetterEntry{
		ID: "dl-exec", ExecutionID: "exec-1", Reason: "execution deadline exceeded",
	}); err != nil {
		t.Fatal(err)
	}

	s := &Sweeper{
		DLQ:        diagnosis.NewDeadLetterService(repo, nil),
		Dispatcher: dh.Dispatcher,
		CronSpec:   "@hourly",
		Stop:       make(chan struct{}),
	}
	s.tick()

	cellEntry, err := repo.GetDeadLetter(ctx, "dl-cell")
	if err != nil {
		t.Fatal(err)
	}
	if !cellEntry.Resolved {
		t.Fatal("cell entry should be resolved after sweep")
	}
	execEntry, err := repo.GetDeadLetter(ctx, "dl-exec")
	if err != nil {
		t.Fatal(err)
	}
	if execEntry.Resolved || execEntry.RetryCount != 0 {
		t.Fatalf("execution-level entry must be left alone, got %+v", execEntry)
	}
}

func TestSweeperSchedule(t *testing.T) {
	s := &Sweeper{CronSpec: "@hourly"}
	if !s.due() {
		t.Fatal("a sweeper that never ran is due")
	}

	s.lastSweep = time.Now().Add(-30 * time.Minute)
	if s.due() {
		t.Fatal("hourly sweeper must not be due after 30 minutes")
	}
	s.lastSweep = time.Now().Add(-61 * time.Minute)
	if !s.due() {
		t.Fatal("hourly sweeper is due after an hour")
	}

	daily := &Sweeper{CronSpec: "@daily", lastSweep: time.Now().Add(-2 * time.Hour)}
	if daily.due() {
		t.Fatal("daily sweeper must not be due after 2 hours")
	}

	cron := &Sweeper{CronSpec: "*/5 * * * *", lastSweep: time.Now().Add(-10 * time.Minute)}
	if !cron.due() {
		t.Fatal("5-minute cron sweeper is due after 10 minutes")
	}
}
