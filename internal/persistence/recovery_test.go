package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tathienbao/rebalance-bot/internal/types"
)

// TestRecovery_RunsSurviveRestart tests that runs are readable after reopening.
func TestRecovery_RunsSurviveRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "rebalance.db")
	ctx := context.Background()

	repo1, err := NewSQLiteRepository(dbPath)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}

	started := time.Date(2024, 6, 3, 13, 45, 0, 0, time.UTC)
	if err := repo1.SaveRun(ctx, newRun("run-1", started)); err != nil {
		t.Fatal(err)
	}
	if err := repo1.SaveTargets(ctx, "run-1", types.Positions{"AAPL": d("100")}, nil, types.Positions{"AAPL": d("100")}); err != nil {
		t.Fatal(err)
	}
	finished := started.Add(time.Hour)
	if err := repo1.FinishRun(ctx, RunRecord{ID: "run-1", Outcome: OutcomeCompleted, Total: 1, Filled: 1, FinishedAt: &finished}); err != nil {
		t.Fatal(err)
	}
	_ = repo1.Close()

	// Create second repository (simulating restart)
	repo2, err := NewSQLiteRepository(dbPath)
	if err != nil {
		t.Fatalf("failed to create second repository: %v", err)
	}
	defer func() { _ = repo2.Close() }()

	// Migrations are idempotent.
	if err := repo2.Migrate(ctx); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	run, err := repo2.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Outcome != OutcomeCompleted || run.Filled != 1 {
		t.Errorf("restored run = %+v", run)
	}
	targets, err := repo2.GetTargets(ctx, "run-1")
	if err != nil || len(targets) != 1 || !targets[0].Trade.Equal(d("100")) {
		t.Errorf("restored targets = %+v, %v", targets, err)
	}
}

// TestRecovery_AbandonRunning tests that runs interrupted by a crash are closed out.
func TestRecovery_AbandonRunning(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "rebalance.db")
	ctx := context.Background()
	started := time.Date(2024, 6, 3, 13, 45, 0, 0, time.UTC)

	repo1, err := NewSQLiteRepository(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := repo1.SaveRun(ctx, newRun("crashed", started)); err != nil {
		t.Fatal(err)
	}
	if err := repo1.SaveRun(ctx, newRun("done", started.Add(-24*time.Hour))); err != nil {
		t.Fatal(err)
	}
	if err := repo1.FinishRun(ctx, RunRecord{ID: "done", Outcome: OutcomeCompleted}); err != nil {
		t.Fatal(err)
	}
	_ = repo1.Close()

	repo2, err := NewSQLiteRepository(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = repo2.Close() }()

	now := started.Add(3 * time.Hour)
	n, err := repo2.AbandonRunning(ctx, now)
	if err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if n != 1 {
		t.Errorf("abandoned = %d, want 1", n)
	}

	crashed, err := repo2.GetRun(ctx, "crashed")
	if err != nil {
		t.Fatal(err)
	}
	if crashed.Outcome != OutcomeAbandoned || crashed.FinishedAt == nil || !crashed.FinishedAt.Equal(now) {
		t.Errorf("crashed run = %+v", crashed)
	}
	if crashed.Error == "" {
		t.Error("expected an error message on the abandoned run")
	}

	done, err := repo2.GetRun(ctx, "done")
	if err != nil {
		t.Fatal(err)
	}
	if done.Outcome != OutcomeCompleted {
		t.Errorf("completed run changed to %s", done.Outcome)
	}

	if n, _ := repo2.AbandonRunning(ctx, now); n != 0 {
		t.Errorf("second abandon = %d, want 0", n)
	}
}
