// Package persistence stores rebalance runs and their executions.
package persistence

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/rebalance-bot/internal/types"
)

// Run outcomes.
const (
	OutcomeRunning   = "running"
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeDryRun    = "dry_run"
	OutcomeAbandoned = "abandoned"
)

// Repository defines the interface for run persistence.
type Repository interface {
	// Run operations
	SaveRun(ctx context.Context, run RunRecord) error
	FinishRun(ctx context.Context, run RunRecord) error
	GetRun(ctx context.Context, runID string) (*RunRecord, error)
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)
	AbandonRunning(ctx context.Context, at time.Time) (int64, error)

	// Per-run detail
	SaveTargets(ctx context.Context, runID string, targets, current, trades types.Positions) error
	GetTargets(ctx context.Context, runID string) ([]TargetRecord, error)
	SaveExecutions(ctx context.Context, runID string, rows []ExecutionRecord) error
	GetExecutions(ctx context.Context, runID string) ([]ExecutionRecord, error)
	SaveQualitySamples(ctx context.Context, runID string, samples []SampleRecord) error
	GetQualitySamples(ctx context.Context, runID string) ([]SampleRecord, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}

// RunRecord represents one rebalance run.
type RunRecord struct {
	ID          string
	Name        string
	Broker      string
	Mode        string
	StartedAt   time.Time
	FinishedAt  *time.Time
	Outcome     string
	Total       int
	Filled      int
	Unfilled    int
	Cancelled   int
	Failed      int
	Rejected    int
	Commissions decimal.Decimal
	Error       string
}

// TargetRecord is one symbol of a run's target map.
type TargetRecord struct {
	Symbol  string
	Target  decimal.Decimal
	Current decimal.Decimal
	Trade   decimal.Decimal // zero when within threshold
}

// ExecutionRecord is one evaluated order.
type ExecutionRecord struct {
	Symbol      string
	Side        string
	OrderType   string
	Quantity    decimal.Decimal
	Price       decimal.Decimal
	Bid         decimal.Decimal
	Ask         decimal.Decimal
	Spread      decimal.Decimal
	Cost        decimal.Decimal
	DurationMin decimal.Decimal
	Status      string
	Outcome     string
	Note        string
	CreatedAt   time.Time
	ExecutedAt  time.Time
}

// SampleRecord is one quote observed when an order was sent or repriced.
type SampleRecord struct {
	Symbol  string
	OrderID string
	Bid     decimal.Decimal
	Ask     decimal.Decimal
	Price   decimal.Decimal
	At      time.Time
}
