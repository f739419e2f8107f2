// Package engine runs one rebalance from targets to the execution report.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tathienbao/rebalance-bot/internal/alerting"
	"github.com/tathienbao/rebalance-bot/internal/broker"
	"github.com/tathienbao/rebalance-bot/internal/calendar"
	"github.com/tathienbao/rebalance-bot/internal/execution"
	"github.com/tathienbao/rebalance-bot/internal/metrics"
	"github.com/tathienbao/rebalance-bot/internal/persistence"
	"github.com/tathienbao/rebalance-bot/internal/portfolio"
	"github.com/tathienbao/rebalance-bot/internal/types"
)

// OutcomeSkipped is reported when the market is closed.
const OutcomeSkipped = "skipped"

// ErrAlreadyRunning is returned when Run is called during another run.
var ErrAlreadyRunning = errors.New("rebalance already running")

// MarketClock is implemented by brokers that know the exchange session.
type MarketClock interface {
	IsMarketOpen(ctx context.Context) (bool, error)
}

// Config holds engine configuration.
type Config struct {
	Name           string
	Mode           string // paper or live
	DryRun         bool
	CleanupTimeout time.Duration
	Execution      execution.Config
}

// DefaultConfig returns default engine config.
func DefaultConfig() Config {
	return Config{
		Name:           "Daily",
		Mode:           "paper",
		CleanupTimeout: 30 * time.Second,
		Execution:      execution.DefaultConfig(),
	}
}

// Deps are the collaborators of a run. Calendar, Repository, Alerter and
// Pager may be nil.
type Deps struct {
	Broker     broker.Broker
	Calendar   calendar.Calendar
	Targets    portfolio.TargetSource
	Repository persistence.Repository
	Alerter    alerting.Alerter
	Pager      alerting.Alerter // run failures in live mode
}

// Result describes a finished run.
type Result struct {
	RunID     string
	Outcome   string
	StartedAt time.Time
	Trades    types.Positions
	Report    *execution.Report
	Integrity *execution.IntegrityReport
	Err       error
}

// Engine coordinates a rebalance run.
type Engine struct {
	cfg      Config
	deps     Deps
	logger   *slog.Logger
	recorder *metrics.Recorder
	now      func() time.Time
	newID    func() string

	running atomic.Bool

	mu       sync.RWMutex
	executor *execution.Executor
	last     *Result
}

// New creates a new engine.
func New(cfg Config, deps Deps, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "Daily"
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = 30 * time.Second
	}
	if cfg.Execution.Name == "" {
		cfg.Execution.Name = cfg.Name
	}

	return &Engine{
		cfg:      cfg,
		deps:     deps,
		logger:   logger.With("component", "engine"),
		recorder: metrics.NewRecorder(),
		now:      time.Now,
		newID:    func() string { return uuid.NewString() },
	}
}

// Run executes one rebalance. A closed market is not an error. On error the
// returned result is still populated with whatever the run produced.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer e.running.Store(false)

	timer := metrics.NewTimer()
	res := &Result{
		RunID:     e.newID(),
		Outcome:   persistence.OutcomeRunning,
		StartedAt: e.now(),
	}
	logger := e.logger.With("run_id", res.RunID, "run", e.cfg.Name)

	e.abandonStale(ctx, logger)

	if e.deps.Calendar != nil && !e.deps.Calendar.IsOpen(res.StartedAt) {
		logger.Info("market closed, skipping rebalance")
		res.Outcome = OutcomeSkipped
		e.finish(res, timer)
		return res, nil
	}

	saved, err := e.run(ctx, res, logger)

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CleanupTimeout)
	defer cancel()

	if err != nil {
		res.Err = err
		res.Outcome = persistence.OutcomeFailed
		e.fail(cleanupCtx, res, logger)
	}
	if saved {
		e.finishRun(cleanupCtx, res, logger)
	}

	e.finish(res, timer)
	logger.Info("rebalance finished", "outcome", res.Outcome, "duration", timer.Elapsed())
	return res, err
}

// run reports whether a run row was written.
func (e *Engine) run(ctx context.Context, res *Result, logger *slog.Logger) (bool, error) {
	brk := e.deps.Broker
	saved := e.saveRun(ctx, res, logger)

	if err := brk.Connect(ctx); err != nil {
		return saved, fmt.Errorf("connect %s: %w", brk.Name(), err)
	}
	defer func() {
		if err := brk.Disconnect(); err != nil {
			logger.Warn("disconnect failed", "broker", brk.Name(), "err", err)
		}
	}()

	if clock, ok := brk.(MarketClock); ok {
		open, err := clock.IsMarketOpen(ctx)
		switch {
		case err != nil:
			logger.Warn("broker clock unavailable, using calendar", "err", err)
		case !open:
			logger.Info("broker reports market closed, skipping rebalance")
			res.Outcome = OutcomeSkipped
			return saved, nil
		}
	}

	targets, err := e.deps.Targets.Targets(ctx)
	if err != nil {
		return saved, fmt.Errorf("load targets: %w", err)
	}

	exec := execution.New(e.cfg.Execution, brk, e.deps.Calendar, e.deps.Alerter, logger)
	e.mu.Lock()
	e.executor = exec
	e.mu.Unlock()

	trades, err := exec.Prep(ctx, targets)
	if err != nil {
		return saved, fmt.Errorf("prep: %w", err)
	}
	res.Trades = trades
	if saved {
		if err := e.deps.Repository.SaveTargets(ctx, res.RunID, exec.Targets(), exec.Current(), trades); err != nil {
			logger.Error("failed to save targets", "err", err)
		}
	}

	if e.cfg.DryRun {
		previews, err := exec.Preview(ctx)
		if err != nil {
			return saved, fmt.Errorf("dry run preview: %w", err)
		}
		report, err := exec.Report(ctx)
		if report != nil {
			report.Rows = previews
		}
		res.Report = report
		if err != nil {
			return saved, fmt.Errorf("dry run report: %w", err)
		}
		res.Outcome = persistence.OutcomeDryRun
		logger.Info("dry run succeeded", "trades", len(trades), "previews", len(previews))
		e.alert(ctx, alerting.EventDryRun, "Dry Run Succeeded", append([]any{"trades", len(trades)}, tradeFields(trades)...)...)
		return saved, nil
	}

	e.alert(ctx, alerting.EventRebalanceStarted, "Rebalance Started",
		"run", e.cfg.Name,
		"broker", brk.Name(),
		"mode", e.cfg.Mode,
		"trades", len(trades),
	)

	if err := exec.Trade(ctx); err != nil {
		return saved, fmt.Errorf("trade: %w", err)
	}

	// After an interrupted watch the remaining steps run on a fresh context
	// so open orders are cancelled and the run is still reported.
	work := ctx
	var errs []error
	if err := exec.Watch(ctx); err != nil {
		errs = append(errs, fmt.Errorf("watch: %w", err))
		var cancel context.CancelFunc
		work, cancel = context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CleanupTimeout)
		defer cancel()

		logger.Warn("watch interrupted, cancelling open orders", "err", err)
		if err := exec.Cancel(work); err != nil {
			errs = append(errs, fmt.Errorf("cancel: %w", err))
		}
		exec.Poll(work)
	}

	integrity, err := exec.Check(work)
	res.Integrity = integrity
	if err != nil {
		errs = append(errs, fmt.Errorf("integrity check: %w", err))
	}

	report, err := exec.Report(work)
	res.Report = report
	if err != nil {
		errs = append(errs, fmt.Errorf("report: %w", err))
	}
	if report != nil {
		if saved {
			e.persistReport(work, res.RunID, exec, report, logger)
		}
		e.sendSummary(work, res, exec, report, logger)
	}

	res.Outcome = persistence.OutcomeCompleted
	return saved, errors.Join(errs...)
}

// abandonStale closes out runs left running by a previous process.
func (e *Engine) abandonStale(ctx context.Context, logger *slog.Logger) {
	if e.deps.Repository == nil {
		return
	}
	n, err := e.deps.Repository.AbandonRunning(ctx, e.now())
	if err != nil {
		logger.Error("failed to abandon stale runs", "err", err)
		return
	}
	if n > 0 {
		logger.Warn("abandoned runs from a previous process", "count", n)
	}
}

func (e *Engine) saveRun(ctx context.Context, res *Result, logger *slog.Logger) bool {
	if e.deps.Repository == nil {
		return false
	}
	err := e.deps.Repository.SaveRun(ctx, persistence.RunRecord{
		ID:        res.RunID,
		Name:      e.cfg.Name,
		Broker:    e.deps.Broker.Name(),
		Mode:      e.cfg.Mode,
		StartedAt: res.StartedAt,
	})
	if err != nil {
		logger.Error("failed to save run", "err", err)
		return false
	}
	return true
}

func (e *Engine) finishRun(ctx context.Context, res *Result, logger *slog.Logger) {
	finished := e.now()
	rec := persistence.RunRecord{
		ID:         res.RunID,
		Outcome:    res.Outcome,
		FinishedAt: &finished,
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}

	st := e.Status()
	if res.Report != nil {
		st = res.Report.Status
	}
	rec.Total = st.Total
	rec.Filled = len(st.Filled)
	rec.Unfilled = len(st.Unfilled)
	rec.Cancelled = len(st.Cancelled)
	rec.Failed = len(st.Failed)
	rec.Rejected = len(st.Rejected)
	rec.Commissions = st.Commissions

	if err := e.deps.Repository.FinishRun(ctx, rec); err != nil {
		logger.Error("failed to finish run", "err", err)
	}
}

func (e *Engine) persistReport(ctx context.Context, runID string, exec *execution.Executor, report *execution.Report, logger *slog.Logger) {
	rows := make([]persistence.ExecutionRecord, 0, len(report.Rows))
	for _, r := range report.Rows {
		rows = append(rows, persistence.ExecutionRecord{
			Symbol:      r.Symbol,
			Side:        r.Side,
			OrderType:   r.Type,
			Quantity:    r.Quantity,
			Price:       r.Price,
			Bid:         r.Bid,
			Ask:         r.Ask,
			Spread:      r.Spread,
			Cost:        r.Cost,
			DurationMin: r.Duration,
			Status:      r.Status,
			Outcome:     r.Outcome,
			Note:        r.Note,
			CreatedAt:   r.Created,
			ExecutedAt:  r.Executed,
		})
	}
	if err := e.deps.Repository.SaveExecutions(ctx, runID, rows); err != nil {
		logger.Error("failed to save executions", "err", err)
	}

	var samples []persistence.SampleRecord
	for _, rec := range exec.Quality().Records() {
		for _, s := range rec.Samples {
			samples = append(samples, persistence.SampleRecord{
				Symbol:  rec.Symbol,
				OrderID: s.OrderID,
				Bid:     s.Quote.RawBid(),
				Ask:     s.Quote.RawAsk(),
				Price:   s.Price,
				At:      s.At,
			})
		}
	}
	if err := e.deps.Repository.SaveQualitySamples(ctx, runID, samples); err != nil {
		logger.Error("failed to save quality samples", "err", err)
	}
}

// sendSummary posts the run report and threads the execution lines under it.
func (e *Engine) sendSummary(ctx context.Context, res *Result, exec *execution.Executor, report *execution.Report, logger *slog.Logger) {
	if e.deps.Alerter == nil {
		return
	}

	st := report.Status
	summary := alerting.NewRunSummary(
		e.cfg.Name,
		res.StartedAt,
		e.deps.Broker.Name(),
		e.cfg.Mode,
		len(exec.Targets()),
		st.Total,
		len(st.Filled),
		len(st.Cancelled),
		st.Rejected,
		st.Failed,
		st.Unfilled,
		st.Commissions,
	)
	summary.Unbalanced = report.Unbalanced
	summary.Executions = report.Lines()

	sender, ok := e.deps.Alerter.(alerting.Sender)
	if !ok {
		msg := summary.Message()
		fields := make([]any, 0, 2*len(msg.Fields))
		for _, f := range msg.Fields {
			fields = append(fields, f.Key, f.Value)
		}
		if err := e.deps.Alerter.Alert(ctx, msg.Severity, msg.Title, fields...); err != nil {
			logger.Warn("failed to send run summary", "err", err)
		}
		return
	}

	ack, err := sender.Send(ctx, summary.Message())
	if err != nil {
		logger.Warn("failed to send run summary", "err", err)
	}
	if ack == "" {
		return
	}
	if detail, ok := summary.DetailMessage(ack); ok {
		if _, err := sender.Send(ctx, detail); err != nil {
			logger.Warn("failed to send execution details", "err", err)
		}
	}
}

func (e *Engine) fail(ctx context.Context, res *Result, logger *slog.Logger) {
	logger.Error("rebalance failed", "err", res.Err)

	fields := []any{"run", e.cfg.Name, "run_id", res.RunID, "error", res.Err.Error()}
	e.alert(ctx, alerting.EventRunFailed, "Rebalance Failed", fields...)

	if e.cfg.Mode == "live" && e.deps.Pager != nil {
		if err := e.deps.Pager.Alert(ctx, alerting.SeverityCritical, e.cfg.Name+" rebalance failed", fields...); err != nil {
			logger.Error("failed to page", "pager", e.deps.Pager.Name(), "err", err)
		}
	}
}

func (e *Engine) finish(res *Result, timer *metrics.Timer) {
	e.recorder.RecordRun(res.Outcome, timer.Elapsed())
	e.mu.Lock()
	e.last = res
	e.mu.Unlock()
}

func (e *Engine) alert(ctx context.Context, event alerting.AlertEvent, message string, fields ...any) {
	if e.deps.Alerter == nil {
		return
	}
	if err := e.deps.Alerter.Alert(ctx, alerting.EventSeverity(event), message, fields...); err != nil {
		e.logger.Warn("alert failed", "event", event, "err", err)
	}
}

// Status returns the executor status of the current or last run.
// Safe for concurrent use.
func (e *Engine) Status() execution.Status {
	e.mu.RLock()
	exec := e.executor
	e.mu.RUnlock()
	if exec == nil {
		return execution.Status{}
	}
	return exec.Status()
}

// StatusView is the JSON document served on /status.
type StatusView struct {
	Running bool             `json:"running"`
	RunID   string           `json:"run_id,omitempty"`
	Outcome string           `json:"outcome,omitempty"`
	Status  execution.Status `json:"status"`
}

// View returns the engine state for the status endpoint.
func (e *Engine) View() StatusView {
	view := StatusView{Running: e.IsRunning(), Status: e.Status()}
	e.mu.RLock()
	if e.last != nil {
		view.RunID = e.last.RunID
		view.Outcome = e.last.Outcome
	}
	e.mu.RUnlock()
	return view
}

// IsRunning returns true while a run is in progress.
func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

// LastResult returns the result of the last finished run.
func (e *Engine) LastResult() *Result {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.last
}

func tradeFields(trades types.Positions) []any {
	symbols := execution.SortedSymbols(trades)
	fields := make([]any, 0, 2*len(symbols))
	for _, symbol := range symbols {
		qty := trades.Get(symbol)
		fields = append(fields, symbol, types.SideOf(qty).String()+" "+qty.Abs().String())
	}
	return fields
}
