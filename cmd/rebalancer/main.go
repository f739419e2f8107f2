// Package main is the entry point for the daily rebalancer.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tathienbao/rebalance-bot/internal/alerting"
	"github.com/tathienbao/rebalance-bot/internal/broker"
	"github.com/tathienbao/rebalance-bot/internal/broker/alpaca"
	"github.com/tathienbao/rebalance-bot/internal/broker/ibkr"
	"github.com/tathienbao/rebalance-bot/internal/broker/paper"
	"github.com/tathienbao/rebalance-bot/internal/calendar"
	"github.com/tathienbao/rebalance-bot/internal/config"
	"github.com/tathienbao/rebalance-bot/internal/engine"
	"github.com/tathienbao/rebalance-bot/internal/metrics"
	"github.com/tathienbao/rebalance-bot/internal/persistence"
	"github.com/tathienbao/rebalance-bot/internal/portfolio"
	"github.com/tathienbao/rebalance-bot/internal/ui"
)

// Version information (set by build flags).
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// Parse command
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version", "-v", "--version":
		cmdVersion()
	case "help", "-h", "--help":
		printUsage()
	case "run":
		cmdRun(os.Args[2:])
	case "validate":
		cmdValidate(os.Args[2:])
	case "positions":
		cmdPositions(os.Args[2:])
	case "cancel":
		cmdCancel(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Rebalancer - Daily Target Position Execution

Usage:
  rebalancer <command> [options]

Commands:
  run        Trade current positions to the target file
  validate   Validate configuration file
  positions  Print broker positions (optionally save them as targets)
  cancel     Cancel every open order at the broker
  version    Show version information
  help       Show this help message

Examples:
  rebalancer run --config config.yaml
  rebalancer run --config config.yaml --dry-run
  rebalancer positions --config config.yaml --out targets.yaml
  rebalancer cancel --config config.yaml

Use "rebalancer <command> --help" for more information about a command.`)
}

func cmdVersion() {
	fmt.Printf("rebalancer version %s\n", Version)
	fmt.Printf("  Build time: %s\n", BuildTime)
	fmt.Printf("  Git commit: %s\n", GitCommit)
}

func cmdValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Configuration is valid!")
	fmt.Printf("  Run: %s\n", cfg.Executor.Name)
	fmt.Printf("  Broker: %s (%s)\n", cfg.Executor.Broker, cfg.Executor.Mode)
	fmt.Printf("  Targets: %s\n", cfg.Targets.Path)
	fmt.Printf("  Turnover threshold: %g shares\n", cfg.Executor.TurnoverThreshold)
	fmt.Printf("  Flip policy: %s\n", cfg.Executor.FlipPolicy)
}

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	dryRun := fs.Bool("dry-run", false, "Compute trades without sending orders")
	_ = fs.Parse(args)

	cfg := mustLoad(*configPath)
	logger := setupLogger(cfg, os.Stdout)
	if *dryRun {
		cfg.Executor.DryRun = true
	}

	// Setup signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("rebalancer starting",
		"version", Version,
		"run", cfg.Executor.Name,
		"mode", cfg.Executor.Mode,
		"broker", cfg.Executor.Broker,
		"dry_run", cfg.Executor.DryRun,
	)

	cal, err := calendar.NewNYSE(cfg.OpenBuffer(), cfg.Calendar.ExtraHolidays)
	if err != nil {
		slog.Error("failed to create calendar", "err", err)
		os.Exit(1)
	}

	brk, err := newBroker(cfg, logger)
	if err != nil {
		slog.Error("failed to create broker", "err", err)
		os.Exit(1)
	}

	var repo persistence.Repository
	if cfg.Persistence.Enabled {
		sqlite, err := persistence.NewSQLiteRepository(cfg.Persistence.Path)
		if err != nil {
			slog.Error("failed to open run database", "path", cfg.Persistence.Path, "err", err)
			os.Exit(1)
		}
		repo = sqlite
	}

	pager, err := newPager(cfg)
	if err != nil {
		slog.Error("failed to create pager", "err", err)
		os.Exit(1)
	}

	eng := engine.New(engine.Config{
		Name:      cfg.Executor.Name,
		Mode:      cfg.Executor.Mode,
		DryRun:    cfg.Executor.DryRun,
		Execution: cfg.ToExecutionConfig(),
	}, engine.Deps{
		Broker:     brk,
		Calendar:   cal,
		Targets:    portfolio.NewFileSource(cfg.Targets.Path, cfg.TargetsMaxAge(), logger),
		Repository: repo,
		Alerter:    newAlerter(cfg, logger),
		Pager:      pager,
	}, logger)

	var server *metrics.Server
	if cfg.Metrics.Enabled {
		server = newMetricsServer(cfg, eng, brk, logger)
		if err := server.Start(); err != nil {
			slog.Error("failed to start metrics server", "err", err)
			os.Exit(1)
		}
	}

	res, runErr := eng.Run(ctx)
	if runErr != nil {
		slog.Error("rebalance failed", "err", runErr)
	} else {
		slog.Info("rebalance done", "run_id", res.RunID, "outcome", res.Outcome)
		if res.Report != nil {
			ui.NewPrinter(os.Stdout).Report(res.Report)
		}
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := shutdown(shutdownCtx, server, repo); err != nil {
		slog.Error("shutdown error", "err", err)
	}

	slog.Info("rebalancer shutdown complete")
	if runErr != nil {
		os.Exit(1)
	}
}

func cmdPositions(args []string) {
	fs := flag.NewFlagSet("positions", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	out := fs.String("out", "", "Write the positions as a target file")
	_ = fs.Parse(args)

	cfg := mustLoad(*configPath)
	logger := setupLogger(cfg, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	brk, err := connect(ctx, cfg, logger)
	if err != nil {
		slog.Error("failed to connect", "err", err)
		os.Exit(1)
	}
	defer func() { _ = brk.Disconnect() }()

	positions, err := brk.GetPositions(ctx, cfg.Executor.SecType, cfg.Executor.Currency)
	if err != nil {
		slog.Error("failed to load positions", "err", err)
		os.Exit(1)
	}

	ui.NewPrinter(os.Stdout).Positions(positions)

	if *out != "" {
		if err := portfolio.Save(*out, time.Now(), positions); err != nil {
			slog.Error("failed to write target file", "path", *out, "err", err)
			os.Exit(1)
		}
		slog.Info("target file written", "path", *out, "symbols", len(positions))
	}
}

func cmdCancel(args []string) {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	_ = fs.Parse(args)

	cfg := mustLoad(*configPath)
	logger := setupLogger(cfg, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	brk, err := connect(ctx, cfg, logger)
	if err != nil {
		slog.Error("failed to connect", "err", err)
		os.Exit(1)
	}
	defer func() { _ = brk.Disconnect() }()

	n, err := cancelAll(ctx, brk, logger)
	if err != nil {
		slog.Error("cancel failed", "cancelled", n, "err", err)
		os.Exit(1)
	}
	fmt.Printf("Cancel requested for %d open orders\n", n)
}

// cancelAll requests cancellation of every open order and returns how many
// requests were accepted.
func cancelAll(ctx context.Context, brk broker.Broker, logger *slog.Logger) (int, error) {
	orders, err := brk.OpenOrders(ctx)
	if err != nil {
		return 0, fmt.Errorf("list open orders: %w", err)
	}

	var errs []error
	n := 0
	for i := range orders {
		order := &orders[i]
		if err := brk.CancelOrder(ctx, order); err != nil {
			errs = append(errs, fmt.Errorf("cancel %s %s: %w", order.Symbol, order.OrderID, err))
			continue
		}
		logger.Info("cancel requested", "symbol", order.Symbol, "order_id", order.OrderID)
		n++
	}
	return n, errors.Join(errs...)
}

func mustLoad(path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// setupLogger installs the configured slog handler as the default.
func setupLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel()}

	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func newBroker(cfg *config.Config, logger *slog.Logger) (broker.Broker, error) {
	switch cfg.Executor.Broker {
	case config.BrokerIBKR:
		return ibkr.NewClient(cfg.ToIBKRConfig(), logger), nil
	case config.BrokerAlpaca:
		return alpaca.NewClient(cfg.ToAlpacaConfig(), logger), nil
	case config.BrokerPaper:
		return paper.NewBroker(cfg.ToPaperConfig(), logger), nil
	default:
		return nil, fmt.Errorf("unknown broker: %s", cfg.Executor.Broker)
	}
}

func connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (broker.Broker, error) {
	brk, err := newBroker(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := brk.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect %s: %w", brk.Name(), err)
	}
	return brk, nil
}

// newAlerter fans out to every enabled channel. Slack is the report channel.
func newAlerter(cfg *config.Config, logger *slog.Logger) *alerting.MultiAlerter {
	multi := alerting.NewMultiAlerter(logger)
	if cfg.Alerting.Console {
		multi.AddAlerter(alerting.NewConsoleAlerter(logger))
	}
	if cfg.Alerting.Slack.Enabled {
		multi.AddAlerter(alerting.NewSlackAlerter(cfg.ToSlackConfig()))
	}
	return multi
}

// newPager returns the incident channel, or nil when none is configured.
func newPager(cfg *config.Config) (alerting.Alerter, error) {
	if !cfg.Alerting.OpsGenie.Enabled {
		return nil, nil
	}
	og, err := alerting.NewOpsGenieAlerter(cfg.ToOpsGenieConfig())
	if err != nil {
		return nil, err
	}
	return og, nil
}

func newMetricsServer(cfg *config.Config, eng *engine.Engine, brk broker.Broker, logger *slog.Logger) *metrics.Server {
	serverCfg := metrics.DefaultServerConfig()
	if cfg.Metrics.Port > 0 {
		serverCfg.Port = cfg.Metrics.Port
	}

	server := metrics.NewServer(serverCfg, logger)
	server.SetStatusProvider(func() any { return eng.View() })
	server.RegisterHealthCheck("broker", func() metrics.Check {
		if !eng.IsRunning() || brk.IsConnected() {
			return metrics.Check{Status: "healthy"}
		}
		return metrics.Check{Status: "unhealthy", Message: brk.State().String()}
	})
	return server
}

func shutdown(ctx context.Context, server *metrics.Server, repo persistence.Repository) error {
	slog.Info("starting graceful shutdown", "timeout", shutdownTimeout)

	// Shutdown steps with timeout check
	steps := []struct {
		name string
		fn   func() error
	}{
		{"stop metrics server", func() error {
			if server == nil {
				return nil
			}
			return server.Shutdown(ctx)
		}},
		{"close run database", func() error {
			if repo == nil {
				return nil
			}
			return repo.Close()
		}},
	}

	for _, step := range steps {
		select {
		case <-ctx.Done():
			return fmt.Errorf("shutdown timeout during: %s", step.name)
		default:
			slog.Debug("shutdown step", "step", step.name)
			if err := step.fn(); err != nil {
				slog.Warn("shutdown step failed", "step", step.name, "err", err)
			}
		}
	}

	return nil
}
