// Heron - Retail batch ETL that lands clean facts every morning.
// Copyright (c) 2025 openretail.dev
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/openretail-dev/heron/internal/alerting"
	"github.com/openretail-dev/heron/internal/api"
	"github.com/openretail-dev/heron/internal/bus"
	"github.com/openretail-dev/heron/internal/cache"
	"github.com/openretail-dev/heron/internal/domain"
	"github.com/openretail-dev/heron/internal/pipeline"
	"github.com/openretail-dev/heron/internal/source"
	"github.com/openretail-dev/heron/internal/staging"
	"github.com/openretail-dev/heron/internal/warehouse"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "heron",
		Usage:   "Retail batch ETL engine - validate, stage, load, detect",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate),

		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "Log level (debug, info, warn, error)",
				EnvVars: []string{"HERON_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "log-format",
				Value:   "json",
				Usage:   "Log format (json, text)",
				EnvVars: []string{"HERON_LOG_FORMAT"},
			},
			&cli.StringFlag{
				Name:    "tier",
				Value:   "community",
				Usage:   "Product tier (community, pro)",
				EnvVars: []string{"HERON_TIER"},
			},
		},

		Before: func(c *cli.Context) error {
			setupLogging(c.String("log-level"), c.String("log-format"))
			return nil
		},

		Commands: []*cli.Command{
			serveCommand(),
			runCommand(),
			versionCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogging(level, format string) {
	logLevel := slog.LevelInfo
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	if os.Getenv("HERON_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// loadConfig builds the configuration from the tier default and the
// command's flag overrides.
func loadConfig(c *cli.Context) *domain.Config {
	cfg := domain.DefaultConfig()
	if c.String("tier") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}

	// The columnar backend is selectable in either tier
	if driver := os.Getenv("HERON_WAREHOUSE_DRIVER"); driver != "" {
		cfg.Warehouse.Driver = driver
	}

	if c.IsSet("db") {
		cfg.Warehouse.Driver = "sqlite"
		cfg.Warehouse.SQLitePath = c.String("db")
	}
	if c.IsSet("source") {
		cfg.Source.Type = c.String("source")
	}
	if c.IsSet("data-dir") {
		cfg.Source.Dir = c.String("data-dir")
	}
	if c.IsSet("watch") {
		cfg.Source.Watch = c.Bool("watch")
	}
	return cfg
}

// =============================================================================
// SERVE COMMAND
// =============================================================================

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the Heron API server and pipeline worker",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "host",
				Value:   "0.0.0.0",
				Usage:   "API server host",
				EnvVars: []string{"HERON_HOST"},
			},
			&cli.IntFlag{
				Name:    "port",
				Value:   8080,
				Usage:   "API server port",
				EnvVars: []string{"HERON_PORT"},
			},
			&cli.StringFlag{
				Name:    "db",
				Usage:   "SQLite warehouse path (community tier)",
				EnvVars: []string{"HERON_DB_PATH"},
			},
			&cli.StringFlag{
				Name:    "source",
				Usage:   "Batch source (fs, memory)",
				EnvVars: []string{"HERON_SOURCE"},
			},
			&cli.StringFlag{
				Name:    "data-dir",
				Usage:   "Directory watched for sales_YYYY-MM-DD.csv drops",
				EnvVars: []string{"HERON_DATA_DIR"},
			},
			&cli.BoolFlag{
				Name:    "watch",
				Usage:   "Trigger a run when a batch file lands in the data dir",
				EnvVars: []string{"HERON_WATCH"},
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	slog.Info("starting heron",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	cfg := loadConfig(c)
	cfg.Server.Host = c.String("host")
	cfg.Server.Port = c.Int("port")

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"warehouse", cfg.Warehouse.Driver,
		"staging", cfg.Staging.Type,
		"source", cfg.Source.Type,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Warehouse
	wh, err := warehouse.New(cfg.Warehouse)
	if err != nil {
		slog.Error("failed to initialize warehouse", "error", err)
		os.Exit(1)
	}
	defer wh.Close()
	slog.Info("warehouse initialized", "driver", cfg.Warehouse.Driver)

	// Initialize Staging
	stg, err := staging.New(cfg.Staging)
	if err != nil {
		slog.Error("failed to initialize staging", "error", err)
		os.Exit(1)
	}
	defer stg.Close()
	slog.Info("staging initialized", "type", cfg.Staging.Type)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Batch Source
	src, err := source.New(cfg.Source)
	if err != nil {
		slog.Error("failed to initialize batch source", "error", err)
		os.Exit(1)
	}
	defer src.Close()
	slog.Info("batch source initialized", "type", cfg.Source.Type, "dir", cfg.Source.Dir)

	// The memory source doubles as the POST /batches inbox
	inbox, _ := src.(*source.MemorySource)

	// Initialize Alert Routing
	var alerts *alerting.Engine
	if cfg.Alerting.Enabled {
		alerts, err = alerting.NewEngine(cfg.Alerting.MaxWorkers)
		if err != nil {
			slog.Error("failed to initialize alert engine", "error", err)
			os.Exit(1)
		}
		if err := alerts.LoadRules(domain.DefaultAlertRules()); err != nil {
			slog.Error("failed to load alert rules", "error", err)
			os.Exit(1)
		}
		slog.Info("alert engine initialized", "rules_count", alerts.RulesCount())
	}

	// Initialize Pipeline Runner
	runner, err := pipeline.New(cfg.Pipeline, pipeline.Deps{
		Source:    src,
		Staging:   stg,
		Warehouse: wh,
		Cache:     cacheImpl,
		Bus:       busImpl,
		Alerts:    alerts,
	})
	if err != nil {
		slog.Error("failed to initialize pipeline runner", "error", err)
		os.Exit(1)
	}
	slog.Info("pipeline runner initialized",
		"lookback_days", cfg.Pipeline.LookbackDays,
		"max_retries", cfg.Pipeline.MaxRetries,
	)

	// Start the bus worker so run requests on heron.run.requested execute
	runWorker := pipeline.NewWorker(busImpl, runner)
	if err := runWorker.Start(); err != nil {
		slog.Error("failed to start pipeline worker", "error", err)
		os.Exit(1)
	}

	// Start the drop-directory watcher
	var watcher *source.Watcher
	if cfg.Source.Type == "fs" && cfg.Source.Watch {
		debounce := time.Duration(cfg.Source.DebounceMs) * time.Millisecond
		watcher, err = source.NewWatcher(cfg.Source.Dir, debounce, func(date string) {
			payload, err := json.Marshal(pipeline.RunRequest{Date: date, TriggeredBy: "watch"})
			if err != nil {
				slog.Error("failed to marshal run request", "date", date, "error", err)
				return
			}
			if err := busImpl.Publish(ctx, domain.TopicRunRequested, payload); err != nil {
				slog.Error("failed to publish run request", "date", date, "error", err)
			}
		})
		if err != nil {
			slog.Error("failed to create batch watcher", "error", err)
			os.Exit(1)
		}
		if err := watcher.Start(ctx); err != nil {
			slog.Error("failed to start batch watcher", "error", err)
			os.Exit(1)
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, runner, wh, stg, cacheImpl, busImpl, inbox, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("heron is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop trigger paths first, then drain the runner
	if watcher != nil {
		watcher.Stop()
	}
	if err := runWorker.Stop(); err != nil {
		slog.Error("failed to stop pipeline worker", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	if err := runner.Close(); err != nil {
		slog.Error("failed to close pipeline runner", "error", err)
	}

	slog.Info("heron shutdown complete")
	return nil
}

// =============================================================================
// RUN COMMAND (ONE-SHOT PIPELINE)
// =============================================================================

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Execute one pipeline run for a batch date and exit",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "date",
				Usage:    "Batch date (YYYY-MM-DD)",
				Required: true,
			},
			&cli.IntFlag{
				Name:  "lookback",
				Usage: "Detector history window in days (default from config)",
			},
			&cli.StringFlag{
				Name:    "db",
				Usage:   "SQLite warehouse path (community tier)",
				EnvVars: []string{"HERON_DB_PATH"},
			},
			&cli.StringFlag{
				Name:    "source",
				Usage:   "Batch source (fs, memory)",
				EnvVars: []string{"HERON_SOURCE"},
			},
			&cli.StringFlag{
				Name:    "data-dir",
				Usage:   "Directory holding sales_YYYY-MM-DD.csv drops",
				EnvVars: []string{"HERON_DATA_DIR"},
			},
		},
		Action: runOnce,
	}
}

func runOnce(c *cli.Context) error {
	cfg := loadConfig(c)
	date := c.String("date")

	if _, err := domain.ParseDate(date); err != nil {
		return fmt.Errorf("invalid date %q, expected YYYY-MM-DD", date)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	wh, err := warehouse.New(cfg.Warehouse)
	if err != nil {
		return fmt.Errorf("failed to initialize warehouse: %w", err)
	}
	defer wh.Close()

	stg, err := staging.New(cfg.Staging)
	if err != nil {
		return fmt.Errorf("failed to initialize staging: %w", err)
	}
	defer stg.Close()

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheImpl.Close()

	src, err := source.New(cfg.Source)
	if err != nil {
		return fmt.Errorf("failed to initialize batch source: %w", err)
	}
	defer src.Close()

	runner, err := pipeline.New(cfg.Pipeline, pipeline.Deps{
		Source:    src,
		Staging:   stg,
		Warehouse: wh,
		Cache:     cacheImpl,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize pipeline runner: %w", err)
	}
	defer runner.Close()

	run, err := runner.Run(ctx, date, pipeline.RunOptions{
		LookbackDays: c.Int("lookback"),
		TriggeredBy:  "cli",
	})
	if err != nil {
		return fmt.Errorf("failed to run pipeline: %w", err)
	}

	printRunSummary(run)

	switch run.Status {
	case domain.RunSucceeded:
		return nil
	case domain.RunCancelled:
		return cli.Exit("run cancelled", 2)
	default:
		return cli.Exit("run failed", 1)
	}
}

func printRunSummary(run *domain.PipelineRun) {
	duration := run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond)

	fmt.Println()
	fmt.Printf("  Run:        %s\n", run.ID)
	fmt.Printf("  Date:       %s\n", run.Date)
	fmt.Printf("  Status:     %s\n", run.Status)
	fmt.Printf("  Duration:   %s\n", duration)
	fmt.Println()
	fmt.Printf("  Records:    %d total, %d accepted, %d rejected\n",
		run.Summary.TotalRecords, run.Summary.Accepted, run.Summary.Rejected)
	fmt.Printf("  Facts:      %d loaded\n", run.Summary.FactsLoaded)
	fmt.Printf("  Flags:      %d raised\n", run.Summary.FlagsRaised)
	if n := len(run.Summary.HistoryWarnings); n > 0 {
		fmt.Printf("  Warnings:   %d keys with insufficient history\n", n)
	}
	if len(run.FailedTasks) > 0 {
		fmt.Printf("  Failed:     %v\n", run.FailedTasks)
	}
	if run.Error != "" {
		fmt.Printf("  Error:      %s\n", run.Error)
	}
	fmt.Println()
}

// =============================================================================
// VERSION COMMAND
// =============================================================================

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print version information",
		Action: func(c *cli.Context) error {
			fmt.Printf("heron %s\n", Version)
			fmt.Printf("  commit: %s\n", Commit)
			fmt.Printf("  built:  %s\n", BuildDate)
			return nil
		},
	}
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║                🪶 HERON                   ║")
	fmt.Println("  ║        Retail Batch ETL Engine            ║")
	fmt.Println("  ║      Clean facts, every morning.          ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /runs         - Trigger a pipeline run")
	fmt.Println("    GET  /runs/{id}    - Get run by ID")
	fmt.Println("    GET  /runs         - List recent runs")
	fmt.Println("    POST /batches      - Submit a raw batch")
	fmt.Println("    GET  /flags        - Anomaly flags for a date")
	fmt.Println("    GET  /summary      - Daily aggregates for a date")
	fmt.Println("    GET  /health       - Health check")
	fmt.Println()
}
