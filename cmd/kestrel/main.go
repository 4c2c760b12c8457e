// Kestrel - trust and risk evaluation for platform events.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/tracing"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(config.NewLogger(cfg.Logging))

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"review_threshold", cfg.Policy.ReviewThreshold,
		"suspend_threshold", cfg.Policy.SuspendThreshold,
		"evaluation_timeout", cfg.EvaluationTimeout,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		slog.Error("kestrel stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *domain.Config) error {
	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, Version)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("failed to flush traces", "error", err)
		}
	}()

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	if sqlRepo, ok := repo.(*repository.SQLRepository); ok {
		go metrics.StartDBStatsCollector(ctx, sqlRepo.DB(), 15*time.Second)
	}

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	engine, err := rules.NewEngine(history.NewService(repo), 100, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize rule engine: %w", err)
	}
	defer engine.Close()

	loadRulesFromDatabase(ctx, repo, engine)
	slog.Info("rule engine initialized",
		"builtins", engine.BuiltinNames(),
		"rules_count", engine.RulesCount(),
	)

	pol, err := policy.New(cfg.Policy, repo, repo)
	if err != nil {
		return fmt.Errorf("failed to initialize policy: %w", err)
	}

	pipe := pipeline.New(engine, pol, pipeline.Options{
		Bus:     busImpl,
		Timeout: cfg.EvaluationTimeout,
	})

	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(busImpl, pipe)
		if err := asyncWorker.Start(); err != nil {
			slog.Error("failed to start async worker", "error", err)
			asyncWorker = nil
		}
	}

	srv := api.NewServer(cfg.Server, api.Dependencies{
		Pipeline:       pipe,
		Repo:           repo,
		Engine:         engine,
		Cache:          cacheImpl,
		Bus:            busImpl,
		IdempotencyTTL: cfg.Cache.IdempotencyTTL,
		Version:        Version,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version)

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	// Stop consuming before the server so in-flight HTTP requests can finish.
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
	return nil
}

// loadRulesFromDatabase loads operator rules into the engine. A failure
// leaves only the built-in rules active; rules can be fixed and reloaded
// through the API.
func loadRulesFromDatabase(ctx context.Context, repo domain.RuleStore, engine *rules.Engine) {
	dbRules, err := repo.ListRuleConfigs(ctx)
	if err != nil {
		slog.Warn("failed to list rules from database", "error", err)
		return
	}

	if len(dbRules) == 0 {
		slog.Info("no operator rules in database - configure via POST /rules API")
		return
	}

	if err := engine.ReloadRules(dbRules); err != nil {
		slog.Warn("failed to load operator rules", "count", len(dbRules), "error", err)
		return
	}
	slog.Info("operator rules loaded from database", "count", engine.RulesCount())
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  KESTREL - trust & risk evaluation")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  Policy:   flag > %d, suspend > %d\n", cfg.Policy.ReviewThreshold, cfg.Policy.SuspendThreshold)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /evaluate               - Evaluate a platform event")
	fmt.Println("    GET  /signals                - List unresolved fraud signals")
	fmt.Println("    GET  /signals/{id}           - Get a fraud signal")
	fmt.Println("    POST /signals/{id}/resolve   - Resolve a fraud signal")
	fmt.Println("    GET  /accounts/{id}          - Get account state")
	fmt.Println("    PUT  /accounts/{id}          - Register or update an account")
	fmt.Println("    GET  /rules                  - List rules")
	fmt.Println("    POST /rules                  - Create an operator rule")
	fmt.Println("    POST /rules/reload           - Hot-reload rules from database")
	fmt.Println("    GET  /health                 - Health check")
	fmt.Println("    GET  /metrics                - Prometheus metrics")
	fmt.Println()
}
