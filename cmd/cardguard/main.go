// CardGuard - Card transaction fraud screening.
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
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/cardguard/internal/api"
	"github.com/opensource-finance/cardguard/internal/bus"
	"github.com/opensource-finance/cardguard/internal/cache"
	"github.com/opensource-finance/cardguard/internal/domain"
	"github.com/opensource-finance/cardguard/internal/fraud"
	"github.com/opensource-finance/cardguard/internal/history"
	"github.com/opensource-finance/cardguard/internal/metrics"
	"github.com/opensource-finance/cardguard/internal/repository"
	"github.com/opensource-finance/cardguard/internal/rules"
	"github.com/opensource-finance/cardguard/internal/source"
	"github.com/opensource-finance/cardguard/internal/worker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg, err := domain.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(cfg.Logging))

	slog.Info("starting cardguard",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"workers", cfg.Evaluation.Workers,
	)

	if cfg.Tracing.Enabled {
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{}, propagation.Baggage{},
		))
		slog.Info("trace context propagation enabled", "service", cfg.Tracing.ServiceName)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	go metrics.StartDBStatsCollector(ctx, repo.DBStats, 15*time.Second)

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

	lookups := history.NewService(repo, cacheImpl, cfg.Evaluation.LookupTimeout, cfg.Cache.ProfileTTL)

	engine, err := rules.NewEngine(cfg.Evaluation.Workers)
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}
	loadRulesFromDatabase(ctx, repo, engine)
	slog.Info("rule engine initialized", "rules_count", engine.RulesCount())

	evaluator := fraud.NewEvaluator(fraud.Deps{
		Stats:      lookups,
		Duplicates: lookups,
		Profiles:   lookups,
		Rules:      engine,
		Writer:     fraud.NewWriter(repo, busImpl),
		Reader:     repo,
		Bus:        busImpl,
	}, cfg.Evaluation)

	// Score charges recorded through POST /transactions in the background.
	ingested, err := source.NewBus(ctx, busImpl, cfg.Evaluation.Workers*2)
	if err != nil {
		slog.Error("failed to subscribe to ingested transactions", "error", err)
		os.Exit(1)
	}
	pool := worker.NewPool(evaluator, cfg.Evaluation.Workers)
	if err := pool.Start(ingested); err != nil {
		slog.Error("failed to start worker pool", "error", err)
		os.Exit(1)
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Repo:      repo,
		Cache:     cacheImpl,
		Bus:       busImpl,
		Engine:    engine,
		Evaluator: evaluator,
		Profiles:  lookups,
		Swipes:    source.NewSynthetic(repo, source.DefaultSyntheticConfig()),
		Version:   Version,
	})

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			cancel()
		}
	}()

	slog.Info("cardguard is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version)

	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Stop intake before draining in-flight evaluations.
	if err := ingested.Close(); err != nil {
		slog.Error("failed to unsubscribe ingested transactions", "error", err)
	}
	if err := pool.Stop(); err != nil {
		slog.Error("failed to stop worker pool", "error", err)
	}

	slog.Info("cardguard shutdown complete")
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// loadRulesFromDatabase loads operator rules into the engine. The built-in
// checks always run; a store failure only leaves the engine empty.
func loadRulesFromDatabase(ctx context.Context, repo domain.Repository, engine *rules.Engine) {
	configs, err := repo.ListRuleConfigs(ctx)
	if err != nil {
		slog.Warn("failed to list rules from database", "error", err)
		return
	}

	if len(configs) == 0 {
		slog.Info("no operator rules in database - configure via POST /rules API")
		return
	}

	if err := engine.ReloadRules(configs); err != nil {
		slog.Warn("stored rules failed to compile, starting without them", "error", err)
		return
	}
	slog.Info("loaded rules from database", "count", len(configs))
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  CardGuard - card fraud screening")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /customers                   - Register a customer")
	fmt.Println("    POST /transactions                - Record a charge (scored in background)")
	fmt.Println("    POST /evaluate                    - Record and score a charge")
	fmt.Println("    POST /transactions/{id}/evaluate  - Score a stored charge")
	fmt.Println("    POST /simulate/swipe              - Generate and score a random charge")
	fmt.Println("    GET  /customers/{id}/fraud        - List flagged charges")
	fmt.Println("    GET  /rules                       - List operator rules")
	fmt.Println("    POST /rules/reload                - Hot-reload rules from database")
	fmt.Println("    GET  /metrics                     - Prometheus metrics")
	fmt.Println("    GET  /health                      - Health check")
	fmt.Println()
}
