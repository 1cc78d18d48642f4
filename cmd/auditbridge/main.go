// Package main provides the AuditBridge batch pipeline entry point.
//
// One invocation runs one batch to completion and exits; external scheduling
// starts the next batch. Exit code 0 means the run succeeded (including runs
// with no work); non-zero means a run-level failure.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/auditbridge-io/auditbridge/internal/clock"
	"github.com/auditbridge-io/auditbridge/internal/config"
	"github.com/auditbridge-io/auditbridge/internal/goaudits"
	"github.com/auditbridge-io/auditbridge/internal/outbox"
	"github.com/auditbridge-io/auditbridge/internal/pipeline"
	"github.com/auditbridge-io/auditbridge/internal/rules"
	"github.com/auditbridge-io/auditbridge/internal/secrets"
	"github.com/auditbridge-io/auditbridge/internal/storage"
)

// Version information.
const (
	version = "1.0.0"
	name    = "auditbridge"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	// Local development convenience; absent .env files are not an error.
	_ = godotenv.Load()

	cfg := config.LoadPipeline()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	logger.Info("Starting AuditBridge pipeline",
		slog.String("service", name),
		slog.String("version", version),
		slog.Int("batch_size", cfg.BatchSize),
		slog.Bool("dry_run", cfg.DryRun),
		slog.Bool("materialise_email", cfg.MaterialiseEmail),
		slog.String("materialise_scope", cfg.MaterialiseScope),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, cfg, logger))
}

// run wires the pipeline and executes one batch. Split from main so deferred
// cleanup runs before the exit code is returned.
func run(ctx context.Context, cfg *config.Pipeline, logger *slog.Logger) int {
	var provider secrets.Provider = secrets.NewVaultProvider(cfg.SecretURI)

	if cfg.SecretURI == "env" {
		provider = secrets.EnvProvider{}
	}

	bearerToken, err := provider.GetSecret(ctx, cfg.BearerSecretName)
	if err != nil {
		logger.Error("Failed to fetch bearer token", slog.String("error", err.Error()))

		return 1
	}

	storageConfig := storage.LoadConfig()

	// A configured DATABASE_URL carries its own credentials; otherwise the
	// connection authenticates with a token from the secret store.
	if config.GetEnvStr("DATABASE_URL", "") == "" {
		sqlToken, err := provider.GetSecret(ctx, cfg.SQLTokenSecretName)
		if err != nil {
			logger.Error("Failed to fetch database access token", slog.String("error", err.Error()))

			return 1
		}

		storageConfig.SetAccessToken(sqlToken)
	}

	conn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))

		return 1
	}

	defer func() {
		_ = conn.Close()
	}()

	if err := conn.HealthCheck(ctx); err != nil {
		logger.Error("Database health check failed", slog.String("error", err.Error()))

		return 1
	}

	logger.Info("Database connection established",
		slog.String("database_url", storageConfig.MaskDSN()),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
	)

	var storeOpts []storage.StateStoreOption
	if cfg.DryRun {
		storeOpts = append(storeOpts, storage.WithDryRun())
	}

	store := storage.NewStateStore(conn, logger, storeOpts...)

	apiConfig := goaudits.LoadConfig()
	apiConfig.SummaryURL = cfg.SummaryURL
	apiConfig.DetailsURL = cfg.DetailsURL

	client := goaudits.New(apiConfig, bearerToken, logger)

	loader := rules.NewLoader(cfg.RulesDir)
	resolver := rules.NewResolver(loader, cfg.RulesetVersions)

	var materialiser pipeline.OutboxMaterialiser

	if cfg.MaterialiseEmail {
		var outboxOpts []outbox.Option
		if cfg.DryRun {
			outboxOpts = append(outboxOpts, outbox.WithDryRun())
		}

		materialiser = outbox.New(conn, logger, outboxOpts...)
	}

	orchestrator := pipeline.NewOrchestrator(
		cfg, store, client, loader, resolver, materialiser, clock.Real{}, logger,
	)

	if err := orchestrator.Run(ctx); err != nil {
		logger.Error("Pipeline run failed", slog.String("error", err.Error()))

		return 1
	}

	return 0
}
