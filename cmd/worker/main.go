// Command worker runs the bounded-parallel claim/dispatch loop (C6) as its
// own process, separate from any HTTP-facing surface, per the engine's
// single-process-pool design.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/verbali/aac-image-pipeline/internal/aac/config"
	"github.com/verbali/aac-image-pipeline/internal/aac/domain"
	"github.com/verbali/aac-image-pipeline/internal/aac/pipeline"
	"github.com/verbali/aac-image-pipeline/internal/aac/provider"
	"github.com/verbali/aac-image-pipeline/internal/aac/repo"
	"github.com/verbali/aac-image-pipeline/internal/aac/storage"
	"github.com/verbali/aac-image-pipeline/internal/aac/worker"
	"github.com/verbali/aac-image-pipeline/internal/db"
	"github.com/verbali/aac-image-pipeline/internal/platform/logger"
	"github.com/verbali/aac-image-pipeline/internal/platform/observability"
)

func main() {
	cfgLog, err := logger.New("dev")
	if err != nil {
		fmt.Printf("failed to initialize bootstrap logger: %v\n", err)
		os.Exit(1)
	}
	cfg := config.Load(cfgLog)

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	otelShutdown := observability.Init(context.Background(), log, observability.Config{
		ServiceName: "aac-image-pipeline-worker",
		Environment: cfg.LogMode,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			log.Warn("otel shutdown failed", "error", err)
		}
	}()

	pg, err := db.NewPostgresService(log)
	if err != nil {
		log.Fatal("failed to connect to postgres", "error", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		log.Fatal("failed to auto-migrate", "error", err)
	}

	r := repo.New(pg.DB(), log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := r.GetRuntimeConfig(ctx, seedRuntimeConfig(cfg)); err != nil {
		log.Fatal("failed to seed runtime config", "error", err)
	}

	assistant := provider.NewPromptAssistantClient(cfg.OpenAIAPIKey, cfg.DefaultMaxAPIRetries)
	imagegen := provider.NewImageGenClient(cfg.ReplicateCFBaseURL, cfg.ReplicateAPIToken, cfg.DefaultMaxAPIRetries)
	root := storage.NewRoot(cfg.RuntimeDataRoot)

	runner := pipeline.NewRunner(r, assistant, imagegen, root, log)
	pool := worker.NewPool(r, runner, log)

	log.Info("worker starting", "max_parallel_runs", cfg.DefaultMaxParallelRuns, "runtime_data_root", cfg.RuntimeDataRoot)
	pool.Start(ctx)

	<-ctx.Done()
	log.Info("shutdown signal received, draining")
}

// seedRuntimeConfig builds the row GetRuntimeConfig will insert the first
// time it runs against an empty table — later runs return the persisted row
// untouched, these values only take effect once.
func seedRuntimeConfig(cfg config.Config) domain.RuntimeConfig {
	return domain.RuntimeConfig{
		QualityThreshold:     cfg.DefaultQualityThreshold,
		MaxOptimizationLoops: cfg.DefaultMaxOptimizationLoops,
		MaxAPIRetries:        cfg.DefaultMaxAPIRetries,
		StageRetryLimit:      cfg.DefaultStageRetryLimit,
		WorkerPollSeconds:    cfg.DefaultWorkerPollSeconds,
		MaxParallelRuns:      cfg.DefaultMaxParallelRuns,
		FluxImagenFallbackOn: cfg.DefaultFluxImagenFallback,
		AssistantID:          cfg.OpenAIAssistantID,
		AssistantName:        cfg.OpenAIAssistantName,
	}
}
