package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/carelattice/warehouse/pkg/common/config"
	"github.com/carelattice/warehouse/pkg/common/database"
	"github.com/carelattice/warehouse/pkg/common/kafka"
	"github.com/carelattice/warehouse/pkg/common/logger"
	"github.com/carelattice/warehouse/pkg/observability/metrics"
	"github.com/carelattice/warehouse/pkg/pipeline"
	"github.com/carelattice/warehouse/pkg/schema"
	"github.com/carelattice/warehouse/pkg/staging"
	"github.com/carelattice/warehouse/pkg/validation"
	"github.com/carelattice/warehouse/pkg/warehouse"
)

// pipeline-runner executes one full pipeline run and exits. Intended for
// cron and batch orchestration; the long-lived HTTP surface lives in
// warehouse-service.
func main() {
	logger.Init()
	metrics.Init()
	cfg := config.Load()

	db, err := database.GetPostgres()
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to connect to postgres")
	}
	defer database.ClosePostgres()

	catalog, err := schema.Load(cfg.SchemaCatalogPath)
	if err != nil {
		logger.Log.WithError(err).Warn("schema catalog load failed, using built-in catalog")
	}

	staged := staging.NewRepository(db)
	if err := staged.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate staging tables")
	}

	store := warehouse.NewRepository(db)
	if err := store.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate warehouse tables")
	}

	cache := warehouse.NewKeyCache(database.GetRedis(), cfg.ResolverCacheTTL)
	defer database.CloseRedis()
	resolver := warehouse.NewResolver(store, cache)

	engine := validation.NewEngine(catalog, staged, resolver)
	loader := warehouse.NewLoader(catalog, staged, store, resolver, cfg.LoadWorkers)
	dedup := warehouse.NewDeduplicator(db, cache)
	auditor := warehouse.NewAuditor(db)

	var publisher pipeline.EventPublisher
	if cfg.PublishStageEvents {
		producer := kafka.NewProducer(cfg.PipelineTopic)
		defer producer.Close()
		publisher = producer
	}

	runner := pipeline.NewRunner(catalog, staged, engine, loader, dedup, auditor, store, publisher)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.RunTimeout)
	defer cancel()

	run, err := runner.RunAll(ctx)
	if err != nil {
		logger.Log.WithError(err).WithField("run_id", run.RunID).Error("pipeline run failed")
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(run); err != nil {
		logger.Log.WithError(err).Error("failed to encode run summary")
		os.Exit(1)
	}
}
