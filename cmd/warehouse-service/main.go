package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

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

func main() {
	logger.Init()
	metrics.Init()
	cfg := config.Load()

	db, err := database.GetPostgres()
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to connect to postgres")
	}

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
	handler := pipeline.NewHTTPHandler(runner, cfg.MaxRequestBody)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.StagingTopic != "" {
		var dlq pipeline.EventPublisher
		if cfg.PipelineDLQTopic != "" {
			dlqProducer := kafka.NewProducer(cfg.PipelineDLQTopic)
			defer dlqProducer.Close()
			dlq = dlqProducer
		}
		intake := pipeline.NewIntake(runner, dlq)
		consumer := kafka.NewConsumer(cfg.StagingTopic, cfg.KafkaGroupID)
		defer consumer.Close()
		go func() {
			if err := consumer.Consume(ctx, intake.HandleEvent); err != nil && !errors.Is(err, context.Canceled) {
				logger.Log.WithError(err).Error("staging consumer stopped")
			}
		}()
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)

	router.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	}).Methods(http.MethodGet)

	router.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w)
	}).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	handler.Register(api)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host": cfg.ServerHost,
			"port": cfg.ServerPort,
		}).Info("Warehouse Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Warehouse Service...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}

	database.CloseRedis()
	database.ClosePostgres()

	logger.Log.Info("Warehouse Service stopped")
}
