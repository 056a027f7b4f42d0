package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/pulsewire/platform/pkg/common/config"
	"github.com/pulsewire/platform/pkg/common/database"
	"github.com/pulsewire/platform/pkg/common/kafka"
	"github.com/pulsewire/platform/pkg/common/logger"
	"github.com/pulsewire/platform/pkg/enrich"
	"github.com/pulsewire/platform/pkg/filters"
	"github.com/pulsewire/platform/pkg/observability/metrics"
	"github.com/pulsewire/platform/pkg/pipeline"
	"github.com/pulsewire/platform/pkg/search"
	"github.com/pulsewire/platform/pkg/store"
)

func main() {
	logger.Init()
	cfg := config.Load()

	db, err := database.GetPostgres()
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to connect to postgres")
	}
	defer database.ClosePostgres()

	repo := store.NewRepository(db)
	if err := repo.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate item tables")
	}

	cache := enrich.NewRedisCache(database.GetRedis(), cfg.EnrichmentCacheTTL)
	defer database.CloseRedis()

	enricher := enrich.NewClient(enrich.NewHTTPDetector(cfg), cache, cfg)

	filterCfg := filters.DefaultConfig()
	if cfg.FilterConfigPath != "" {
		filterCfg, err = filters.Load(cfg.FilterConfigPath)
		if err != nil {
			logger.Log.WithError(err).Fatal("failed to load filter configuration")
		}
	}
	chain := filters.NewChain(filterCfg)

	indexer, err := search.NewIndexer(cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to create search indexer")
	}

	materializer := pipeline.NewMaterializer(
		chain,
		enricher,
		repo,
		indexer,
		cfg.IndexPrefix,
		cfg.EnrichmentConcurrency,
		filterCfg.OldestAllowed,
	)

	consumer := kafka.NewConsumer(cfg.KafkaRawTopic, cfg.KafkaGroupID)
	defer consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumeDone := make(chan error, 1)
	go func() {
		consumeDone <- consumer.ConsumeBatches(ctx, cfg.BatchSize, cfg.BatchFlushInterval, cfg.BatchDeadline, materializer.ProcessBatch)
	}()

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

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, "8082"),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host": cfg.ServerHost,
			"port": "8082",
		}).Info("Materializer Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Log.Info("Shutting down Materializer Service...")
	case err := <-consumeDone:
		if err != nil {
			logger.Log.WithError(err).Error("Batch consumer stopped")
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}

	logger.Log.Info("Materializer Service stopped")
}
