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
	"github.com/pulsewire/platform/pkg/archive"
	"github.com/pulsewire/platform/pkg/common/config"
	"github.com/pulsewire/platform/pkg/common/kafka"
	"github.com/pulsewire/platform/pkg/common/logger"
	"github.com/pulsewire/platform/pkg/common/models"
	"github.com/pulsewire/platform/pkg/observability/metrics"
)

func main() {
	logger.Init()
	cfg := config.Load()

	if err := config.Require(map[string]string{
		"ARCHIVE_BUCKET": cfg.ArchiveBucket,
	}); err != nil {
		logger.Log.WithError(err).Fatal("invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	archiveStore, err := archive.NewStore(ctx, cfg.ArchiveBucket)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to open archive bucket")
	}
	defer archiveStore.Close()

	archiver := archive.NewArchiver(archiveStore, cfg.ArchivePrefix, cfg.ArchiveMaxObjectRecords, cfg.ArchiveMaxObjectAge)

	// Own consumer group so archival progresses independently of the
	// materializer on the same topic.
	consumer := kafka.NewConsumer(cfg.KafkaRawTopic, cfg.KafkaGroupID+"-archiver")
	defer consumer.Close()

	handler := func(ctx context.Context, envs []models.Envelope) (int, error) {
		for i, env := range envs {
			if err := archiver.Add(ctx, env.Payload); err != nil {
				return i, err
			}
		}
		return len(envs), nil
	}

	consumeDone := make(chan error, 1)
	go func() {
		consumeDone <- consumer.ConsumeBatches(ctx, cfg.BatchSize, cfg.BatchFlushInterval, cfg.BatchDeadline, handler)
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
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, "8083"),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host": cfg.ServerHost,
			"port": "8083",
		}).Info("Archiver Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Log.Info("Shutting down Archiver Service...")
	case err := <-consumeDone:
		if err != nil {
			logger.Log.WithError(err).Error("Batch consumer stopped")
		}
	}
	cancel()

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer flushCancel()
	if err := archiver.Flush(flushCtx); err != nil {
		logger.Log.WithError(err).Error("final archive flush failed")
	}

	if err := server.Shutdown(flushCtx); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}

	logger.Log.Info("Archiver Service stopped")
}
