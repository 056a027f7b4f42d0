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
	"github.com/pulsewire/platform/pkg/fanout"
	"github.com/pulsewire/platform/pkg/observability/metrics"
	"github.com/pulsewire/platform/pkg/stream"
)

func main() {
	logger.Init()
	cfg := config.Load()

	if err := config.Require(map[string]string{
		"STREAM_BEARER_TOKEN": cfg.StreamBearerToken,
	}); err != nil {
		logger.Log.WithError(err).Fatal("invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	producer := kafka.NewProducer(cfg.KafkaRawTopic)
	defer producer.Close()

	fan := fanout.New(producer, cfg.FanoutMaxBatchCount, cfg.FanoutMaxBatchBytes, cfg.FanoutMaxRetries)

	var deadLetter stream.DeadLetter
	if cfg.ArchiveBucket != "" {
		archiveStore, err := archive.NewStore(ctx, cfg.ArchiveBucket)
		if err != nil {
			logger.Log.WithError(err).Fatal("failed to open archive bucket")
		}
		defer archiveStore.Close()
		deadLetter = stream.NewBucketDeadLetter(archiveStore, cfg.DeadLetterPrefix)
	} else {
		logger.Log.Warn("No archive bucket configured; records have no dead-letter sink")
	}

	dialer := stream.NewHTTPDialer(cfg)
	ingestor := stream.NewIngestor(dialer, fan, deadLetter, cfg.StreamBackoffBase, cfg.StreamBackoffMax)

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)

	router.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if ingestor.State() != stream.StateStreaming {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"not ready","state":%q}`, ingestor.State())
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	}).Methods(http.MethodGet)

	router.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w)
	}).Methods(http.MethodGet)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, "8081"),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host": cfg.ServerHost,
			"port": "8081",
		}).Info("Stream Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	ingestDone := make(chan error, 1)
	go func() {
		ingestDone <- ingestor.Run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Log.Info("Shutting down Stream Service...")
	case err := <-ingestDone:
		if err != nil {
			logger.Log.WithError(err).Error("Stream ingest stopped")
		} else {
			logger.Log.Info("Stream ingest finished")
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}

	logger.Log.Info("Stream Service stopped")
}
