package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pulsewire/platform/pkg/archive"
	"github.com/pulsewire/platform/pkg/common/config"
	"github.com/pulsewire/platform/pkg/common/kafka"
	"github.com/pulsewire/platform/pkg/common/logger"
	"github.com/pulsewire/platform/pkg/fanout"
	"github.com/pulsewire/platform/pkg/replay"
)

// replay-service is a one-shot backfill job: it drains the configured
// archive prefix back into the transport and exits.
func main() {
	logger.Init()
	cfg := config.Load()

	if err := config.Require(map[string]string{
		"ARCHIVE_BUCKET": cfg.ArchiveBucket,
		"REPLAY_PREFIX":  cfg.ReplayPrefix,
	}); err != nil {
		logger.Log.WithError(err).Fatal("invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		logger.Log.Info("Stopping replay run...")
		cancel()
	}()

	archiveStore, err := archive.NewStore(ctx, cfg.ArchiveBucket)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to open archive bucket")
	}
	defer archiveStore.Close()

	producer := kafka.NewProducer(cfg.KafkaRawTopic)
	defer producer.Close()

	fan := fanout.New(producer, cfg.FanoutMaxBatchCount, cfg.FanoutMaxBatchBytes, cfg.FanoutMaxRetries)
	coordinator := replay.NewCoordinator(archiveStore, fan, cfg.ReplayChunkSize, cfg.ReplayChunkInterval)

	stats, err := coordinator.Run(ctx, cfg.ReplayPrefix)
	if err != nil {
		logger.Log.WithError(err).WithField("stats", stats).Fatal("replay run failed")
	}
	if stats.Failed > 0 {
		logger.Log.WithField("failed", stats.Failed).Warn("replay run finished with unaccepted records; rerun to retry kept objects")
	}
}
