package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/pulsewire/platform/pkg/common/config"
	"github.com/pulsewire/platform/pkg/common/logger"
	"github.com/pulsewire/platform/pkg/common/models"
	"github.com/segmentio/kafka-go"
)

type Consumer struct {
	reader *kafka.Reader
}

// BatchHandler processes a batch of envelopes and returns how many leading
// envelopes were fully processed. Only offsets covered by that prefix are
// committed; everything after it is redelivered (at-least-once).
type BatchHandler func(ctx context.Context, envs []models.Envelope) (int, error)

func NewConsumer(topic string, groupID string) *Consumer {
	cfg := config.Load()
	if groupID == "" {
		groupID = cfg.KafkaGroupID
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})

	return &Consumer{reader: reader}
}

// ConsumeBatches fetches up to batchSize messages (waiting at most
// flushInterval once the first message arrives), hands them to the handler
// under a per-batch deadline and commits the processed prefix.
func (c *Consumer) ConsumeBatches(ctx context.Context, batchSize int, flushInterval, deadline time.Duration, handler BatchHandler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msgs, envs, envIdx, err := c.fetchBatch(ctx, batchSize, flushInterval)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			logger.Log.WithError(err).Error("Failed to fetch messages")
			continue
		}
		if len(envs) == 0 {
			// Only malformed messages in this batch; skip past them.
			if len(msgs) > 0 {
				c.commit(ctx, msgs)
			}
			continue
		}

		bctx, cancel := context.WithTimeout(ctx, deadline)
		processed, handleErr := handler(bctx, envs)
		cancel()
		if handleErr != nil {
			logger.Log.WithError(handleErr).WithFields(map[string]interface{}{
				"batch":     len(envs),
				"processed": processed,
			}).Error("Batch processing failed; unprocessed records will be redelivered")
		}

		if processed <= 0 {
			continue
		}
		if processed >= len(envs) {
			c.commit(ctx, msgs)
			continue
		}
		last := envIdx[processed-1]
		c.commit(ctx, msgs[:last+1])
	}
}

func (c *Consumer) fetchBatch(ctx context.Context, batchSize int, flushInterval time.Duration) ([]kafka.Message, []models.Envelope, []int, error) {
	first, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return nil, nil, nil, err
	}

	msgs := []kafka.Message{first}
	fctx, cancel := context.WithTimeout(ctx, flushInterval)
	defer cancel()
	for len(msgs) < batchSize {
		msg, err := c.reader.FetchMessage(fctx)
		if err != nil {
			// Flush on timeout; anything the parent context cancels is
			// surfaced on the next loop turn.
			break
		}
		msgs = append(msgs, msg)
	}

	envs := make([]models.Envelope, 0, len(msgs))
	envIdx := make([]int, 0, len(msgs))
	for i, msg := range msgs {
		var env models.Envelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			logger.Log.WithError(err).WithField("offset", msg.Offset).Error("Failed to unmarshal envelope")
			continue
		}
		envs = append(envs, env)
		envIdx = append(envIdx, i)
	}
	return msgs, envs, envIdx, nil
}

func (c *Consumer) commit(ctx context.Context, msgs []kafka.Message) {
	// Commits for a finished batch should survive shutdown cancellation.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := c.reader.CommitMessages(cctx, msgs...); err != nil {
		logger.Log.WithError(err).Error("Failed to commit messages")
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
