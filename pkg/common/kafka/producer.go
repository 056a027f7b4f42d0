package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pulsewire/platform/pkg/common/config"
	"github.com/pulsewire/platform/pkg/common/logger"
	"github.com/pulsewire/platform/pkg/common/models"
	"github.com/segmentio/kafka-go"
)

type Producer struct {
	writer *kafka.Writer
}

func NewProducer(topic string) *Producer {
	cfg := config.Load()
	writer := &kafka.Writer{
		Addr:  kafka.TCP(cfg.KafkaBrokers...),
		Topic: topic,
		// Hash balancer so every update to the same record id routes
		// through the same ordered partition.
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	}

	return &Producer{writer: writer}
}

// Message builds a transport message for an envelope, keyed by the primary
// record's id.
func Message(env models.Envelope) (kafka.Message, error) {
	value, err := json.Marshal(env)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshaling envelope: %w", err)
	}
	return kafka.Message{
		Key:   []byte(env.Payload.Record.ID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "source", Value: []byte(env.Source)},
		},
	}, nil
}

// WriteBatch writes the given messages and returns the indices of messages
// the broker rejected. A nil error with a non-empty index slice is a partial
// failure; the caller decides whether to retry the failed subset.
func (p *Producer) WriteBatch(ctx context.Context, msgs []kafka.Message) ([]int, error) {
	if len(msgs) == 0 {
		return nil, nil
	}

	err := p.writer.WriteMessages(ctx, msgs...)
	switch werr := err.(type) {
	case nil:
		return nil, nil
	case kafka.WriteErrors:
		failed := make([]int, 0, len(msgs))
		for i := range werr {
			if werr[i] != nil {
				failed = append(failed, i)
			}
		}
		logger.Log.WithFields(map[string]interface{}{
			"topic":  p.writer.Topic,
			"total":  len(msgs),
			"failed": len(failed),
		}).Warn("Partial batch write failure")
		return failed, nil
	default:
		logger.Log.WithError(err).WithField("topic", p.writer.Topic).Error("Failed to write batch")
		return nil, err
	}
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
