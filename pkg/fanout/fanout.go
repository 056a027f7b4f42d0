package fanout

import (
	"context"
	"errors"
	"time"

	pwkafka "github.com/pulsewire/platform/pkg/common/kafka"
	"github.com/pulsewire/platform/pkg/common/logger"
	"github.com/pulsewire/platform/pkg/common/models"
	"github.com/pulsewire/platform/pkg/observability/metrics"
	"github.com/segmentio/kafka-go"
)

// ErrNotForwarded is returned by Forward when a record could not be placed
// on the transport after retries.
var ErrNotForwarded = errors.New("record not forwarded to transport")

// BatchWriter is the transport write surface. Implemented by
// pkg/common/kafka.Producer.
type BatchWriter interface {
	WriteBatch(ctx context.Context, msgs []kafka.Message) ([]int, error)
}

// Result reports how a publish call fared per record.
type Result struct {
	Accepted int
	Failed   int
}

// Fanout partitions and batches envelopes onto the transport. Batches are
// capped by message count and by byte size; partial failures are retried
// for the failed subset only.
type Fanout struct {
	writer     BatchWriter
	maxCount   int
	maxBytes   int
	maxRetries int
	retryDelay time.Duration
}

func New(writer BatchWriter, maxCount, maxBytes, maxRetries int) *Fanout {
	if maxCount <= 0 {
		maxCount = 500
	}
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	return &Fanout{
		writer:     writer,
		maxCount:   maxCount,
		maxBytes:   maxBytes,
		maxRetries: maxRetries,
		retryDelay: 200 * time.Millisecond,
	}
}

// Publish writes the envelopes in capped batches. Failures after retry
// exhaustion are counted, not fatal; the caller observes them through the
// Result and metrics.
func (f *Fanout) Publish(ctx context.Context, envs []models.Envelope) Result {
	var res Result

	msgs := make([]kafka.Message, 0, len(envs))
	for _, env := range envs {
		msg, err := pwkafka.Message(env)
		if err != nil {
			logger.Log.WithError(err).WithField("record_id", env.Payload.Record.ID).Error("Failed to encode envelope")
			res.Failed++
			continue
		}
		msgs = append(msgs, msg)
	}

	for _, batch := range f.chunk(msgs) {
		accepted, failed := f.writeWithRetry(ctx, batch)
		res.Accepted += accepted
		res.Failed += failed
	}

	metrics.AddFanoutAccepted(res.Accepted)
	metrics.AddFanoutFailed(res.Failed)
	return res
}

// Forward publishes a single payload, wrapped in a stream envelope. Returns
// ErrNotForwarded when the transport rejected it so the caller can route the
// record to the dead-letter sink.
func (f *Fanout) Forward(ctx context.Context, source string, payload models.StreamPayload) error {
	res := f.Publish(ctx, []models.Envelope{models.NewEnvelope(source, payload)})
	if res.Accepted == 0 {
		return ErrNotForwarded
	}
	return nil
}

func (f *Fanout) writeWithRetry(ctx context.Context, batch []kafka.Message) (accepted, failed int) {
	pending := batch
	for attempt := 0; ; attempt++ {
		failedIdx, err := f.writer.WriteBatch(ctx, pending)
		if err != nil {
			// Whole-call failure: every pending message failed this attempt.
			failedIdx = make([]int, len(pending))
			for i := range pending {
				failedIdx[i] = i
			}
		}
		accepted += len(pending) - len(failedIdx)
		if len(failedIdx) == 0 {
			return accepted, failed
		}
		if attempt >= f.maxRetries || ctx.Err() != nil {
			return accepted, failed + len(failedIdx)
		}

		retry := make([]kafka.Message, 0, len(failedIdx))
		for _, i := range failedIdx {
			retry = append(retry, pending[i])
		}
		pending = retry

		select {
		case <-time.After(f.retryDelay):
		case <-ctx.Done():
			return accepted, failed + len(pending)
		}
	}
}

// chunk splits messages into batches respecting the count and byte caps.
// Plain iteration; the byte size of a message counts its key and value.
func (f *Fanout) chunk(msgs []kafka.Message) [][]kafka.Message {
	var (
		batches [][]kafka.Message
		current []kafka.Message
		size    int
	)
	for _, msg := range msgs {
		msgSize := len(msg.Key) + len(msg.Value)
		if len(current) > 0 && (len(current) >= f.maxCount || size+msgSize > f.maxBytes) {
			batches = append(batches, current)
			current = nil
			size = 0
		}
		current = append(current, msg)
		size += msgSize
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}
