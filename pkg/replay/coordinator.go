package replay

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/pulsewire/platform/pkg/archive"
	"github.com/pulsewire/platform/pkg/common/logger"
	"github.com/pulsewire/platform/pkg/common/models"
	"github.com/pulsewire/platform/pkg/fanout"
	"github.com/pulsewire/platform/pkg/observability/metrics"
	"golang.org/x/time/rate"
)

// ObjectStore is the archive surface the coordinator reads from.
type ObjectStore interface {
	List(ctx context.Context, prefix string) ([]string, error)
	Open(ctx context.Context, key string) (io.ReadCloser, string, error)
	Delete(ctx context.Context, key string) error
}

// Publisher re-enters records into the transport.
type Publisher interface {
	Publish(ctx context.Context, envs []models.Envelope) fanout.Result
}

// Stats summarizes one backfill run.
type Stats struct {
	Objects     int
	Lines       int
	Malformed   int
	Duplicates  int
	Resubmitted int
	Failed      int
	Deleted     int
}

// Coordinator rehydrates archived raw records and resubmits them through
// the transport in rate-limited chunks. Resubmission is idempotent
// downstream, so a crashed run can simply be repeated.
type Coordinator struct {
	store     ObjectStore
	publisher Publisher
	chunkSize int
	limiter   *rate.Limiter
}

// NewCoordinator paces chunk submissions at one per interval to stay inside
// downstream API quotas, e.g. 2.2s per 100-record chunk for a 300 req/900s
// quota.
func NewCoordinator(store ObjectStore, publisher Publisher, chunkSize int, chunkInterval time.Duration) *Coordinator {
	if chunkSize <= 0 {
		chunkSize = 100
	}
	if chunkInterval <= 0 {
		chunkInterval = 2200 * time.Millisecond
	}
	return &Coordinator{
		store:     store,
		publisher: publisher,
		chunkSize: chunkSize,
		limiter:   rate.NewLimiter(rate.Every(chunkInterval), 1),
	}
}

// Run replays every archived object under prefix. Records are deduplicated
// by id across the whole run; source objects are deleted once all their
// lines have been handed to the transport. Malformed lines are logged and
// skipped, and do not keep an object alive.
func (c *Coordinator) Run(ctx context.Context, prefix string) (Stats, error) {
	var stats Stats

	keys, err := c.store.List(ctx, prefix)
	if err != nil {
		return stats, err
	}

	seen := make(map[string]struct{})
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		clean, err := c.replayObject(ctx, key, seen, &stats)
		if err != nil {
			return stats, err
		}
		stats.Objects++
		if !clean {
			logger.Log.WithField("key", key).Warn("Keeping archive object: some records were not accepted")
			continue
		}
		if err := c.store.Delete(ctx, key); err != nil {
			// Orphaned objects are fine: replaying them again converges.
			logger.Log.WithError(err).WithField("key", key).Warn("Archive object delete failed")
			continue
		}
		stats.Deleted++
	}

	logger.Log.WithFields(map[string]interface{}{
		"objects":     stats.Objects,
		"lines":       stats.Lines,
		"malformed":   stats.Malformed,
		"duplicates":  stats.Duplicates,
		"resubmitted": stats.Resubmitted,
		"failed":      stats.Failed,
		"deleted":     stats.Deleted,
	}).Info("Replay run finished")
	return stats, nil
}

// replayObject submits every unique record in one object and reports
// whether all of its submissions were accepted.
func (c *Coordinator) replayObject(ctx context.Context, key string, seen map[string]struct{}, stats *Stats) (bool, error) {
	rc, encoding, err := c.store.Open(ctx, key)
	if err != nil {
		return false, err
	}
	lr, err := archive.NewLineReader(rc, encoding, key)
	if err != nil {
		return false, err
	}
	defer lr.Close()

	clean := true
	var pending []models.Envelope
	for {
		line, err := lr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return false, err
		}
		stats.Lines++

		payload, err := parseArchivedLine(line)
		if err != nil {
			stats.Malformed++
			logger.Log.WithError(err).WithField("key", key).Warn("Skipping malformed archive line")
			continue
		}
		id := payload.Record.ID
		if _, dup := seen[id]; dup {
			stats.Duplicates++
			metrics.AddReplayDuplicates(1)
			continue
		}
		seen[id] = struct{}{}

		pending = append(pending, models.NewEnvelope(models.SourceReplay, payload))
		if len(pending) >= c.chunkSize {
			ok, err := c.submit(ctx, pending, stats)
			if err != nil {
				return false, err
			}
			clean = clean && ok
			pending = pending[:0]
		}
	}
	if len(pending) > 0 {
		ok, err := c.submit(ctx, pending, stats)
		if err != nil {
			return false, err
		}
		clean = clean && ok
	}
	return clean, nil
}

func (c *Coordinator) submit(ctx context.Context, envs []models.Envelope, stats *Stats) (bool, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return false, err
	}
	res := c.publisher.Publish(ctx, envs)
	stats.Resubmitted += res.Accepted
	stats.Failed += res.Failed
	metrics.AddReplayResubmitted(res.Accepted)
	return res.Failed == 0, nil
}
