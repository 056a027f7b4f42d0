package pipeline

import (
	"context"
	"time"

	"github.com/pulsewire/platform/pkg/common/logger"
	"github.com/pulsewire/platform/pkg/common/models"
	"github.com/pulsewire/platform/pkg/filters"
	"github.com/pulsewire/platform/pkg/observability/metrics"
	"github.com/pulsewire/platform/pkg/search"
	"github.com/pulsewire/platform/pkg/store"
	"golang.org/x/sync/errgroup"
)

// ItemStore is the durable-store surface: conditional writes only.
type ItemStore interface {
	PutIfAbsentOrNewer(ctx context.Context, item *store.Item) (bool, error)
	UpdateMetricsIfNewer(ctx context.Context, id string, m models.PublicMetrics, updatedAt int64) (applied, priorExists bool, err error)
}

// Enricher computes NLP enrichment for a record's text.
type Enricher interface {
	Analyze(ctx context.Context, text, lang string) (*models.EnrichmentResult, error)
}

// Indexer upserts documents into the search index.
type Indexer interface {
	BulkUpsert(ctx context.Context, docs []search.Document) (search.BulkResult, error)
}

// Materializer consumes transport batches and materializes them: filter,
// enrich, conditional store upsert and idempotent index upsert. Per-id
// ordering is guaranteed by the conflict token alone, never by locking.
type Materializer struct {
	filters       *filters.Chain
	enricher      Enricher
	store         ItemStore
	indexer       Indexer
	indexPrefix   string
	concurrency   int
	includeOldest time.Time
	now           func() time.Time
}

func NewMaterializer(chain *filters.Chain, enricher Enricher, itemStore ItemStore, indexer Indexer, indexPrefix string, concurrency int, includeOldest time.Time) *Materializer {
	if concurrency <= 0 {
		concurrency = 10
	}
	return &Materializer{
		filters:       chain,
		enricher:      enricher,
		store:         itemStore,
		indexer:       indexer,
		indexPrefix:   indexPrefix,
		concurrency:   concurrency,
		includeOldest: includeOldest,
		now:           time.Now,
	}
}

type outcome struct {
	keep   bool
	result *models.EnrichmentResult
	err    error
}

// ProcessBatch materializes one transport batch and returns how many
// leading envelopes are safe to acknowledge. Records whose enrichment
// exhausted retries stay unacknowledged and come back via redelivery;
// everything applied here is idempotent under that redelivery.
func (m *Materializer) ProcessBatch(ctx context.Context, envs []models.Envelope) (int, error) {
	outcomes := make([]outcome, len(envs))

	// Enrichment runs concurrently with a bounded limit to cap external
	// API load. Failures are recorded per envelope, never aborting peers.
	var g errgroup.Group
	g.SetLimit(m.concurrency)
	for idx := range envs {
		idx := idx
		rec := envs[idx].Payload.Record
		g.Go(func() error {
			keep, name := m.filters.Keep(rec)
			if !keep {
				metrics.AddFiltered(1)
				logger.Log.WithFields(map[string]interface{}{
					"record_id": rec.ID,
					"filter":    name,
				}).Debug("Record rejected by filter chain")
				return nil
			}
			result, err := m.enricher.Analyze(ctx, rec.Text, rec.Lang)
			if err != nil {
				outcomes[idx].err = err
				return nil
			}
			outcomes[idx].keep = true
			outcomes[idx].result = result
			return nil
		})
	}
	_ = g.Wait()

	var (
		docs         []search.Document
		firstFailure = -1
	)
	for idx, env := range envs {
		out := outcomes[idx]
		if out.err != nil {
			logger.Log.WithError(out.err).WithField("record_id", env.Payload.Record.ID).Error("Enrichment failed; record left for redelivery")
			if firstFailure < 0 {
				firstFailure = idx
			}
			continue
		}
		if !out.keep {
			continue
		}

		if ok := m.materializePrimary(ctx, env, out.result, &docs); !ok && firstFailure < 0 {
			firstFailure = idx
		}
		m.materializeIncludes(ctx, env, &docs)
	}

	if _, err := m.indexer.BulkUpsert(ctx, docs); err != nil {
		// Nothing indexed is confirmed; hold the whole batch for redelivery.
		return 0, err
	}

	if firstFailure >= 0 {
		return firstFailure, nil
	}
	return len(envs), nil
}

func (m *Materializer) materializePrimary(ctx context.Context, env models.Envelope, result *models.EnrichmentResult, docs *[]search.Document) bool {
	rec := env.Payload.Record
	token := env.Timestamp.Unix()
	author := env.Payload.Author(rec.AuthorID)

	item := buildItem(rec, author, result, token)
	applied, err := m.store.PutIfAbsentOrNewer(ctx, item)
	if err != nil {
		logger.Log.WithError(err).WithField("record_id", rec.ID).Error("Store upsert failed; record left for redelivery")
		return false
	}
	if applied {
		metrics.AddStoreApplied(1)
	} else {
		// Benign: a newer version already landed.
		metrics.AddStoreConflicts(1)
	}

	*docs = append(*docs, search.NewDocument(m.indexPrefix, rec, author, result, token, m.now))
	return true
}

// materializeIncludes applies the metrics-only conditional update to each
// bundled secondary record, falling back to a full insert when the entity
// arrived here before its own primary ingestion. Include failures never
// fail the primary record.
func (m *Materializer) materializeIncludes(ctx context.Context, env models.Envelope, docs *[]search.Document) {
	token := env.Timestamp.Unix()
	for _, rec := range env.Payload.Includes.Records {
		keep, _ := m.filters.KeepWithAge(rec, m.includeOldest)
		if !keep {
			metrics.AddFiltered(1)
			continue
		}

		applied, priorExists, err := m.store.UpdateMetricsIfNewer(ctx, rec.ID, rec.Metrics, token)
		if err != nil {
			logger.Log.WithError(err).WithField("record_id", rec.ID).Warn("Included entity update failed")
			continue
		}
		if !applied && priorExists {
			metrics.AddStoreConflicts(1)
		}
		if !priorExists {
			author := env.Payload.Author(rec.AuthorID)
			if _, err := m.store.PutIfAbsentOrNewer(ctx, buildItem(rec, author, nil, token)); err != nil {
				logger.Log.WithError(err).WithField("record_id", rec.ID).Warn("Included entity insert failed")
				continue
			}
			metrics.AddStoreApplied(1)
		}

		*docs = append(*docs, search.NewDocument(m.indexPrefix, rec, env.Payload.Author(rec.AuthorID), nil, token, m.now))
	}
}

func buildItem(rec models.Record, author *models.Author, result *models.EnrichmentResult, updatedAt int64) *store.Item {
	item := &store.Item{
		ID:             rec.ID,
		AuthorID:       rec.AuthorID,
		Text:           rec.Text,
		Lang:           rec.Lang,
		SourceLabel:    rec.SourceLabel,
		CreatedAt:      rec.CreatedAt,
		ContextDomains: rec.ContextDomains,
		Referenced:     rec.Referenced,
		RetweetCount:   rec.Metrics.RetweetCount,
		ReplyCount:     rec.Metrics.ReplyCount,
		LikeCount:      rec.Metrics.LikeCount,
		QuoteCount:     rec.Metrics.QuoteCount,
		UpdatedAt:      updatedAt,
	}
	if author != nil {
		item.AuthorName = author.Name
		item.AuthorUsername = author.Username
	}
	if result != nil {
		item.Lang = result.LanguageCode
		item.Sentiment = result.Sentiment
		item.SentimentPos = result.SentimentScores.Positive
		item.SentimentNeg = result.SentimentScores.Negative
		item.SentimentNeu = result.SentimentScores.Neutral
		item.SentimentMix = result.SentimentScores.Mixed
		item.Entities = result.Entities
		item.NormalizedHash = result.NormalizedTextHash
	}
	return item
}
