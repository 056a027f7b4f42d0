package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pulsewire/platform/pkg/common/logger"
	"github.com/pulsewire/platform/pkg/common/models"
	"github.com/pulsewire/platform/pkg/filters"
	"github.com/pulsewire/platform/pkg/search"
	"github.com/pulsewire/platform/pkg/store"
)

func init() {
	logger.Init()
}

type fakeEnricher struct {
	mu       sync.Mutex
	calls    int
	failFor  map[string]error
	failures map[string]int
}

func (f *fakeEnricher) Analyze(ctx context.Context, text, lang string) (*models.EnrichmentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err, ok := f.failFor[text]; ok {
		if f.failures == nil {
			f.failures = map[string]int{}
		}
		f.failures[text]++
		return nil, err
	}
	code := lang
	if code == "" {
		code = "en"
	}
	return &models.EnrichmentResult{
		NormalizedText:     text,
		NormalizedTextHash: "hash-" + text,
		Sentiment:          "NEUTRAL",
		Entities:           []string{"acme"},
		LanguageCode:       code,
	}, nil
}

type storedRow struct {
	item store.Item
}

type fakeItemStore struct {
	mu      sync.Mutex
	rows    map[string]storedRow
	putErr  error
	puts    int
	updates int
}

func newFakeItemStore() *fakeItemStore {
	return &fakeItemStore{rows: map[string]storedRow{}}
}

func (f *fakeItemStore) PutIfAbsentOrNewer(ctx context.Context, item *store.Item) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return false, f.putErr
	}
	f.puts++
	existing, ok := f.rows[item.ID]
	if ok && existing.item.UpdatedAt > item.UpdatedAt {
		return false, nil
	}
	f.rows[item.ID] = storedRow{item: *item}
	return true, nil
}

func (f *fakeItemStore) UpdateMetricsIfNewer(ctx context.Context, id string, m models.PublicMetrics, updatedAt int64) (bool, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	existing, ok := f.rows[id]
	if !ok {
		return false, false, nil
	}
	if existing.item.UpdatedAt > updatedAt {
		return false, true, nil
	}
	existing.item.RetweetCount = m.RetweetCount
	existing.item.ReplyCount = m.ReplyCount
	existing.item.LikeCount = m.LikeCount
	existing.item.QuoteCount = m.QuoteCount
	existing.item.UpdatedAt = updatedAt
	f.rows[id] = existing
	return true, true, nil
}

type fakeIndexer struct {
	mu    sync.Mutex
	docs  []search.Document
	calls int
	err   error
}

func (f *fakeIndexer) BulkUpsert(ctx context.Context, docs []search.Document) (search.BulkResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return search.BulkResult{}, f.err
	}
	f.docs = append(f.docs, docs...)
	return search.BulkResult{Total: len(docs), Successful: len(docs)}, nil
}

func testMaterializer(enricher Enricher, itemStore ItemStore, indexer Indexer) *Materializer {
	cfg := filters.DefaultConfig()
	m := NewMaterializer(filters.NewChain(cfg), enricher, itemStore, indexer, "records", 4, cfg.OldestAllowed)
	m.now = func() time.Time { return time.Date(2023, 6, 15, 0, 0, 0, 0, time.UTC) }
	return m
}

func envelope(id, text, lang, source string, ts time.Time) models.Envelope {
	return models.Envelope{
		ID:     "env-" + id,
		Source: "stream",
		Payload: models.StreamPayload{
			Record: models.Record{
				ID:          id,
				AuthorID:    "a-" + id,
				Text:        text,
				Lang:        lang,
				CreatedAt:   time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC),
				SourceLabel: source,
				Metrics:     models.PublicMetrics{LikeCount: 3},
			},
		},
		Timestamp: ts,
	}
}

func TestProcessBatchStoresAndIndexes(t *testing.T) {
	enricher := &fakeEnricher{}
	itemStore := newFakeItemStore()
	indexer := &fakeIndexer{}
	m := testMaterializer(enricher, itemStore, indexer)

	ts := time.Date(2023, 6, 1, 10, 0, 0, 0, time.UTC)
	envs := []models.Envelope{
		envelope("1", "first record", "en", "Twitter Web App", ts),
		envelope("2", "second record", "en", "Twitter Web App", ts),
	}

	processed, err := m.ProcessBatch(context.Background(), envs)
	if err != nil {
		t.Fatalf("ProcessBatch error: %v", err)
	}
	if processed != 2 {
		t.Fatalf("processed = %d, want 2", processed)
	}
	if len(itemStore.rows) != 2 {
		t.Fatalf("stored rows = %d, want 2", len(itemStore.rows))
	}
	row := itemStore.rows["1"]
	if row.item.UpdatedAt != ts.Unix() {
		t.Errorf("updated_at = %d, want %d", row.item.UpdatedAt, ts.Unix())
	}
	if row.item.NormalizedHash != "hash-first record" {
		t.Errorf("normalized hash = %q", row.item.NormalizedHash)
	}
	if len(indexer.docs) != 2 {
		t.Fatalf("indexed docs = %d, want 2", len(indexer.docs))
	}
	if indexer.docs[0].Index != "records-2023-05" {
		t.Errorf("index routing = %q, want records-2023-05", indexer.docs[0].Index)
	}
}

func TestProcessBatchBlocklistedRecordWritesNothing(t *testing.T) {
	enricher := &fakeEnricher{}
	itemStore := newFakeItemStore()
	indexer := &fakeIndexer{}
	m := testMaterializer(enricher, itemStore, indexer)

	ts := time.Date(2023, 6, 1, 10, 0, 0, 0, time.UTC)
	envs := []models.Envelope{envelope("1", "spam", "en", "twittbot.net", ts)}

	processed, err := m.ProcessBatch(context.Background(), envs)
	if err != nil {
		t.Fatalf("ProcessBatch error: %v", err)
	}
	if processed != 1 {
		t.Fatalf("processed = %d, want 1 (filtered records are acknowledged)", processed)
	}
	if enricher.calls != 0 {
		t.Errorf("enricher called %d times for a filtered record", enricher.calls)
	}
	if len(itemStore.rows) != 0 || itemStore.puts != 0 {
		t.Errorf("store written for a filtered record")
	}
	if len(indexer.docs) != 0 {
		t.Errorf("index written for a filtered record")
	}
}

func TestProcessBatchLastWriterWins(t *testing.T) {
	enricher := &fakeEnricher{}
	itemStore := newFakeItemStore()
	indexer := &fakeIndexer{}
	m := testMaterializer(enricher, itemStore, indexer)

	newer := time.Date(2023, 6, 1, 10, 0, 0, 0, time.UTC)
	older := newer.Add(-time.Minute)

	first := envelope("3", "version at t=100", "en", "Twitter Web App", newer)
	first.Payload.Record.Metrics = models.PublicMetrics{LikeCount: 100}
	if _, err := m.ProcessBatch(context.Background(), []models.Envelope{first}); err != nil {
		t.Fatalf("first batch: %v", err)
	}

	stale := envelope("3", "version at t=90", "en", "Twitter Web App", older)
	stale.Payload.Record.Metrics = models.PublicMetrics{LikeCount: 90}
	processed, err := m.ProcessBatch(context.Background(), []models.Envelope{stale})
	if err != nil {
		t.Fatalf("stale batch: %v", err)
	}
	if processed != 1 {
		t.Fatalf("processed = %d, want 1 (stale write is benign)", processed)
	}

	row := itemStore.rows["3"]
	if row.item.LikeCount != 100 {
		t.Errorf("like count = %d, want 100 (newer version must survive)", row.item.LikeCount)
	}
	if row.item.UpdatedAt != newer.Unix() {
		t.Errorf("updated_at = %d, want %d", row.item.UpdatedAt, newer.Unix())
	}
}

func TestProcessBatchEnrichmentFailureHoldsSuffix(t *testing.T) {
	enricher := &fakeEnricher{failFor: map[string]error{"doomed": errors.New("nlp unavailable")}}
	itemStore := newFakeItemStore()
	indexer := &fakeIndexer{}
	m := testMaterializer(enricher, itemStore, indexer)

	ts := time.Date(2023, 6, 1, 10, 0, 0, 0, time.UTC)
	envs := []models.Envelope{
		envelope("1", "fine", "en", "Twitter Web App", ts),
		envelope("2", "doomed", "en", "Twitter Web App", ts),
		envelope("3", "also fine", "en", "Twitter Web App", ts),
	}

	processed, err := m.ProcessBatch(context.Background(), envs)
	if err != nil {
		t.Fatalf("ProcessBatch error: %v", err)
	}
	if processed != 1 {
		t.Fatalf("processed = %d, want 1 (stops before the failed record)", processed)
	}
	// The record after the failure is still applied; redelivery re-applies
	// it idempotently.
	if _, ok := itemStore.rows["3"]; !ok {
		t.Errorf("record after the failure was not applied")
	}
	if _, ok := itemStore.rows["2"]; ok {
		t.Errorf("failed record must not be stored")
	}
}

func TestProcessBatchIncludedEntityMetricsUpdate(t *testing.T) {
	enricher := &fakeEnricher{}
	itemStore := newFakeItemStore()
	indexer := &fakeIndexer{}
	m := testMaterializer(enricher, itemStore, indexer)

	older := time.Date(2023, 6, 1, 10, 0, 0, 0, time.UTC)
	seed := envelope("orig", "original text", "en", "Twitter Web App", older)
	seed.Payload.Record.Metrics = models.PublicMetrics{LikeCount: 5}
	if _, err := m.ProcessBatch(context.Background(), []models.Envelope{seed}); err != nil {
		t.Fatalf("seed batch: %v", err)
	}
	seededText := itemStore.rows["orig"].item.Text

	quoting := envelope("q1", "quoting it", "en", "Twitter Web App", older.Add(time.Minute))
	quoting.Payload.Record.Referenced = []models.ReferencedRecord{{ID: "orig", Type: models.RelationQuoted}}
	quoting.Payload.Includes.Records = []models.Record{{
		ID:          "orig",
		AuthorID:    "a-orig",
		Text:        "original text",
		Lang:        "en",
		CreatedAt:   time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC),
		SourceLabel: "Twitter Web App",
		Metrics:     models.PublicMetrics{LikeCount: 50, RetweetCount: 7},
	}}

	if _, err := m.ProcessBatch(context.Background(), []models.Envelope{quoting}); err != nil {
		t.Fatalf("quoting batch: %v", err)
	}

	row := itemStore.rows["orig"]
	if row.item.LikeCount != 50 || row.item.RetweetCount != 7 {
		t.Errorf("included entity metrics not applied: likes=%d retweets=%d", row.item.LikeCount, row.item.RetweetCount)
	}
	if row.item.Text != seededText {
		t.Errorf("metrics update must not overwrite non-metric fields")
	}
}

func TestProcessBatchIncludedEntityInsertFallback(t *testing.T) {
	enricher := &fakeEnricher{}
	itemStore := newFakeItemStore()
	indexer := &fakeIndexer{}
	m := testMaterializer(enricher, itemStore, indexer)

	ts := time.Date(2023, 6, 1, 10, 0, 0, 0, time.UTC)
	env := envelope("q2", "quoting an unseen record", "en", "Twitter Web App", ts)
	env.Payload.Includes.Records = []models.Record{{
		ID:          "unseen",
		AuthorID:    "a-unseen",
		Text:        "never ingested on its own",
		Lang:        "en",
		CreatedAt:   time.Date(2023, 5, 20, 0, 0, 0, 0, time.UTC),
		SourceLabel: "Twitter Web App",
		Metrics:     models.PublicMetrics{LikeCount: 2},
	}}

	if _, err := m.ProcessBatch(context.Background(), []models.Envelope{env}); err != nil {
		t.Fatalf("ProcessBatch error: %v", err)
	}
	row, ok := itemStore.rows["unseen"]
	if !ok {
		t.Fatalf("out-of-order included entity was not inserted")
	}
	if row.item.LikeCount != 2 {
		t.Errorf("inserted entity like count = %d, want 2", row.item.LikeCount)
	}
	if len(indexer.docs) != 2 {
		t.Errorf("indexed docs = %d, want 2 (primary + included)", len(indexer.docs))
	}
}

func TestProcessBatchRetweetMetricsZeroedInIndex(t *testing.T) {
	enricher := &fakeEnricher{}
	itemStore := newFakeItemStore()
	indexer := &fakeIndexer{}
	m := testMaterializer(enricher, itemStore, indexer)

	ts := time.Date(2023, 6, 1, 10, 0, 0, 0, time.UTC)
	env := envelope("rt1", "RT @someone: hello", "en", "Twitter Web App", ts)
	env.Payload.Record.Referenced = []models.ReferencedRecord{{ID: "orig", Type: models.RelationRetweeted}}
	env.Payload.Record.Metrics = models.PublicMetrics{RetweetCount: 9, LikeCount: 9}

	if _, err := m.ProcessBatch(context.Background(), []models.Envelope{env}); err != nil {
		t.Fatalf("ProcessBatch error: %v", err)
	}
	if len(indexer.docs) != 1 {
		t.Fatalf("indexed docs = %d, want 1", len(indexer.docs))
	}
	doc := indexer.docs[0]
	if doc.RetweetCount != 0 || doc.LikeCount != 0 {
		t.Errorf("retweet doc metrics not zeroed: %+v", doc)
	}
	// The durable store keeps the raw counters.
	if itemStore.rows["rt1"].item.LikeCount != 9 {
		t.Errorf("store must keep raw metrics for retweets")
	}
}

func TestProcessBatchRepublishConverges(t *testing.T) {
	enricher := &fakeEnricher{}
	itemStore := newFakeItemStore()
	indexer := &fakeIndexer{}
	m := testMaterializer(enricher, itemStore, indexer)

	ts := time.Date(2023, 6, 1, 10, 0, 0, 0, time.UTC)
	env := envelope("dup", "same record twice", "en", "Twitter Web App", ts)

	for i := 0; i < 2; i++ {
		if _, err := m.ProcessBatch(context.Background(), []models.Envelope{env}); err != nil {
			t.Fatalf("batch %d: %v", i, err)
		}
	}
	if len(itemStore.rows) != 1 {
		t.Fatalf("rows = %d, want 1 (redelivery must merge, not duplicate)", len(itemStore.rows))
	}
	for _, doc := range indexer.docs {
		if doc.ID != "dup" {
			t.Fatalf("unexpected doc id %q", doc.ID)
		}
	}
}

func TestProcessBatchIndexFailureHoldsBatch(t *testing.T) {
	enricher := &fakeEnricher{}
	itemStore := newFakeItemStore()
	indexer := &fakeIndexer{err: fmt.Errorf("search cluster unavailable")}
	m := testMaterializer(enricher, itemStore, indexer)

	ts := time.Date(2023, 6, 1, 10, 0, 0, 0, time.UTC)
	envs := []models.Envelope{envelope("1", "first", "en", "Twitter Web App", ts)}

	processed, err := m.ProcessBatch(context.Background(), envs)
	if err == nil {
		t.Fatalf("expected bulk index error")
	}
	if processed != 0 {
		t.Fatalf("processed = %d, want 0 when the bulk call fails", processed)
	}
}
