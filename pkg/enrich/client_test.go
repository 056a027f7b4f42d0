package enrich

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/pulsewire/platform/pkg/common/config"
	"github.com/pulsewire/platform/pkg/common/httpclient"
	"github.com/pulsewire/platform/pkg/common/models"
)

type fakeCache struct {
	entries map[string]*models.EnrichmentResult
	puts    int
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[string]*models.EnrichmentResult{}}
}

func (c *fakeCache) Get(_ context.Context, hash string) (*models.EnrichmentResult, bool) {
	r, ok := c.entries[hash]
	return r, ok
}

func (c *fakeCache) Put(_ context.Context, hash string, result *models.EnrichmentResult) {
	c.entries[hash] = result
	c.puts++
}

type fakeDetector struct {
	languages []LanguageScore
	entities  []Entity
	sentiment Sentiment

	langCalls      int
	entityCalls    int
	sentimentCalls int

	entityErrors int   // fail this many entity calls before succeeding
	entityErr    error // when set, every entity call fails with this
}

func (d *fakeDetector) DetectDominantLanguage(context.Context, string) ([]LanguageScore, error) {
	d.langCalls++
	return d.languages, nil
}

func (d *fakeDetector) DetectEntities(context.Context, string, string) ([]Entity, error) {
	d.entityCalls++
	if d.entityErr != nil {
		return nil, d.entityErr
	}
	if d.entityErrors > 0 {
		d.entityErrors--
		return nil, errors.New("nlp unavailable")
	}
	return d.entities, nil
}

func (d *fakeDetector) DetectSentiment(context.Context, string, string) (Sentiment, error) {
	d.sentimentCalls++
	return d.sentiment, nil
}

func testConfig() *config.Config {
	return &config.Config{
		NLPRetryAttempts:     10,
		NLPRetryBaseDelay:    time.Microsecond,
		NLPRetryMaxDelay:     time.Millisecond,
		EntityScoreThreshold: 0.8,
	}
}

func TestAnalyzeCachesByNormalizedText(t *testing.T) {
	detector := &fakeDetector{
		sentiment: Sentiment{Label: "POSITIVE", Scores: models.SentimentScores{Positive: 0.9}},
	}
	cache := newFakeCache()
	client := NewClient(detector, cache, testConfig())

	first, err := client.Analyze(context.Background(), "RT @x: hello https://a.b/c world", "en")
	if err != nil {
		t.Fatalf("first analyze: %v", err)
	}
	// Raw text differs but normalizes identically, so the cache must hit.
	second, err := client.Analyze(context.Background(), "hello  world", "en")
	if err != nil {
		t.Fatalf("second analyze: %v", err)
	}

	if detector.sentimentCalls != 1 || detector.entityCalls != 1 {
		t.Fatalf("expected exactly one NLP call each, got sentiment=%d entities=%d",
			detector.sentimentCalls, detector.entityCalls)
	}
	if first.NormalizedTextHash != second.NormalizedTextHash {
		t.Fatal("hashes differ for normalized-equal inputs")
	}
	if second.Sentiment != "POSITIVE" {
		t.Fatalf("cached result lost sentiment: %q", second.Sentiment)
	}
	if cache.puts != 1 {
		t.Fatalf("expected one cache write, got %d", cache.puts)
	}
}

func TestAnalyzeDetectsLanguageWhenAbsent(t *testing.T) {
	detector := &fakeDetector{
		languages: []LanguageScore{
			{Code: "es", Score: 0.7},
			{Code: "en", Score: 0.7}, // tie broken by first occurrence
			{Code: "pt", Score: 0.2},
		},
	}
	client := NewClient(detector, newFakeCache(), testConfig())

	result, err := client.Analyze(context.Background(), "hola mundo", "")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if detector.langCalls != 1 {
		t.Fatalf("expected one language call, got %d", detector.langCalls)
	}
	if result.LanguageCode != "es" {
		t.Fatalf("got language %q, want es (first max)", result.LanguageCode)
	}
}

func TestAnalyzeUndeterminedLanguageProceeds(t *testing.T) {
	detector := &fakeDetector{languages: nil}
	client := NewClient(detector, newFakeCache(), testConfig())

	result, err := client.Analyze(context.Background(), "???", "")
	if err != nil {
		t.Fatalf("analyze must not fail on unknown language: %v", err)
	}
	if result.LanguageCode != models.LangUndetermined {
		t.Fatalf("got language %q, want %q", result.LanguageCode, models.LangUndetermined)
	}
	if detector.sentimentCalls != 1 {
		t.Fatal("analysis did not proceed after undetermined language")
	}
}

func TestAnalyzeFiltersEntities(t *testing.T) {
	detector := &fakeDetector{
		entities: []Entity{
			{Text: "Berlin", Type: "LOCATION", Score: 0.95},
			{Text: "berlin", Type: "LOCATION", Score: 0.92}, // duplicate after lowering
			{Text: "100", Type: "QUANTITY", Score: 0.99},
			{Text: "Monday", Type: "DATE", Score: 0.99},
			{Text: "@someone", Type: "PERSON", Score: 0.99},
			{Text: "x", Type: "OTHER", Score: 0.99},
			{Text: "é", Type: "OTHER", Score: 0.99}, // one rune, two bytes
			{Text: "Acme Corp", Type: "ORGANIZATION", Score: 0.5},
		},
	}
	client := NewClient(detector, newFakeCache(), testConfig())

	result, err := client.Analyze(context.Background(), "some text", "en")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(result.Entities) != 1 || result.Entities[0] != "berlin" {
		t.Fatalf("got entities %v, want [berlin]", result.Entities)
	}
}

func TestAnalyzeRetriesTransientFailures(t *testing.T) {
	detector := &fakeDetector{entityErrors: 3}
	client := NewClient(detector, newFakeCache(), testConfig())

	if _, err := client.Analyze(context.Background(), "text", "en"); err != nil {
		t.Fatalf("expected retries to absorb transient failures, got %v", err)
	}
	if detector.entityCalls != 4 {
		t.Fatalf("expected 4 entity calls (3 failures + success), got %d", detector.entityCalls)
	}
}

func TestAnalyzePermanentFailureFailsFast(t *testing.T) {
	detector := &fakeDetector{
		entityErr: &httpclient.StatusError{URL: "http://nlp/v1/entities", Code: http.StatusBadRequest},
	}
	client := NewClient(detector, newFakeCache(), testConfig())

	if _, err := client.Analyze(context.Background(), "text", "en"); err == nil {
		t.Fatal("expected a permanent rejection to surface")
	}
	if detector.entityCalls != 1 {
		t.Fatalf("permanent rejection retried: %d entity calls", detector.entityCalls)
	}
}
