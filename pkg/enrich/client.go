package enrich

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pulsewire/platform/pkg/common/config"
	"github.com/pulsewire/platform/pkg/common/httpclient"
	"github.com/pulsewire/platform/pkg/common/models"
	"github.com/pulsewire/platform/pkg/normalize"
	"github.com/pulsewire/platform/pkg/observability/metrics"
	"golang.org/x/sync/errgroup"
)

// Entity types never worth indexing.
var droppedEntityTypes = map[string]struct{}{
	"QUANTITY": {},
	"DATE":     {},
}

// Client performs idempotent NLP enrichment keyed by the content hash of
// the normalized text. Results are cached; identical text is analyzed once.
type Client struct {
	detector       Detector
	cache          ResultCache
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	scoreThreshold float64
}

func NewClient(detector Detector, cache ResultCache, cfg *config.Config) *Client {
	attempts := cfg.NLPRetryAttempts
	if attempts < 10 {
		attempts = 10
	}
	return &Client{
		detector:       detector,
		cache:          cache,
		retryAttempts:  attempts,
		retryBaseDelay: cfg.NLPRetryBaseDelay,
		retryMaxDelay:  cfg.NLPRetryMaxDelay,
		scoreThreshold: cfg.EntityScoreThreshold,
	}
}

// Analyze normalizes text, consults the cache and on a miss runs language,
// entity and sentiment detection. A failure after retry exhaustion is
// surfaced to the caller for that record only; it never crashes a batch.
func (c *Client) Analyze(ctx context.Context, text, lang string) (*models.EnrichmentResult, error) {
	normalized := normalize.Normalize(text)
	hash := normalize.ContentHash(normalized)

	if result, ok := c.cache.Get(ctx, hash); ok {
		metrics.AddEnrichCacheHits(1)
		return result, nil
	}
	metrics.AddEnrichCacheMisses(1)

	if lang == "" {
		detected, err := c.detectLanguage(ctx, normalized)
		if err != nil {
			metrics.AddEnrichFailures(1)
			return nil, fmt.Errorf("detecting language: %w", err)
		}
		lang = detected
	}
	if lang == "" {
		// Unknown language is not a failure; analysis proceeds on the text
		// as given.
		lang = models.LangUndetermined
	}

	var (
		entities  []Entity
		sentiment Sentiment
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := c.retry(gctx, func() error {
			var callErr error
			entities, callErr = c.detector.DetectEntities(gctx, normalized, lang)
			return callErr
		})
		if err != nil {
			return fmt.Errorf("detecting entities: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		err := c.retry(gctx, func() error {
			var callErr error
			sentiment, callErr = c.detector.DetectSentiment(gctx, normalized, lang)
			return callErr
		})
		if err != nil {
			return fmt.Errorf("detecting sentiment: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		metrics.AddEnrichFailures(1)
		return nil, err
	}

	result := &models.EnrichmentResult{
		NormalizedText:     normalized,
		NormalizedTextHash: hash,
		Sentiment:          sentiment.Label,
		SentimentScores:    sentiment.Scores,
		Entities:           c.filterEntities(entities),
		LanguageCode:       lang,
	}

	c.cache.Put(ctx, hash, result)
	return result, nil
}

func (c *Client) detectLanguage(ctx context.Context, text string) (string, error) {
	var languages []LanguageScore
	err := c.retry(ctx, func() error {
		var callErr error
		languages, callErr = c.detector.DetectDominantLanguage(ctx, text)
		return callErr
	})
	if err != nil {
		return "", err
	}

	best := ""
	bestScore := -1.0
	for _, l := range languages {
		// Strictly greater keeps the first occurrence on ties.
		if l.Score > bestScore {
			best = l.Code
			bestScore = l.Score
		}
	}
	return best, nil
}

// filterEntities applies the indexing rules: drop QUANTITY/DATE types,
// mentions, single characters and low-confidence hits, then lower-case and
// deduplicate. Output order is sorted for deterministic serialization.
func (c *Client) filterEntities(entities []Entity) []string {
	seen := make(map[string]struct{}, len(entities))
	for _, e := range entities {
		if _, drop := droppedEntityTypes[e.Type]; drop {
			continue
		}
		if utf8.RuneCountInString(e.Text) < 2 || strings.HasPrefix(e.Text, "@") {
			continue
		}
		if e.Score < c.scoreThreshold {
			continue
		}
		seen[strings.ToLower(e.Text)] = struct{}{}
	}
	if len(seen) == 0 {
		return nil
	}

	out := make([]string, 0, len(seen))
	for text := range seen {
		out = append(out, text)
	}
	sort.Strings(out)
	return out
}

func (c *Client) retry(ctx context.Context, fn func() error) error {
	return httpclient.Retry(ctx, c.retryAttempts, c.retryBaseDelay, c.retryMaxDelay, fn)
}
