package search

import (
	"fmt"
	"time"

	"github.com/pulsewire/platform/pkg/common/models"
)

// Document is the denormalized, flattened index projection of a record,
// its author and its enrichment. Upserted by id with doc_as_upsert so
// repeated delivery converges instead of duplicating.
type Document struct {
	ID             string    `json:"-"`
	Index          string    `json:"-"`
	AuthorID       string    `json:"author_id,omitempty"`
	AuthorName     string    `json:"author_name,omitempty"`
	AuthorUsername string    `json:"author_username,omitempty"`
	Text           string    `json:"text"`
	NormalizedText string    `json:"normalized_text,omitempty"`
	Lang           string    `json:"lang,omitempty"`
	SourceLabel    string    `json:"source_label,omitempty"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
	ContextDomains []string  `json:"context_domains,omitempty"`
	RetweetCount   int       `json:"retweet_count"`
	ReplyCount     int       `json:"reply_count"`
	LikeCount      int       `json:"like_count"`
	QuoteCount     int       `json:"quote_count"`
	Sentiment      string    `json:"sentiment,omitempty"`
	SentimentPos   float64   `json:"sentiment_positive,omitempty"`
	SentimentNeg   float64   `json:"sentiment_negative,omitempty"`
	SentimentNeu   float64   `json:"sentiment_neutral,omitempty"`
	SentimentMix   float64   `json:"sentiment_mixed,omitempty"`
	Entities       []string  `json:"entities,omitempty"`
	UpdatedAt      int64     `json:"updated_at"`
}

// NewDocument builds the index projection. Retweets carry no engagement of
// their own, so their counters are zeroed regardless of input.
func NewDocument(prefix string, rec models.Record, author *models.Author, enr *models.EnrichmentResult, updatedAt int64, now func() time.Time) Document {
	doc := Document{
		ID:             rec.ID,
		Index:          IndexName(prefix, rec.CreatedAt, now),
		AuthorID:       rec.AuthorID,
		Text:           rec.Text,
		Lang:           rec.Lang,
		SourceLabel:    rec.SourceLabel,
		CreatedAt:      rec.CreatedAt,
		ContextDomains: rec.ContextDomains,
		RetweetCount:   rec.Metrics.RetweetCount,
		ReplyCount:     rec.Metrics.ReplyCount,
		LikeCount:      rec.Metrics.LikeCount,
		QuoteCount:     rec.Metrics.QuoteCount,
		UpdatedAt:      updatedAt,
	}

	if author != nil {
		doc.AuthorName = author.Name
		doc.AuthorUsername = author.Username
	}
	if enr != nil {
		doc.NormalizedText = enr.NormalizedText
		doc.Lang = enr.LanguageCode
		doc.Sentiment = enr.Sentiment
		doc.SentimentPos = enr.SentimentScores.Positive
		doc.SentimentNeg = enr.SentimentScores.Negative
		doc.SentimentNeu = enr.SentimentScores.Neutral
		doc.SentimentMix = enr.SentimentScores.Mixed
		doc.Entities = enr.Entities
	}

	if rec.IsRetweet() {
		doc.RetweetCount = 0
		doc.ReplyCount = 0
		doc.LikeCount = 0
		doc.QuoteCount = 0
	}

	return doc
}

// IndexName routes a document to the partition named by its creation
// year-month. Records without a creation time fall back to processing
// time; a missing timestamp never rejects a document.
func IndexName(prefix string, createdAt time.Time, now func() time.Time) string {
	if now == nil {
		now = time.Now
	}
	t := createdAt
	if t.IsZero() {
		t = now().UTC()
	}
	return fmt.Sprintf("%s-%s", prefix, t.Format("2006-01"))
}
